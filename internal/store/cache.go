package store

// CodeCache is the durable view over the code_cache table: verified
// analysis code keyed by step fingerprint. It satisfies the generator's
// cache interface so cached steps skip the backend entirely.
type CodeCache struct {
	s *Store
}

// CodeCache returns the code cache backed by this store.
func (s *Store) CodeCache() *CodeCache {
	return &CodeCache{s: s}
}

// Get returns the cached code for a fingerprint and tracks the hit.
func (c *CodeCache) Get(fingerprint string) (string, bool) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	var code string
	if err := c.s.db.QueryRow(
		"SELECT code FROM code_cache WHERE fingerprint = ?", fingerprint,
	).Scan(&code); err != nil {
		return "", false
	}
	_, _ = c.s.db.Exec("UPDATE code_cache SET hits = hits + 1 WHERE fingerprint = ?", fingerprint)
	return code, true
}

// Put stores verified code under its fingerprint, replacing any previous
// version.
func (c *CodeCache) Put(fingerprint, code string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	_, err := c.s.db.Exec(
		"INSERT OR REPLACE INTO code_cache (fingerprint, code) VALUES (?, ?)",
		fingerprint, code,
	)
	return err
}
