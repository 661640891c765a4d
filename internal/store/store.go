// Package store persists project state in SQLite. One snapshot row per
// (project, round) is the durable record a crashed run resumes from; the
// artifact, insight, and code cache tables are queryable indexes over the
// same data for recall and reporting.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"datasage/internal/logging"
	"datasage/internal/project"
)

// ErrNotFound reports a missing project or snapshot.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite database holding all durable project data.
type Store struct {
	db       *sql.DB
	mu       sync.RWMutex
	dbPath   string
	embedder Embedder // optional, nil means keyword-only recall
}

// New opens (or creates) the database at path and prepares the schema.
func New(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("opened %s", path)
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	projectsTable := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`

	snapshotsTable := `
	CREATE TABLE IF NOT EXISTS snapshots (
		project_id TEXT NOT NULL,
		round INTEGER NOT NULL,
		state_json TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (project_id, round)
	);`

	artifactsTable := `
	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		code_version INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_project ON artifacts(project_id);
	CREATE INDEX IF NOT EXISTS idx_artifacts_step ON artifacts(step_id);`

	insightsTable := `
	CREATE TABLE IF NOT EXISTS insights (
		project_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		interpretation TEXT NOT NULL,
		findings_json TEXT,
		suggestions_json TEXT,
		confidence REAL NOT NULL,
		embedding TEXT,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (project_id, step_id)
	);`

	cacheTable := `
	CREATE TABLE IF NOT EXISTS code_cache (
		fingerprint TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		hits INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`

	for _, table := range []string{projectsTable, snapshotsTable, artifactsTable, insightsTable, cacheTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database and, when one was attached, the embedder.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.embedder != nil {
		if err := s.embedder.Close(); err != nil {
			logging.StoreDebug("embedder close: %v", err)
		}
	}
	return s.db.Close()
}

// SaveSnapshot writes one round's full state plus its index rows in a
// single transaction. Called with the clone the arena produced under its
// lock, so no concurrent mutation can race the serialization.
func (s *Store) SaveSnapshot(state *project.ProjectState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO projects (id, name, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 name = excluded.name,
		 status = excluded.status,
		 updated_at = excluded.updated_at`,
		state.ID, state.Name, string(state.Status), state.CreatedAt.UTC(), state.UpdatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to upsert project: %w", err)
	}

	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO snapshots (project_id, round, state_json) VALUES (?, ?, ?)",
		state.ID, state.Round, string(stateJSON),
	); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	for stepID, attempts := range state.Artifacts {
		for _, art := range attempts {
			if _, err := tx.Exec(
				`INSERT OR REPLACE INTO artifacts (id, project_id, step_id, outcome, code_version, duration_ms, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				art.ID, state.ID, stepID, string(art.Outcome), art.CodeVersion, art.DurationMS, art.CreatedAt.UTC(),
			); err != nil {
				return fmt.Errorf("failed to index artifact %s: %w", art.ID, err)
			}
		}
	}

	for stepID, ins := range state.Insights {
		findingsJSON, _ := json.Marshal(ins.KeyFindings)
		suggestionsJSON, _ := json.Marshal(ins.Suggestions)
		if _, err := tx.Exec(
			`INSERT INTO insights (project_id, step_id, interpretation, findings_json, suggestions_json, confidence, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(project_id, step_id) DO UPDATE SET
			 interpretation = excluded.interpretation,
			 findings_json = excluded.findings_json,
			 suggestions_json = excluded.suggestions_json,
			 confidence = excluded.confidence,
			 embedding = CASE WHEN insights.interpretation = excluded.interpretation
			             THEN insights.embedding ELSE NULL END`,
			state.ID, stepID, ins.Interpretation, string(findingsJSON), string(suggestionsJSON), ins.Confidence, ins.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("failed to index insight for %s: %w", stepID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	logging.StoreDebug("saved snapshot %s round %d (%d bytes)", state.ID, state.Round, len(stateJSON))
	return nil
}

// LoadLatestSnapshot returns the most recent round's state for a project.
func (s *Store) LoadLatestSnapshot(projectID string) (*project.ProjectState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stateJSON string
	err := s.db.QueryRow(
		"SELECT state_json FROM snapshots WHERE project_id = ? ORDER BY round DESC LIMIT 1",
		projectID,
	).Scan(&stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var state project.ProjectState
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, fmt.Errorf("corrupt snapshot for %s: %w", projectID, err)
	}
	return &state, nil
}

// ProjectSummary is one row of the project listing.
type ProjectSummary struct {
	ID        string
	Name      string
	Status    project.ProjectStatus
	UpdatedAt time.Time
}

// ListProjects returns stored projects, most recently updated first.
func (s *Store) ListProjects() ([]ProjectSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT id, name, status, updated_at FROM projects ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var out []ProjectSummary
	for rows.Next() {
		var p ProjectSummary
		var status string
		if err := rows.Scan(&p.ID, &p.Name, &status, &p.UpdatedAt); err != nil {
			continue
		}
		p.Status = project.ProjectStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

// FindProject resolves an id prefix or exact name to a stored project id.
// Useful for CLI commands where users type a short id.
func (s *Store) FindProject(ref string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id string
	err := s.db.QueryRow(
		"SELECT id FROM projects WHERE id = ? OR name = ? OR id LIKE ? ORDER BY updated_at DESC LIMIT 1",
		ref, ref, ref+"%",
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("project %q: %w", ref, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve project %q: %w", ref, err)
	}
	return id, nil
}
