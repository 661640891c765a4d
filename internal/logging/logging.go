// Package logging provides categorized logging for datasage, backed by zap.
// Components fetch a category logger via Get; the CLI configures the shared
// core once at startup via Init. Before Init everything is a no-op, which
// keeps package tests quiet.
package logging

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies the subsystem a log line belongs to.
type Category string

const (
	CategoryEngine    Category = "engine"    // orchestrator loop, round lifecycle
	CategoryPlan      Category = "plan"      // plan generation, review, readiness
	CategoryBudget    Category = "budget"    // context assembly, digest compaction
	CategoryCodegen   Category = "codegen"   // code generation and repair
	CategorySandbox   Category = "sandbox"   // interpreted execution, policy gate
	CategoryInsight   Category = "insight"   // result interpretation
	CategoryBackend   Category = "backend"   // reasoning backend calls
	CategoryStore     Category = "store"     // persistence operations
	CategoryIngest    Category = "ingest"    // dataset and dictionary loading
	CategoryReport    Category = "report"    // report building and rendering
	CategoryWatch     Category = "watch"     // artifact watcher events
)

// Options controls the shared logging core.
type Options struct {
	Level   string // debug, info, warn, error
	Format  string // console or json
	File    string // optional additional log file
	Verbose bool   // forces debug level
}

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	sugared = make(map[Category]*zap.SugaredLogger)
)

// Init builds the shared zap core. Safe to call more than once; the last
// call wins and category loggers are rebuilt lazily.
func Init(opts Options) error {
	level := zapcore.InfoLevel
	if err := level.Set(opts.Level); opts.Level != "" && err != nil {
		return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if opts.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	sinks := []zapcore.WriteSyncer{zapcore.AddSync(os.Stderr)}
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		sinks = append(sinks, zapcore.AddSync(f))
	}

	core := zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(sinks...), level)

	mu.Lock()
	root = zap.New(core)
	sugared = make(map[Category]*zap.SugaredLogger)
	mu.Unlock()
	return nil
}

// Get returns the logger for a category. Category loggers are cached.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := sugared[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := sugared[cat]; ok {
		return l
	}
	l := root.Named(string(cat)).Sugar()
	sugared[cat] = l
	return l
}

// Sync flushes buffered log entries. Called once on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}

// Convenience helpers for hot categories.

func Engine(format string, args ...interface{})       { Get(CategoryEngine).Infof(format, args...) }
func EngineDebug(format string, args ...interface{})  { Get(CategoryEngine).Debugf(format, args...) }
func EngineWarn(format string, args ...interface{})   { Get(CategoryEngine).Warnf(format, args...) }
func EngineError(format string, args ...interface{})  { Get(CategoryEngine).Errorf(format, args...) }
func Plan(format string, args ...interface{})         { Get(CategoryPlan).Infof(format, args...) }
func PlanDebug(format string, args ...interface{})    { Get(CategoryPlan).Debugf(format, args...) }
func PlanError(format string, args ...interface{})    { Get(CategoryPlan).Errorf(format, args...) }
func Sandbox(format string, args ...interface{})      { Get(CategorySandbox).Infof(format, args...) }
func SandboxDebug(format string, args ...interface{}) { Get(CategorySandbox).Debugf(format, args...) }
func SandboxWarn(format string, args ...interface{})  { Get(CategorySandbox).Warnf(format, args...) }
func Insight(format string, args ...interface{})      { Get(CategoryInsight).Infof(format, args...) }
func InsightDebug(format string, args ...interface{}) { Get(CategoryInsight).Debugf(format, args...) }
func Backend(format string, args ...interface{})      { Get(CategoryBackend).Infof(format, args...) }
func BackendDebug(format string, args ...interface{}) { Get(CategoryBackend).Debugf(format, args...) }
func BackendWarn(format string, args ...interface{})  { Get(CategoryBackend).Warnf(format, args...) }
func BackendError(format string, args ...interface{}) { Get(CategoryBackend).Errorf(format, args...) }
func Codegen(format string, args ...interface{})      { Get(CategoryCodegen).Infof(format, args...) }
func CodegenDebug(format string, args ...interface{}) { Get(CategoryCodegen).Debugf(format, args...) }
func Store(format string, args ...interface{})        { Get(CategoryStore).Infof(format, args...) }
func StoreDebug(format string, args ...interface{})   { Get(CategoryStore).Debugf(format, args...) }
func BudgetDebug(format string, args ...interface{})  { Get(CategoryBudget).Debugf(format, args...) }
func Ingest(format string, args ...interface{})       { Get(CategoryIngest).Infof(format, args...) }
func IngestDebug(format string, args ...interface{})  { Get(CategoryIngest).Debugf(format, args...) }
func IngestWarn(format string, args ...interface{})   { Get(CategoryIngest).Warnf(format, args...) }
func Watch(format string, args ...interface{})        { Get(CategoryWatch).Infof(format, args...) }
func WatchDebug(format string, args ...interface{})   { Get(CategoryWatch).Debugf(format, args...) }

// Timer measures an operation and logs its duration at debug level.
type Timer struct {
	cat   Category
	op    string
	start time.Time
}

// StartTimer begins timing a named operation.
func StartTimer(cat Category, op string) *Timer {
	return &Timer{cat: cat, op: op, start: time.Now()}
}

// Stop ends the timer and logs the elapsed duration.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.cat).Debugf("%s took %v", t.op, elapsed)
	return elapsed
}
