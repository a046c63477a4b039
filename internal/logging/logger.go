// Package logging provides categorized structured logging for orchd.
// Each subsystem logs under its own category so a single supervisor run
// can be sliced by concern (scan, think, notify, ...) after the fact.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies the subsystem a log line belongs to.
type Category string

const (
	CategoryBoot     Category = "boot"     // Supervisor boot and shutdown
	CategoryScan     Category = "scan"     // Scan loop ticks
	CategoryThink    Category = "think"    // Think cycles
	CategorySession  Category = "session"  // Session lifecycle
	CategoryEval     Category = "eval"     // Session evaluation
	CategoryDecision Category = "decision" // Policy evaluation and execution
	CategoryNotify   Category = "notify"   // Notification routing
	CategoryState    Category = "state"    // State store reads/writes
	CategoryStore    Category = "store"    // SQLite operations
	CategoryProc     Category = "proc"     // Subprocess broker
	CategoryRevenue  Category = "revenue"  // Revenue collection
	CategoryTrust    Category = "trust"    // Trust accrual and promotion
	CategoryReminder Category = "reminder" // Reminder firing
	CategorySMS      Category = "sms"      // SMS transport and commands
	CategoryCron     Category = "cron"     // Scheduled digests
)

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	loggers = make(map[Category]*zap.SugaredLogger)
)

// Initialize installs the process-wide root logger. Call once at boot.
// Before Initialize, all category loggers are no-ops, which keeps tests quiet.
func Initialize(debug bool) error {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	SetRoot(l)
	return nil
}

// SetRoot replaces the root logger. Tests use this with zaptest loggers.
func SetRoot(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l
	loggers = make(map[Category]*zap.SugaredLogger)
}

// Get returns the sugared logger for a category.
func Get(c Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[c]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[c]; ok {
		return l
	}
	l := root.With(zap.String("cat", string(c))).Sugar()
	loggers[c] = l
	return l
}

// Sync flushes buffered log entries. Called on graceful shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}

// Category helpers, one per high-traffic subsystem. Matches the call sites:
// logging.Think("cycle complete in %dms", ms)

func Boot(format string, args ...interface{})     { Get(CategoryBoot).Infof(format, args...) }
func Scan(format string, args ...interface{})     { Get(CategoryScan).Infof(format, args...) }
func Think(format string, args ...interface{})    { Get(CategoryThink).Infof(format, args...) }
func Session(format string, args ...interface{})  { Get(CategorySession).Infof(format, args...) }
func Eval(format string, args ...interface{})     { Get(CategoryEval).Infof(format, args...) }
func Decision(format string, args ...interface{}) { Get(CategoryDecision).Infof(format, args...) }
func Notify(format string, args ...interface{})   { Get(CategoryNotify).Infof(format, args...) }
func Proc(format string, args ...interface{})     { Get(CategoryProc).Infof(format, args...) }

func ScanDebug(format string, args ...interface{})    { Get(CategoryScan).Debugf(format, args...) }
func ThinkDebug(format string, args ...interface{})   { Get(CategoryThink).Debugf(format, args...) }
func SessionDebug(format string, args ...interface{}) { Get(CategorySession).Debugf(format, args...) }
func NotifyDebug(format string, args ...interface{})  { Get(CategoryNotify).Debugf(format, args...) }
func ProcDebug(format string, args ...interface{})    { Get(CategoryProc).Debugf(format, args...) }
func StoreDebug(format string, args ...interface{})   { Get(CategoryStore).Debugf(format, args...) }
func StateDebug(format string, args ...interface{})   { Get(CategoryState).Debugf(format, args...) }
