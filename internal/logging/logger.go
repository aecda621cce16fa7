// Package logging provides config-driven categorized file logging for vigil.
// Each category writes to its own file under <data-dir>/logs/, so dynamics
// traces, dialectic transcripts and auth failures can be tailed independently.
// Behavior is controlled by the logging section of <data-dir>/config.yaml.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot        Category = "boot"        // Startup, migrations, shutdown
	CategoryConfig      Category = "config"      // Config load, reload, validation
	CategorySession     Category = "session"     // Session binding and expiry
	CategoryIdentity    Category = "identity"    // Onboarding, auth, lifecycle transitions
	CategoryDynamics    Category = "dynamics"    // State integration, verdicts
	CategoryFingerprint Category = "fingerprint" // Parameter extraction, coherence
	CategoryGovernor    Category = "governor"    // Adaptive lambda1 control
	CategoryRisk        Category = "risk"        // Risk scoring, void threshold
	CategoryGovernance  Category = "governance"  // Update loop, circuit breaker
	CategoryDialectic   Category = "dialectic"   // Review sessions, resolutions
	CategoryKnowledge   Category = "knowledge"   // Discovery store and search
	CategoryEmbedding   Category = "embedding"   // Embedding engine
	CategoryStore       Category = "store"       // SQLite operations, locks
	CategoryServer      Category = "server"      // HTTP/stdio transport
	CategoryAPI         Category = "api"         // LLM API calls
	CategoryHealth      Category = "health"      // Health probe, counters
)

// loggingConfig mirrors the logging section of config.Config to avoid a
// circular import with internal/config.
type loggingConfig struct {
	Enabled    *bool           `yaml:"enabled"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json"`
	Categories map[string]bool `yaml:"categories"`
	Audit      *bool           `yaml:"audit"`
}

type configFile struct {
	Logging loggingConfig `yaml:"logging"`
}

// Logger wraps a category-scoped zap logger bound to its own file.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	dataDir   string
	cfg       loggingConfig
	cfgMu     sync.RWMutex
	level     zapcore.Level
)

// Initialize sets up the logging directory and loads config.
// Call once at startup with the resolved data directory.
func Initialize(dir string) error {
	if dir == "" {
		return fmt.Errorf("data directory required")
	}

	dataDir = dir
	logsDir = filepath.Join(dataDir, "logs")

	if err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "[logging] warning: could not load config: %v\n", err)
	}

	if !IsEnabled() {
		return nil
	}

	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("logging initialized: dir=%s level=%s json=%v", logsDir, level, cfg.JSONFormat)
	if len(cfg.Categories) > 0 {
		enabled := 0
		for _, on := range cfg.Categories {
			if on {
				enabled++
			}
		}
		boot.Debug("category filter active: %d/%d enabled", enabled, len(cfg.Categories))
	}

	return initAudit()
}

// loadConfig reads the logging section of <data-dir>/config.yaml.
// A missing file means server defaults: enabled, info level, audit on.
func loadConfig() error {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	cfg = loggingConfig{}
	level = zapcore.InfoLevel

	path := filepath.Join(dataDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var cf configFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	cfg = cf.Logging

	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return fmt.Errorf("unknown log level %q: %w", cfg.Level, err)
		}
		level = lvl
	}
	return nil
}

// ReloadConfig re-reads the config from disk and drops cached loggers so new
// settings take effect. Called from the config watcher on file change.
// No-op before Initialize.
func ReloadConfig() error {
	if dataDir == "" {
		return nil
	}
	if err := loadConfig(); err != nil {
		return err
	}
	closeLoggers()
	if IsEnabled() {
		return os.MkdirAll(logsDir, 0o755)
	}
	return nil
}

// IsEnabled reports whether file logging is active. Defaults to true.
func IsEnabled() bool {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg.Enabled == nil || *cfg.Enabled
}

// IsCategoryEnabled reports whether a specific category is enabled.
// Categories absent from the filter default to enabled.
func IsCategoryEnabled(category Category) bool {
	if !IsEnabled() {
		return false
	}
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	if cfg.Categories == nil {
		return true
	}
	on, ok := cfg.Categories[string(category)]
	if !ok {
		return true
	}
	return on
}

// Get returns (or creates) the logger for a category. Returns a no-op
// logger if logging or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) || logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	date := time.Now().Format("2006-01-02")
	path := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] warning: could not open %s: %v\n", path, err)
		return &Logger{category: category}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var enc zapcore.Encoder
	if isJSONFormat() {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(file), level)
	l := &Logger{
		category: category,
		file:     file,
		sugar:    zap.New(core).Sugar().With("cat", string(category)),
	}
	loggers[category] = l
	return l
}

func isJSONFormat() bool {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg.JSONFormat
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// With returns a logger carrying additional structured fields. Map keys are
// sorted so identical contexts produce identical lines.
func (l *Logger) With(fields map[string]interface{}) *Logger {
	if l.sugar == nil {
		return l
	}
	return &Logger{
		category: l.category,
		file:     l.file,
		sugar:    l.sugar.With(flatten(fields)...),
	}
}

func flatten(fields map[string]interface{}) []interface{} {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kv := make([]interface{}, 0, 2*len(keys))
	for _, k := range keys {
		kv = append(kv, k, fields[k])
	}
	return kv
}

// CloseAll flushes and closes all open log files. Call at shutdown.
func CloseAll() {
	closeAudit()
	closeLoggers()
}

func closeLoggers() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.sugar != nil {
			_ = l.sugar.Sync()
		}
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

// BootError logs error to the boot category
func BootError(format string, args ...interface{}) {
	Get(CategoryBoot).Error(format, args...)
}

// Config logs to the config category
func Config(format string, args ...interface{}) {
	Get(CategoryConfig).Info(format, args...)
}

// ConfigDebug logs debug to the config category
func ConfigDebug(format string, args ...interface{}) {
	Get(CategoryConfig).Debug(format, args...)
}

// Session logs to the session category
func Session(format string, args ...interface{}) {
	Get(CategorySession).Info(format, args...)
}

// SessionDebug logs debug to the session category
func SessionDebug(format string, args ...interface{}) {
	Get(CategorySession).Debug(format, args...)
}

// Identity logs to the identity category
func Identity(format string, args ...interface{}) {
	Get(CategoryIdentity).Info(format, args...)
}

// IdentityDebug logs debug to the identity category
func IdentityDebug(format string, args ...interface{}) {
	Get(CategoryIdentity).Debug(format, args...)
}

// IdentityWarn logs warning to the identity category
func IdentityWarn(format string, args ...interface{}) {
	Get(CategoryIdentity).Warn(format, args...)
}

// Dynamics logs to the dynamics category
func Dynamics(format string, args ...interface{}) {
	Get(CategoryDynamics).Info(format, args...)
}

// DynamicsDebug logs debug to the dynamics category
func DynamicsDebug(format string, args ...interface{}) {
	Get(CategoryDynamics).Debug(format, args...)
}

// Fingerprint logs to the fingerprint category
func Fingerprint(format string, args ...interface{}) {
	Get(CategoryFingerprint).Info(format, args...)
}

// FingerprintDebug logs debug to the fingerprint category
func FingerprintDebug(format string, args ...interface{}) {
	Get(CategoryFingerprint).Debug(format, args...)
}

// Governor logs to the governor category
func Governor(format string, args ...interface{}) {
	Get(CategoryGovernor).Info(format, args...)
}

// GovernorDebug logs debug to the governor category
func GovernorDebug(format string, args ...interface{}) {
	Get(CategoryGovernor).Debug(format, args...)
}

// Risk logs to the risk category
func Risk(format string, args ...interface{}) {
	Get(CategoryRisk).Info(format, args...)
}

// RiskDebug logs debug to the risk category
func RiskDebug(format string, args ...interface{}) {
	Get(CategoryRisk).Debug(format, args...)
}

// Governance logs to the governance category
func Governance(format string, args ...interface{}) {
	Get(CategoryGovernance).Info(format, args...)
}

// GovernanceDebug logs debug to the governance category
func GovernanceDebug(format string, args ...interface{}) {
	Get(CategoryGovernance).Debug(format, args...)
}

// GovernanceWarn logs warning to the governance category
func GovernanceWarn(format string, args ...interface{}) {
	Get(CategoryGovernance).Warn(format, args...)
}

// GovernanceError logs error to the governance category
func GovernanceError(format string, args ...interface{}) {
	Get(CategoryGovernance).Error(format, args...)
}

// Dialectic logs to the dialectic category
func Dialectic(format string, args ...interface{}) {
	Get(CategoryDialectic).Info(format, args...)
}

// DialecticDebug logs debug to the dialectic category
func DialecticDebug(format string, args ...interface{}) {
	Get(CategoryDialectic).Debug(format, args...)
}

// DialecticWarn logs warning to the dialectic category
func DialecticWarn(format string, args ...interface{}) {
	Get(CategoryDialectic).Warn(format, args...)
}

// Knowledge logs to the knowledge category
func Knowledge(format string, args ...interface{}) {
	Get(CategoryKnowledge).Info(format, args...)
}

// KnowledgeDebug logs debug to the knowledge category
func KnowledgeDebug(format string, args ...interface{}) {
	Get(CategoryKnowledge).Debug(format, args...)
}

// Embedding logs to the embedding category
func Embedding(format string, args ...interface{}) {
	Get(CategoryEmbedding).Info(format, args...)
}

// EmbeddingDebug logs debug to the embedding category
func EmbeddingDebug(format string, args ...interface{}) {
	Get(CategoryEmbedding).Debug(format, args...)
}

// Store logs to the store category
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// StoreWarn logs warning to the store category
func StoreWarn(format string, args ...interface{}) {
	Get(CategoryStore).Warn(format, args...)
}

// StoreError logs error to the store category
func StoreError(format string, args ...interface{}) {
	Get(CategoryStore).Error(format, args...)
}

// Server logs to the server category
func Server(format string, args ...interface{}) {
	Get(CategoryServer).Info(format, args...)
}

// ServerDebug logs debug to the server category
func ServerDebug(format string, args ...interface{}) {
	Get(CategoryServer).Debug(format, args...)
}

// ServerError logs error to the server category
func ServerError(format string, args ...interface{}) {
	Get(CategoryServer).Error(format, args...)
}

// API logs to the api category
func API(format string, args ...interface{}) {
	Get(CategoryAPI).Info(format, args...)
}

// APIDebug logs debug to the api category
func APIDebug(format string, args ...interface{}) {
	Get(CategoryAPI).Debug(format, args...)
}

// APIError logs error to the api category
func APIError(format string, args ...interface{}) {
	Get(CategoryAPI).Error(format, args...)
}

// Health logs to the health category
func Health(format string, args ...interface{}) {
	Get(CategoryHealth).Info(format, args...)
}

// =============================================================================
// REQUEST ID TRACING - Correlates log lines across an operation
// =============================================================================

// RequestLogger provides request-scoped logging with a correlation ID.
type RequestLogger struct {
	sugar *zap.SugaredLogger
}

// WithRequestID creates a request-scoped logger for a category.
func WithRequestID(category Category, requestID string) *RequestLogger {
	l := Get(category)
	if l.sugar == nil {
		return &RequestLogger{}
	}
	return &RequestLogger{sugar: l.sugar.With("req", requestID)}
}

// WithField adds a structured field to the request logger.
func (r *RequestLogger) WithField(key string, value interface{}) *RequestLogger {
	if r.sugar == nil {
		return r
	}
	return &RequestLogger{sugar: r.sugar.With(key, value)}
}

func (r *RequestLogger) Debug(format string, args ...interface{}) {
	if r.sugar == nil {
		return
	}
	r.sugar.Debugf(format, args...)
}

func (r *RequestLogger) Info(format string, args ...interface{}) {
	if r.sugar == nil {
		return
	}
	r.sugar.Infof(format, args...)
}

func (r *RequestLogger) Warn(format string, args ...interface{}) {
	if r.sugar == nil {
		return
	}
	r.sugar.Warnf(format, args...)
}

func (r *RequestLogger) Error(format string, args ...interface{}) {
	if r.sugar == nil {
		return
	}
	r.sugar.Errorf(format, args...)
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level.
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds the threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
