package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/vanpelt/rit/internal/logger"
)

// StoreBackend selects where broker state is persisted.
type StoreBackend string

const (
	// FileStore keeps state in a JSON file under the state directory
	FileStore StoreBackend = "file"
	// SQLiteStore keeps state in a sqlite database under the state directory
	SQLiteStore StoreBackend = "sqlite"
)

const defaultListenAddr = "127.0.0.1:7681"

// RuntimeConfig holds process-level configuration detected from the environment
type RuntimeConfig struct {
	StateDir     string
	SettingsPath string
	ListenAddr   string
	HelperPath   string
	StoreBackend StoreBackend
	// AuthSecret, when set, requires signed tokens on every API call
	AuthSecret string

	// WaitTimeout bounds every readiness and snapshot wait
	WaitTimeout time.Duration
	// FlushGrace is the delay between PTY ready and flushing queued input
	FlushGrace time.Duration
	// InjectGrace is the delay before an injection is posted to a freshly ready owner
	InjectGrace time.Duration
	// PersistDebounce coalesces state writes
	PersistDebounce time.Duration
	// ReconcileInterval is the period of the registry reconciliation pass
	ReconcileInterval time.Duration
	// StartupGrace lets owners reconnect before persisted state is reconciled
	StartupGrace time.Duration
}

var (
	// Runtime is the global runtime configuration instance
	Runtime *RuntimeConfig
)

func init() {
	Runtime = DetectRuntime()
}

// DetectRuntime builds the runtime configuration from the environment
func DetectRuntime() *RuntimeConfig {
	stateDir := os.Getenv("RIT_STATE_DIR")
	if stateDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = os.Getenv("HOME")
			if homeDir == "" {
				homeDir = "."
			}
		}
		stateDir = filepath.Join(homeDir, ".rit")
	}

	cfg := &RuntimeConfig{
		StateDir:          stateDir,
		SettingsPath:      filepath.Join(stateDir, "settings.yaml"),
		ListenAddr:        envOr("RIT_ADDR", defaultListenAddr),
		HelperPath:        os.Getenv("RIT_HELPER"),
		StoreBackend:      StoreBackend(envOr("RIT_STORE", string(FileStore))),
		AuthSecret:        os.Getenv("RIT_AUTH_SECRET"),
		WaitTimeout:       envDuration("RIT_WAIT_TIMEOUT_MS", 5*time.Second),
		FlushGrace:        envDuration("RIT_FLUSH_GRACE_MS", 200*time.Millisecond),
		InjectGrace:       envDuration("RIT_INJECT_GRACE_MS", 50*time.Millisecond),
		PersistDebounce:   envDuration("RIT_PERSIST_DEBOUNCE_MS", 50*time.Millisecond),
		ReconcileInterval: envDuration("RIT_RECONCILE_MS", 30*time.Second),
		StartupGrace:      envDuration("RIT_STARTUP_GRACE_MS", 2*time.Second),
	}

	if cfg.HelperPath == "" {
		if exe, err := os.Executable(); err == nil {
			cfg.HelperPath = exe
		}
	}

	switch cfg.StoreBackend {
	case FileStore, SQLiteStore:
	default:
		logger.Warnf("⚠️ Unknown RIT_STORE %q, using %s", cfg.StoreBackend, FileStore)
		cfg.StoreBackend = FileStore
	}

	return cfg
}

// EnsureStateDir creates the state directory if it doesn't exist
func (c *RuntimeConfig) EnsureStateDir() error {
	return ensureDir(c.StateDir)
}

// StorePath returns the persistence path for the configured backend
func (c *RuntimeConfig) StorePath() string {
	if c.StoreBackend == SQLiteStore {
		return filepath.Join(c.StateDir, "state.db")
	}
	return filepath.Join(c.StateDir, "state.json")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envDuration reads a millisecond count
func envDuration(key string, fallback time.Duration) time.Duration {
	if envMs := os.Getenv(key); envMs != "" {
		if ms, err := strconv.Atoi(envMs); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

func ensureDir(path string) error {
	if path == "" {
		return nil
	}
	return os.MkdirAll(path, 0o755)
}
