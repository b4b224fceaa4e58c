package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"

	"github.com/vanpelt/rit/internal/logger"
)

// Settings are the user preferences consumed by the broker. They live outside
// the broker's own state and may change while it runs.
type Settings struct {
	ShellOverride       string   `yaml:"shell_override" json:"shellOverride"`
	DangerousSubstrings []string `yaml:"dangerous_substrings" json:"dangerousSubstrings"`
	ConfirmOnDanger     bool     `yaml:"confirm_on_danger" json:"confirmOnDanger"`
	ConfirmBeforeClose  bool     `yaml:"confirm_before_close" json:"confirmBeforeClose"`
}

// DefaultSettings returns the settings used when no file exists.
func DefaultSettings() Settings {
	return Settings{
		ShellOverride: "",
		DangerousSubstrings: []string{
			"rm -rf /",
			"rm -rf",
			"mkfs",
			":(){:|:&};:",
			"dd if=",
			"chmod 777 /",
			"chown -R /",
			"shutdown",
			"reboot",
			"poweroff",
			"halt",
		},
		ConfirmOnDanger:    true,
		ConfirmBeforeClose: false,
	}
}

// SettingsStore holds the current settings and keeps them in sync with a YAML file.
type SettingsStore struct {
	path string

	mu       sync.RWMutex
	current  Settings
	onChange []func(Settings)
}

// NewSettingsStore creates a store seeded with defaults. Call Load to read the file.
func NewSettingsStore(path string) *SettingsStore {
	return &SettingsStore{
		path:    path,
		current: DefaultSettings(),
	}
}

// Path returns the backing file path.
func (s *SettingsStore) Path() string {
	return s.path
}

// Get returns a copy of the current settings.
func (s *SettingsStore) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.current
	out.DangerousSubstrings = slices.Clone(s.current.DangerousSubstrings)
	return out
}

// OnChange registers a callback invoked after every successful reload or save.
func (s *SettingsStore) OnChange(fn func(Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Load reads the settings file. Missing keys keep their defaults; a missing
// file is not an error.
func (s *SettingsStore) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}

	settings := DefaultSettings()
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return fmt.Errorf("parse settings %s: %w", s.path, err)
	}

	s.set(settings)
	return nil
}

// Save writes the settings atomically and makes them current.
func (s *SettingsStore) Save(settings Settings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	s.set(settings)
	return nil
}

func (s *SettingsStore) set(settings Settings) {
	s.mu.Lock()
	s.current = settings
	callbacks := slices.Clone(s.onChange)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(settings)
	}
}

// Watch reloads the file whenever it changes until ctx is done. The parent
// directory is watched so atomic replace-by-rename is picked up.
func (s *SettingsStore) Watch(ctx context.Context) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.Load(); err != nil {
					logger.Warnf("⚠️ Failed to reload settings: %v", err)
					continue
				}
				logger.Debugf("🔧 Reloaded settings from %s", s.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnf("⚠️ Settings watcher error: %v", err)
			}
		}
	}()

	return nil
}
