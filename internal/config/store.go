package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"atriumcms.org/internal/obs"
)

// Store holds the current Settings and supports atomic hot-reload from a
// JSON file on disk.
type Store struct {
	mu       sync.RWMutex
	settings Settings
	path     string
}

// NewStore returns a Store seeded with the given settings.
func NewStore(settings Settings) *Store {
	return &Store{settings: settings}
}

// Current returns a copy of the active settings.
func (s *Store) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Replace swaps in a new settings value.
func (s *Store) Replace(settings Settings) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
}

// LoadFile reads settings from the JSON file at path, layered over the
// defaults so a partial file is valid.
func (s *Store) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read settings: %w", err)
	}
	settings := DefaultSettings()
	if err := json.Unmarshal(data, &settings); err != nil {
		return fmt.Errorf("config: parse settings: %w", err)
	}
	s.mu.Lock()
	s.settings = settings
	s.path = path
	s.mu.Unlock()
	return nil
}

// Watch reloads the settings file whenever it changes on disk. Reloads are
// debounced because editors produce bursts of write events. A file that
// fails to parse leaves the previous settings in place.
func (s *Store) Watch(path string, onChange func(Settings)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	reload := make(chan struct{}, 1)
	go s.scheduleReload(reload, path, onChange)
	go handleWatcher(watcher, path, reload)
	return nil
}

func handleWatcher(watcher *fsnotify.Watcher, path string, reload chan<- struct{}) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != path {
				continue
			}
			if event.Has(fsnotify.Write | fsnotify.Create | fsnotify.Remove) {
				select {
				case reload <- struct{}{}:
				default:
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			obs.Warn("settings watcher error", map[string]any{"error": err.Error()})
		}
	}
}

func (s *Store) scheduleReload(reload <-chan struct{}, path string, onChange func(Settings)) {
	var timer *time.Timer
	var c <-chan time.Time
	duration := 500 * time.Millisecond
	for {
		select {
		case <-reload:
			if timer != nil {
				timer.Reset(duration)
			} else {
				timer = time.NewTimer(duration)
				c = timer.C
			}

		case <-c:
			c = nil
			timer = nil
			if err := s.LoadFile(path); err != nil {
				obs.Warn("settings reload failed", map[string]any{"error": err.Error()})
				continue
			}
			obs.Info("security settings reloaded", map[string]any{"path": path})
			if onChange != nil {
				onChange(s.Current())
			}
		}
	}
}

// SettingsFromEnv applies ATRIUM_* environment overrides on top of base.
// The file (when configured) wins over the environment since it is the
// operator's live document.
func SettingsFromEnv(base Settings) Settings {
	base.LoginTimeoutMinutes = atoiOr(os.Getenv("ATRIUM_LOGIN_TIMEOUT_MINUTES"), base.LoginTimeoutMinutes)
	base.MaxFailedAccessAttempts = atoiOr(os.Getenv("ATRIUM_MAX_FAILED_ATTEMPTS"), base.MaxFailedAccessAttempts)
	base.LockoutDurationMinutes = atoiOr(os.Getenv("ATRIUM_LOCKOUT_MINUTES"), base.LockoutDurationMinutes)
	base.StampValidationMinutes = atoiOr(os.Getenv("ATRIUM_STAMP_VALIDATION_MINUTES"), base.StampValidationMinutes)
	if raw := strings.TrimSpace(os.Getenv("ATRIUM_KEEP_USER_LOGGED_IN")); raw != "" {
		base.KeepUserLoggedIn = raw == "1" || strings.EqualFold(raw, "true")
	}
	if raw := strings.TrimSpace(os.Getenv("ATRIUM_HTTPS_REQUIRED")); raw != "" {
		base.HTTPSRequired = raw == "1" || strings.EqualFold(raw, "true")
	}
	return base
}
