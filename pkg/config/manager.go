package config

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/arklabs/ark/pkg/log"
)

// Manager holds the live configuration behind an atomic pointer. Reload
// builds a fresh Config and swaps the pointer; in-flight operations keep the
// Config value they already read, so a reload never mutates shared state.
// An invalid reload is logged and the old config stays active.
type Manager struct {
	path      string
	overrides []Override
	current   atomic.Pointer[Config]
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
}

// NewManager loads the initial config and returns a manager around it. The
// overrides (CLI flags) are re-applied on every reload, so they outrank the
// file for the process lifetime.
func NewManager(path string, overrides ...Override) (*Manager, error) {
	cfg, err := Load(path, overrides...)
	if err != nil {
		return nil, err
	}

	m := &Manager{path: path, overrides: overrides, stopCh: make(chan struct{})}
	m.current.Store(cfg)
	return m, nil
}

// Current returns the live config. The returned value must be treated as
// immutable.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// Reload re-reads the config file and swaps it in if valid.
func (m *Manager) Reload() error {
	cfg, err := Load(m.path, m.overrides...)
	if err != nil {
		return err
	}
	m.current.Store(cfg)
	return nil
}

// Watch starts an fsnotify watcher on the config file. Write events trigger
// a reload; reload failures keep the old config and log the error.
func (m *Manager) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.path); err != nil {
		watcher.Close()
		return err
	}
	m.watcher = watcher

	logger := log.WithComponent("config")
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := m.Reload(); err != nil {
					logger.Error().Err(err).Msg("config reload failed, keeping previous config")
					continue
				}
				logger.Info().Str("path", m.path).Msg("config reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error().Err(err).Msg("config watcher error")
			case <-m.stopCh:
				return
			}
		}
	}()
	return nil
}

// Stop shuts down the watcher, if running.
func (m *Manager) Stop() {
	close(m.stopCh)
	if m.watcher != nil {
		m.watcher.Close()
	}
}
