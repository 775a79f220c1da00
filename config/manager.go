// Copyright 2023 Versity Software
// This file is licensed under the Apache License, Version 2.0
// (the "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ChangeCallback is invoked after a successful reload with the old and new
// configuration.
type ChangeCallback func(old, updated *AppConfig)

// Manager holds the active configuration and optionally watches the config
// file for changes, reloading and notifying subscribers on edits.
type Manager struct {
	mu        sync.RWMutex
	config    *AppConfig
	path      string
	callbacks []ChangeCallback
	logger    *logrus.Logger

	watcher *fsnotify.Watcher
	doneCh  chan struct{}
}

// NewManager loads the config at path, or returns defaults when path is
// empty.
func NewManager(path string, logger *logrus.Logger) (*Manager, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	m := &Manager{path: path, logger: logger}
	if path == "" {
		m.config = Default()
		return m, nil
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m.config = cfg
	return m, nil
}

// Get returns the current configuration. The returned value must not be
// mutated.
func (m *Manager) Get() *AppConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// OnChange registers a callback for configuration reloads.
func (m *Manager) OnChange(cb ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Reload re-reads the config file and notifies subscribers. A file that
// fails to load or validate leaves the previous configuration in place.
func (m *Manager) Reload() error {
	if m.path == "" {
		return fmt.Errorf("no config file to reload")
	}
	cfg, err := Load(m.path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.config
	m.config = cfg
	callbacks := make([]ChangeCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(old, cfg)
	}
	return nil
}

// Watch starts watching the config file's directory for writes to the file.
// Watching the directory rather than the file survives editors that replace
// the file on save.
func (m *Manager) Watch() error {
	if m.path == "" {
		return fmt.Errorf("no config file to watch")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher != nil {
		return fmt.Errorf("already watching configuration file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config directory: %w", err)
	}

	m.watcher = watcher
	m.doneCh = make(chan struct{})
	go m.watchLoop(watcher, m.doneCh)
	return nil
}

// Stop ends file watching.
func (m *Manager) Stop() {
	m.mu.Lock()
	watcher := m.watcher
	doneCh := m.doneCh
	m.watcher = nil
	m.mu.Unlock()

	if watcher == nil {
		return
	}
	watcher.Close()
	<-doneCh
}

func (m *Manager) watchLoop(watcher *fsnotify.Watcher, doneCh chan struct{}) {
	defer close(doneCh)
	base := filepath.Base(m.path)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Give the editor a moment to finish writing.
			time.Sleep(100 * time.Millisecond)
			if err := m.Reload(); err != nil {
				m.logger.WithError(err).Error("Failed to reload configuration, keeping previous")
				continue
			}
			m.logger.WithField("path", m.path).Info("Configuration reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.WithError(err).Error("Config watcher error")
		}
	}
}
