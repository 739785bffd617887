// Copyright 2024 The hpfeeds-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"
)

// usersFile is the on-disk layout of a users file.
type usersFile struct {
	Users []UserRecord `yaml:"users" json:"users"`
}

// LoadUsersFile reads user records from a YAML or JSON file. The format is
// chosen by extension; anything other than .json is parsed as YAML.
func LoadUsersFile(path string) ([]UserRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}
	var f usersFile
	if isJSON(path) {
		err = json.Unmarshal(data, &f)
	} else {
		err = yaml.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse users file %s: %w", path, err)
	}
	seen := make(map[string]bool, len(f.Users))
	for i, u := range f.Users {
		if u.Ident == "" {
			return nil, fmt.Errorf("users file %s: entry %d has an empty ident", path, i)
		}
		if seen[u.Ident] {
			return nil, fmt.Errorf("users file %s: duplicate ident %q", path, u.Ident)
		}
		seen[u.Ident] = true
	}
	return f.Users, nil
}

// SaveUsersFile writes records to path atomically.
func SaveUsersFile(path string, records []UserRecord) error {
	f := usersFile{Users: records}
	var (
		data []byte
		err  error
	)
	if isJSON(path) {
		data, err = json.MarshalIndent(f, "", "  ")
	} else {
		data, err = yaml.Marshal(f)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal users: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".users-*")
	if err != nil {
		return fmt.Errorf("failed to write users file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write users file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write users file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("failed to write users file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// FileStore serves identities from a users file and keeps it in sync: edits
// made through the Admin methods are written back, and Watch reloads the file
// when another process changes it.
type FileStore struct {
	path string
	mem  *MemoryStore

	// mu serializes writes to the file.
	mu       sync.Mutex
	onChange []func()
}

// NewFileStore loads path. A missing file is treated as an empty user set so
// that the admin CLI can create it.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, mem: NewMemoryStore()}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fs, nil
	}
	if err := fs.Reload(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) Name() string {
	return "file"
}

// Path returns the backing file path.
func (fs *FileStore) Path() string {
	return fs.path
}

func (fs *FileStore) FindIdentity(ctx context.Context, ident string) (*Identity, error) {
	return fs.mem.FindIdentity(ctx, ident)
}

// OnChange registers fn to run after every successful reload or edit.
func (fs *FileStore) OnChange(fn func()) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.onChange = append(fs.onChange, fn)
}

// Reload re-reads the users file.
func (fs *FileStore) Reload() error {
	records, err := LoadUsersFile(fs.path)
	if err != nil {
		return err
	}
	fs.mem.Replace(records)
	slog.Info("users file loaded", "path", fs.path, "users", len(records))
	fs.notify()
	return nil
}

func (fs *FileStore) notify() {
	fs.mu.Lock()
	hooks := append([]func(){}, fs.onChange...)
	fs.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Watch reloads the file whenever it changes until ctx is cancelled. The
// parent directory is watched so that editors which replace the file by
// rename are picked up. A file that fails to parse leaves the previous user
// set in place.
func (fs *FileStore) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	dir, name := filepath.Split(filepath.Clean(fs.path))
	if dir == "" {
		dir = "."
	}
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	// Editors often emit several events per save; coalesce them.
	const settle = 100 * time.Millisecond
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(settle)
			} else {
				timer.Reset(settle)
			}
			timerCh = timer.C
		case <-timerCh:
			timerCh = nil
			if err := fs.Reload(); err != nil {
				slog.Error("failed to reload users file", "path", fs.path, "error", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Error("users file watcher error", "path", fs.path, "error", err)
		}
	}
}

func (fs *FileStore) save(ctx context.Context) error {
	records, err := fs.mem.ListUsers(ctx)
	if err != nil {
		return err
	}
	return SaveUsersFile(fs.path, records)
}

func (fs *FileStore) edit(ctx context.Context, fn func() error) error {
	fs.mu.Lock()
	err := fn()
	if err == nil {
		err = fs.save(ctx)
	}
	fs.mu.Unlock()
	if err != nil {
		return err
	}
	fs.notify()
	return nil
}

func (fs *FileStore) AddUser(ctx context.Context, ident, secret string) error {
	return fs.edit(ctx, func() error { return fs.mem.AddUser(ctx, ident, secret) })
}

func (fs *FileStore) AddPermission(ctx context.Context, ident, channel string, canPub, canSub bool) error {
	return fs.edit(ctx, func() error { return fs.mem.AddPermission(ctx, ident, channel, canPub, canSub) })
}

func (fs *FileStore) RemoveUser(ctx context.Context, ident string) error {
	return fs.edit(ctx, func() error { return fs.mem.RemoveUser(ctx, ident) })
}

func (fs *FileStore) ListUsers(ctx context.Context) ([]UserRecord, error) {
	return fs.mem.ListUsers(ctx)
}
