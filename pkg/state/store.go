/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Store persists snapshots as <id>.json files under a single directory.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshots directory %q, %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Save writes the snapshot to a temp file and renames it into place, so a crash
// mid-write never leaves a truncated snapshot behind.
func (s *Store) Save(id string, snapshot *Snapshot) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	data, err := MarshalSnapshot(snapshot)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing snapshot %q, %w", id, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("writing snapshot %q, %w", id, err)
	}
	return nil
}

func (s *Store) Load(id string) (*Snapshot, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	return LoadSnapshotFile(path)
}

// LoadAll reads every *.json file in the store directory, keyed by file stem. Files
// that fail to parse are logged and skipped rather than failing the whole load.
func (s *Store) LoadAll(ctx context.Context) (map[string]*Snapshot, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("listing snapshots, %w", err)
	}
	out := map[string]*Snapshot{}
	for _, path := range matches {
		snapshot, err := LoadSnapshotFile(path)
		if err != nil {
			log.FromContext(ctx).Error(err, "failed to load snapshot, skipping", "path", path)
			continue
		}
		out[strings.TrimSuffix(filepath.Base(path), ".json")] = snapshot
	}
	return out, nil
}

// LoadSnapshotFile reads and decodes a snapshot from an arbitrary path, such as the
// baseline file passed on the command line.
func LoadSnapshotFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot file %q, %w", path, err)
	}
	return UnmarshalSnapshot(data)
}

func (s *Store) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("invalid snapshot id %q", id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}
