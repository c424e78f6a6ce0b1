// Package catalog implements the filesystem-rooted endpoint catalog store
// described in spec.md §4.2: db/<bot_id>/<shard_id>.json holding
// {"endpoints": [...]}. The filesystem is the sole source of truth; an
// optional S3 mirror (see s3mirror.go) only shadows it for durability.
package catalog

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
)

// ErrNotFound is returned when no catalog snapshot exists for an identity.
var ErrNotFound = errors.New("catalog: no snapshot for identity")

// snapshot is the on-disk representation written and read by Store.
type snapshot struct {
	Endpoints []string `json:"endpoints"`
}

// Store persists and recovers per-shard endpoint lists on the local
// filesystem, rooted at a configured directory.
type Store struct {
	rootDir string
	mirror  Mirror // optional; nil disables remote shadowing
}

// Mirror is the interface an optional remote shadow store implements;
// S3Mirror (s3mirror.go) is the implementation this package provides.
type Mirror interface {
	Put(botID, shardID string, endpoints []string) error
	Get(botID, shardID string) ([]string, error)
}

// New creates a Store rooted at rootDir. rootDir is created lazily on first
// write, matching the original's "create db/ on first write" behavior.
func New(rootDir string, mirror Mirror) *Store {
	return &Store{rootDir: rootDir, mirror: mirror}
}

func (s *Store) path(botID, shardID string) string {
	return filepath.Join(s.rootDir, botID, shardID+".json")
}

// Save writes the endpoint list for (botID, shardID), overwriting whatever
// was previously persisted. Called whenever a shard declares a non-empty
// endpoint list (spec.md §3 EndpointCatalog).
func (s *Store) Save(botID, shardID string, endpoints []string) error {
	dir := filepath.Join(s.rootDir, botID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snapshot{Endpoints: endpoints}, "", "    ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path(botID, shardID), data, 0o644); err != nil {
		return err
	}
	if s.mirror != nil {
		if err := s.mirror.Put(botID, shardID, endpoints); err != nil {
			log.Printf("[CATALOG] S3 mirror write failed for %s/%s: %v", botID, shardID, err)
		}
	}
	return nil
}

// Load reads the previously persisted endpoint list for (botID, shardID).
// Called when a shard initializes with an empty endpoint list, to recover
// its previously-known routes. Returns ErrNotFound if no snapshot exists
// locally or, when a mirror is configured, remotely.
func (s *Store) Load(botID, shardID string) ([]string, error) {
	data, err := os.ReadFile(s.path(botID, shardID))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if s.mirror != nil {
			endpoints, mErr := s.mirror.Get(botID, shardID)
			if mErr == nil {
				return endpoints, nil
			}
		}
		return nil, ErrNotFound
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return snap.Endpoints, nil
}

// Delete removes the persisted snapshot for (botID, shardID). Best-effort: a
// missing file is not an error (spec.md §4.2).
func (s *Store) Delete(botID, shardID string) {
	if err := os.Remove(s.path(botID, shardID)); err != nil && !os.IsNotExist(err) {
		log.Printf("[CATALOG] failed to delete snapshot for %s/%s: %v", botID, shardID, err)
	}
}
