// Package state persists sync settings and the device's local
// application state in a bbolt database. It is the storage side of the
// collector/applier boundary: the sync engine itself never touches raw
// storage.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/renfold/gistsync/internal/snapshot"
	"github.com/tidwall/gjson"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the database file. It
	// holds the remote access token.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt file lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	settingsBucket    = []byte("settings")
	configBucket      = []byte("config")
	pageCacheBucket   = []byte("page_cache")
	chatHistoryBucket = []byte("chat_history")

	syncSettingsKey = []byte("sync")
	configKey       = []byte("config")
)

// Sync status values recorded in settings.
const (
	StatusIdle    = "idle"
	StatusSyncing = "syncing"
	StatusSuccess = "success"
	StatusError   = "error"
)

// Settings holds the sync credentials, target, and last known status.
type Settings struct {
	Enabled      bool   `json:"enabled"`
	Token        string `json:"token"`
	GistID       string `json:"gistId"`
	DeviceID     string `json:"deviceId"`
	Status       string `json:"status,omitempty"`
	LastError    string `json:"lastError,omitempty"`
	LastSyncTime int64  `json:"lastSyncTime,omitempty"`
}

// Store wraps a bbolt database holding settings and local snapshot state.
type Store struct {
	db *bolt.DB
}

// Load opens the store at ~/.gistsync/state.db, creating it if needed.
func Load() (*Store, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return LoadAt(filepath.Join(dir, ".gistsync", "state.db"))
}

// LoadAt opens a store at the given path, creating it if it does not
// exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{settingsBucket, configBucket, pageCacheBucket, chatHistoryBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SyncSettings returns the persisted sync settings, zero-valued when none
// have been saved yet.
func (s *Store) SyncSettings() (Settings, error) {
	var st Settings
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(settingsBucket).Get(syncSettingsKey)
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &st)
	})
	return st, err
}

// SetSyncSettings persists the sync settings.
func (s *Store) SetSyncSettings(st Settings) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return tx.Bucket(settingsBucket).Put(syncSettingsKey, data)
	})
}

// UpdateStatus records the latest sync status and error message. A
// success status also stamps the last sync time.
func (s *Store) UpdateStatus(status, lastErr string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(settingsBucket)

		var st Settings
		if v := b.Get(syncSettingsKey); v != nil {
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
		}

		st.Status = status
		st.LastError = lastErr
		if status == StatusSuccess {
			st.LastSyncTime = time.Now().UnixMilli()
		}

		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put(syncSettingsKey, data)
	})
}

// CollectConfig returns the canonical config section. Stored legacy-shape
// blobs are normalized on the way out so downstream code only ever sees
// one shape.
func (s *Store) CollectConfig(ctx context.Context) (snapshot.Config, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(configBucket).Get(configKey); v != nil {
			raw = append(raw, v...)
		}
		return nil
	})
	if err != nil {
		return snapshot.Config{}, err
	}
	return NormalizeConfig(raw)
}

// ApplyConfig replaces the stored config section with the canonical form.
func (s *Store) ApplyConfig(cfg snapshot.Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(configBucket).Put(configKey, data)
	})
}

// SetConfigRaw ingests a host-supplied config blob (canonical or legacy
// shape), normalizing before storage.
func (s *Store) SetConfigRaw(raw []byte) error {
	cfg, err := NormalizeConfig(raw)
	if err != nil {
		return err
	}
	return s.ApplyConfig(cfg)
}

// CollectPageCache returns all page cache entries keyed by URL hash.
func (s *Store) CollectPageCache(ctx context.Context) (map[string]snapshot.PageCacheEntry, error) {
	out := make(map[string]snapshot.PageCacheEntry)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pageCacheBucket).ForEach(func(k, v []byte) error {
			var entry snapshot.PageCacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decoding page cache entry %s: %w", k, err)
			}
			out[string(k)] = entry
			return nil
		})
	})
	return out, err
}

// ApplyPageCache replaces the page cache section wholesale.
func (s *Store) ApplyPageCache(entries map[string]snapshot.PageCacheEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(pageCacheBucket); err != nil {
			return err
		}
		b, err := tx.CreateBucket(pageCacheBucket)
		if err != nil {
			return err
		}
		for key, entry := range entries {
			data, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("encoding page cache entry %s: %w", key, err)
			}
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutPageCacheEntry upserts a single page cache entry.
func (s *Store) PutPageCacheEntry(key string, entry snapshot.PageCacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding page cache entry %s: %w", key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pageCacheBucket).Put([]byte(key), data)
	})
}

// CollectChatHistory returns all chat sequences keyed by URL hash.
func (s *Store) CollectChatHistory(ctx context.Context) (map[string][]snapshot.ChatMessage, error) {
	out := make(map[string][]snapshot.ChatMessage)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatHistoryBucket).ForEach(func(k, v []byte) error {
			var msgs []snapshot.ChatMessage
			if err := json.Unmarshal(v, &msgs); err != nil {
				return fmt.Errorf("decoding chat history %s: %w", k, err)
			}
			out[string(k)] = msgs
			return nil
		})
	})
	return out, err
}

// ApplyChatHistory replaces the chat history section wholesale.
func (s *Store) ApplyChatHistory(entries map[string][]snapshot.ChatMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(chatHistoryBucket); err != nil {
			return err
		}
		b, err := tx.CreateBucket(chatHistoryBucket)
		if err != nil {
			return err
		}
		for key, msgs := range entries {
			data, err := json.Marshal(msgs)
			if err != nil {
				return fmt.Errorf("encoding chat history %s: %w", key, err)
			}
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutChatHistory upserts a single chat sequence.
func (s *Store) PutChatHistory(key string, msgs []snapshot.ChatMessage) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encoding chat history %s: %w", key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(chatHistoryBucket).Put([]byte(key), data)
	})
}

// RemoveKeys erases the given page cache keys. Called with the cleanup
// list a merge produced, after the merged snapshot has been applied.
func (s *Store) RemoveKeys(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pageCacheBucket)
		for _, key := range keys {
			if err := b.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
}

// PurgeDeletedItems strips tombstoned items from the stored config lists.
// Run after a merge has been applied so local deletions that already
// propagated do not linger.
func (s *Store) PurgeDeletedItems() error {
	cfg, err := s.CollectConfig(context.Background())
	if err != nil {
		return err
	}

	changed := false
	cfg.QuickInputs, changed = filterDeleted(cfg.QuickInputs, changed)
	cfg.LLMModels, changed = filterDeleted(cfg.LLMModels, changed)
	if !changed {
		return nil
	}
	return s.ApplyConfig(cfg)
}

func filterDeleted(items []snapshot.Item, changed bool) ([]snapshot.Item, bool) {
	out := items[:0:0]
	for _, it := range items {
		if it.Deleted {
			changed = true
			continue
		}
		out = append(out, it)
	}
	if len(out) == 0 && items != nil {
		return []snapshot.Item{}, changed
	}
	return out, changed
}

// NormalizeConfig adapts a raw config blob into the canonical
// {basic, quickInputs, llmModels} shape. Two shapes exist in the wild:
// the canonical one, and a legacy flat object carrying settings fields at
// the top level with nested "quickInput.items" and "models" lists.
func NormalizeConfig(raw []byte) (snapshot.Config, error) {
	if len(raw) == 0 {
		return snapshot.Config{}, nil
	}

	if gjson.GetBytes(raw, "basic").Exists() ||
		gjson.GetBytes(raw, "quickInputs").Exists() ||
		gjson.GetBytes(raw, "llmModels").Exists() {
		var cfg snapshot.Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return snapshot.Config{}, fmt.Errorf("decoding config: %w", err)
		}
		return cfg, nil
	}

	return normalizeLegacyConfig(raw)
}

func normalizeLegacyConfig(raw []byte) (snapshot.Config, error) {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(raw, &flat); err != nil {
		return snapshot.Config{}, fmt.Errorf("decoding legacy config: %w", err)
	}

	var cfg snapshot.Config

	if qi, ok := flat["quickInput"]; ok {
		var wrapper struct {
			Items []snapshot.Item `json:"items"`
		}
		if err := json.Unmarshal(qi, &wrapper); err != nil {
			return snapshot.Config{}, fmt.Errorf("decoding legacy quickInput: %w", err)
		}
		cfg.QuickInputs = wrapper.Items
		delete(flat, "quickInput")
	}

	if models, ok := flat["models"]; ok {
		var items []snapshot.Item
		if err := json.Unmarshal(models, &items); err != nil {
			return snapshot.Config{}, fmt.Errorf("decoding legacy models: %w", err)
		}
		cfg.LLMModels = items
		delete(flat, "models")
	}

	// Whatever remains is the flat settings object itself.
	if len(flat) > 0 {
		basic, err := json.Marshal(flat)
		if err != nil {
			return snapshot.Config{}, fmt.Errorf("encoding legacy basic config: %w", err)
		}
		cfg.Basic = basic
	}

	return cfg, nil
}
