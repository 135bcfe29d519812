// Package spool ingests host-dropped state files. The host application
// writes JSON envelopes into a drop directory; the watcher picks them up,
// stores the payload locally, deletes the file, and signals that new data
// is ready to sync.
package spool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/unicode/norm"

	"github.com/renfold/gistsync/internal/snapshot"
)

// settleDelay is how long the watcher waits after the last event before
// sweeping, so a file still being written is not read half-done.
const settleDelay = 500 * time.Millisecond

// Envelope types accepted in drop files.
const (
	TypeConfig      = "config"
	TypePageCache   = "pageCache"
	TypeChatHistory = "chatHistory"
)

// Sink receives ingested payloads.
type Sink interface {
	SetConfigRaw(raw []byte) error
	PutPageCacheEntry(key string, entry snapshot.PageCacheEntry) error
	PutChatHistory(key string, msgs []snapshot.ChatMessage) error
}

// envelope is the drop-file wire shape. Either key or url identifies
// keyed payloads; url is hashed into the canonical key.
type envelope struct {
	Type string          `json:"type"`
	Key  string          `json:"key,omitempty"`
	URL  string          `json:"url,omitempty"`
	Data json.RawMessage `json:"data"`
}

// Watcher watches a drop directory and ingests envelopes as they appear.
type Watcher struct {
	dir      string
	sink     Sink
	onIngest func()
	logger   *slog.Logger
}

// New creates a watcher. onIngest, if non-nil, fires after each sweep
// that ingested at least one file; callers hook it to trigger an upload.
func New(dir string, sink Sink, onIngest func(), logger *slog.Logger) *Watcher {
	return &Watcher{dir: dir, sink: sink, onIngest: onIngest, logger: logger}
}

// Run watches the drop directory until the context ends. Files already
// present at startup are ingested immediately.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("creating spool directory: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching spool directory: %w", err)
	}

	if n := w.sweep(); n > 0 && w.onIngest != nil {
		w.onIngest()
	}

	timer := time.NewTimer(settleDelay)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
				continue
			}
			if filepath.Ext(ev.Name) != ".json" {
				continue
			}
			if armed && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(settleDelay)
			armed = true

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("spool watcher error", slog.String("error", err.Error()))

		case <-timer.C:
			armed = false
			if n := w.sweep(); n > 0 && w.onIngest != nil {
				w.onIngest()
			}
		}
	}
}

// sweep ingests every .json file currently in the drop directory,
// returning how many were ingested. Files that fail to parse are renamed
// aside rather than deleted so the payload is not lost.
func (w *Watcher) sweep() int {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("reading spool directory failed", slog.String("error", err.Error()))
		return 0
	}

	ingested := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())

		if err := w.ingestFile(path); err != nil {
			w.logger.Warn("ingesting spool file failed",
				slog.String("file", entry.Name()),
				slog.String("error", err.Error()),
			)
			if renameErr := os.Rename(path, path+".rejected"); renameErr != nil {
				w.logger.Warn("setting aside rejected spool file failed",
					slog.String("file", entry.Name()),
					slog.String("error", renameErr.Error()),
				)
			}
			continue
		}

		if err := os.Remove(path); err != nil {
			w.logger.Warn("removing ingested spool file failed",
				slog.String("file", entry.Name()),
				slog.String("error", err.Error()),
			)
		}
		ingested++
	}
	return ingested
}

func (w *Watcher) ingestFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading: %w", err)
	}

	// Drop files come from outside the process; bound their nesting
	// before handing them to the decoder.
	if err := snapshot.CheckDepth(data); err != nil {
		return fmt.Errorf("depth check: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decoding envelope: %w", err)
	}

	switch env.Type {
	case TypeConfig:
		return w.sink.SetConfigRaw(env.Data)

	case TypePageCache:
		key, err := env.resolveKey()
		if err != nil {
			return err
		}
		var entry snapshot.PageCacheEntry
		if err := json.Unmarshal(env.Data, &entry); err != nil {
			return fmt.Errorf("decoding page cache entry: %w", err)
		}
		return w.sink.PutPageCacheEntry(key, entry)

	case TypeChatHistory:
		key, err := env.resolveKey()
		if err != nil {
			return err
		}
		var msgs []snapshot.ChatMessage
		if err := json.Unmarshal(env.Data, &msgs); err != nil {
			return fmt.Errorf("decoding chat history: %w", err)
		}
		return w.sink.PutChatHistory(key, msgs)

	default:
		return fmt.Errorf("unknown envelope type %q", env.Type)
	}
}

func (e *envelope) resolveKey() (string, error) {
	switch {
	case e.Key != "":
		return e.Key, nil
	case e.URL != "":
		return KeyForURL(e.URL), nil
	default:
		return "", fmt.Errorf("envelope has neither key nor url")
	}
}

// KeyForURL derives the canonical storage key for a URL. The URL is
// NFC-normalized first so the same address composed differently on
// different platforms hashes identically.
func KeyForURL(url string) string {
	normalized := norm.NFC.String(url)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
