package spool

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renfold/gistsync/internal/logging"
	"github.com/renfold/gistsync/internal/snapshot"
)

// fakeSink records ingested payloads.
type fakeSink struct {
	mu        sync.Mutex
	configs   [][]byte
	pages     map[string]snapshot.PageCacheEntry
	chats     map[string][]snapshot.ChatMessage
	configErr error
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		pages: map[string]snapshot.PageCacheEntry{},
		chats: map[string][]snapshot.ChatMessage{},
	}
}

func (f *fakeSink) SetConfigRaw(raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configErr != nil {
		return f.configErr
	}
	f.configs = append(f.configs, append([]byte(nil), raw...))
	return nil
}

func (f *fakeSink) PutPageCacheEntry(key string, entry snapshot.PageCacheEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[key] = entry
	return nil
}

func (f *fakeSink) PutChatHistory(key string, msgs []snapshot.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats[key] = msgs
	return nil
}

func dropFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestSweepIngestsEnvelopes(t *testing.T) {
	dir := t.TempDir()
	sink := newFakeSink()
	w := New(dir, sink, nil, logging.Discard())

	dropFile(t, dir, "config.json", `{"type":"config","data":{"theme":"dark"}}`)
	dropFile(t, dir, "page.json", `{"type":"pageCache","key":"k1","data":{"lastUpdated":100}}`)
	dropFile(t, dir, "chat.json", `{"type":"chatHistory","url":"https://example.com/a","data":[{"content":"hi","timestamp":5}]}`)
	dropFile(t, dir, "ignored.txt", "not an envelope")

	n := w.sweep()
	assert.Equal(t, 3, n)

	require.Len(t, sink.configs, 1)
	assert.JSONEq(t, `{"theme":"dark"}`, string(sink.configs[0]))
	assert.Equal(t, int64(100), sink.pages["k1"].LastUpdated)
	assert.Len(t, sink.chats[KeyForURL("https://example.com/a")], 1)

	// Ingested files are deleted, non-envelope files left alone.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ignored.txt", entries[0].Name())
}

func TestSweepSetsAsideRejectedFiles(t *testing.T) {
	dir := t.TempDir()
	sink := newFakeSink()
	w := New(dir, sink, nil, logging.Discard())

	dropFile(t, dir, "bad.json", `{"type":"bookmark","data":{}}`)
	dropFile(t, dir, "nokey.json", `{"type":"pageCache","data":{}}`)

	n := w.sweep()
	assert.Zero(t, n)

	_, err := os.Stat(filepath.Join(dir, "bad.json.rejected"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "nokey.json.rejected"))
	assert.NoError(t, err)
}

func TestIngestRejectsPathologicalNesting(t *testing.T) {
	dir := t.TempDir()
	sink := newFakeSink()
	w := New(dir, sink, nil, logging.Discard())

	deep := `{"type":"config","data":` + strings.Repeat(`[`, 100) + strings.Repeat(`]`, 100) + `}`
	path := dropFile(t, dir, "deep.json", deep)

	err := w.ingestFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depth")
	assert.Empty(t, sink.configs)
}

func TestKeyForURLNormalizesBeforeHashing(t *testing.T) {
	composed := "https://example.com/café"
	decomposed := "https://example.com/cafe\u0301"

	assert.Equal(t, KeyForURL(composed), KeyForURL(decomposed))
	assert.Len(t, KeyForURL(composed), 64)
	assert.NotEqual(t, KeyForURL(composed), KeyForURL("https://example.com/cafe"))
}

func TestRunIngestsExistingFilesAndSignals(t *testing.T) {
	dir := t.TempDir()
	sink := newFakeSink()

	ingested := make(chan struct{}, 1)
	w := New(dir, sink, func() {
		select {
		case ingested <- struct{}{}:
		default:
		}
	}, logging.Discard())

	dropFile(t, dir, "page.json", `{"type":"pageCache","key":"k1","data":{"lastUpdated":7}}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-ingested:
	case <-time.After(2 * time.Second):
		t.Fatal("startup sweep never signalled")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, int64(7), sink.pages["k1"].LastUpdated)
}
