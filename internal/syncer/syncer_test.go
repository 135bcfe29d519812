package syncer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renfold/gistsync/internal/logging"
	"github.com/renfold/gistsync/internal/merge"
	"github.com/renfold/gistsync/internal/snapshot"
	"github.com/renfold/gistsync/internal/state"
	"github.com/renfold/gistsync/internal/syncerr"
)

// fakeSettings holds settings in memory and records status transitions.
type fakeSettings struct {
	mu       sync.Mutex
	settings state.Settings
	statuses []string
}

func (f *fakeSettings) SyncSettings() (state.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings, nil
}

func (f *fakeSettings) SetSyncSettings(st state.Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = st
	return nil
}

func (f *fakeSettings) UpdateStatus(status, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings.Status = status
	f.settings.LastError = lastErr
	f.statuses = append(f.statuses, status)
	return nil
}

// fakeStore is an in-memory Store recording applies and cleanups.
type fakeStore struct {
	mu          sync.Mutex
	config      snapshot.Config
	pageCache   map[string]snapshot.PageCacheEntry
	chatHistory map[string][]snapshot.ChatMessage

	appliedConfig bool
	removedKeys   []string
	purged        bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pageCache:   map[string]snapshot.PageCacheEntry{},
		chatHistory: map[string][]snapshot.ChatMessage{},
	}
}

func (f *fakeStore) CollectConfig(context.Context) (snapshot.Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config, nil
}

func (f *fakeStore) CollectPageCache(context.Context) (map[string]snapshot.PageCacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]snapshot.PageCacheEntry, len(f.pageCache))
	for k, v := range f.pageCache {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) CollectChatHistory(context.Context) (map[string][]snapshot.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]snapshot.ChatMessage, len(f.chatHistory))
	for k, v := range f.chatHistory {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) ApplyConfig(cfg snapshot.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config = cfg
	f.appliedConfig = true
	return nil
}

func (f *fakeStore) ApplyPageCache(entries map[string]snapshot.PageCacheEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageCache = entries
	return nil
}

func (f *fakeStore) ApplyChatHistory(entries map[string][]snapshot.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatHistory = entries
	return nil
}

func (f *fakeStore) RemoveKeys(keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedKeys = append(f.removedKeys, keys...)
	for _, k := range keys {
		delete(f.pageCache, k)
	}
	return nil
}

func (f *fakeStore) PurgeDeletedItems() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = true
	return nil
}

// fakeRemote is a Remote driven by function fields. Unset functions mean
// "no remote data" and successful writes.
type fakeRemote struct {
	mu       sync.Mutex
	getFile  func(ctx context.Context, gistID, filename string) (string, error)
	putFile  func(ctx context.Context, gistID, filename, content, message string) error
	offline  bool
	puts     []string
	messages []string
}

func (f *fakeRemote) GetFile(ctx context.Context, gistID, filename string) (string, error) {
	if f.getFile != nil {
		return f.getFile(ctx, gistID, filename)
	}
	return "", fmt.Errorf("gist %s: %w", gistID, syncerr.ErrFileAbsent)
}

func (f *fakeRemote) PutFile(ctx context.Context, gistID, filename, content, message string) error {
	if f.putFile != nil {
		return f.putFile(ctx, gistID, filename, content, message)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, content)
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeRemote) CheckConnectivity(context.Context) bool {
	return !f.offline
}

func (f *fakeRemote) TestConnection(ctx context.Context, token, gistID string) error {
	if token == "bad" {
		return &syncerr.RemoteAPIError{Status: 401, Message: "Bad credentials"}
	}
	return nil
}

func newTestSyncer(store *fakeStore, remote *fakeRemote) (*Syncer, *fakeSettings) {
	settings := &fakeSettings{settings: state.Settings{
		Enabled:  true,
		Token:    "tok",
		GistID:   "g1",
		DeviceID: "device-a",
	}}
	logger := logging.Discard()
	codec := snapshot.NewCodec(store, "device-a", nil, nil, logger)
	engine := merge.NewEngine("device-a", logger)
	return New(settings, store, remote, codec, engine, logger), settings
}

// remoteSnapshot serializes a snapshot the way another device would have
// uploaded it.
func remoteSnapshot(t *testing.T, mutate func(*snapshot.Snapshot)) string {
	t.Helper()
	other := newFakeStore()
	logger := logging.Discard()
	codec := snapshot.NewCodec(other, "device-b", nil, nil, logger)
	snap := codec.Collect(context.Background())
	if mutate != nil {
		mutate(snap)
	}
	data, _, err := codec.Serialize(snap)
	require.NoError(t, err)
	return string(data)
}

func TestUploadWithNoRemoteDataUploadsLocalState(t *testing.T) {
	store := newFakeStore()
	store.pageCache["k1"] = snapshot.PageCacheEntry{LastUpdated: 100}
	remote := &fakeRemote{}
	s, settings := newTestSyncer(store, remote)

	res := s.Upload(context.Background(), UploadOptions{})

	require.True(t, res.Success, res.Message)
	assert.Equal(t, merge.StrategyLocalOnly, res.MergeStrategy)
	require.Len(t, remote.puts, 1)
	assert.Contains(t, remote.puts[0], `"k1"`)
	assert.Contains(t, remote.messages[0], "sync from device-a")
	assert.Equal(t, state.StatusSuccess, settings.settings.Status)
}

func TestUploadMergesRemoteBeforeWriting(t *testing.T) {
	store := newFakeStore()
	item, err := snapshot.NewItem("q1", 100, false, map[string]any{"label": "local"})
	require.NoError(t, err)
	store.config.QuickInputs = []snapshot.Item{item}

	content := remoteSnapshot(t, func(snap *snapshot.Snapshot) {
		remoteItem, err := snapshot.NewItem("q1", 200, false, map[string]any{"label": "remote"})
		require.NoError(t, err)
		snap.Config.QuickInputs = []snapshot.Item{remoteItem}
	})

	remote := &fakeRemote{
		getFile: func(context.Context, string, string) (string, error) { return content, nil },
	}
	s, _ := newTestSyncer(store, remote)

	res := s.Upload(context.Background(), UploadOptions{})

	require.True(t, res.Success, res.Message)
	assert.Equal(t, merge.StrategyFieldLevelTimestamp, res.MergeStrategy)
	require.Len(t, remote.puts, 1)
	assert.Contains(t, remote.puts[0], `"label":"remote"`)
	assert.NotContains(t, remote.puts[0], `"label":"local"`)
}

func TestUploadProceedsWhenRemoteContentCorrupt(t *testing.T) {
	store := newFakeStore()
	remote := &fakeRemote{
		getFile: func(context.Context, string, string) (string, error) { return "not json at all", nil },
	}
	s, _ := newTestSyncer(store, remote)

	res := s.Upload(context.Background(), UploadOptions{})

	require.True(t, res.Success, res.Message)
	assert.Equal(t, merge.StrategyLocalOnly, res.MergeStrategy)
	assert.Len(t, remote.puts, 1)
}

func TestUploadAbortsOnTransportError(t *testing.T) {
	store := newFakeStore()
	remote := &fakeRemote{
		getFile: func(context.Context, string, string) (string, error) {
			return "", fmt.Errorf("retries exhausted: %w", &syncerr.RemoteAPIError{Status: 502, Message: "upstream sad"})
		},
	}
	s, settings := newTestSyncer(store, remote)

	res := s.Upload(context.Background(), UploadOptions{})

	assert.False(t, res.Success)
	assert.Empty(t, remote.puts)
	assert.Equal(t, state.StatusError, settings.settings.Status)
}

func TestUploadAbortsOnVersionMismatch(t *testing.T) {
	store := newFakeStore()
	store.pageCache["local"] = snapshot.PageCacheEntry{LastUpdated: 5}
	remote := &fakeRemote{
		getFile: func(context.Context, string, string) (string, error) {
			return `{"metadata":{"version":"2.0.0","timestamp":1,"deviceId":"b","syncId":"s"}}`, nil
		},
	}
	s, _ := newTestSyncer(store, remote)

	res := s.Upload(context.Background(), UploadOptions{})

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, syncerr.ErrIncompatibleVersion)
	assert.Empty(t, remote.puts)
	// Local state is untouched.
	assert.Contains(t, store.pageCache, "local")
}

func TestUploadApplyLocallyWritesMergedStateBack(t *testing.T) {
	store := newFakeStore()
	content := remoteSnapshot(t, func(snap *snapshot.Snapshot) {
		snap.PageCache["remote-key"] = snapshot.PageCacheEntry{LastUpdated: 100}
	})
	remote := &fakeRemote{
		getFile: func(context.Context, string, string) (string, error) { return content, nil },
	}
	s, _ := newTestSyncer(store, remote)

	res := s.Upload(context.Background(), UploadOptions{ApplyLocally: true})

	require.True(t, res.Success, res.Message)
	assert.True(t, res.AppliedLocally)
	assert.Contains(t, store.pageCache, "remote-key")
	assert.True(t, store.purged)
}

func TestDownloadWithNoRemoteDataUsesLocal(t *testing.T) {
	store := newFakeStore()
	remote := &fakeRemote{}
	s, settings := newTestSyncer(store, remote)

	res := s.Download(context.Background())

	require.True(t, res.Success)
	assert.Equal(t, "Local data used (no valid remote data)", res.Message)
	assert.Equal(t, merge.StrategyLocalOnly, res.MergeStrategy)
	assert.False(t, store.appliedConfig)
	assert.Equal(t, state.StatusSuccess, settings.settings.Status)
}

func TestDownloadWithEmptyRemoteFileUsesLocal(t *testing.T) {
	store := newFakeStore()
	remote := &fakeRemote{
		getFile: func(context.Context, string, string) (string, error) { return "   ", nil },
	}
	s, _ := newTestSyncer(store, remote)

	res := s.Download(context.Background())

	require.True(t, res.Success)
	assert.Equal(t, "Local data used (no valid remote data)", res.Message)
}

func TestDownloadAppliesMergedSnapshotAndCleanup(t *testing.T) {
	store := newFakeStore()
	store.pageCache["doomed"] = snapshot.PageCacheEntry{Del: true, LastModified: 300}
	store.pageCache["keep"] = snapshot.PageCacheEntry{LastUpdated: 10}

	content := remoteSnapshot(t, func(snap *snapshot.Snapshot) {
		snap.Metadata.Timestamp = 777
		snap.PageCache["doomed"] = snapshot.PageCacheEntry{LastUpdated: 200}
		snap.PageCache["remote-key"] = snapshot.PageCacheEntry{LastUpdated: 50}
	})
	remote := &fakeRemote{
		getFile: func(context.Context, string, string) (string, error) { return content, nil },
	}
	s, _ := newTestSyncer(store, remote)

	res := s.Download(context.Background())

	require.True(t, res.Success, res.Message)
	assert.True(t, res.AppliedLocally)
	assert.Equal(t, merge.StrategyFieldLevelTimestamp, res.MergeStrategy)
	assert.Equal(t, int64(777), res.RemoteTimestamp)
	assert.Contains(t, store.pageCache, "keep")
	assert.Contains(t, store.pageCache, "remote-key")
	assert.NotContains(t, store.pageCache, "doomed")
	assert.Equal(t, []string{"doomed"}, store.removedKeys)
	assert.True(t, store.purged)
}

func TestDownloadFailsOnVersionMismatchLeavingLocalUntouched(t *testing.T) {
	store := newFakeStore()
	store.pageCache["local"] = snapshot.PageCacheEntry{LastUpdated: 5}
	remote := &fakeRemote{
		getFile: func(context.Context, string, string) (string, error) {
			return `{"metadata":{"version":"0.9.0"}}`, nil
		},
	}
	s, settings := newTestSyncer(store, remote)

	res := s.Download(context.Background())

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, syncerr.ErrIncompatibleVersion)
	assert.Contains(t, store.pageCache, "local")
	assert.False(t, store.appliedConfig)
	assert.Equal(t, state.StatusError, settings.settings.Status)
}

func TestOperationsRequireConfiguration(t *testing.T) {
	store := newFakeStore()
	remote := &fakeRemote{}
	s, settings := newTestSyncer(store, remote)
	settings.settings.Token = ""
	settings.settings.GistID = ""

	res := s.Upload(context.Background(), UploadOptions{})

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, syncerr.ErrNotConfigured)
	var cfgErr *syncerr.ConfigError
	require.ErrorAs(t, res.Err, &cfgErr)
	assert.Equal(t, []string{"token", "gistId"}, cfgErr.Missing)
}

func TestOperationsRespectDisabledSync(t *testing.T) {
	store := newFakeStore()
	remote := &fakeRemote{}
	s, settings := newTestSyncer(store, remote)
	settings.settings.Enabled = false

	res := s.Download(context.Background())

	assert.False(t, res.Success)
	assert.Equal(t, "sync is disabled", res.Message)
	assert.Empty(t, settings.statuses)
}

func TestOperationsFailWithoutConnectivity(t *testing.T) {
	store := newFakeStore()
	remote := &fakeRemote{offline: true}
	s, settings := newTestSyncer(store, remote)

	res := s.Upload(context.Background(), UploadOptions{})

	assert.False(t, res.Success)
	assert.Empty(t, remote.puts)
	assert.Equal(t, state.StatusError, settings.settings.Status)
}

func TestConcurrentUploadsCoalesce(t *testing.T) {
	store := newFakeStore()

	putStarted := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var puts int32
	var mu sync.Mutex

	remote := &fakeRemote{
		putFile: func(context.Context, string, string, string, string) error {
			once.Do(func() { close(putStarted) })
			<-release
			mu.Lock()
			puts++
			mu.Unlock()
			return nil
		},
	}
	s, _ := newTestSyncer(store, remote)

	results := make(chan *Result, 2)
	go func() { results <- s.Upload(context.Background(), UploadOptions{}) }()

	<-putStarted
	go func() { results <- s.Upload(context.Background(), UploadOptions{}) }()

	// Give the second caller time to join the in-flight upload.
	time.Sleep(50 * time.Millisecond)
	close(release)

	r1 := <-results
	r2 := <-results

	assert.Same(t, r1, r2)
	mu.Lock()
	assert.Equal(t, int32(1), puts)
	mu.Unlock()
}

func TestFullSyncUploadsWithLocalApply(t *testing.T) {
	store := newFakeStore()
	store.pageCache["local-key"] = snapshot.PageCacheEntry{LastUpdated: 10}
	content := remoteSnapshot(t, func(snap *snapshot.Snapshot) {
		snap.PageCache["remote-key"] = snapshot.PageCacheEntry{LastUpdated: 100}
	})
	remote := &fakeRemote{
		getFile: func(context.Context, string, string) (string, error) { return content, nil },
	}
	s, _ := newTestSyncer(store, remote)

	res := s.FullSync(context.Background())

	require.True(t, res.Success, res.Message)
	assert.True(t, res.AppliedLocally)
	// One round trip converges both sides.
	require.Len(t, remote.puts, 1)
	assert.Contains(t, remote.puts[0], "remote-key")
	assert.Contains(t, remote.puts[0], "local-key")
	assert.Contains(t, store.pageCache, "remote-key")
	assert.Contains(t, store.pageCache, "local-key")
}

func TestFullSyncPropagatesUploadFailure(t *testing.T) {
	store := newFakeStore()
	remote := &fakeRemote{
		getFile: func(context.Context, string, string) (string, error) {
			return "", fmt.Errorf("retries exhausted: %w", &syncerr.RemoteAPIError{Status: 503, Message: "down"})
		},
	}
	s, _ := newTestSyncer(store, remote)

	res := s.FullSync(context.Background())

	assert.False(t, res.Success)
	assert.Empty(t, remote.puts)
}

func TestIsConfigured(t *testing.T) {
	store := newFakeStore()
	s, settings := newTestSyncer(store, &fakeRemote{})

	ok, err := s.IsConfigured()
	require.NoError(t, err)
	assert.True(t, ok)

	settings.settings.GistID = ""
	ok, err = s.IsConfigured()
	require.NoError(t, err)
	assert.False(t, ok)

	settings.settings.GistID = "g1"
	settings.settings.Enabled = false
	ok, err = s.IsConfigured()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTestConnectionValidation(t *testing.T) {
	store := newFakeStore()
	s, _ := newTestSyncer(store, &fakeRemote{})

	res := s.TestConnection(context.Background(), "", "")
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, syncerr.ErrNotConfigured)

	res = s.TestConnection(context.Background(), "bad", "g1")
	assert.False(t, res.Success)
	var apiErr *syncerr.RemoteAPIError
	assert.ErrorAs(t, res.Err, &apiErr)

	res = s.TestConnection(context.Background(), "good", "g1")
	assert.True(t, res.Success)
}
