// Package syncer orchestrates uploads, downloads, and full sync cycles:
// settings validation, connectivity probing, merge-before-write, local
// apply, and status bookkeeping. It deals only in interfaces; storage,
// transport, and codec are injected.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/renfold/gistsync/internal/merge"
	"github.com/renfold/gistsync/internal/snapshot"
	"github.com/renfold/gistsync/internal/state"
	"github.com/renfold/gistsync/internal/syncerr"
)

// SyncFilename is the single canonical file inside the remote container.
const SyncFilename = "sync-data.json"

// SettingsStore persists sync settings and status.
type SettingsStore interface {
	SyncSettings() (state.Settings, error)
	SetSyncSettings(state.Settings) error
	UpdateStatus(status, lastErr string) error
}

// Store is the local state the engine collects from and applies to.
type Store interface {
	snapshot.Collector
	ApplyConfig(snapshot.Config) error
	ApplyPageCache(map[string]snapshot.PageCacheEntry) error
	ApplyChatHistory(map[string][]snapshot.ChatMessage) error
	RemoveKeys(keys []string) error
	PurgeDeletedItems() error
}

// Remote is the blob store transport.
type Remote interface {
	GetFile(ctx context.Context, gistID, filename string) (string, error)
	PutFile(ctx context.Context, gistID, filename, content, message string) error
	CheckConnectivity(ctx context.Context) bool
	TestConnection(ctx context.Context, token, gistID string) error
}

// Result is the outcome of a sync operation. Operations report failure
// through it rather than an error return: a sync that cannot run is an
// outcome to surface, not a programming error to propagate.
type Result struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	Err             error  `json:"-"`
	MergeStrategy   string `json:"mergeStrategy,omitempty"`
	RemoteTimestamp int64  `json:"remoteTimestamp,omitempty"`
	OriginalSize    int64  `json:"originalSize,omitempty"`
	UploadedSize    int64  `json:"uploadedSize,omitempty"`
	Compressed      bool   `json:"compressed,omitempty"`
	AppliedLocally  bool   `json:"appliedLocally,omitempty"`
}

// UploadOptions tunes a single upload.
type UploadOptions struct {
	// ApplyLocally writes the merged snapshot back into local storage
	// after the upload, so an upload alone leaves both sides converged.
	ApplyLocally bool
}

// Syncer coordinates the codec, merge engine, remote, and stores.
type Syncer struct {
	settings SettingsStore
	store    Store
	remote   Remote
	codec    *snapshot.Codec
	engine   *merge.Engine
	perf     *Recorder
	logger   *slog.Logger

	// flight collapses concurrent invocations of the same operation into
	// one execution whose result every caller shares. Scoped to the
	// instance so independent syncers never couple through package state.
	flight singleflight.Group
}

// New creates a syncer.
func New(settings SettingsStore, store Store, remote Remote, codec *snapshot.Codec, engine *merge.Engine, logger *slog.Logger) *Syncer {
	return &Syncer{
		settings: settings,
		store:    store,
		remote:   remote,
		codec:    codec,
		engine:   engine,
		perf:     NewRecorder(),
		logger:   logger,
	}
}

// Perf exposes the operation recorder.
func (s *Syncer) Perf() *Recorder {
	return s.perf
}

// Upload merges local state with the remote snapshot and writes the
// result to the remote. Concurrent calls coalesce into one upload.
func (s *Syncer) Upload(ctx context.Context, opts UploadOptions) *Result {
	v, _, _ := s.flight.Do("upload", func() (any, error) {
		return s.upload(ctx, opts), nil
	})
	return v.(*Result)
}

// Download fetches the remote snapshot, merges it with local state, and
// applies the result locally. Concurrent calls coalesce.
func (s *Syncer) Download(ctx context.Context) *Result {
	v, _, _ := s.flight.Do("download", func() (any, error) {
		return s.download(ctx), nil
	})
	return v.(*Result)
}

// FullSync runs an upload with local apply, which merges remote state in
// and leaves both sides converged in one network round trip. A download
// pass runs only when the upload did not apply the merge locally. The
// upload leg goes through the shared upload flight, so a full sync and a
// bare upload racing each other still write once.
func (s *Syncer) FullSync(ctx context.Context) *Result {
	v, _, _ := s.flight.Do("fullSync", func() (any, error) {
		up := s.Upload(ctx, UploadOptions{ApplyLocally: true})
		if !up.Success || up.AppliedLocally {
			return up, nil
		}
		return s.Download(ctx), nil
	})
	return v.(*Result)
}

// TestConnection validates candidate credentials against the remote
// without touching the persisted ones.
func (s *Syncer) TestConnection(ctx context.Context, token, gistID string) *Result {
	if token == "" || gistID == "" {
		return &Result{
			Success: false,
			Message: "token and gistId are required",
			Err:     &syncerr.ConfigError{Missing: missingFields(token, gistID)},
		}
	}
	if err := s.remote.TestConnection(ctx, token, gistID); err != nil {
		return &Result{Success: false, Message: "connection test failed: " + err.Error(), Err: err}
	}
	return &Result{Success: true, Message: "connection ok"}
}

// Status returns the persisted settings, which carry the latest sync
// status, error, and timestamp.
func (s *Syncer) Status() (state.Settings, error) {
	return s.settings.SyncSettings()
}

// IsConfigured reports whether sync is enabled with complete credentials.
func (s *Syncer) IsConfigured() (bool, error) {
	st, err := s.settings.SyncSettings()
	if err != nil {
		return false, err
	}
	return st.Enabled && len(missingFields(st.Token, st.GistID)) == 0, nil
}

func (s *Syncer) upload(ctx context.Context, opts UploadOptions) *Result {
	op := s.perf.Begin("upload")

	st, res := s.prepare(ctx)
	if res != nil {
		op.End(false)
		return res
	}

	fail := func(msg string, err error) *Result {
		s.logger.Error("upload failed", slog.String("error", err.Error()))
		s.setStatus(state.StatusError, err.Error())
		op.End(false)
		return &Result{Success: false, Message: msg, Err: err}
	}

	local := s.codec.Collect(ctx)
	op.Stage("collect", 0, 0)

	remote, remoteErr := s.fetchRemote(ctx, st)
	strategy := merge.StrategyLocalOnly
	merged := local
	var cleanup []string

	switch {
	case remoteErr == nil && remote != nil:
		mr := s.engine.Merge(local, remote)
		merged = mr.Snapshot
		cleanup = mr.Cleanup
		strategy = mr.Strategy
	case remoteErr == nil:
		// No remote data yet; first upload wins.
	case errors.Is(remoteErr, syncerr.ErrFileAbsent),
		errors.Is(remoteErr, syncerr.ErrIncompatibleFormat),
		errors.Is(remoteErr, syncerr.ErrDecompressionFailed):
		// Absent or unreadable remote content cannot contribute to a
		// merge; the upload proceeds from local state alone and the next
		// write repairs the remote.
		s.logger.Warn("remote snapshot unusable, uploading local state only",
			slog.String("error", remoteErr.Error()),
		)
	default:
		// Transport failures and version/encryption mismatches abort:
		// remote data exists but could not be read, and overwriting it
		// blind could destroy another device's changes.
		return fail("upload aborted: could not read remote data", remoteErr)
	}

	data, meta, err := s.codec.Serialize(merged)
	if err != nil {
		return fail("serializing snapshot failed", err)
	}
	op.Stage("serialize", meta.OriginalSize, meta.FinalSize)

	message := fmt.Sprintf("sync from %s at %s", merged.Metadata.DeviceID, time.Now().UTC().Format(time.RFC3339))
	if err := s.remote.PutFile(ctx, st.GistID, SyncFilename, string(data), message); err != nil {
		return fail("uploading snapshot failed", err)
	}
	op.Stage("put", meta.FinalSize, 0)

	applied := false
	if opts.ApplyLocally {
		s.applyDownloadedData(merged, cleanup)
		applied = true
	}

	s.setStatus(state.StatusSuccess, "")
	op.End(true)

	s.logger.Info("upload complete",
		slog.String("strategy", strategy),
		slog.Int64("originalSize", meta.OriginalSize),
		slog.Int64("uploadedSize", meta.FinalSize),
		slog.Bool("compressed", meta.Compressed),
	)

	return &Result{
		Success:        true,
		Message:        "upload complete",
		MergeStrategy:  strategy,
		OriginalSize:   meta.OriginalSize,
		UploadedSize:   meta.FinalSize,
		Compressed:     meta.Compressed,
		AppliedLocally: applied,
	}
}

func (s *Syncer) download(ctx context.Context) *Result {
	op := s.perf.Begin("download")

	st, res := s.prepare(ctx)
	if res != nil {
		op.End(false)
		return res
	}

	fail := func(msg string, err error) *Result {
		s.logger.Error("download failed", slog.String("error", err.Error()))
		s.setStatus(state.StatusError, err.Error())
		op.End(false)
		return &Result{Success: false, Message: msg, Err: err}
	}

	remote, err := s.fetchRemote(ctx, st)
	if err != nil {
		if errors.Is(err, syncerr.ErrFileAbsent) {
			s.setStatus(state.StatusSuccess, "")
			op.End(true)
			return &Result{
				Success:       true,
				Message:       "Local data used (no valid remote data)",
				MergeStrategy: merge.StrategyLocalOnly,
			}
		}
		return fail("download failed: could not read remote data", err)
	}
	if remote == nil {
		s.setStatus(state.StatusSuccess, "")
		op.End(true)
		return &Result{
			Success:       true,
			Message:       "Local data used (no valid remote data)",
			MergeStrategy: merge.StrategyLocalOnly,
		}
	}
	op.Stage("get", remote.Metadata.Size, 0)

	local := s.codec.Collect(ctx)
	mr := s.engine.Merge(local, remote)
	s.applyDownloadedData(mr.Snapshot, mr.Cleanup)

	s.setStatus(state.StatusSuccess, "")
	op.End(true)

	s.logger.Info("download complete",
		slog.String("strategy", mr.Strategy),
		slog.Int64("remoteTimestamp", remote.Metadata.Timestamp),
		slog.Int("cleanupKeys", len(mr.Cleanup)),
	)

	return &Result{
		Success:         true,
		Message:         "download complete",
		MergeStrategy:   mr.Strategy,
		RemoteTimestamp: remote.Metadata.Timestamp,
		AppliedLocally:  true,
	}
}

// prepare validates settings and connectivity, returning a terminal
// Result when the operation cannot start.
func (s *Syncer) prepare(ctx context.Context) (state.Settings, *Result) {
	st, err := s.settings.SyncSettings()
	if err != nil {
		return st, &Result{Success: false, Message: "loading sync settings failed", Err: err}
	}

	if !st.Enabled {
		return st, &Result{Success: false, Message: "sync is disabled"}
	}

	if missing := missingFields(st.Token, st.GistID); len(missing) > 0 {
		err := &syncerr.ConfigError{Missing: missing}
		return st, &Result{Success: false, Message: err.Error(), Err: err}
	}

	if !s.remote.CheckConnectivity(ctx) {
		err := fmt.Errorf("remote host unreachable")
		s.setStatus(state.StatusError, err.Error())
		return st, &Result{Success: false, Message: "no connectivity to remote host", Err: err}
	}

	s.setStatus(state.StatusSyncing, "")
	return st, nil
}

// fetchRemote reads and decodes the remote snapshot. (nil, nil) means the
// file exists but holds no usable snapshot yet.
func (s *Syncer) fetchRemote(ctx context.Context, st state.Settings) (*snapshot.Snapshot, error) {
	content, err := s.remote.GetFile(ctx, st.GistID, SyncFilename)
	if err != nil {
		return nil, err
	}
	return s.codec.Deserialize([]byte(content))
}

// applyDownloadedData writes the merged snapshot into local storage
// section by section. A failing section is logged and skipped so one bad
// write cannot block the rest, then the cleanup list and tombstone purge
// run.
func (s *Syncer) applyDownloadedData(snap *snapshot.Snapshot, cleanup []string) {
	if err := s.store.ApplyConfig(snap.Config); err != nil {
		s.logger.Error("applying config failed", slog.String("error", err.Error()))
	}
	if err := s.store.ApplyPageCache(snap.PageCache); err != nil {
		s.logger.Error("applying page cache failed", slog.String("error", err.Error()))
	}
	if err := s.store.ApplyChatHistory(snap.ChatHistory); err != nil {
		s.logger.Error("applying chat history failed", slog.String("error", err.Error()))
	}
	if err := s.store.RemoveKeys(cleanup); err != nil {
		s.logger.Error("removing cleaned-up keys failed", slog.String("error", err.Error()))
	}
	if err := s.store.PurgeDeletedItems(); err != nil {
		s.logger.Error("purging deleted items failed", slog.String("error", err.Error()))
	}
}

func (s *Syncer) setStatus(status, lastErr string) {
	if err := s.settings.UpdateStatus(status, lastErr); err != nil {
		s.logger.Warn("updating sync status failed", slog.String("error", err.Error()))
	}
}

func missingFields(token, gistID string) []string {
	var missing []string
	if token == "" {
		missing = append(missing, "token")
	}
	if gistID == "" {
		missing = append(missing, "gistId")
	}
	return missing
}
