// Package merge reconciles two snapshots field by field using the items'
// logical timestamps and tombstone flags. It has no I/O: the orchestrator
// feeds it decoded snapshots and applies the result.
package merge

import (
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/renfold/gistsync/internal/snapshot"
)

// Merge strategy identifiers recorded in snapshot metadata and sync
// results.
const (
	StrategyFieldLevelTimestamp = "field-level-timestamp"
	StrategyLocalOnly           = "local-only"
)

// Result carries the merged snapshot plus the page-cache keys that
// resolved to "deleted". The caller erases those from local storage after
// applying the merge; they are already excluded from the snapshot itself.
type Result struct {
	Snapshot *snapshot.Snapshot
	Cleanup  []string
	Strategy string
}

// Engine performs snapshot merges on behalf of one device.
type Engine struct {
	deviceID string
	logger   *slog.Logger
	now      func() int64
}

// NewEngine creates a merge engine stamping merged metadata with the
// given device id.
func NewEngine(deviceID string, logger *slog.Logger) *Engine {
	return &Engine{
		deviceID: deviceID,
		logger:   logger,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// Merge reconciles local and remote. A nil or unversioned remote returns
// local unchanged. A merge never fails: an internal panic degrades to
// prefer-local (else remote, else empty) so a sync the user is waiting on
// still makes progress.
func (e *Engine) Merge(local, remote *snapshot.Snapshot) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("merge failed, falling back to single-sided result",
				slog.Any("panic", r),
			)
			res = e.fallback(local, remote)
		}
	}()

	if remote == nil || remote.Metadata.Version == "" {
		return Result{Snapshot: local, Strategy: StrategyLocalOnly}
	}
	if local == nil {
		local = &snapshot.Snapshot{}
	}

	now := e.now()
	merged := &snapshot.Snapshot{
		Metadata: snapshot.Metadata{
			Version:       snapshot.SchemaVersion,
			Timestamp:     now,
			DeviceID:      e.deviceID,
			SyncID:        snapshot.NewSyncID(),
			DataTypes:     unionDataTypes(local.Metadata.DataTypes, remote.Metadata.DataTypes),
			MergedAt:      now,
			MergeStrategy: StrategyFieldLevelTimestamp,
		},
	}

	merged.Config = e.mergeConfig(local.Config, remote.Config)

	pageCache, cleanup := mergePageCache(local.PageCache, remote.PageCache)
	merged.PageCache = pageCache
	merged.ChatHistory = mergeChatHistory(local.ChatHistory, remote.ChatHistory)

	PurgeTombstones(merged)

	return Result{Snapshot: merged, Cleanup: cleanup, Strategy: StrategyFieldLevelTimestamp}
}

// fallback is the degraded result when the merge itself blew up.
func (e *Engine) fallback(local, remote *snapshot.Snapshot) Result {
	switch {
	case local != nil:
		return Result{Snapshot: local, Strategy: StrategyLocalOnly}
	case remote != nil:
		return Result{Snapshot: remote, Strategy: StrategyLocalOnly}
	default:
		return Result{
			Snapshot: &snapshot.Snapshot{
				Metadata: snapshot.Metadata{
					Version:   snapshot.SchemaVersion,
					Timestamp: e.now(),
					DeviceID:  e.deviceID,
					SyncID:    snapshot.NewSyncID(),
				},
				PageCache:   map[string]snapshot.PageCacheEntry{},
				ChatHistory: map[string][]snapshot.ChatMessage{},
			},
			Strategy: StrategyLocalOnly,
		}
	}
}

// mergeConfig shallow-copies local, then folds in each remote key:
// item-level merge for the item lists, whole-object last-writer-wins for
// basic, and remote-authoritative replacement for anything else. Unknown
// fields are not concurrently edited in practice, so taking the remote
// value outright trades a theoretical conflict for predictability.
func (e *Engine) mergeConfig(local, remote snapshot.Config) snapshot.Config {
	out := snapshot.Config{
		Basic:       local.Basic,
		QuickInputs: local.QuickInputs,
		LLMModels:   local.LLMModels,
	}
	if local.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(local.Extra))
		for k, v := range local.Extra {
			out.Extra[k] = v
		}
	}

	out.QuickInputs = mergeItemList(local.QuickInputs, remote.QuickInputs)
	out.LLMModels = mergeItemList(local.LLMModels, remote.LLMModels)

	if len(remote.Basic) > 0 {
		if len(local.Basic) == 0 || remote.BasicLastModified() > local.BasicLastModified() {
			out.Basic = remote.Basic
		}
	}

	if len(remote.Extra) > 0 {
		if out.Extra == nil {
			out.Extra = make(map[string]json.RawMessage, len(remote.Extra))
		}
		for k, v := range remote.Extra {
			out.Extra[k] = v
		}
	}

	return out
}

// mergeItemList resolves each id present in either list.
//
// Both present: two tombstones keep the newer; a tombstone beats data
// only when strictly newer (data cancels an older deletion); two live
// items keep the greater lastModified, ties favoring local. Present on
// one side only: kept as-is — absence elsewhere conveys no information.
// Output order follows the side with the greater aggregate latest
// modification, with the other side's unseen ids appended after.
func mergeItemList(local, remote []snapshot.Item) []snapshot.Item {
	if len(local) == 0 && len(remote) == 0 {
		return local
	}

	localByID := indexItems(local)
	remoteByID := indexItems(remote)

	resolve := func(id string) (snapshot.Item, bool) {
		l, lok := localByID[id]
		r, rok := remoteByID[id]
		switch {
		case lok && rok:
			return resolvePair(l, r), true
		case lok:
			return l, true
		case rok:
			return r, true
		}
		return snapshot.Item{}, false
	}

	base, other := local, remote
	if aggregateLastModified(remote) > aggregateLastModified(local) {
		base, other = remote, local
	}

	out := make([]snapshot.Item, 0, len(local)+len(remote))
	seen := make(map[string]struct{}, len(local)+len(remote))
	for _, it := range base {
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		if resolved, ok := resolve(it.ID); ok {
			out = append(out, resolved)
		}
	}
	for _, it := range other {
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		if resolved, ok := resolve(it.ID); ok {
			out = append(out, resolved)
		}
	}
	return out
}

// resolvePair applies the four-way tombstone/data resolution to an id
// present on both sides.
func resolvePair(local, remote snapshot.Item) snapshot.Item {
	switch {
	case local.Deleted && remote.Deleted:
		if remote.LastModified > local.LastModified {
			return remote
		}
		return local
	case local.Deleted:
		if local.LastModified > remote.LastModified {
			return local
		}
		return remote
	case remote.Deleted:
		if remote.LastModified > local.LastModified {
			return remote
		}
		return local
	default:
		if remote.LastModified > local.LastModified {
			return remote
		}
		return local
	}
}

func indexItems(items []snapshot.Item) map[string]snapshot.Item {
	m := make(map[string]snapshot.Item, len(items))
	for _, it := range items {
		// First occurrence wins on duplicate ids within one list.
		if _, ok := m[it.ID]; !ok {
			m[it.ID] = it
		}
	}
	return m
}

func aggregateLastModified(items []snapshot.Item) int64 {
	var max int64
	for _, it := range items {
		if it.LastModified > max {
			max = it.LastModified
		}
	}
	return max
}

// mergePageCache applies the same four-way resolution per URL-hash key,
// using each entry's effective timestamp. Keys that resolve to "deleted"
// are excluded from the output and reported for local cleanup.
func mergePageCache(local, remote map[string]snapshot.PageCacheEntry) (map[string]snapshot.PageCacheEntry, []string) {
	out := make(map[string]snapshot.PageCacheEntry, len(local)+len(remote))
	var cleanup []string

	for _, key := range unionKeys(local, remote) {
		l, lok := local[key]
		r, rok := remote[key]

		var entry snapshot.PageCacheEntry
		deleted := false

		switch {
		case lok && rok:
			lts, rts := l.EffectiveTimestamp(), r.EffectiveTimestamp()
			switch {
			case l.Del && r.Del:
				deleted = true
			case l.Del:
				if lts > rts {
					deleted = true
				} else {
					entry = r
				}
			case r.Del:
				if rts > lts {
					deleted = true
				} else {
					entry = l
				}
			default:
				if rts > lts {
					entry = r
				} else {
					entry = l
				}
			}
		case lok:
			if l.Del {
				deleted = true
			} else {
				entry = l
			}
		default:
			if r.Del {
				deleted = true
			} else {
				entry = r
			}
		}

		if deleted {
			cleanup = append(cleanup, key)
			continue
		}
		out[key] = entry
	}

	sort.Strings(cleanup)
	return out, cleanup
}

// mergeChatHistory keeps, per key, the whole sequence with the greater
// latest message timestamp; ties favor local.
func mergeChatHistory(local, remote map[string][]snapshot.ChatMessage) map[string][]snapshot.ChatMessage {
	out := make(map[string][]snapshot.ChatMessage, len(local)+len(remote))
	for _, key := range unionChatKeys(local, remote) {
		l, lok := local[key]
		r, rok := remote[key]
		switch {
		case lok && rok:
			if snapshot.LatestMessageTimestamp(r) > snapshot.LatestMessageTimestamp(l) {
				out[key] = r
			} else {
				out[key] = l
			}
		case lok:
			out[key] = l
		default:
			out[key] = r
		}
	}
	return out
}

// PurgeTombstones strips items still flagged deleted from the config item
// lists. Tombstones are a sync-time signal only: they never leave the
// device that created them except transiently during a merge.
func PurgeTombstones(snap *snapshot.Snapshot) {
	snap.Config.QuickInputs = dropDeleted(snap.Config.QuickInputs)
	snap.Config.LLMModels = dropDeleted(snap.Config.LLMModels)
}

func dropDeleted(items []snapshot.Item) []snapshot.Item {
	if items == nil {
		return nil
	}
	out := items[:0:0]
	for _, it := range items {
		if !it.Deleted {
			out = append(out, it)
		}
	}
	return out
}

func unionKeys(a, b map[string]snapshot.PageCacheEntry) []string {
	keys := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
		seen[k] = struct{}{}
	}
	for k := range b {
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func unionChatKeys(a, b map[string][]snapshot.ChatMessage) []string {
	keys := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
		seen[k] = struct{}{}
	}
	for k := range b {
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func unionDataTypes(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, dt := range a {
		if _, ok := seen[dt]; !ok {
			seen[dt] = struct{}{}
			out = append(out, dt)
		}
	}
	for _, dt := range b {
		if _, ok := seen[dt]; !ok {
			seen[dt] = struct{}{}
			out = append(out, dt)
		}
	}
	return out
}
