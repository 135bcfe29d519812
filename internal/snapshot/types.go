// Package snapshot defines the reconciled unit of sync and the codec
// that moves it on and off the wire. A Snapshot is built per operation,
// consumed immediately, and discarded; long-lived storage belongs to the
// state store behind the Collector interface.
package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// SchemaVersion is the snapshot schema this engine reads and writes.
// Compatibility is exact-match: no implicit migration.
const SchemaVersion = "1.0.0"

// Data type names declared in snapshot metadata.
const (
	DataTypeConfig      = "config"
	DataTypePageCache   = "pageCache"
	DataTypeChatHistory = "chatHistory"
)

// Snapshot is the top-level reconciled unit.
type Snapshot struct {
	Metadata    Metadata                  `json:"metadata"`
	Config      Config                    `json:"config"`
	PageCache   map[string]PageCacheEntry `json:"pageCache,omitempty"`
	ChatHistory map[string][]ChatMessage  `json:"chatHistory,omitempty"`
}

// Metadata describes the snapshot's provenance. A merge always stamps
// fresh metadata carrying the engine's current schema version.
type Metadata struct {
	Version       string   `json:"version"`
	Timestamp     int64    `json:"timestamp"`
	DeviceID      string   `json:"deviceId"`
	SyncID        string   `json:"syncId"`
	DataTypes     []string `json:"dataTypes,omitempty"`
	Size          int64    `json:"size,omitempty"`
	MergedAt      int64    `json:"mergedAt,omitempty"`
	MergeStrategy string   `json:"mergeStrategy,omitempty"`
}

// Config is the settings section of a snapshot. Basic is an opaque flat
// settings object resolved whole by its lastModified timestamp.
// QuickInputs and LLMModels are item lists merged per id. Extra holds any
// other config keys; the merge treats the remote side as authoritative
// for those.
type Config struct {
	Basic       json.RawMessage
	QuickInputs []Item
	LLMModels   []Item
	Extra       map[string]json.RawMessage
}

// configEnvelope mirrors the wire shape of Config's known keys.
type configEnvelope struct {
	Basic       json.RawMessage `json:"basic,omitempty"`
	QuickInputs []Item          `json:"quickInputs,omitempty"`
	LLMModels   []Item          `json:"llmModels,omitempty"`
}

// MarshalJSON emits the known sections plus any extra keys.
func (c Config) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(c.Extra)+3)
	for k, v := range c.Extra {
		out[k] = v
	}
	if len(c.Basic) > 0 {
		out["basic"] = c.Basic
	}
	if c.QuickInputs != nil {
		data, err := json.Marshal(c.QuickInputs)
		if err != nil {
			return nil, err
		}
		out["quickInputs"] = data
	}
	if c.LLMModels != nil {
		data, err := json.Marshal(c.LLMModels)
		if err != nil {
			return nil, err
		}
		out["llmModels"] = data
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the known sections from extra keys.
func (c *Config) UnmarshalJSON(data []byte) error {
	var env configEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	delete(all, "basic")
	delete(all, "quickInputs")
	delete(all, "llmModels")
	if len(all) == 0 {
		all = nil
	}

	c.Basic = env.Basic
	c.QuickInputs = env.QuickInputs
	c.LLMModels = env.LLMModels
	c.Extra = all
	return nil
}

// BasicLastModified reads the lastModified timestamp out of the basic
// settings object, or 0 when absent.
func (c Config) BasicLastModified() int64 {
	if len(c.Basic) == 0 {
		return 0
	}
	return gjson.GetBytes(c.Basic, "lastModified").Int()
}

// Item is a mergeable config entry (quick input, model descriptor).
// Identity is the opaque id; resolution compares only LastModified and
// the tombstone flag. The full wire object is retained verbatim so merge
// never diffs inside an item.
type Item struct {
	ID           string
	LastModified int64
	Deleted      bool

	raw json.RawMessage
}

type itemEnvelope struct {
	ID           string `json:"id"`
	LastModified int64  `json:"lastModified,omitempty"`
	IsDeleted    bool   `json:"isDeleted,omitempty"`
}

// UnmarshalJSON decodes the merge envelope and keeps the raw bytes.
func (it *Item) UnmarshalJSON(data []byte) error {
	var env itemEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	it.ID = env.ID
	it.LastModified = env.LastModified
	it.Deleted = env.IsDeleted
	it.raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON replays the original wire object when present, so fields
// this engine does not model survive a round trip.
func (it Item) MarshalJSON() ([]byte, error) {
	if len(it.raw) > 0 {
		return it.raw, nil
	}
	return json.Marshal(itemEnvelope{
		ID:           it.ID,
		LastModified: it.LastModified,
		IsDeleted:    it.Deleted,
	})
}

// NewItem builds an Item carrying the envelope fields plus arbitrary
// payload fields. Used by the state store and tests.
func NewItem(id string, lastModified int64, deleted bool, fields map[string]any) (Item, error) {
	obj := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		obj[k] = v
	}
	obj["id"] = id
	if lastModified != 0 {
		obj["lastModified"] = lastModified
	}
	if deleted {
		obj["isDeleted"] = true
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return Item{}, fmt.Errorf("encoding item %s: %w", id, err)
	}
	return Item{ID: id, LastModified: lastModified, Deleted: deleted, raw: raw}, nil
}

// Raw returns the item's wire bytes.
func (it Item) Raw() json.RawMessage {
	if len(it.raw) > 0 {
		return it.raw
	}
	data, _ := it.MarshalJSON()
	return data
}

// PageCacheEntry is a per-URL-hash extraction record. Del marks a soft
// delete; tombstones are a sync-time signal and never persist in the
// uploaded file.
type PageCacheEntry struct {
	Content      map[string]Extraction `json:"content,omitempty"`
	LastUpdated  int64                 `json:"lastUpdated,omitempty"`
	Metadata     *PageMetadata         `json:"metadata,omitempty"`
	Del          bool                  `json:"del,omitempty"`
	LastModified int64                 `json:"lastModified,omitempty"`
}

// Extraction is one extraction method's content for a page.
type Extraction struct {
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// PageMetadata carries page-level descriptors alongside the extractions.
type PageMetadata struct {
	URL       string `json:"url,omitempty"`
	Title     string `json:"title,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// EffectiveTimestamp resolves the entry's timestamp by precedence:
// tombstone lastModified, then lastUpdated, then the metadata timestamp,
// then the max timestamp across content entries, then 0.
func (e PageCacheEntry) EffectiveTimestamp() int64 {
	if e.Del && e.LastModified > 0 {
		return e.LastModified
	}
	if e.LastUpdated > 0 {
		return e.LastUpdated
	}
	if e.Metadata != nil && e.Metadata.Timestamp > 0 {
		return e.Metadata.Timestamp
	}
	var max int64
	for _, ex := range e.Content {
		if ex.Timestamp > max {
			max = ex.Timestamp
		}
	}
	return max
}

// ChatMessage is one message in a per-key chat sequence. Sequences merge
// whole, selected by their latest message timestamp.
type ChatMessage struct {
	ID        string `json:"id,omitempty"`
	Role      string `json:"role,omitempty"`
	Content   string `json:"content"`
	Model     string `json:"model,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// LatestMessageTimestamp returns the max timestamp in a chat sequence.
func LatestMessageTimestamp(msgs []ChatMessage) int64 {
	var max int64
	for _, m := range msgs {
		if m.Timestamp > max {
			max = m.Timestamp
		}
	}
	return max
}
