package snapshot

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemRoundTripPreservesUnknownFields(t *testing.T) {
	wire := `{"id":"q1","lastModified":42,"isDeleted":false,"label":"greet","template":"hi {name}"}`

	var it Item
	require.NoError(t, json.Unmarshal([]byte(wire), &it))
	assert.Equal(t, "q1", it.ID)
	assert.Equal(t, int64(42), it.LastModified)
	assert.False(t, it.Deleted)

	out, err := json.Marshal(it)
	require.NoError(t, err)
	assert.JSONEq(t, wire, string(out))
}

func TestNewItemCarriesEnvelopeAndPayload(t *testing.T) {
	it, err := NewItem("m1", 100, true, map[string]any{"provider": "acme"})
	require.NoError(t, err)

	assert.Equal(t, "m1", it.ID)
	assert.True(t, it.Deleted)

	out, err := json.Marshal(it)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"m1","lastModified":100,"isDeleted":true,"provider":"acme"}`, string(out))
}

func TestConfigJSONSplitsKnownAndExtraKeys(t *testing.T) {
	wire := `{
		"basic": {"theme":"dark","lastModified":7},
		"quickInputs": [{"id":"q1","lastModified":1}],
		"shortcuts": {"save":"ctrl+s"}
	}`

	var cfg Config
	require.NoError(t, json.Unmarshal([]byte(wire), &cfg))

	assert.Equal(t, int64(7), cfg.BasicLastModified())
	require.Len(t, cfg.QuickInputs, 1)
	assert.Equal(t, "q1", cfg.QuickInputs[0].ID)
	require.Contains(t, cfg.Extra, "shortcuts")

	out, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.JSONEq(t, wire, string(out))
}

func TestBasicLastModifiedAbsent(t *testing.T) {
	assert.Zero(t, Config{}.BasicLastModified())
	assert.Zero(t, Config{Basic: json.RawMessage(`{"theme":"dark"}`)}.BasicLastModified())
}

func TestEffectiveTimestampPrecedence(t *testing.T) {
	tests := []struct {
		name  string
		entry PageCacheEntry
		want  int64
	}{
		{
			name:  "tombstone lastModified first",
			entry: PageCacheEntry{Del: true, LastModified: 500, LastUpdated: 400},
			want:  500,
		},
		{
			name:  "lastModified ignored when not deleted",
			entry: PageCacheEntry{LastModified: 500, LastUpdated: 400},
			want:  400,
		},
		{
			name:  "lastUpdated next",
			entry: PageCacheEntry{LastUpdated: 300, Metadata: &PageMetadata{Timestamp: 200}},
			want:  300,
		},
		{
			name:  "metadata timestamp next",
			entry: PageCacheEntry{Metadata: &PageMetadata{Timestamp: 200}},
			want:  200,
		},
		{
			name: "max content timestamp last",
			entry: PageCacheEntry{Content: map[string]Extraction{
				"a": {Timestamp: 10},
				"b": {Timestamp: 30},
			}},
			want: 30,
		},
		{
			name:  "empty entry is zero",
			entry: PageCacheEntry{},
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.entry.EffectiveTimestamp())
		})
	}
}

func TestLatestMessageTimestamp(t *testing.T) {
	msgs := []ChatMessage{
		{Content: "a", Timestamp: 10},
		{Content: "b", Timestamp: 30},
		{Content: "c", Timestamp: 20},
	}
	assert.Equal(t, int64(30), LatestMessageTimestamp(msgs))
	assert.Zero(t, LatestMessageTimestamp(nil))
}
