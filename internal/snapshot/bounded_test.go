package snapshot

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeValuePassesNormalDataThrough(t *testing.T) {
	in := map[string]any{
		"name":  "page",
		"count": 3,
		"tags":  []any{"a", "b"},
		"inner": map[string]any{"x": 1},
	}

	out, err := MarshalBounded(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"page","count":3,"tags":["a","b"],"inner":{"x":1}}`, string(out))
}

func TestSanitizeValueCapsDepth(t *testing.T) {
	deep := map[string]any{}
	cur := deep
	for i := 0; i < maxNestingDepth+10; i++ {
		next := map[string]any{}
		cur["n"] = next
		cur = next
	}

	out, err := MarshalBounded(deep)
	require.NoError(t, err)
	assert.Contains(t, string(out), sentinelDepth)
}

func TestSanitizeValueBreaksCycles(t *testing.T) {
	a := map[string]any{}
	b := map[string]any{"back": a}
	a["fwd"] = b

	out, err := MarshalBounded(a)
	require.NoError(t, err)
	assert.Contains(t, string(out), sentinelCycle)
}

func TestSanitizeValueKeepsByteSlicesIntact(t *testing.T) {
	in := map[string]any{"blob": []byte("hello")}

	out, err := MarshalBounded(in)
	require.NoError(t, err)
	// encoding/json base64-encodes []byte.
	assert.JSONEq(t, `{"blob":"aGVsbG8="}`, string(out))
}

func TestCapDepthSubstitutesSentinelForDeepJSON(t *testing.T) {
	deep := []byte(`{"ok":1,"bad":` + strings.Repeat("[", maxNestingDepth+6) + strings.Repeat("]", maxNestingDepth+6) + `}`)
	require.Error(t, CheckDepth(deep))

	capped, err := CapDepth(deep)
	require.NoError(t, err)
	assert.NoError(t, CheckDepth(capped))
	assert.Contains(t, string(capped), sentinelDepth)
	assert.Contains(t, string(capped), `"ok":1`)
}

func TestCapDepthRejectsInvalidJSON(t *testing.T) {
	_, err := CapDepth([]byte("not json"))
	assert.Error(t, err)
}

func TestCheckDepthAcceptsReasonableNesting(t *testing.T) {
	assert.NoError(t, CheckDepth([]byte(`{"a":{"b":{"c":[1,2,{"d":true}]}}}`)))
}

func TestCheckDepthRejectsPathologicalNesting(t *testing.T) {
	deep := strings.Repeat("[", maxNestingDepth+1) + strings.Repeat("]", maxNestingDepth+1)
	assert.Error(t, CheckDepth([]byte(deep)))
}

func TestCheckDepthIgnoresBracketsInsideStrings(t *testing.T) {
	brackets := `{"text":"` + strings.Repeat(`[`, maxNestingDepth*2) + `"}`
	assert.NoError(t, CheckDepth([]byte(brackets)))

	escaped := `{"text":"quote \" then ` + strings.Repeat(`{`, maxNestingDepth*2) + `"}`
	assert.NoError(t, CheckDepth([]byte(escaped)))
}
