package gate

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseQueueNormalization(t *testing.T) {
	payload := map[string]any{
		QueueKey: []any{
			map[string]any{"gate": "approval", "response": "yes", "responded_at": "2026-08-01T10:00:00Z"},
			map[string]any{"gate": "  ", "response": "dropped"},
			map[string]any{"gate": 42, "response": "coerced"},
			map[string]any{"gate": strings.Repeat("g", 200), "response": "clamped"},
			"not even a map",
		},
	}

	queue := ResponseQueue(payload)
	require.Len(t, queue, 3)
	assert.Equal(t, "approval", queue[0].Gate)
	assert.Equal(t, "2026-08-01T10:00:00Z", queue[0].RespondedAt)
	assert.Equal(t, "42", queue[1].Gate)
	assert.Len(t, queue[2].Gate, 128)
}

func TestResponseQueueFillsMissingTimestamp(t *testing.T) {
	payload := map[string]any{
		QueueKey: []any{map[string]any{"gate": "g1", "response": "r"}},
	}
	queue := ResponseQueue(payload)
	require.Len(t, queue, 1)

	ts, err := time.Parse(time.RFC3339, queue[0].RespondedAt)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), ts, time.Minute)
}

func TestLegacyShapeFoldsExactlyOnce(t *testing.T) {
	payload := map[string]any{
		"other":              "kept",
		"buffered_gate":      "old_gate",
		"buffered_response":  map[string]any{"answer": 7},
		"buffered_responded_at": "2026-07-01T00:00:00Z",
	}

	queue := ResponseQueue(payload)
	require.Len(t, queue, 1)
	assert.Equal(t, "old_gate", queue[0].Gate)
	assert.Equal(t, "2026-07-01T00:00:00Z", queue[0].RespondedAt)

	// The legacy fields are gone, so a second pass folds nothing.
	assert.NotContains(t, payload, "buffered_gate")
	assert.NotContains(t, payload, "buffered_response")
	assert.NotContains(t, payload, "buffered_responded_at")
	assert.Empty(t, ResponseQueue(payload))

	// Round-tripping through the writer keeps a single folded entry.
	updated := WithResponseQueue(payload, queue, DefaultBounds())
	assert.Equal(t, "kept", updated["other"])
	again := ResponseQueue(updated)
	require.Len(t, again, 1)
	assert.Equal(t, "old_gate", again[0].Gate)
}

func TestCountBoundKeepsNewest(t *testing.T) {
	bounds := Bounds{MaxItems: 3, MaxBytes: 64 * 1024}

	var queue []Item
	for i := 0; i < 10; i++ {
		queue = append(queue, Item{Gate: fmt.Sprintf("g%d", i), RespondedAt: "2026-08-01T00:00:00Z"})
	}

	payload := WithResponseQueue(map[string]any{}, queue, bounds)
	got := payload[QueueKey].([]Item)
	require.Len(t, got, 3)
	assert.Equal(t, "g7", got[0].Gate)
	assert.Equal(t, "g9", got[2].Gate)
}

func TestByteBoundDropsOldestFirst(t *testing.T) {
	bounds := Bounds{MaxItems: 100, MaxBytes: 400}

	var queue []Item
	for i := 0; i < 6; i++ {
		queue = append(queue, Item{
			Gate:        fmt.Sprintf("g%d", i),
			Response:    strings.Repeat("x", 100),
			RespondedAt: "2026-08-01T00:00:00Z",
		})
	}

	payload := WithResponseQueue(map[string]any{}, queue, bounds)
	got := payload[QueueKey].([]Item)
	require.NotEmpty(t, got)
	assert.Less(t, len(got), 6)
	// Survivors are the newest, in order.
	assert.Equal(t, "g5", got[len(got)-1].Gate)
}

func TestOversizedItemGetsTruncationMarker(t *testing.T) {
	bounds := Bounds{MaxItems: 10, MaxBytes: 500}

	queue := []Item{
		{Gate: "small", Response: "fine", RespondedAt: "2026-08-01T00:00:00Z"},
		{Gate: "huge", Response: strings.Repeat("z", 10_000), RespondedAt: "2026-08-01T00:00:00Z"},
	}

	payload := WithResponseQueue(map[string]any{}, queue, bounds)
	got := payload[QueueKey].([]Item)

	var huge *Item
	for i := range got {
		if got[i].Gate == "huge" {
			huge = &got[i]
		}
	}
	require.NotNil(t, huge, "the oversized item survives with its payload replaced")
	marker, ok := huge.Response.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, marker["truncated"])
	assert.Contains(t, marker["reason"], "byte budget")
}

func TestAppendBuffersResponse(t *testing.T) {
	payload := map[string]any{"state": "running"}

	payload = Append(payload, "approval", map[string]any{"ok": true}, DefaultBounds())
	payload = Append(payload, "review", "looks good", DefaultBounds())

	queue := ResponseQueue(payload)
	require.Len(t, queue, 2)
	assert.Equal(t, "approval", queue[0].Gate)
	assert.Equal(t, "review", queue[1].Gate)
	assert.Equal(t, "running", payload["state"])
}

func TestWithResponseQueueDoesNotMutateInput(t *testing.T) {
	original := map[string]any{"a": 1}
	_ = WithResponseQueue(original, []Item{{Gate: "g", RespondedAt: "2026-08-01T00:00:00Z"}}, DefaultBounds())
	assert.NotContains(t, original, QueueKey)
}

func TestWithResponseQueueDoesNotMutateQueueArgument(t *testing.T) {
	bigResponse := strings.Repeat("z", 10_000)
	queue := []Item{
		{Gate: "huge", Response: bigResponse, RespondedAt: "2026-08-01T00:00:00Z"},
	}

	payload := WithResponseQueue(map[string]any{}, queue, Bounds{MaxItems: 10, MaxBytes: 500})

	// The stored copy carries the truncation marker; the caller's slice
	// still holds the original response.
	stored := payload[QueueKey].([]Item)
	require.Len(t, stored, 1)
	_, truncated := stored[0].Response.(map[string]any)
	assert.True(t, truncated)
	assert.Equal(t, bigResponse, queue[0].Response)
}
