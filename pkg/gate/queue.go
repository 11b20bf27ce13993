// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gate buffers human responses that arrived while a pipeline was
// not yet waiting at its gate. The buffer lives inside the pipeline's
// persisted payload and is bounded by item count and serialized size so
// a chatty client can never bloat stored state.
package gate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// QueueKey is where the buffered responses live in a gate payload.
	QueueKey = "response_queue"

	// Legacy single-buffered-response fields, folded into the queue once
	// and then removed.
	legacyGateKey        = "buffered_gate"
	legacyResponseKey    = "buffered_response"
	legacyRespondedAtKey = "buffered_responded_at"

	maxGateLen        = 128
	maxRespondedAtLen = 64
)

// Item is one buffered gate response.
type Item struct {
	Gate        string `json:"gate"`
	Response    any    `json:"response,omitempty"`
	RespondedAt string `json:"responded_at"`
}

// Bounds caps the queue. The zero value is unusable; use DefaultBounds.
type Bounds struct {
	// MaxItems is the count cap; the newest items win.
	MaxItems int

	// MaxBytes caps the JSON-serialized queue; the oldest items are
	// dropped first.
	MaxBytes int
}

// DefaultBounds are the production caps.
func DefaultBounds() Bounds {
	return Bounds{MaxItems: 20, MaxBytes: 64 * 1024}
}

// ResponseQueue extracts and normalizes the buffered responses from a
// gate payload. A legacy single-buffered-response shape is folded into
// the queue and its fields are deleted from the payload, so a payload
// passing through here repeatedly folds at most once.
func ResponseQueue(payload map[string]any) []Item {
	if payload == nil {
		return nil
	}

	var items []Item
	switch raw := payload[QueueKey].(type) {
	case []Item:
		for _, it := range raw {
			if norm, ok := normalize(it.Gate, it.Response, it.RespondedAt); ok {
				items = append(items, norm)
			}
		}
	case []any:
		for _, entry := range raw {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			if norm, ok := normalize(m["gate"], m["response"], m["responded_at"]); ok {
				items = append(items, norm)
			}
		}
	}

	if legacyGate, ok := payload[legacyGateKey]; ok {
		if norm, ok := normalize(legacyGate, payload[legacyResponseKey], payload[legacyRespondedAtKey]); ok {
			items = append(items, norm)
		}
		delete(payload, legacyGateKey)
		delete(payload, legacyResponseKey)
		delete(payload, legacyRespondedAtKey)
	}

	return items
}

// WithResponseQueue returns a copy of the payload with the queue stored
// under QueueKey, bounds enforced. The input payload is not mutated.
func WithResponseQueue(payload map[string]any, queue []Item, bounds Bounds) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		if k == legacyGateKey || k == legacyResponseKey || k == legacyRespondedAtKey {
			continue
		}
		out[k] = v
	}
	out[QueueKey] = enforce(queue, bounds)
	return out
}

// Append normalizes and buffers one response in the payload, returning
// the updated payload.
func Append(payload map[string]any, gateName string, response any, bounds Bounds) map[string]any {
	queue := ResponseQueue(payload)
	if item, ok := normalize(gateName, response, ""); ok {
		queue = append(queue, item)
	}
	return WithResponseQueue(payload, queue, bounds)
}

// normalize coerces one raw entry into an Item. Entries without a gate
// name are dropped; gate and responded_at are clamped to sane lengths.
func normalize(rawGate, response, rawRespondedAt any) (Item, bool) {
	gateName := strings.TrimSpace(coerceString(rawGate))
	if gateName == "" {
		return Item{}, false
	}
	if len(gateName) > maxGateLen {
		gateName = gateName[:maxGateLen]
	}

	respondedAt := strings.TrimSpace(coerceString(rawRespondedAt))
	if respondedAt == "" {
		respondedAt = time.Now().UTC().Format(time.RFC3339)
	} else if len(respondedAt) > maxRespondedAtLen {
		respondedAt = respondedAt[:maxRespondedAtLen]
	}

	return Item{Gate: gateName, Response: response, RespondedAt: respondedAt}, true
}

func coerceString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

// enforce applies count and byte bounds. Count keeps the newest items;
// the byte budget then drops from the front, oldest first. An individual
// item too large for the whole budget has its response replaced with a
// truncation marker so at least the gate name survives.
func enforce(queue []Item, bounds Bounds) []Item {
	if len(queue) > bounds.MaxItems {
		queue = queue[len(queue)-bounds.MaxItems:]
	}
	// Work on a copy: the truncation rewrite below must never reach the
	// caller's backing array.
	queue = append([]Item(nil), queue...)

	for i, item := range queue {
		if size(item) > bounds.MaxBytes {
			queue[i].Response = map[string]any{
				"truncated": true,
				"reason":    fmt.Sprintf("response exceeded the %d byte budget", bounds.MaxBytes),
			}
		}
	}

	for len(queue) > 1 && size(queue...) > bounds.MaxBytes {
		queue = queue[1:]
	}
	return queue
}

func size(items ...Item) int {
	data, err := json.Marshal(items)
	if err != nil {
		// Unserializable responses count as oversized.
		return 1 << 30
	}
	return len(data)
}
