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

package agent

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/conductor/pkg/logger"
)

const (
	// busLogCap is the in-memory message log high-water mark.
	busLogCap = 500

	// busLogKeep is what survives a truncation (the newest entries).
	busLogKeep = 250
)

// Handler consumes one delivered message. Handlers run synchronously on
// the sender's goroutine; a panicking handler is isolated and logged, it
// never takes down the sender or other deliveries.
type Handler func(msg Message)

// Bus is the in-process message fabric between agents. Subscribers
// register under their composite identity key and optionally under their
// bare name; direct sends prefer the composite match.
type Bus struct {
	mu sync.RWMutex

	// subscribers maps "domain:name" → handler.
	subscribers map[string]subscriber

	// log is the bounded in-memory message history, oldest first.
	log []Message
}

type subscriber struct {
	identity Identity
	handler  Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[string]subscriber)}
}

// Subscribe registers a handler for the given identity, replacing any
// previous handler for the same identity.
func (b *Bus) Subscribe(id Identity, h Handler) error {
	if err := id.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id.Key()] = subscriber{identity: id, handler: h}
	return nil
}

// Unsubscribe removes the handler for the given identity. Removing an
// unknown identity is a no-op.
func (b *Bus) Unsubscribe(id Identity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id.Key())
}

// Send routes a message to a single recipient. Resolution prefers the
// composite "domain:name" key (using the draft's Domain) and falls back
// to a bare-name scan across domains. The stamped message is returned
// and logged whether or not a recipient was found; an unresolved
// recipient is a warning, not an error.
func (b *Bus) Send(draft Draft) Message {
	msg := b.stamp(draft)

	b.mu.Lock()
	target, found := b.resolveLocked(draft.To, draft.Domain)
	b.appendLogLocked(msg)
	b.mu.Unlock()

	if !found {
		logger.GetLogger().Warn("bus: no subscriber for message",
			"to", draft.To, "domain", draft.Domain, "from", draft.From, "type", draft.Type)
		return msg
	}

	b.deliver(target, msg)
	return msg
}

// Broadcast delivers a message to every subscriber in the draft's domain
// except the sender. An empty domain broadcasts to all subscribers.
func (b *Bus) Broadcast(draft Draft) Message {
	msg := b.stamp(draft)

	b.mu.Lock()
	targets := make([]subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if draft.Domain != "" && sub.identity.Domain != draft.Domain {
			continue
		}
		if sub.identity.Key() == draft.From || sub.identity.Name == draft.From {
			continue
		}
		targets = append(targets, sub)
	}
	b.appendLogLocked(msg)
	b.mu.Unlock()

	for _, sub := range targets {
		b.deliver(sub, msg)
	}
	return msg
}

// resolveLocked finds the recipient for a direct send. Callers hold b.mu.
func (b *Bus) resolveLocked(to, domain string) (subscriber, bool) {
	if domain != "" {
		if sub, ok := b.subscribers[domain+":"+to]; ok {
			return sub, true
		}
	}
	// The "to" may itself be a composite key.
	if sub, ok := b.subscribers[to]; ok {
		return sub, true
	}
	// Bare-name fallback across domains.
	for _, sub := range b.subscribers {
		if sub.identity.Name == to {
			return sub, true
		}
	}
	return subscriber{}, false
}

func (b *Bus) stamp(draft Draft) Message {
	return Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		From:      draft.From,
		To:        draft.To,
		Domain:    draft.Domain,
		Type:      draft.Type,
		Payload:   draft.Payload,
	}
}

// appendLogLocked records a message, truncating to the newest entries
// once the cap is crossed. Callers hold b.mu.
func (b *Bus) appendLogLocked(msg Message) {
	b.log = append(b.log, msg)
	if len(b.log) > busLogCap {
		kept := make([]Message, busLogKeep)
		copy(kept, b.log[len(b.log)-busLogKeep:])
		b.log = kept
	}
}

func (b *Bus) deliver(sub subscriber, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.GetLogger().Error("bus: subscriber panicked",
				"subscriber", sub.identity.Key(), "message_id", msg.ID, "panic", r)
		}
	}()
	sub.handler(msg)
}

// Subscribers returns the composite keys of all current subscribers,
// sorted.
func (b *Bus) Subscribers() []string {
	return b.SubscribersInDomain("")
}

// SubscribersInDomain returns the sorted composite keys of subscribers
// whose identity lives in the given domain. An empty domain matches
// everyone.
func (b *Bus) SubscribersInDomain(domain string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.subscribers))
	for key, sub := range b.subscribers {
		if domain != "" && sub.identity.Domain != domain {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Log returns a copy of the current message log, oldest first.
func (b *Bus) Log() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Message, len(b.log))
	copy(out, b.log)
	return out
}

// Reset drops all subscribers and the message log.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[string]subscriber)
	b.log = nil
}
