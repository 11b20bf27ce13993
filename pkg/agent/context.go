package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kadirpekel/conductor/pkg/logger"
)

// Context is the per-invocation execution context handed to hooks and
// tools. It carries session identity, the shared pipeline state, the
// event emitter, the message bus, and the interaction awaiter. One
// Context lives for exactly one loop invocation.
type Context struct {
	SessionID string
	UserID    string
	Agent     Identity

	// State is the shared pipeline state tools read and patch.
	State State

	bus     *Bus
	awaiter *InteractionAwaiter
	emit    EmitFunc

	mu          sync.Mutex
	messagesOut []Message
}

// ContextOptions configures a new Context.
type ContextOptions struct {
	SessionID string
	UserID    string
	Agent     Identity
	State     State
	Bus       *Bus
	Awaiter   *InteractionAwaiter
	Emit      EmitFunc
}

// NewContext builds an execution context. A nil State gets an empty
// MapState so tools can always patch.
func NewContext(opts ContextOptions) *Context {
	state := opts.State
	if state == nil {
		state = NewMapState(nil)
	}
	return &Context{
		SessionID: opts.SessionID,
		UserID:    opts.UserID,
		Agent:     opts.Agent,
		State:     state,
		bus:       opts.Bus,
		awaiter:   opts.Awaiter,
		emit:      opts.Emit,
	}
}

// Emit publishes a pipeline event. Emission never blocks the loop and a
// panicking consumer is isolated.
func (ac *Context) Emit(eventType EventType, round int, payload any) {
	if ac.emit == nil {
		return
	}
	ev := Event{
		Type:      eventType,
		SessionID: ac.SessionID,
		Agent:     ac.Agent.Key(),
		Round:     round,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	defer func() {
		if r := recover(); r != nil {
			logger.GetLogger().Error("event consumer panicked",
				"session_id", ac.SessionID, "event", string(eventType), "panic", r)
		}
	}()
	ac.emit(ev)
}

// SendMessage routes a message to another agent through the bus and
// records it in the invocation's outbound set. From is stamped with this
// agent's composite key.
func (ac *Context) SendMessage(to, domain, msgType string, payload any) Message {
	draft := Draft{
		From:    ac.Agent.Key(),
		To:      to,
		Domain:  domain,
		Type:    msgType,
		Payload: payload,
	}
	var msg Message
	if ac.bus != nil {
		msg = ac.bus.Send(draft)
	} else {
		// No bus wired: still record the outbound intent.
		msg = Message{From: draft.From, To: to, Domain: domain, Type: msgType, Payload: payload, Timestamp: time.Now().UTC()}
	}
	ac.mu.Lock()
	ac.messagesOut = append(ac.messagesOut, msg)
	ac.mu.Unlock()
	return msg
}

// MessagesOut returns the messages sent during this invocation.
func (ac *Context) MessagesOut() []Message {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	out := make([]Message, len(ac.messagesOut))
	copy(out, ac.messagesOut)
	return out
}

// Await suspends at a named gate until a human response arrives or ctx
// is cancelled. Only meaningful inside interactive tools.
func (ac *Context) Await(ctx context.Context, gate string) (any, error) {
	if ac.awaiter == nil {
		return nil, errNoAwaiter
	}
	return ac.awaiter.WaitForResponse(ctx, ac.SessionID, gate)
}

var errNoAwaiter = errors.New("no interaction awaiter is wired for this context")
