package agent

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDirectSendPrefersDomainMatch(t *testing.T) {
	bus := NewBus()

	var gotSupport, gotSales []Message
	require.NoError(t, bus.Subscribe(Identity{Name: "triage", Domain: "support"}, func(m Message) {
		gotSupport = append(gotSupport, m)
	}))
	require.NoError(t, bus.Subscribe(Identity{Name: "triage", Domain: "sales"}, func(m Message) {
		gotSales = append(gotSales, m)
	}))

	msg := bus.Send(Draft{From: "support:router", To: "triage", Domain: "sales", Type: "handoff"})

	assert.Empty(t, gotSupport)
	require.Len(t, gotSales, 1)
	assert.Equal(t, msg.ID, gotSales[0].ID)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestBusBareNameFallback(t *testing.T) {
	bus := NewBus()

	var got []Message
	require.NoError(t, bus.Subscribe(Identity{Name: "billing", Domain: "finance"}, func(m Message) {
		got = append(got, m)
	}))

	bus.Send(Draft{From: "support:triage", To: "billing", Type: "invoice_question"})
	require.Len(t, got, 1)
}

func TestBusMissingRecipientStillLogged(t *testing.T) {
	bus := NewBus()

	msg := bus.Send(Draft{From: "a", To: "nobody", Domain: "x", Type: "ping"})

	assert.NotEmpty(t, msg.ID)
	log := bus.Log()
	require.Len(t, log, 1)
	assert.Equal(t, "nobody", log[0].To)
}

func TestBusBroadcastSkipsSender(t *testing.T) {
	bus := NewBus()

	counts := make(map[string]int)
	for _, name := range []string{"alpha", "beta", "gamma"} {
		require.NoError(t, bus.Subscribe(Identity{Name: name, Domain: "ops"}, func(m Message) {
			counts[name]++
		}))
	}
	require.NoError(t, bus.Subscribe(Identity{Name: "delta", Domain: "other"}, func(m Message) {
		counts["delta"]++
	}))

	bus.Broadcast(Draft{From: "ops:alpha", Domain: "ops", Type: "announce"})

	assert.Equal(t, 0, counts["alpha"])
	assert.Equal(t, 1, counts["beta"])
	assert.Equal(t, 1, counts["gamma"])
	assert.Equal(t, 0, counts["delta"], "broadcast stays within its domain")
}

func TestBusPanickingSubscriberIsIsolated(t *testing.T) {
	bus := NewBus()

	var delivered int
	require.NoError(t, bus.Subscribe(Identity{Name: "bad", Domain: "ops"}, func(m Message) {
		panic("boom")
	}))
	require.NoError(t, bus.Subscribe(Identity{Name: "good", Domain: "ops"}, func(m Message) {
		delivered++
	}))

	assert.NotPanics(t, func() {
		bus.Broadcast(Draft{From: "ops:origin", Domain: "ops", Type: "announce"})
	})
	assert.Equal(t, 1, delivered)
}

func TestBusLogTruncation(t *testing.T) {
	bus := NewBus()

	for i := 0; i < busLogCap+1; i++ {
		bus.Send(Draft{From: "a", To: "b", Domain: "x", Type: fmt.Sprintf("m%d", i)})
	}

	log := bus.Log()
	require.Len(t, log, busLogKeep)
	// Only the newest entries survive.
	assert.Equal(t, fmt.Sprintf("m%d", busLogCap), log[len(log)-1].Type)
	assert.Equal(t, fmt.Sprintf("m%d", busLogCap+1-busLogKeep), log[0].Type)
}

func TestBusSubscribersByDomain(t *testing.T) {
	bus := NewBus()

	require.NoError(t, bus.Subscribe(Identity{Name: "triage", Domain: "support"}, func(Message) {}))
	require.NoError(t, bus.Subscribe(Identity{Name: "agent", Domain: "support"}, func(Message) {}))
	require.NoError(t, bus.Subscribe(Identity{Name: "closer", Domain: "sales"}, func(Message) {}))

	assert.Equal(t, []string{"support:agent", "support:triage"}, bus.SubscribersInDomain("support"))
	assert.Empty(t, bus.SubscribersInDomain("nonexistent"))
	assert.Equal(t, []string{"sales:closer", "support:agent", "support:triage"}, bus.Subscribers())
}

func TestBusUnsubscribeAndReset(t *testing.T) {
	bus := NewBus()

	id := Identity{Name: "worker", Domain: "ops"}
	var got int
	require.NoError(t, bus.Subscribe(id, func(m Message) { got++ }))
	bus.Unsubscribe(id)

	bus.Send(Draft{From: "a", To: "worker", Domain: "ops", Type: "ping"})
	assert.Zero(t, got)

	bus.Reset()
	assert.Empty(t, bus.Log())
	assert.Empty(t, bus.Subscribers())
}
