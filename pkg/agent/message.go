package agent

import "time"

// Message is an inter-agent message routed by the Bus. The bus generates
// ID and Timestamp; the sender owns the rest. Messages are immutable once
// created.
type Message struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Domain    string    `json:"domain"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
}

// Draft is the sender-owned part of a message before the bus stamps it.
type Draft struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Domain  string `json:"domain"`
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}
