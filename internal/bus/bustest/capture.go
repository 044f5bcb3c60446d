// Package bustest provides a Publisher that records messages instead of
// delivering them.
package bustest

import (
	"sync"

	"fleet-dispatcher/internal/protocol"
)

type Capture struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (c *Capture) Publish(msg protocol.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

// Messages returns every recorded message in publish order.
func (c *Capture) Messages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// Topic returns the recorded messages published on topic.
func (c *Capture) Topic(topic protocol.Topic) []protocol.Message {
	var out []protocol.Message
	for _, msg := range c.Messages() {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

// Commands returns the recorded commands of the given kind.
func (c *Capture) Commands(kind protocol.CommandKind) []protocol.Message {
	var out []protocol.Message
	for _, msg := range c.Topic(protocol.TopicSystemCommand) {
		if cmd, ok := msg.Payload.(protocol.Command); ok && cmd.Kind == kind {
			out = append(out, msg)
		}
	}
	return out
}

func (c *Capture) Reset() {
	c.mu.Lock()
	c.msgs = nil
	c.mu.Unlock()
}
