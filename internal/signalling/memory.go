package signalling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/pkg/signalling"
)

// MemoryBus connects in-process clients to a Hub.
type MemoryBus struct {
	hub    *Hub
	logger *slog.Logger
}

func NewMemoryBus(hub *Hub, logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{hub: hub, logger: logger}
}

// Connect registers a new client with the hub.
func (b *MemoryBus) Connect() *MemoryChannel {
	c := &MemoryChannel{
		bus:  b,
		sent: make(map[string]int),
	}
	c.cond = sync.NewCond(&c.mu)
	c.id = b.hub.Register(c)
	c.logger = b.logger.With("participantId", c.id)
	go c.deliveryLoop()
	return c
}

// MemoryChannel is a Channel to the hub of its MemoryBus. Inbound envelopes
// are queued and handed to handlers by a single goroutine.
type MemoryChannel struct {
	bus    *MemoryBus
	id     signalling.ParticipantID
	logger *slog.Logger

	handlersMu sync.RWMutex
	handlers   handlerSet

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []signalling.Envelope
	held   bool
	closed bool

	sentMu sync.Mutex
	sent   map[string]int
}

// ID is the participant id the hub assigned to this client.
func (c *MemoryChannel) ID() signalling.ParticipantID {
	return c.id
}

func (c *MemoryChannel) Send(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling %s payload: %w", event, err)
	}

	c.sentMu.Lock()
	c.sent[event]++
	c.sentMu.Unlock()

	c.bus.hub.Handle(c.id, signalling.Envelope{Event: event, Payload: raw})
	return nil
}

func (c *MemoryChannel) On(event string, handler func(json.RawMessage)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers.add(event, handler)
}

// Sent counts the envelopes of the given event this client has sent.
func (c *MemoryChannel) Sent(event string) int {
	c.sentMu.Lock()
	defer c.sentMu.Unlock()
	return c.sent[event]
}

// Deliver implements Endpoint.
func (c *MemoryChannel) Deliver(envelope signalling.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	c.queue = append(c.queue, envelope)
	c.cond.Signal()
	return nil
}

// Hold pauses delivery to handlers. Envelopes keep queueing until Release.
func (c *MemoryChannel) Hold() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.held = true
}

func (c *MemoryChannel) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.held = false
	c.cond.Signal()
}

// Close disconnects from the hub, which treats it as leaving the room.
func (c *MemoryChannel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()

	c.bus.hub.Unregister(c.id)
}

func (c *MemoryChannel) deliveryLoop() {
	for {
		c.mu.Lock()
		for !c.closed && (c.held || len(c.queue) == 0) {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		envelope := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		c.handlersMu.RLock()
		handlers := c.handlers.get(envelope.Event)
		c.handlersMu.RUnlock()

		if len(handlers) == 0 {
			c.logger.Debug("no handler for event", "event", envelope.Event)
		}
		for _, handler := range handlers {
			handler(envelope.Payload)
		}
	}
}
