// Package signalling carries room membership and negotiation messages
// between participants. The Hub owns rooms and relays targeted messages;
// clients reach it through a Channel, either in-process (MemoryBus) or over
// a WebSocket.
package signalling

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrChannelClosed  = errors.New("signalling channel closed")
	ErrSendBufferFull = errors.New("signalling send buffer full")
)

// Channel is a client's connection to the hub.
//
// Send delivers at least once, and messages between any two participants
// arrive in the order they were sent. Handlers registered with On for the
// same channel run one at a time, in delivery order.
type Channel interface {
	Send(ctx context.Context, event string, payload any) error
	On(event string, handler func(payload json.RawMessage))
}

// handlerSet is the On half of a Channel, shared by the implementations.
type handlerSet struct {
	handlers map[string][]func(json.RawMessage)
}

func (s *handlerSet) add(event string, handler func(json.RawMessage)) {
	if s.handlers == nil {
		s.handlers = make(map[string][]func(json.RawMessage))
	}
	s.handlers[event] = append(s.handlers[event], handler)
}

func (s *handlerSet) get(event string) []func(json.RawMessage) {
	return s.handlers[event]
}
