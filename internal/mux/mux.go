// Package mux keeps a session's input channel open across multiple human
// messages so a single agent turn can absorb follow-up input. The channel
// closes only on the owning query's teardown, never because the producer ran
// out of items.
package mux

import (
	"errors"
	"sync"
)

// channelBuffer bounds queued follow-up messages per owner. A human cannot
// realistically outpace this; hitting the bound reports ErrChannelFull
// rather than blocking the transport handler.
const channelBuffer = 64

var (
	// ErrNoActiveChannel means Inject was called with no open channel; the
	// caller should start a query instead.
	ErrNoActiveChannel = errors.New("no active input channel")

	// ErrChannelAlreadyOpen means Open was called while a channel exists.
	ErrChannelAlreadyOpen = errors.New("input channel already open")

	// ErrChannelFull means the per-owner input queue is saturated.
	ErrChannelFull = errors.New("input channel full")
)

// Mux tracks at most one open input channel per owner.
type Mux struct {
	mu       sync.Mutex
	channels map[string]*Channel
}

// Channel is one session's open input stream. Messages are delivered in
// per-owner FIFO arrival order.
type Channel struct {
	owner string
	mux   *Mux
	msgs  chan string
	once  sync.Once
}

// NewMux creates an empty multiplexer.
func NewMux() *Mux {
	return &Mux{channels: make(map[string]*Channel)}
}

// Open creates the input channel for owner with first already queued.
// Returns ErrChannelAlreadyOpen if a channel exists for owner.
func (m *Mux) Open(owner, first string) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.channels[owner]; exists {
		return nil, ErrChannelAlreadyOpen
	}
	c := &Channel{
		owner: owner,
		mux:   m,
		msgs:  make(chan string, channelBuffer),
	}
	c.msgs <- first
	m.channels[owner] = c
	return c, nil
}

// Inject appends a follow-up message to owner's open channel, preserving
// arrival order. Returns ErrNoActiveChannel if no channel is open.
func (m *Mux) Inject(owner, message string) error {
	// The lock also excludes Close, so the send below can never race a
	// close of msgs.
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.channels[owner]
	if !ok {
		return ErrNoActiveChannel
	}
	select {
	case c.msgs <- message:
		return nil
	default:
		return ErrChannelFull
	}
}

// Close tears down owner's channel if one is open. Returns true if a channel
// was closed. Safe to call redundantly.
func (m *Mux) Close(owner string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.channels[owner]
	if !ok {
		return false
	}
	delete(m.channels, owner)
	c.once.Do(func() { close(c.msgs) })
	return true
}

// IsOpen reports whether owner has an open channel.
func (m *Mux) IsOpen(owner string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.channels[owner]
	return ok
}

// Messages is the receive side consumed by the agent runtime. It yields the
// first message immediately, then parks between injected messages; it is
// closed only by Close.
func (c *Channel) Messages() <-chan string {
	return c.msgs
}

// Close tears this channel down, but only if it is still the current channel
// for its owner, so a finishing query never closes its replacement's channel.
func (c *Channel) Close() {
	c.mux.mu.Lock()
	defer c.mux.mu.Unlock()

	if c.mux.channels[c.owner] == c {
		delete(c.mux.channels, c.owner)
	}
	c.once.Do(func() { close(c.msgs) })
}
