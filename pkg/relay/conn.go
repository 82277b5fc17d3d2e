package relay

import (
	"fmt"
	"sync"
)

// Conn is the relay's handle on one persistent client connection.
//
// The transport reads frames from the socket and hands them to Relay.Receive,
// and writes whatever arrives on Outbound until Done is closed.
// It is the transport's responsibility to call Relay.Disconnect exactly once,
// after which nothing will be queued on Outbound.
type Conn struct {
	ID         string
	RemoteAddr string

	send      chan Envelope
	done      chan struct{}
	closeOnce sync.Once

	// Identity assigned by joinRoom. Only the relay loop reads or writes these.
	userID string
	roomID string
}

// NewConn makes a connection handle able to queue up to sendBuffer envelopes.
func NewConn(id, remoteAddr string, sendBuffer int) *Conn {
	if sendBuffer < 1 {
		sendBuffer = 1
	}
	return &Conn{
		ID:         id,
		RemoteAddr: remoteAddr,
		send:       make(chan Envelope, sendBuffer),
		done:       make(chan struct{}),
	}
}

// Outbound receives envelopes the relay wants written to the client.
func (c *Conn) Outbound() <-chan Envelope {
	return c.send
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close marks the connection closed. Further deliveries are skipped.
// Close is idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Open reports whether the connection still accepts deliveries.
func (c *Conn) Open() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// deliver queues env without blocking.
// It returns false if the connection is closed or its queue is full.
func (c *Conn) deliver(env Envelope) bool {
	if !c.Open() {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *Conn) String() string {
	return fmt.Sprintf("Conn(%s)", c.ID)
}
