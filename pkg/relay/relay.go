// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package relay brokers WebRTC signaling between participants of voice rooms.
//
// A Relay owns the participant registry and room membership.
// Both are only touched by the goroutine running Relay.Run,
// which handles connects, envelopes, disconnects and queries one at a time, in arrival order.
package relay

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrRelayStopped is returned when the relay loop is no longer running.
var ErrRelayStopped = errors.New("Relay stopped")

// Relay contains state for a signaling relay.
type Relay struct {
	log       *logrus.Logger
	in        chan interface{}
	stopped   chan struct{}
	startedAt time.Time

	conns        map[*Conn]struct{} // Every open socket, anonymous or not
	participants map[string]*Conn   // userId -> connection
	rooms        map[string]*room

	maxConns            int
	maxConnsTime        time.Time
	maxParticipants     int
	maxParticipantsTime time.Time
	maxRooms            int
	maxRoomsTime        time.Time
}

type connectEvent struct {
	conn *Conn
}

type envelopeEvent struct {
	conn *Conn
	env  Envelope
}

type disconnectEvent struct {
	conn *Conn
}

// queryEvent runs fn on the relay loop and closes done afterwards.
type queryEvent struct {
	fn   func()
	done chan struct{}
}

// New creates a relay. Call Run to start processing events.
func New(log *logrus.Logger) *Relay {
	now := time.Now()
	return &Relay{
		log:                 log,
		in:                  make(chan interface{}),
		stopped:             make(chan struct{}),
		startedAt:           now,
		conns:               make(map[*Conn]struct{}),
		participants:        make(map[string]*Conn),
		rooms:               make(map[string]*room),
		maxConnsTime:        now,
		maxParticipantsTime: now,
		maxRoomsTime:        now,
	}
}

// Run processes events until ctx is cancelled.
// When it returns, every tracked connection has been closed,
// and all further calls on the relay return ErrRelayStopped.
func (r *Relay) Run(ctx context.Context) {
	defer close(r.stopped)
	defer func() {
		for c := range r.conns {
			c.Close()
		}
	}()

	r.log.Info("Relay started")
	for {
		select {
		case <-ctx.Done():
			r.log.WithFields(logrus.Fields{
				"connections":  len(r.conns),
				"participants": len(r.participants),
				"rooms":        len(r.rooms),
			}).Info("Relay stopping")
			return

		case ev := <-r.in:
			switch ev := ev.(type) {
			case connectEvent:
				r.connect(ev.conn)
			case envelopeEvent:
				r.handleEnvelope(ev.conn, ev.env)
			case disconnectEvent:
				r.disconnect(ev.conn)
			case queryEvent:
				ev.fn()
				close(ev.done)
			}
		}
	}
}

// Stopped is closed once Run has returned.
func (r *Relay) Stopped() <-chan struct{} {
	return r.stopped
}

func (r *Relay) enqueue(ctx context.Context, ev interface{}) error {
	select {
	case r.in <- ev:
		return nil
	case <-r.stopped:
		return ErrRelayStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect tells the relay about a newly opened connection.
// The connection stays anonymous until it sends joinRoom.
func (r *Relay) Connect(c *Conn) error {
	return r.enqueue(context.Background(), connectEvent{c})
}

// Receive handles one raw frame read from c.
// Frames that cannot be decoded are logged and dropped; the connection stays open.
func (r *Relay) Receive(c *Conn, raw []byte) error {
	env, err := ParseEnvelope(raw)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"conn_id": c.ID,
			"error":   err,
		}).Warn("Dropping malformed envelope")
		return nil
	}
	return r.Submit(c, env)
}

// Submit queues an already decoded envelope from c.
func (r *Relay) Submit(c *Conn, env Envelope) error {
	return r.enqueue(context.Background(), envelopeEvent{c, env})
}

// Disconnect marks c closed and removes it from the relay,
// running the leave procedure for whatever identity it held.
// Deliveries to c stop immediately, even before the loop gets to the cleanup.
func (r *Relay) Disconnect(c *Conn) error {
	c.Close()
	return r.enqueue(context.Background(), disconnectEvent{c})
}

func (r *Relay) query(ctx context.Context, fn func()) error {
	q := queryEvent{fn: fn, done: make(chan struct{})}
	if err := r.enqueue(ctx, q); err != nil {
		return err
	}
	// Once accepted, the loop runs fn before taking anything else.
	<-q.done
	return nil
}

func (r *Relay) connect(c *Conn) {
	if !c.Open() {
		return
	}
	r.conns[c] = struct{}{}
	if len(r.conns) > r.maxConns {
		r.maxConns = len(r.conns)
		r.maxConnsTime = time.Now()
	}
	r.log.WithFields(logrus.Fields{
		"conn_id":     c.ID,
		"remote_addr": c.RemoteAddr,
	}).Info("Connected")
}

func (r *Relay) disconnect(c *Conn) {
	if _, ok := r.conns[c]; !ok {
		return
	}
	userID, roomID := c.userID, c.roomID
	r.release(c)
	delete(r.conns, c)
	r.log.WithFields(logrus.Fields{
		"conn_id": c.ID,
		"user_id": userID,
		"room_id": roomID,
	}).Info("Disconnected")
}

func (r *Relay) handleEnvelope(c *Conn, env Envelope) {
	if _, ok := r.conns[c]; !ok {
		// Envelopes read just before a disconnect was processed are not an error.
		return
	}
	handler := envelopeHandlers[env.Type]
	if handler == nil {
		r.log.WithFields(logrus.Fields{
			"conn_id": c.ID,
			"type":    env.Type,
		}).Debug("Ignoring envelope of unknown type")
		return
	}
	handler(r, c, env)
}

// join registers c as userID and adds it to roomID,
// notifying the other members of the room.
func (r *Relay) join(c *Conn, roomID, userID string) {
	if c.userID != "" && (c.roomID != roomID || c.userID != userID) {
		r.release(c)
	}

	// Last writer wins: a newer connection takes the identity over from an older one.
	// The older socket is left open, but is anonymous from now on.
	if prev, ok := r.participants[userID]; ok && prev != c {
		if prev.roomID != roomID {
			r.leave(prev.roomID, userID)
		}
		prev.userID, prev.roomID = "", ""
		r.log.WithFields(logrus.Fields{
			"user_id":      userID,
			"conn_id":      c.ID,
			"prev_conn_id": prev.ID,
		}).Info("Participant registration replaced")
	}

	r.participants[userID] = c
	c.userID, c.roomID = userID, roomID
	if len(r.participants) > r.maxParticipants {
		r.maxParticipants = len(r.participants)
		r.maxParticipantsTime = time.Now()
	}

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = newRoom(roomID)
		r.rooms[roomID] = rm
		if len(r.rooms) > r.maxRooms {
			r.maxRooms = len(r.rooms)
			r.maxRoomsTime = time.Now()
		}
	}
	rm.add(userID)

	sent := r.broadcast(rm, userJoinedEnvelope(roomID, userID), userID)
	r.log.WithFields(logrus.Fields{
		"conn_id":  c.ID,
		"user_id":  userID,
		"room_id":  roomID,
		"notified": sent,
	}).Info("Joined room")
}

// leave removes userID from roomID and tells the remaining members.
// Removing someone who isn't there does nothing, so no duplicate userLeft is ever sent.
// An emptied room is deleted.
func (r *Relay) leave(roomID, userID string) {
	rm, ok := r.rooms[roomID]
	if !ok || !rm.remove(userID) {
		return
	}
	sent := r.broadcast(rm, userLeftEnvelope(roomID, userID), "")
	if rm.empty() {
		delete(r.rooms, roomID)
	}
	r.log.WithFields(logrus.Fields{
		"user_id":  userID,
		"room_id":  roomID,
		"notified": sent,
	}).Info("Left room")
}

// release drops the identity held by c:
// it leaves c's room, and forgets the registry entry if it still belongs to c.
func (r *Relay) release(c *Conn) {
	if c.userID == "" {
		return
	}
	r.leave(c.roomID, c.userID)
	if r.participants[c.userID] == c {
		delete(r.participants, c.userID)
	}
	c.userID, c.roomID = "", ""
}

// dispatch forwards a negotiation envelope to every room member but the sender.
func (r *Relay) dispatch(c *Conn, env Envelope) {
	roomID, userID := env.RoomID, env.UserID
	if roomID == "" {
		roomID = c.roomID
	}
	if userID == "" {
		userID = c.userID
	}

	rm, ok := r.rooms[roomID]
	if !ok {
		r.log.WithFields(logrus.Fields{
			"conn_id": c.ID,
			"room_id": roomID,
			"type":    env.Type,
		}).Debug("No such room; dropping envelope")
		return
	}

	sent := r.broadcast(rm, Envelope{
		Type:   env.Type,
		RoomID: roomID,
		UserID: userID,
		Data:   env.Data,
	}, userID)
	r.log.WithFields(logrus.Fields{
		"user_id":  userID,
		"room_id":  roomID,
		"type":     env.Type,
		"notified": sent,
	}).Debug("Relayed envelope")
}

// broadcast delivers env to every member of rm except excludeID,
// skipping members whose connection is closed or backed up.
// It returns the number of members the envelope was queued for.
func (r *Relay) broadcast(rm *room, env Envelope, excludeID string) int {
	var sent int
	for _, id := range rm.members {
		if id == excludeID {
			continue
		}
		c, ok := r.participants[id]
		if !ok {
			continue
		}
		if !c.deliver(env) {
			if c.Open() {
				r.log.WithFields(logrus.Fields{
					"conn_id": c.ID,
					"user_id": id,
					"type":    env.Type,
				}).Warn("Send queue full; dropping envelope")
			}
			continue
		}
		sent++
	}
	return sent
}
