package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestRelay(t *testing.T) *Relay {
	t.Helper()
	log := logrus.New()
	log.Out = io.Discard
	log.Level = logrus.DebugLevel

	r := New(log)
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-r.Stopped()
	})
	return r
}

func connectTestConn(t *testing.T, r *Relay, id string) *Conn {
	t.Helper()
	c := NewConn(id, "192.0.2.1:1234", 16)
	if err := r.Connect(c); err != nil {
		t.Fatalf("Connect %s: %s", id, err)
	}
	return c
}

func submit(t *testing.T, r *Relay, c *Conn, env Envelope) {
	t.Helper()
	if err := r.Submit(c, env); err != nil {
		t.Fatalf("Submit %s from %s: %s", env.Type, c, err)
	}
}

func joinRoom(t *testing.T, r *Relay, c *Conn, roomID, userID string) {
	t.Helper()
	submit(t, r, c, Envelope{Type: KindJoinRoom, RoomID: roomID, UserID: userID})
}

// barrier returns once every event queued before it has been handled.
func barrier(t *testing.T, r *Relay) Health {
	t.Helper()
	h, err := r.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %s", err)
	}
	return h
}

// drain returns everything currently queued on c.
func drain(c *Conn) []Envelope {
	var envs []Envelope
	for {
		select {
		case env := <-c.Outbound():
			envs = append(envs, env)
		default:
			return envs
		}
	}
}

func roomInfo(t *testing.T, r *Relay, roomID string) (RoomInfo, bool) {
	t.Helper()
	info, ok, err := r.Room(context.Background(), roomID)
	if err != nil {
		t.Fatalf("Room %s: %s", roomID, err)
	}
	return info, ok
}

func TestJoinNotifiesExistingMembers(t *testing.T) {
	r := newTestRelay(t)
	a := connectTestConn(t, r, "a")
	b := connectTestConn(t, r, "b")
	c := connectTestConn(t, r, "c")

	joinRoom(t, r, b, "R", "B")
	joinRoom(t, r, c, "R", "C")
	barrier(t, r)
	drain(b)
	drain(c)

	joinRoom(t, r, a, "R", "A")
	barrier(t, r)

	wanted := []Envelope{{Type: KindUserJoined, RoomID: "R", UserID: "A"}}
	for _, member := range []*Conn{b, c} {
		if got := drain(member); !reflect.DeepEqual(wanted, got) {
			t.Errorf("%s: wanted %+v, got: %+v", member, wanted, got)
		}
	}
	if got := drain(a); len(got) != 0 {
		t.Errorf("Joiner should not be notified of itself; got: %+v", got)
	}
}

func TestJoinSameIdentityTwice(t *testing.T) {
	r := newTestRelay(t)
	a := connectTestConn(t, r, "a")

	for i := 0; i < 3; i++ {
		joinRoom(t, r, a, "R", "A")
	}
	barrier(t, r)

	info, ok := roomInfo(t, r, "R")
	if !ok {
		t.Fatalf("Room R not found")
	}
	wanted := RoomInfo{RoomID: "R", UserCount: 1, Users: []string{"A"}}
	if !reflect.DeepEqual(wanted, info) {
		t.Errorf("wanted %+v, got: %+v", wanted, info)
	}
}

func TestLeaveDeletesEmptyRoom(t *testing.T) {
	r := newTestRelay(t)
	a := connectTestConn(t, r, "a")

	joinRoom(t, r, a, "R", "A")
	submit(t, r, a, Envelope{Type: KindLeave, RoomID: "R", UserID: "A"})
	h := barrier(t, r)

	if _, ok := roomInfo(t, r, "R"); ok {
		t.Errorf("Room R should have been deleted")
	}
	if h.Rooms != 0 || h.Participants != 0 {
		t.Errorf("wanted no rooms or participants, got: %+v", h)
	}
}

func TestDisconnectActsAsLeave(t *testing.T) {
	leaveOutput := func(explicit bool) ([]Envelope, RoomInfo) {
		r := newTestRelay(t)
		a := connectTestConn(t, r, "a")
		b := connectTestConn(t, r, "b")
		joinRoom(t, r, a, "R", "A")
		joinRoom(t, r, b, "R", "B")
		barrier(t, r)
		drain(a)

		if explicit {
			submit(t, r, b, Envelope{Type: KindLeave, RoomID: "R", UserID: "B"})
		} else if err := r.Disconnect(b); err != nil {
			t.Fatalf("Disconnect: %s", err)
		}
		barrier(t, r)

		info, _ := roomInfo(t, r, "R")
		return drain(a), info
	}

	leftEnvs, leftInfo := leaveOutput(true)
	droppedEnvs, droppedInfo := leaveOutput(false)

	wanted := []Envelope{{Type: KindUserLeft, RoomID: "R", UserID: "B"}}
	if !reflect.DeepEqual(wanted, leftEnvs) {
		t.Errorf("Explicit leave; wanted %+v, got: %+v", wanted, leftEnvs)
	}
	if !reflect.DeepEqual(leftEnvs, droppedEnvs) {
		t.Errorf("Disconnect should notify like leave; wanted %+v, got: %+v", leftEnvs, droppedEnvs)
	}
	if !reflect.DeepEqual(leftInfo, droppedInfo) {
		t.Errorf("Disconnect should update membership like leave; wanted %+v, got: %+v", leftInfo, droppedInfo)
	}
}

func TestDispatchExcludesSender(t *testing.T) {
	r := newTestRelay(t)
	a := connectTestConn(t, r, "a")
	b := connectTestConn(t, r, "b")
	c := connectTestConn(t, r, "c")
	joinRoom(t, r, a, "R", "A")
	joinRoom(t, r, b, "R", "B")
	joinRoom(t, r, c, "R", "C")
	barrier(t, r)
	drain(a)
	drain(b)
	drain(c)

	for i, kind := range []Kind{KindOffer, KindAnswer, KindIceCandidate} {
		env := Envelope{
			Type:   kind,
			RoomID: "R",
			UserID: "A",
			Data:   json.RawMessage(fmt.Sprintf(`{"seq": %d, "sdp": "v=0\r\n"}`, i)),
		}
		submit(t, r, a, env)
		barrier(t, r)

		for _, peer := range []*Conn{b, c} {
			if got := drain(peer); !reflect.DeepEqual([]Envelope{env}, got) {
				t.Errorf("%s to %s; wanted %+v, got: %+v", kind, peer, env, got)
			}
		}
		if got := drain(a); len(got) != 0 {
			t.Errorf("%s echoed back to sender: %+v", kind, got)
		}
	}
}

func TestDispatchSkipsClosedPeers(t *testing.T) {
	r := newTestRelay(t)
	a := connectTestConn(t, r, "a")
	b := connectTestConn(t, r, "b")
	c := connectTestConn(t, r, "c")
	joinRoom(t, r, a, "R", "A")
	joinRoom(t, r, b, "R", "B")
	joinRoom(t, r, c, "R", "C")
	barrier(t, r)
	drain(b)
	drain(c)

	// b's socket went away, but the relay hasn't been told yet.
	b.Close()

	env := Envelope{Type: KindOffer, RoomID: "R", UserID: "A", Data: json.RawMessage(`{}`)}
	submit(t, r, a, env)
	barrier(t, r)

	if got := drain(b); len(got) != 0 {
		t.Errorf("Closed peer should get nothing; got: %+v", got)
	}
	if got := drain(c); !reflect.DeepEqual([]Envelope{env}, got) {
		t.Errorf("wanted %+v, got: %+v", env, got)
	}
}

func TestFullQueueDoesNotAbortFanOut(t *testing.T) {
	r := newTestRelay(t)
	a := connectTestConn(t, r, "a")
	slow := NewConn("slow", "192.0.2.2:1234", 1)
	if err := r.Connect(slow); err != nil {
		t.Fatalf("Connect: %s", err)
	}
	c := connectTestConn(t, r, "c")
	joinRoom(t, r, a, "R", "A")
	joinRoom(t, r, slow, "R", "S")
	joinRoom(t, r, c, "R", "C")
	barrier(t, r)
	// slow's single slot now holds userJoined for C.

	env := Envelope{Type: KindIceCandidate, RoomID: "R", UserID: "A", Data: json.RawMessage(`{"candidate":""}`)}
	submit(t, r, a, env)
	barrier(t, r)

	if got := drain(c); !reflect.DeepEqual([]Envelope{env}, got) {
		t.Errorf("wanted %+v, got: %+v", env, got)
	}
	wantedSlow := []Envelope{{Type: KindUserJoined, RoomID: "R", UserID: "C"}}
	if got := drain(slow); !reflect.DeepEqual(wantedSlow, got) {
		t.Errorf("wanted %+v, got: %+v", wantedSlow, got)
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	r := newTestRelay(t)
	a := connectTestConn(t, r, "a")
	b := connectTestConn(t, r, "b")
	joinRoom(t, r, a, "R", "A")
	joinRoom(t, r, b, "R", "B")
	barrier(t, r)
	drain(a)

	leave := Envelope{Type: KindLeave, RoomID: "R", UserID: "B"}
	submit(t, r, b, leave)
	submit(t, r, b, leave)
	if err := r.Disconnect(b); err != nil {
		t.Fatalf("Disconnect: %s", err)
	}
	barrier(t, r)

	wanted := []Envelope{{Type: KindUserLeft, RoomID: "R", UserID: "B"}}
	if got := drain(a); !reflect.DeepEqual(wanted, got) {
		t.Errorf("wanted %+v, got: %+v", wanted, got)
	}

	// A connection that never joined can leave as often as it likes.
	anon := connectTestConn(t, r, "anon")
	submit(t, r, anon, Envelope{Type: KindLeave})
	submit(t, r, anon, Envelope{Type: KindLeave, RoomID: "R", UserID: "A"})
	barrier(t, r)
	if got := drain(a); len(got) != 0 {
		t.Errorf("Anonymous leave should be a no-op; got: %+v", got)
	}
	if info, _ := roomInfo(t, r, "R"); info.UserCount != 1 {
		t.Errorf("wanted A to stay in R, got: %+v", info)
	}
}

func TestSwitchRooms(t *testing.T) {
	r := newTestRelay(t)
	a := connectTestConn(t, r, "a")
	b := connectTestConn(t, r, "b")
	c := connectTestConn(t, r, "c")
	joinRoom(t, r, a, "R1", "A")
	joinRoom(t, r, b, "R1", "B")
	joinRoom(t, r, c, "R2", "C")
	barrier(t, r)
	drain(a)
	drain(c)

	joinRoom(t, r, a, "R2", "A")
	h := barrier(t, r)

	if got, wanted := drain(b), []Envelope{{Type: KindUserLeft, RoomID: "R1", UserID: "A"}}; !reflect.DeepEqual(wanted, got) {
		t.Errorf("Old room; wanted %+v, got: %+v", wanted, got)
	}
	if got, wanted := drain(c), []Envelope{{Type: KindUserJoined, RoomID: "R2", UserID: "A"}}; !reflect.DeepEqual(wanted, got) {
		t.Errorf("New room; wanted %+v, got: %+v", wanted, got)
	}
	if info, _ := roomInfo(t, r, "R1"); !reflect.DeepEqual([]string{"B"}, info.Users) {
		t.Errorf("R1 members: %+v", info.Users)
	}
	if info, _ := roomInfo(t, r, "R2"); !reflect.DeepEqual([]string{"C", "A"}, info.Users) {
		t.Errorf("R2 members: %+v", info.Users)
	}
	if h.Participants != 3 || h.Rooms != 2 {
		t.Errorf("wanted 3 participants in 2 rooms, got: %+v", h)
	}
}

func TestReconnectReplacesRegistration(t *testing.T) {
	r := newTestRelay(t)
	old := connectTestConn(t, r, "old")
	b := connectTestConn(t, r, "b")
	joinRoom(t, r, old, "R", "A")
	joinRoom(t, r, b, "R", "B")
	barrier(t, r)
	drain(old)
	drain(b)

	fresh := connectTestConn(t, r, "fresh")
	joinRoom(t, r, fresh, "R", "A")
	barrier(t, r)
	if got, wanted := drain(b), []Envelope{{Type: KindUserJoined, RoomID: "R", UserID: "A"}}; !reflect.DeepEqual(wanted, got) {
		t.Errorf("wanted %+v, got: %+v", wanted, got)
	}

	// The stale socket finally drops. It must not take A out of the room.
	if err := r.Disconnect(old); err != nil {
		t.Fatalf("Disconnect: %s", err)
	}
	h := barrier(t, r)
	if got := drain(b); len(got) != 0 {
		t.Errorf("Stale disconnect should not notify; got: %+v", got)
	}
	if info, _ := roomInfo(t, r, "R"); info.UserCount != 2 {
		t.Errorf("wanted A and B in R, got: %+v", info)
	}
	if h.Participants != 2 {
		t.Errorf("wanted 2 participants, got: %+v", h)
	}

	offer := Envelope{Type: KindOffer, RoomID: "R", UserID: "B", Data: json.RawMessage(`"sdp"`)}
	submit(t, r, b, offer)
	barrier(t, r)
	if got := drain(fresh); !reflect.DeepEqual([]Envelope{offer}, got) {
		t.Errorf("wanted %+v at the new connection, got: %+v", offer, got)
	}
}

func TestReconnectIntoAnotherRoom(t *testing.T) {
	r := newTestRelay(t)
	old := connectTestConn(t, r, "old")
	b := connectTestConn(t, r, "b")
	joinRoom(t, r, old, "R1", "A")
	joinRoom(t, r, b, "R1", "B")
	barrier(t, r)
	drain(b)

	fresh := connectTestConn(t, r, "fresh")
	joinRoom(t, r, fresh, "R2", "A")
	barrier(t, r)

	if got, wanted := drain(b), []Envelope{{Type: KindUserLeft, RoomID: "R1", UserID: "A"}}; !reflect.DeepEqual(wanted, got) {
		t.Errorf("wanted %+v, got: %+v", wanted, got)
	}
	if info, _ := roomInfo(t, r, "R2"); !reflect.DeepEqual([]string{"A"}, info.Users) {
		t.Errorf("R2 members: %+v", info.Users)
	}
}

func TestMalformedEnvelopeIsDropped(t *testing.T) {
	r := newTestRelay(t)
	a := connectTestConn(t, r, "a")

	for _, raw := range []string{`{not json`, `[]`, `{"roomId":"R"}`} {
		if err := r.Receive(a, []byte(raw)); err != nil {
			t.Errorf("Receive(%q): %s", raw, err)
		}
	}
	if err := r.Receive(a, []byte(`{"type":"joinRoom","roomId":"R","userId":"A"}`)); err != nil {
		t.Fatalf("Receive: %s", err)
	}
	barrier(t, r)

	if _, ok := roomInfo(t, r, "R"); !ok {
		t.Errorf("Connection should still work after malformed input")
	}
}

func TestUnknownOrIncompleteEnvelopesAreIgnored(t *testing.T) {
	r := newTestRelay(t)
	a := connectTestConn(t, r, "a")
	b := connectTestConn(t, r, "b")
	joinRoom(t, r, a, "R", "A")
	joinRoom(t, r, b, "R", "B")
	barrier(t, r)
	drain(a)

	submit(t, r, b, Envelope{Type: "renegotiate", RoomID: "R", UserID: "B"})
	submit(t, r, b, Envelope{Type: KindUserLeft, RoomID: "R", UserID: "B"})
	submit(t, r, b, Envelope{Type: KindJoinRoom, RoomID: "R"})
	submit(t, r, b, Envelope{Type: KindOffer, RoomID: "nowhere", UserID: "B"})
	h := barrier(t, r)

	if got := drain(a); len(got) != 0 {
		t.Errorf("wanted nothing relayed, got: %+v", got)
	}
	if h.Participants != 2 || h.Rooms != 1 {
		t.Errorf("State changed: %+v", h)
	}
}

func TestDispatchInfersIdentity(t *testing.T) {
	r := newTestRelay(t)
	a := connectTestConn(t, r, "a")
	b := connectTestConn(t, r, "b")
	joinRoom(t, r, a, "R", "A")
	joinRoom(t, r, b, "R", "B")
	barrier(t, r)
	drain(b)

	submit(t, r, a, Envelope{Type: KindAnswer, Data: json.RawMessage(`{"type":"answer"}`)})
	barrier(t, r)

	wanted := []Envelope{{Type: KindAnswer, RoomID: "R", UserID: "A", Data: json.RawMessage(`{"type":"answer"}`)}}
	if got := drain(b); !reflect.DeepEqual(wanted, got) {
		t.Errorf("wanted %+v, got: %+v", wanted, got)
	}
}

func TestEnvelopesAfterDisconnectAreIgnored(t *testing.T) {
	r := newTestRelay(t)
	a := connectTestConn(t, r, "a")
	if err := r.Disconnect(a); err != nil {
		t.Fatalf("Disconnect: %s", err)
	}
	joinRoom(t, r, a, "R", "A")
	h := barrier(t, r)

	if h.Participants != 0 || h.Rooms != 0 {
		t.Errorf("Disconnected connection should not join; got: %+v", h)
	}
}

func TestStats(t *testing.T) {
	r := newTestRelay(t)
	a := connectTestConn(t, r, "a")
	b := connectTestConn(t, r, "b")
	connectTestConn(t, r, "anon")
	joinRoom(t, r, a, "R1", "A")
	joinRoom(t, r, b, "R2", "B")
	if err := r.Disconnect(b); err != nil {
		t.Fatalf("Disconnect: %s", err)
	}

	s, err := r.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %s", err)
	}
	if s.NumConnections != 2 || s.MaxConnections != 3 {
		t.Errorf("Connections; wanted 2 (max 3), got: %d (max %d)", s.NumConnections, s.MaxConnections)
	}
	if s.NumParticipants != 1 || s.MaxParticipants != 2 {
		t.Errorf("Participants; wanted 1 (max 2), got: %d (max %d)", s.NumParticipants, s.MaxParticipants)
	}
	if s.NumRooms != 1 || s.MaxRooms != 2 {
		t.Errorf("Rooms; wanted 1 (max 2), got: %d (max %d)", s.NumRooms, s.MaxRooms)
	}
}

func TestStoppedRelay(t *testing.T) {
	log := logrus.New()
	log.Out = io.Discard
	r := New(log)
	ctx, cancel := context.WithCancel(context.Background())

	c := NewConn("a", "192.0.2.1:1234", 1)
	go r.Run(ctx)
	if err := r.Connect(c); err != nil {
		t.Fatalf("Connect: %s", err)
	}
	cancel()
	<-r.Stopped()

	if c.Open() {
		t.Errorf("Stopping the relay should close its connections")
	}
	if _, err := r.Health(context.Background()); err != ErrRelayStopped {
		t.Errorf("wanted %v, got: %v", ErrRelayStopped, err)
	}
	if err := r.Submit(c, Envelope{Type: KindLeave}); err != ErrRelayStopped {
		t.Errorf("wanted %v, got: %v", ErrRelayStopped, err)
	}
}
