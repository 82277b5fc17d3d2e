package relay

import (
	"context"
	"time"
)

// Health is a point-in-time summary of the relay.
type Health struct {
	Time         time.Time
	Participants int
	Rooms        int
}

// RoomInfo describes the members of one room.
type RoomInfo struct {
	RoomID    string   `json:"roomId"`
	UserCount int      `json:"userCount"`
	Users     []string `json:"users"`
}

// Stats contains running statistics about a relay.
type Stats struct {
	Uptime              time.Duration `json:"uptime"`
	NumConnections      int           `json:"num_connections"`
	MaxConnections      int           `json:"max_connections"`
	MaxConnectionsTime  time.Time     `json:"max_connections_at"`
	NumParticipants     int           `json:"num_participants"`
	MaxParticipants     int           `json:"max_participants"`
	MaxParticipantsTime time.Time     `json:"max_participants_at"`
	NumRooms            int           `json:"num_rooms"`
	MaxRooms            int           `json:"max_rooms"`
	MaxRoomsTime        time.Time     `json:"max_rooms_at"`
}

// Health gets the current participant and room counts.
func (r *Relay) Health(ctx context.Context) (Health, error) {
	var h Health
	err := r.query(ctx, func() {
		h = Health{
			Time:         time.Now(),
			Participants: len(r.participants),
			Rooms:        len(r.rooms),
		}
	})
	return h, err
}

// Room looks up a room by id. ok is false if no such room exists.
func (r *Relay) Room(ctx context.Context, roomID string) (info RoomInfo, ok bool, err error) {
	err = r.query(ctx, func() {
		rm, found := r.rooms[roomID]
		if !found {
			return
		}
		ok = true
		info = RoomInfo{
			RoomID:    rm.id,
			UserCount: len(rm.members),
			Users:     rm.snapshot(),
		}
	})
	return
}

// Stats gets statistics for this relay.
func (r *Relay) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := r.query(ctx, func() {
		s = Stats{
			Uptime:              time.Since(r.startedAt),
			NumConnections:      len(r.conns),
			MaxConnections:      r.maxConns,
			MaxConnectionsTime:  r.maxConnsTime,
			NumParticipants:     len(r.participants),
			MaxParticipants:     r.maxParticipants,
			MaxParticipantsTime: r.maxParticipantsTime,
			NumRooms:            len(r.rooms),
			MaxRooms:            r.maxRooms,
			MaxRoomsTime:        r.maxRoomsTime,
		}
	})
	return s, err
}
