package relay

import "github.com/sirupsen/logrus"

type envelopeHandlerFunc func(*Relay, *Conn, Envelope)

var envelopeHandlers map[Kind]envelopeHandlerFunc

func init() {
	envelopeHandlers = make(map[Kind]envelopeHandlerFunc)
	envelopeHandlers[KindJoinRoom] = handleJoinRoom
	envelopeHandlers[KindLeave] = handleLeave
	envelopeHandlers[KindOffer] = handleNegotiation
	envelopeHandlers[KindAnswer] = handleNegotiation
	envelopeHandlers[KindIceCandidate] = handleNegotiation
}

func handleJoinRoom(r *Relay, c *Conn, env Envelope) {
	if env.RoomID == "" || env.UserID == "" {
		r.log.WithFields(logrus.Fields{
			"conn_id": c.ID,
			"room_id": env.RoomID,
			"user_id": env.UserID,
		}).Warn("Dropping joinRoom without roomId and userId")
		return
	}
	r.join(c, env.RoomID, env.UserID)
}

// handleLeave leaves on behalf of the connection's own identity.
// The ids in the envelope are informational only.
func handleLeave(r *Relay, c *Conn, env Envelope) {
	if c.userID == "" {
		return
	}
	r.release(c)
}

func handleNegotiation(r *Relay, c *Conn, env Envelope) {
	r.dispatch(c, env)
}
