// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package relay

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Kind tags an envelope.
type Kind string

// Envelope kinds sent by clients.
const (
	KindJoinRoom     Kind = "joinRoom"
	KindLeave        Kind = "leave"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindIceCandidate Kind = "iceCandidate"
)

// Envelope kinds emitted by the relay.
const (
	KindUserJoined Kind = "userJoined"
	KindUserLeft   Kind = "userLeft"
)

// An Envelope is a single signaling message between a client and the relay.
// Data is carried verbatim; the relay never looks inside it.
type Envelope struct {
	Type   Kind            `json:"type"`
	RoomID string          `json:"roomId"`
	UserID string          `json:"userId"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ParseEnvelope decodes a client frame.
// Only the typed fields are checked; data is left untouched.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "Decode envelope")
	}
	if env.Type == "" {
		return Envelope{}, errors.New(`"type" is required`)
	}
	return env, nil
}

func userJoinedEnvelope(roomID, userID string) Envelope {
	return Envelope{Type: KindUserJoined, RoomID: roomID, UserID: userID}
}

func userLeftEnvelope(roomID, userID string) Envelope {
	return Envelope{Type: KindUserLeft, RoomID: roomID, UserID: userID}
}
