package commands

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/n0ot/voicerelayd/pkg/relay"
)

var (
	probeRoom  string
	probeUser  string
	probeOffer bool
	probeWait  time.Duration
	probeSTUN  []string
)

// probeCmd represents the probe command
var probeCmd = &cobra.Command{
	Use:   "probe [url]",
	Short: "Join a room on a relay and print the signaling it receives",
	Long: `probe connects to a VoiceRelayd websocket, joins a room,
and logs every envelope the relay sends it.

With --offer, probe also negotiates a receive-only audio session:
it sends a real SDP offer to the room and applies any answer and
ICE candidates that come back.

If the url is omitted, the local server is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProbe,
}

func init() {
	RootCmd.AddCommand(probeCmd)
	probeCmd.Flags().StringVarP(&probeRoom, "room", "r", "general", "room to join")
	probeCmd.Flags().StringVarP(&probeUser, "user", "u", "", "user id to join as (default is a random probe id)")
	probeCmd.Flags().BoolVar(&probeOffer, "offer", false, "send an audio offer to the room")
	probeCmd.Flags().DurationVarP(&probeWait, "wait", "w", 30*time.Second, "how long to listen before leaving (0 waits until interrupted)")
	probeCmd.Flags().StringSliceVar(&probeSTUN, "stun", []string{"stun:stun.l.google.com:19302"}, "STUN servers used when gathering candidates")
}

func runProbe(cmd *cobra.Command, args []string) error {
	log := newLogger()

	relayURL := "ws://127.0.0.1:" + strconv.Itoa(viper.GetInt("server.port")) + "/ws"
	if len(args) > 0 {
		relayURL = args[0]
	}
	if probeUser == "" {
		probeUser = "probe-" + uuid.NewString()[:8]
	}

	ws, _, err := websocket.DefaultDialer.Dial(relayURL, nil)
	if err != nil {
		return errors.Wrap(err, "Connect to relay")
	}
	defer ws.Close()

	entry := log.WithFields(logrus.Fields{
		"url":     relayURL,
		"room_id": probeRoom,
		"user_id": probeUser,
	})
	if err := ws.WriteJSON(relay.Envelope{Type: relay.KindJoinRoom, RoomID: probeRoom, UserID: probeUser}); err != nil {
		return errors.Wrap(err, "Join room")
	}
	entry.Info("Joined room")

	var pc *webrtc.PeerConnection
	if probeOffer {
		var offer *webrtc.SessionDescription
		pc, offer, err = newProbeOffer(entry, probeSTUN)
		if err != nil {
			return err
		}
		defer pc.Close()

		data, err := json.Marshal(offer)
		if err != nil {
			return errors.Wrap(err, "Encode offer")
		}
		if err := ws.WriteJSON(relay.Envelope{Type: relay.KindOffer, RoomID: probeRoom, UserID: probeUser, Data: data}); err != nil {
			return errors.Wrap(err, "Send offer")
		}
		entry.Info("Sent offer")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if probeWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, probeWait)
		defer cancel()
	}

	// Once done listening, leave politely and close the socket, which ends the read loop below.
	go func() {
		<-ctx.Done()
		ws.WriteJSON(relay.Envelope{Type: relay.KindLeave, RoomID: probeRoom, UserID: probeUser})
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		ws.Close()
	}()

	for {
		var env relay.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				entry.Info("Left room")
				return nil
			}
			return errors.Wrap(err, "Read from relay")
		}

		entry.WithFields(logrus.Fields{
			"type": env.Type,
			"from": env.UserID,
			"size": len(env.Data),
		}).Info("Received envelope")

		if pc != nil {
			applyToProbe(entry, pc, env)
		}
	}
}

// newProbeOffer creates a receive-only audio peer connection and returns its offer,
// with candidates gathered so no trickling is needed.
func newProbeOffer(log *logrus.Entry, stunURLs []string) (*webrtc.PeerConnection, *webrtc.SessionDescription, error) {
	config := webrtc.Configuration{}
	if len(stunURLs) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: stunURLs}}
	}
	settings := webrtc.SettingEngine{LoggerFactory: pionLoggerFactory{log}}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))
	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, nil, errors.Wrap(err, "Create peer connection")
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.WithField("state", state.String()).Info("Peer connection state changed")
	})

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, nil, errors.Wrap(err, "Add audio transceiver")
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, nil, errors.Wrap(err, "Create offer")
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, nil, errors.Wrap(err, "Set local description")
	}
	select {
	case <-gathered:
	case <-time.After(5 * time.Second):
		log.Warn("ICE gathering incomplete; sending the candidates found so far")
	}
	return pc, pc.LocalDescription(), nil
}

// applyToProbe feeds answers and candidates from the room into the probe's peer connection.
func applyToProbe(log *logrus.Entry, pc *webrtc.PeerConnection, env relay.Envelope) {
	switch env.Type {
	case relay.KindAnswer:
		var answer webrtc.SessionDescription
		if err := json.Unmarshal(env.Data, &answer); err != nil {
			log.WithField("error", err).Warn("Cannot decode answer")
			return
		}
		if err := pc.SetRemoteDescription(answer); err != nil {
			// Only the first answer can be applied; later ones come from other room members.
			log.WithFields(logrus.Fields{
				"from":  env.UserID,
				"error": err,
			}).Warn("Cannot apply answer")
		}

	case relay.KindIceCandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(env.Data, &candidate); err != nil {
			log.WithField("error", err).Warn("Cannot decode ICE candidate")
			return
		}
		if err := pc.AddICECandidate(candidate); err != nil {
			log.WithField("error", err).Debug("Cannot add ICE candidate")
		}
	}
}
