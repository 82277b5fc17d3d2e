package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/voicerelayd/pkg/relay"
)

// Time allowed to write a frame to a client.
const writeWait = 10 * time.Second

// client pipes one websocket to the relay.
// receive is the only reader of ws, and send is the only writer.
type client struct {
	srv   *Server
	relay *relay.Relay
	ws    *websocket.Conn
	conn  *relay.Conn
	log   *logrus.Entry
}

// serveWebsocket upgrades the request and attaches the new connection to rl.
func (srv *Server) serveWebsocket(rl *relay.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := srv.upgrader().Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied to the client.
			srv.Log.WithFields(logrus.Fields{
				"remote_addr": r.RemoteAddr,
				"error":       err,
			}).Debug("Websocket upgrade failed")
			return
		}

		conn := relay.NewConn(uuid.NewString(), r.RemoteAddr, srv.sendBuffer())
		c := &client{
			srv:   srv,
			relay: rl,
			ws:    ws,
			conn:  conn,
			log: srv.Log.WithFields(logrus.Fields{
				"conn_id":     conn.ID,
				"remote_addr": conn.RemoteAddr,
			}),
		}
		if err := rl.Connect(conn); err != nil {
			c.log.WithField("error", err).Warn("Relay unavailable; closing connection")
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "relay unavailable"),
				time.Now().Add(writeWait))
			ws.Close()
			return
		}

		go c.send()
		go c.receive()
	}
}

// receive reads frames from the client and hands them to the relay.
// When the socket fails or closes, the relay is told the client disconnected.
func (c *client) receive() {
	defer func() {
		if err := c.relay.Disconnect(c.conn); err != nil && err != relay.ErrRelayStopped {
			c.log.WithField("error", err).Warn("Cannot disconnect from relay")
		}
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.srv.maxMessageSize())
	timeout := c.srv.readTimeout()
	extendDeadline := func() {
		if timeout > 0 {
			c.ws.SetReadDeadline(time.Now().Add(timeout))
		}
	}
	extendDeadline()
	c.ws.SetPongHandler(func(string) error {
		extendDeadline()
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.log.WithField("error", err).Info("Connection lost")
			} else {
				c.log.WithField("error", err).Debug("Connection closed")
			}
			return
		}
		extendDeadline()

		if err := c.relay.Receive(c.conn, data); err != nil {
			return
		}
	}
}

// send writes envelopes queued by the relay to the client, and pings it periodically.
func (c *client) send() {
	// If TimeBetweenPings is 0,
	// pings will remain nil, and the client will not be pinged.
	var pings <-chan time.Time
	if c.srv.TimeBetweenPings > 0 {
		ticker := time.NewTicker(c.srv.TimeBetweenPings)
		defer ticker.Stop()
		pings = ticker.C
	}
	defer c.ws.Close()

	for {
		select {
		case env := <-c.conn.Outbound():
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				c.log.WithField("error", err).Info("Write failed")
				c.conn.Close()
				return
			}

		case <-pings:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}

		case <-c.conn.Done():
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
