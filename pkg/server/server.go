// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package server serves the signaling relay over websockets and plain HTTP.
package server

import (
	"context"
	"crypto/tls"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/voicerelayd/pkg/relay"
)

const (
	defaultMaxMessageSize = 64 * 1024 // Enough for SDP with a handful of candidates
	defaultSendBuffer     = 64
	shutdownTimeout       = 5 * time.Second
)

// Server contains settings for a signaling relay server.
type Server struct {
	// TimeBetweenPings specifies the amount of time that will elapse before clients will be sent a ping.
	// If 0, no pings will be sent.
	TimeBetweenPings time.Duration

	// PingsUntilTimeout specifies the number of pings that may go unanswered before a client is dropped.
	// If TimeBetweenPings is 0, this field has no effect.
	PingsUntilTimeout int

	// MaxMessageSize limits the size of a single frame read from a client.
	// Clients sending more are disconnected. Defaults to 64 KiB.
	MaxMessageSize int64

	// SendBuffer is the number of envelopes that may be queued for a slow client before new ones are dropped.
	SendBuffer int

	// CORSOrigin is the allowed origin for plain HTTP endpoints. Empty means "*".
	// Websocket upgrades are accepted from every origin regardless.
	CORSOrigin string

	// TLSConfig optionally provides a TLS configuration for use by ListenAndServeTLS.
	TLSConfig *tls.Config

	Log *logrus.Logger
}

// ListenAndServe listens for connections on the network, and serves the relay until ctx is cancelled.
func (srv *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "Listen")
	}
	defer listener.Close()

	srv.Log.WithFields(logrus.Fields{
		"addr":        listener.Addr().String(),
		"tls_enabled": false,
	}).Info("Listening for incoming connections")
	return srv.Serve(ctx, listener)
}

// ListenAndServeTLS behaves just like ListenAndServe, but wraps the connection with TLS.
func (srv *Server) ListenAndServeTLS(ctx context.Context, addr, certFile, keyFile string) error {
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return errors.Wrap(err, "Load X.509 key pair")
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	if srv.TLSConfig == nil {
		return errors.New("No TLSConfig set in server, and no certFile/keyFile given")
	}

	listener, err := tls.Listen("tcp", addr, srv.TLSConfig)
	if err != nil {
		return errors.Wrap(err, "Listen TLS")
	}
	defer listener.Close()

	srv.Log.WithFields(logrus.Fields{
		"addr":        listener.Addr().String(),
		"tls_enabled": true,
	}).Info("Listening for incoming connections")
	return srv.Serve(ctx, listener)
}

// Serve runs a relay and serves it on listener.
// When ctx is cancelled, the HTTP server is shut down and every client is disconnected.
func (srv *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv.Log.WithFields(logrus.Fields{
		"time_between_pings":  srv.TimeBetweenPings,
		"pings_until_timeout": srv.PingsUntilTimeout,
		"max_message_size":    srv.maxMessageSize(),
		"send_buffer":         srv.sendBuffer(),
		"cors_origin":         srv.corsOrigin(),
	}).Info("Server started")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rl := relay.New(srv.Log)
	go rl.Run(ctx)

	errorLog := srv.Log.WriterLevel(logrus.WarnLevel)
	defer errorLog.Close()
	httpSrv := &http.Server{
		Handler:           srv.Handler(rl),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          log.New(errorLog, "", 0),
	}

	served := make(chan error, 1)
	go func() {
		served <- httpSrv.Serve(listener)
	}()

	select {
	case err := <-served:
		cancel()
		<-rl.Stopped()
		return errors.Wrap(err, "Serve")

	case <-ctx.Done():
		srv.Log.Info("Shutting down")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		err := httpSrv.Shutdown(shutdownCtx)
		// Upgraded connections aren't tracked by the HTTP server; the relay closes them on its way out.
		<-rl.Stopped()
		if err != nil {
			return errors.Wrap(err, "Shutdown")
		}
		return nil
	}
}

func (srv *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

func (srv *Server) maxMessageSize() int64 {
	if srv.MaxMessageSize > 0 {
		return srv.MaxMessageSize
	}
	return defaultMaxMessageSize
}

func (srv *Server) sendBuffer() int {
	if srv.SendBuffer > 0 {
		return srv.SendBuffer
	}
	return defaultSendBuffer
}

func (srv *Server) corsOrigin() string {
	if srv.CORSOrigin != "" {
		return srv.CORSOrigin
	}
	return "*"
}

// readTimeout is how long a client may stay silent, pongs included, before it is dropped.
// 0 means forever.
func (srv *Server) readTimeout() time.Duration {
	if srv.TimeBetweenPings <= 0 || srv.PingsUntilTimeout <= 0 {
		return 0
	}
	return srv.TimeBetweenPings * time.Duration(srv.PingsUntilTimeout)
}
