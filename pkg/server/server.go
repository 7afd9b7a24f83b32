// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package server implements a WebSocket signaling relay.
package server

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/n0ot/sigrelay/pkg/channels"
	"github.com/n0ot/sigrelay/pkg/metrics"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	defaultMaxMessageSize = 64 * 1024
	defaultSendQueueSize  = 32
)

// Server Contains state for a sigrelay server.
type Server struct {
	// TimeBetweenPings specifies the amount of time that will elapse before clients will be sent a ping.
	// If 0, no pings will be sent.
	TimeBetweenPings time.Duration

	// PingsUntilTimeout specifies the number of pings to be sent before unresponsive clients will be kicked.
	// If TimeBetweenPings is 0, this field has no effect.
	PingsUntilTimeout int

	// TLSConfig optionally provides a TLS configuration for use by ListenAndServeTLS.
	TLSConfig *tls.Config

	// Path is where clients connect. Defaults to "/".
	Path string

	// MaxMessageSize is the largest message, in bytes, a client may send.
	// Clients sending larger messages are disconnected.
	MaxMessageSize int64

	// SendQueueSize is the number of messages buffered for each client.
	// Messages for a client whose queue is full are dropped.
	SendQueueSize int

	// StatsPassword sets the password for retreiving stats.
	// If empty, stats are disabled.
	StatsPassword string

	// AllowedOrigins restricts which browser origins may connect.
	// If empty, every origin is allowed.
	AllowedOrigins []string

	// Metrics, if set, receives server metrics and is served on /metrics.
	Metrics *prometheus.Registry

	Log *logrus.Logger

	initOnce   sync.Once
	registry   *channels.Registry
	wsMetrics  *metrics.WebSocketMetrics
	upgrader   websocket.Upgrader
	router     *mux.Router
	nextID     uint64
	statsDelay time.Duration

	lock         sync.Mutex // Protects clients, httpServer and shuttingDown
	clients      map[uint64]*client
	httpServer   *http.Server
	shuttingDown bool
	clientsWG    sync.WaitGroup
}

func (srv *Server) init() {
	srv.initOnce.Do(func() {
		if srv.Log == nil {
			srv.Log = logrus.StandardLogger()
		}
		if srv.Path == "" {
			srv.Path = "/"
		}
		if srv.MaxMessageSize == 0 {
			srv.MaxMessageSize = defaultMaxMessageSize
		}
		if srv.SendQueueSize <= 0 {
			srv.SendQueueSize = defaultSendQueueSize
		}
		if srv.statsDelay == 0 {
			srv.statsDelay = 5 * time.Second
		}

		var opts []channels.Option
		if srv.Metrics != nil {
			opts = append(opts, channels.WithRecorder(metrics.NewRelayMetrics(srv.Metrics)))
			srv.wsMetrics = metrics.NewWebSocketMetrics(srv.Metrics)
		}
		srv.registry = channels.NewRegistry(srv.Log, opts...)
		srv.clients = make(map[uint64]*client)
		srv.upgrader = websocket.Upgrader{
			CheckOrigin: checkOrigin(srv.AllowedOrigins, srv.Log),
		}
		srv.router = srv.routes()
	})
}

// Handler returns the server's HTTP handler.
func (srv *Server) Handler() http.Handler {
	srv.init()
	return srv.router
}

// Registry returns the server's channel registry.
func (srv *Server) Registry() *channels.Registry {
	srv.init()
	return srv.registry
}

// ListenAndServe listens for connections on the network, and relays messages between them.
func (srv *Server) ListenAndServe(addr string) error {
	srv.init()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "Listen")
	}

	srv.Log.WithFields(logrus.Fields{
		"addr":        listener.Addr().String(),
		"tls_enabled": false,
	}).Info("Listening for incoming connections")
	srv.Log.Infof("Signaling server running on ws://%s%s", displayAddr(listener.Addr()), srv.Path)
	return srv.Serve(listener)
}

// ListenAndServeTLS behaves just like ListenAndServe, but wraps the connection with TLS.
func (srv *Server) ListenAndServeTLS(addr, certFile, keyFile string) error {
	srv.init()
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

	srv.Log.WithFields(logrus.Fields{
		"addr":        listener.Addr().String(),
		"tls_enabled": true,
	}).Info("Listening for incoming connections")
	srv.Log.Infof("Signaling server running on wss://%s%s", displayAddr(listener.Addr()), srv.Path)
	return srv.Serve(listener)
}

// Serve accepts connections on listener until Shutdown is called.
func (srv *Server) Serve(listener net.Listener) error {
	srv.init()
	srv.Log.WithFields(logrus.Fields{
		"time_between_pings":  srv.TimeBetweenPings,
		"pings_until_timeout": srv.PingsUntilTimeout,
		"max_message_size":    srv.MaxMessageSize,
	}).Info("Server started")

	hs := &http.Server{
		Handler:           srv.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.lock.Lock()
	srv.httpServer = hs
	srv.lock.Unlock()

	if err := hs.Serve(listener); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "Serve")
	}
	return nil
}

// Shutdown stops accepting connections, and disconnects every client.
// It returns once every client has exited, or when ctx is done.
// Clients that connect while Shutdown runs are disconnected right away.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.init()
	srv.lock.Lock()
	srv.shuttingDown = true
	hs := srv.httpServer
	clients := make([]*client, 0, len(srv.clients))
	for _, c := range srv.clients {
		clients = append(clients, c)
	}
	srv.lock.Unlock()

	var err error
	if hs != nil {
		err = hs.Shutdown(ctx)
	}
	for _, c := range clients {
		c.stop("Server shutting down")
	}

	exited := make(chan struct{})
	go func() {
		srv.clientsWG.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return errors.Wrap(err, "Shutdown")
}

// serveWS upgrades a request into a relay client, and serves it until it disconnects.
func (srv *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		srv.Log.WithFields(logrus.Fields{
			"remote_addr": r.RemoteAddr,
			"error":       err,
		}).Debug("WebSocket upgrade failed")
		if srv.wsMetrics != nil {
			srv.wsMetrics.UpgradeFailures.Inc()
		}
		return
	}

	id := atomic.AddUint64(&srv.nextID, 1)
	c := newClient(id, conn, clientConfig{
		timeBetweenPings:  srv.TimeBetweenPings,
		pingsUntilTimeout: srv.PingsUntilTimeout,
		maxMessageSize:    srv.MaxMessageSize,
		sendQueueSize:     srv.SendQueueSize,
	}, srv.Log)

	c.OnMessage(func(payload []byte) {
		if err := srv.registry.RouteMessage(c, payload); err != nil {
			c.log.WithField("error", err).Debug("Dropped message")
		}
	})
	c.OnClose(func() {
		srv.registry.Disconnect(c)
		srv.removeClient(c)
	})

	if srv.addClient(c) {
		c.log.WithField("remote_addr", r.RemoteAddr).Info("Client connected")
	} else {
		// Serving a stopped client sends the close frame and releases the connection.
		c.stop("Server shutting down")
	}
	c.serve()
}

// addClient tracks c until removeClient is called.
// It returns false, without tracking c, once the server is shutting down.
func (srv *Server) addClient(c *client) bool {
	srv.lock.Lock()
	if srv.shuttingDown {
		srv.lock.Unlock()
		return false
	}
	srv.clients[c.id] = c
	srv.clientsWG.Add(1)
	srv.lock.Unlock()

	if srv.wsMetrics != nil {
		srv.wsMetrics.ConnectionsTotal.Inc()
		srv.wsMetrics.ActiveConnections.Inc()
	}
	return true
}

func (srv *Server) removeClient(c *client) {
	srv.lock.Lock()
	_, tracked := srv.clients[c.id]
	delete(srv.clients, c.id)
	srv.lock.Unlock()
	if !tracked {
		return
	}

	if srv.wsMetrics != nil {
		srv.wsMetrics.ActiveConnections.Dec()
	}
	srv.clientsWG.Done()
}

// numClients returns the number of connected clients.
func (srv *Server) numClients() int {
	srv.lock.Lock()
	defer srv.lock.Unlock()
	return len(srv.clients)
}

// displayAddr replaces an unspecified host with localhost, so the logged URL can be used as is.
func displayAddr(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
