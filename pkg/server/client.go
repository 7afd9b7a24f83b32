// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const writeWait = 5 * time.Second // Time allowed to write a frame to a client

// ErrSendQueueFull is returned by Send when a client isn't reading fast enough.
// The message is dropped for that client only.
var ErrSendQueueFull = errors.New("send queue full")

// client is a relay connection over a WebSocket.
// It implements channels.Conn.
type client struct {
	id   uint64
	conn *websocket.Conn
	log  logrus.FieldLogger

	timeBetweenPings  time.Duration
	pingsUntilTimeout int
	maxMessageSize    int64

	send      chan []byte   // Messages sent here will be written to the client
	done      chan struct{} // Closed when client is stopped
	stopOnce  sync.Once
	stopped   string // Reason the client was stopped; written once, before done is closed
	writerWG  sync.WaitGroup
	onMessage func(payload []byte)
	onClose   func()
}

type clientConfig struct {
	timeBetweenPings  time.Duration
	pingsUntilTimeout int
	maxMessageSize    int64
	sendQueueSize     int
}

func newClient(id uint64, conn *websocket.Conn, cfg clientConfig, log logrus.FieldLogger) *client {
	c := &client{
		id:                id,
		conn:              conn,
		timeBetweenPings:  cfg.timeBetweenPings,
		pingsUntilTimeout: cfg.pingsUntilTimeout,
		maxMessageSize:    cfg.maxMessageSize,
		send:              make(chan []byte, cfg.sendQueueSize),
		done:              make(chan struct{}),
	}
	c.log = log.WithField("client", id)
	return c
}

// ID returns the client's process-unique ID.
func (c *client) ID() uint64 {
	return c.id
}

// OnMessage sets the function called with every message the client sends.
// It must be called before serve.
func (c *client) OnMessage(fn func(payload []byte)) {
	c.onMessage = fn
}

// OnClose sets the function called once, after the client has disconnected.
// It must be called before serve.
func (c *client) OnClose(fn func()) {
	c.onClose = fn
}

// Send queues payload to be written to the client without blocking.
// Sending to a stopped client does nothing.
func (c *client) Send(payload []byte) error {
	if !c.IsOpen() {
		return nil
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// IsOpen returns false once the client was stopped.
func (c *client) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// stop stops a client.
// stop is idempotent; only the first reason is kept.
func (c *client) stop(reason string) {
	c.stopOnce.Do(func() {
		c.stopped = reason
		close(c.done)
	})
}

// serve pumps messages between the client and its handlers until the connection ends.
// The OnClose handler runs after both pumps have finished.
func (c *client) serve() {
	c.log.Debug("Starting client")
	c.writerWG.Add(1)
	go c.writePump()

	c.readPump()
	c.writerWG.Wait()

	c.log.WithField("reason", c.stopped).Info("Client exited")
	if c.onClose != nil {
		c.onClose()
	}
}

// readTimeout is how long a client may stay silent, pongs included, before it's dropped.
// Zero disables the timeout.
func (c *client) readTimeout() time.Duration {
	if c.timeBetweenPings <= 0 || c.pingsUntilTimeout <= 0 {
		return 0
	}
	return c.timeBetweenPings * time.Duration(c.pingsUntilTimeout)
}

func (c *client) extendReadDeadline() {
	if timeout := c.readTimeout(); timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	}
}

// readPump reads messages from the client, and hands each one to the OnMessage handler.
func (c *client) readPump() {
	if c.maxMessageSize > 0 {
		c.conn.SetReadLimit(c.maxMessageSize)
	}
	c.extendReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.stop(readStopReason(err))
			return
		}
		c.extendReadDeadline()

		if c.onMessage != nil {
			c.onMessage(payload)
		}
	}
}

func readStopReason(err error) string {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return "Client disconnected"
	}
	if errors.Is(err, websocket.ErrReadLimit) {
		return "Message too large"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Ping timeout"
	}
	return fmt.Sprintf("Receive error: %s", err)
}

// writePump writes queued messages and pings to the client.
// When the client stops, it sends a close frame and closes the connection.
func (c *client) writePump() {
	defer c.writerWG.Done()

	var pings <-chan time.Time
	if c.timeBetweenPings > 0 {
		ticker := time.NewTicker(c.timeBetweenPings)
		defer ticker.Stop()
		pings = ticker.C
	}

	defer func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.WithField("error", err).Debug("Error writing to client")
				c.stop("Send error")
				return
			}

		case <-pings:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.stop("Ping error")
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *client) String() string {
	return fmt.Sprintf("Client(%d)", c.id)
}
