package onionauth

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/go-i2p/go-onion/lib/common/binding"
	"github.com/go-i2p/go-onion/lib/protocol"
	"github.com/go-i2p/logger"
)

// DefaultQueueSize bounds requests buffered while the module is slow or
// reconnecting.
const DefaultQueueSize = 4096

// Client is a TCP connection to the auth module.
//
// Design decisions:
// - Requests never block the caller; they are queued and written by a writer goroutine
// - Requests queued while disconnected are sent after the next successful dial
// - A full queue drops the request; the caller sees it as an unanswered request
type Client struct {
	addr      binding.Binding
	reconnect time.Duration

	mu      sync.Mutex
	handler Handler

	out chan *protocol.Message
}

// NewClient returns a client for the module at addr.
func NewClient(addr binding.Binding, reconnect time.Duration) *Client {
	return &Client{
		addr:      addr,
		reconnect: reconnect,
		out:       make(chan *protocol.Message, DefaultQueueSize),
	}
}

// SetHandler sets the receiver of module answers.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Client) StartSession(requestID uint32, hostkey []byte) {
	c.enqueue(sessionStart(requestID, hostkey))
}

func (c *Client) IncomingHS1(requestID uint32, handshake []byte) {
	c.enqueue(incomingHS1(requestID, handshake))
}

func (c *Client) IncomingHS2(requestID uint32, sessionID uint16, handshake []byte) {
	c.enqueue(incomingHS2(requestID, sessionID, handshake))
}

func (c *Client) Encrypt(requestID uint32, sessionID uint16, payload []byte) {
	c.enqueue(cipher(protocol.AuthCipherEncrypt, requestID, sessionID, payload))
}

func (c *Client) Decrypt(requestID uint32, sessionID uint16, payload []byte) {
	c.enqueue(cipher(protocol.AuthCipherDecrypt, requestID, sessionID, payload))
}

func (c *Client) LayerEncrypt(requestID uint32, sessionIDs []uint16, payload []byte) {
	c.enqueueLayer(protocol.AuthLayerEncrypt, requestID, sessionIDs, payload)
}

func (c *Client) LayerDecrypt(requestID uint32, sessionIDs []uint16, payload []byte) {
	c.enqueueLayer(protocol.AuthLayerDecrypt, requestID, sessionIDs, payload)
}

func (c *Client) EndSession(sessionID uint16) {
	c.enqueue(sessionClose(sessionID))
}

func (c *Client) enqueueLayer(t protocol.MessageType, requestID uint32, sessionIDs []uint16, payload []byte) {
	m, err := layer(t, requestID, sessionIDs, payload)
	if err != nil {
		log.WithError(err).Warn("dropping layered auth request")
		return
	}
	c.enqueue(m)
}

func (c *Client) enqueue(m *protocol.Message) {
	select {
	case c.out <- m:
	default:
		log.WithFields(logger.Fields{
			"at":      "onionauth.Client.enqueue",
			"reason":  "queue_full",
			"msgType": m.Type.String(),
		}).Warn("dropping auth request")
	}
}

// Run dials the module and serves the connection, redialing after
// failures, until ctx is done.
func (c *Client) Run(ctx context.Context) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", c.addr.String())
		if err != nil {
			log.WithFields(logger.Fields{
				"at":      "onionauth.Client.Run",
				"address": c.addr.String(),
				"reason":  err.Error(),
			}).Debug("auth module unreachable")
		} else {
			log.WithField("address", c.addr.String()).Info("auth module connected")
			c.serve(ctx, conn)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnect):
		}
	}
}

func (c *Client) serve(ctx context.Context, conn net.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(connCtx, conn)
	}()
	stop := context.AfterFunc(connCtx, func() { conn.Close() })

	c.readLoop(connCtx, conn)

	cancel()
	stop()
	conn.Close()
	wg.Wait()
}

func (c *Client) writeLoop(ctx context.Context, conn net.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-c.out:
			if err := protocol.WriteMessage(conn, m); err != nil {
				log.WithError(err).Warn("auth module write failed")
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn) {
	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("auth module connection lost")
			}
			return
		}
		resp, err := ParseResponse(msg)
		if err != nil {
			log.WithError(err).Warn("discarding auth module message")
			continue
		}
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			resp.Dispatch(h)
		}
	}
}
