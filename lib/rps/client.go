package rps

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/go-i2p/go-onion/lib/common/binding"
	"github.com/go-i2p/go-onion/lib/protocol"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// ErrNotConnected is returned by Query while the module is unreachable.
var ErrNotConnected = errors.New("rps module not connected")

// Client is a TCP connection to the random peer sampling module. It
// reconnects while running.
type Client struct {
	addr      binding.Binding
	reconnect time.Duration
	onPeer    func(Peer)

	mu   sync.Mutex
	conn net.Conn
}

// NewClient returns a client for the module at addr. onPeer is called from
// the reader goroutine for every RPS_PEER.
func NewClient(addr binding.Binding, reconnect time.Duration, onPeer func(Peer)) *Client {
	return &Client{addr: addr, reconnect: reconnect, onPeer: onPeer}
}

// Query sends one RPS_QUERY.
func (c *Client) Query() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return protocol.WriteMessage(c.conn, QueryMessage())
}

// Run dials and serves the connection until ctx is done.
func (c *Client) Run(ctx context.Context) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", c.addr.String())
		if err != nil {
			log.WithFields(logger.Fields{
				"at":      "rps.Client.Run",
				"address": c.addr.String(),
				"reason":  err.Error(),
			}).Debug("rps module unreachable")
		} else {
			log.WithField("address", c.addr.String()).Info("rps module connected")
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
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("rps connection lost")
			}
			return
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg *protocol.Message) {
	if msg.Type != protocol.RPSPeer {
		log.WithField("msgType", msg.Type.String()).Debug("rps: discarding unexpected message")
		return
	}
	p, err := ParsePeer(msg)
	if err != nil {
		log.WithError(oops.Wrapf(err, "rps peer")).Warn("malformed RPS_PEER")
		return
	}
	if c.onPeer != nil {
		c.onPeer(p)
	}
}
