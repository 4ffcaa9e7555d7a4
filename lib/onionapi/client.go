package onionapi

import (
	"net"
	"sync"

	"github.com/go-i2p/go-onion/lib/protocol"
	"github.com/go-i2p/go-onion/lib/tunnel"
)

// client is one API connection.
type client struct {
	id   tunnel.Requester
	conn net.Conn
	out  chan *protocol.Message

	done chan struct{}
	once sync.Once
}

func newClient(id tunnel.Requester, conn net.Conn, queue int) *client {
	return &client{
		id:   id,
		conn: conn,
		out:  make(chan *protocol.Message, queue),
		done: make(chan struct{}),
	}
}

// send queues m without blocking. It reports false if the queue is full or
// the client is closed.
func (c *client) send(m *protocol.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- m:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
