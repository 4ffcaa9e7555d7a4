package transport

import (
	"sync"

	"github.com/go-i2p/go-onion/lib/common/binding"
)

// MemoryNetwork delivers datagrams between MemoryConns without loss or
// reordering per sender.
type MemoryNetwork struct {
	mu    sync.RWMutex
	conns map[binding.Binding]*MemoryConn
}

// NewMemoryNetwork returns an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{conns: make(map[binding.Binding]*MemoryConn)}
}

type datagram struct {
	from binding.Binding
	data []byte
}

// MemoryConn is one endpoint attached to a MemoryNetwork.
type MemoryConn struct {
	net   *MemoryNetwork
	local binding.Binding
	inbox chan datagram
	done  chan struct{}
	once  sync.Once
}

// Listen attaches a new endpoint at b, replacing any previous one.
func (n *MemoryNetwork) Listen(b binding.Binding) *MemoryConn {
	c := &MemoryConn{
		net:   n,
		local: b,
		inbox: make(chan datagram, 1024),
		done:  make(chan struct{}),
	}
	n.mu.Lock()
	n.conns[b] = c
	n.mu.Unlock()
	return c
}

func (n *MemoryNetwork) lookup(b binding.Binding) *MemoryConn {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.conns[b]
}

func (c *MemoryConn) ReadFrom(p []byte) (int, binding.Binding, error) {
	select {
	case d := <-c.inbox:
		return copy(p, d.data), d.from, nil
	case <-c.done:
		return 0, binding.Binding{}, ErrClosed
	}
}

func (c *MemoryConn) WriteTo(p []byte, to binding.Binding) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	dst := c.net.lookup(to)
	if dst == nil {
		return ErrUnreachable
	}
	data := make([]byte, len(p))
	copy(data, p)
	select {
	case dst.inbox <- datagram{from: c.local, data: data}:
	case <-dst.done:
		// receiver gone, like UDP the datagram is lost
	}
	return nil
}

func (c *MemoryConn) LocalBinding() binding.Binding {
	return c.local
}

func (c *MemoryConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.net.mu.Lock()
		if c.net.conns[c.local] == c {
			delete(c.net.conns, c.local)
		}
		c.net.mu.Unlock()
	})
	return nil
}
