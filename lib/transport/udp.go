package transport

import (
	"errors"
	"net"

	"github.com/go-i2p/go-onion/lib/common/binding"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

// PacketConn is a datagram socket addressed by bindings.
type PacketConn interface {
	ReadFrom(p []byte) (n int, from binding.Binding, err error)
	WriteTo(p []byte, to binding.Binding) error
	LocalBinding() binding.Binding
	Close() error
}

// UDPConn adapts *net.UDPConn to PacketConn.
type UDPConn struct {
	conn *net.UDPConn
}

// ListenUDP binds a UDP socket at the given binding.
func ListenUDP(at binding.Binding) (*UDPConn, error) {
	conn, err := net.ListenUDP("udp", at.UDPAddr())
	if err != nil {
		return nil, oops.Wrapf(err, "listen udp %s", at)
	}
	log.WithFields(logger.Fields{
		"at":      "transport.ListenUDP",
		"address": conn.LocalAddr().String(),
	}).Info("udp socket bound")
	return &UDPConn{conn: conn}, nil
}

func (u *UDPConn) ReadFrom(p []byte) (int, binding.Binding, error) {
	n, ap, err := u.conn.ReadFromUDPAddrPort(p)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return 0, binding.Binding{}, ErrClosed
		}
		return 0, binding.Binding{}, err
	}
	return n, binding.FromAddrPort(ap), nil
}

func (u *UDPConn) WriteTo(p []byte, to binding.Binding) error {
	if _, err := u.conn.WriteToUDPAddrPort(p, to.AddrPort()); err != nil {
		return oops.Wrapf(err, "write %d bytes to %s", len(p), to)
	}
	return nil
}

// LocalBinding returns the bound address, with the kernel-chosen port if 0
// was requested.
func (u *UDPConn) LocalBinding() binding.Binding {
	ap := u.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return binding.FromAddrPort(ap)
}

func (u *UDPConn) Close() error {
	return u.conn.Close()
}
