//go:build linux

// Package socket opens the pool of UDP sockets that share one port
// through SO_REUSEPORT, and decodes the per-packet control messages
// the kernel attaches to them.
package socket

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Option is a socket option applied before bind.
type Option struct {
	Name   string
	Level  int
	Option int
	// Value defaults to 1.
	Value int
	// Mandatory options fail the listen when they cannot be set;
	// others only log.
	Mandatory bool
}

// DefaultOptions are the options every pool socket gets.
var DefaultOptions = []Option{
	{Name: "SO_REUSEADDR", Level: unix.SOL_SOCKET, Option: unix.SO_REUSEADDR, Mandatory: true},
	{Name: "SO_REUSEPORT", Level: unix.SOL_SOCKET, Option: unix.SO_REUSEPORT, Mandatory: true},
	{Name: "SO_RXQ_OVFL", Level: unix.SOL_SOCKET, Option: unix.SO_RXQ_OVFL},
}

// OOBLength is the buffer size needed to receive the control
// messages enabled by DefaultOptions.
var OOBLength = unix.CmsgSpace(4)

// ListenConfig returns a net.ListenConfig applying opts to every
// socket it creates.
func ListenConfig(logger *slog.Logger, opts []Option) *net.ListenConfig {
	if logger == nil {
		logger = slog.Default()
	}
	return &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var err error
			cerr := c.Control(func(fd uintptr) {
				for _, opt := range opts {
					value := opt.Value
					if value == 0 {
						value = 1
					}
					if serr := unix.SetsockoptInt(int(fd), opt.Level, opt.Option, value); serr != nil {
						if opt.Mandatory {
							err = fmt.Errorf("set %s: %w", opt.Name, serr)
							return
						}
						logger.Warn("unable to set socket option",
							"option", opt.Name, "address", address, "error", serr)
					}
				}
			})
			if cerr != nil {
				return cerr
			}
			return err
		},
	}
}

// Config configures Listen.
type Config struct {
	Options       []Option
	ReceiveBuffer int
	Logger        *slog.Logger
}

// Listen opens n UDP sockets bound to address. When address has port
// 0, every socket reuses the port the first one was given.
func Listen(ctx context.Context, address string, n int, cfg Config) ([]*net.UDPConn, error) {
	if n < 1 {
		return nil, fmt.Errorf("need at least one socket, got %d", n)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := cfg.Options
	if opts == nil {
		opts = DefaultOptions
	}
	lc := ListenConfig(logger, opts)

	listenAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve %v: %w", address, err)
	}

	conns := make([]*net.UDPConn, 0, n)
	for range n {
		pconn, err := lc.ListenPacket(ctx, "udp", listenAddr.String())
		if err != nil {
			Close(conns)
			return nil, fmt.Errorf("unable to listen to %v: %w", listenAddr, err)
		}
		conn := pconn.(*net.UDPConn)
		// Reuse the resolved port (useful when listening on :0).
		listenAddr = conn.LocalAddr().(*net.UDPAddr)

		if cfg.ReceiveBuffer > 0 {
			if err := conn.SetReadBuffer(cfg.ReceiveBuffer); err != nil {
				logger.Warn("unable to set requested buffer size",
					"address", listenAddr.String(), "bytes", cfg.ReceiveBuffer, "error", err)
			}
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

// Close closes every connection, ignoring errors.
func Close(conns []*net.UDPConn) {
	for _, c := range conns {
		c.Close()
	}
}

// FD returns the file descriptor of conn. It stays valid while conn
// is open.
func FD(conn *net.UDPConn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("get raw connection: %w", err)
	}
	fd := -1
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, fmt.Errorf("get file descriptor: %w", err)
	}
	return fd, nil
}

// FDs returns the file descriptors of conns, in order.
func FDs(conns []*net.UDPConn) ([]int, error) {
	fds := make([]int, 0, len(conns))
	for _, c := range conns {
		fd, err := FD(c)
		if err != nil {
			return nil, err
		}
		fds = append(fds, fd)
	}
	return fds, nil
}

// ControlMessage holds the decoded ancillary data of one datagram.
type ControlMessage struct {
	// Drops is the number of datagrams the socket dropped so far
	// because its receive queue was full (SO_RXQ_OVFL).
	Drops uint32
}

// ParseControlMessage decodes the ancillary data returned by ReadMsgUDP.
func ParseControlMessage(b []byte) (ControlMessage, error) {
	var result ControlMessage
	if len(b) == 0 {
		return result, nil
	}
	msgs, err := unix.ParseSocketControlMessage(b)
	if err != nil {
		return result, fmt.Errorf("parse control message: %w", err)
	}
	for _, msg := range msgs {
		if msg.Header.Level != unix.SOL_SOCKET || msg.Header.Type != unix.SO_RXQ_OVFL {
			continue
		}
		if len(msg.Data) < 4 {
			return result, errors.New("short SO_RXQ_OVFL control message")
		}
		result.Drops = binary.NativeEndian.Uint32(msg.Data)
	}
	return result, nil
}
