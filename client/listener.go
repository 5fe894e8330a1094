package client

import (
	"fmt"
	"net"
	"sync/atomic"
)

// Listener accepts bootstrap connections and converts each into a connected
// Client with its own queue pair.
type Listener struct {
	cfg    Config
	ln     net.Listener
	closed atomic.Bool
}

// Listen binds a TCP bootstrap listener. Every accepted connection gets a
// fresh Client dialed with cfg.
func Listen(addr string, cfg Config) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen bootstrap: %w", err)
	}
	return &Listener{cfg: cfg, ln: ln}, nil
}

// Addr returns the bound bootstrap address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept blocks for one bootstrap connection, dials a new Client, and
// completes the descriptor exchange over the connection before returning
// the connected Client.
func (l *Listener) Accept() (*Client, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	c, err := Dial(l.cfg)
	if err != nil {
		return nil, err
	}
	if err := c.ConnectOver(conn); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Close stops accepting bootstrap connections. Clients already returned by
// Accept are unaffected.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.ln.Close()
}
