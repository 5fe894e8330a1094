package client

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/rocketbitz/ibverbs-go/ibv"
)

// ExchangeDescriptors performs the out-of-band half of connection setup
// over any bidirectional byte stream: it writes the local descriptor's wire
// form and reads the peer's. Both sides write first, so a full-duplex
// stream (a TCP connection, a pipe pair) never deadlocks.
func ExchangeDescriptors(rw io.ReadWriter, local ibv.EndpointDescriptor) (ibv.EndpointDescriptor, error) {
	wire, err := local.MarshalBinary()
	if err != nil {
		return ibv.EndpointDescriptor{}, err
	}
	if _, err := rw.Write(wire); err != nil {
		return ibv.EndpointDescriptor{}, fmt.Errorf("write descriptor: %w", err)
	}
	buf := make([]byte, len(wire))
	if _, err := io.ReadFull(rw, buf); err != nil {
		return ibv.EndpointDescriptor{}, fmt.Errorf("read peer descriptor: %w", err)
	}
	var peer ibv.EndpointDescriptor
	if err := peer.UnmarshalBinary(buf); err != nil {
		return ibv.EndpointDescriptor{}, err
	}
	return peer, nil
}

// ConnectOver runs the descriptor exchange over rw and establishes the
// queue pair against whatever the peer announced.
func (c *Client) ConnectOver(rw io.ReadWriter) error {
	local, err := c.Descriptor()
	if err != nil {
		return err
	}
	peer, err := ExchangeDescriptors(rw, local)
	if err != nil {
		return err
	}
	return c.Connect(peer)
}

// ConnectTCP dials the peer's bootstrap address, exchanges descriptors, and
// establishes the queue pair. The TCP connection exists only for bootstrap
// and is closed before returning.
func (c *Client) ConnectTCP(ctx context.Context, addr string) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	ctx = ensureContext(ctx)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial bootstrap: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return c.ConnectOver(conn)
}
