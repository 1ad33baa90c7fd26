package lib

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrResolve is returned by Client.Connect when the address cannot be resolved.
var ErrResolve = errors.New("failed to resolve address")

// Client holds a single connection to a Server. Messages from the server are
// pushed to Incoming with a nil Remote.
//
// Incoming is closed once the connection is down, whichever side dropped it,
// so WaitPopFront returns false after the remaining messages are drained. A
// later Connect reopens it.
type Client[K Kind] struct {
	Config

	mu   sync.Mutex
	conn *Conn[K]
	in   Queue[Owned[K]]
}

func (c *Client[K]) Connect(host, port string) error {
	return c.ConnectContext(context.Background(), host, port)
}

// ConnectContext resolves host and port, dials, runs the optional handshake and
// starts the connection. A client may connect again once disconnected.
func (c *Client[K]) ConnectContext(ctx context.Context, host, port string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		if c.conn.IsConnected() {
			return ErrAlreadyConnected
		}
		<-c.conn.Done()
		c.conn = nil
	}

	c.Config.applyDefaults()

	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrResolve, err)
	}

	var dialer net.Dialer

	raw, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	if c.Handshaker != nil {
		if err := handshake(raw, c.HandshakeTimeout, c.Handshaker.Respond); err != nil {
			raw.Close()
			return err
		}
	}

	c.in.reopen()

	conn := newConn[K](RoleClient, raw, &c.in, &c.Config)
	if err := conn.ConnectAsClient(); err != nil {
		conn.Disconnect()
		return err
	}
	c.conn = conn

	c.Logger.Info().
		Str("remote_addr", addr.String()).
		Str("local_addr", raw.LocalAddr().String()).
		Msg("client_connected")

	return nil
}

// Disconnect closes the connection, waits for its goroutines to exit and
// closes Incoming. It is safe to call at any time and more than once.
func (c *Client[K]) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return
	}

	conn.Disconnect()
	<-conn.Done()
}

func (c *Client[K]) Send(msg *Message[K]) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(msg)
}

func (c *Client[K]) SendWait(msg *Message[K]) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.SendWait(msg)
}

func (c *Client[K]) IsConnected() bool {
	conn := c.current()
	return conn != nil && conn.IsConnected()
}

// Conn returns the current connection, or nil before the first Connect.
func (c *Client[K]) Conn() *Conn[K] { return c.current() }

// Incoming returns the queue inbound messages are pushed to.
func (c *Client[K]) Incoming() *Queue[Owned[K]] { return &c.in }

func (c *Client[K]) current() *Conn[K] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}
