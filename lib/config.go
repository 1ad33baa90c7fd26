package lib

import (
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultReadBufferSize   = 4096             // default buffered reader size per connection.
	DefaultWriteBufferSize  = 4096             // default buffered writer size per connection.
	DefaultMaxBodySize      = 32 * 1024 * 1024 // default largest accepted message body.
	DefaultMaxConns         = 0                // default max connections means no limit.
	DefaultHandshakeTimeout = 5 * time.Second  // default deadline for the validation handshake.
)

// Config holds the settings shared by Client and Server.
type Config struct {
	ReadBufferSize   int            // size of each connection's buffered reader.
	WriteBufferSize  int            // size of each connection's buffered writer.
	MaxBodySize      uint32         // headers declaring a larger body disconnect the peer.
	MaxConns         int            // server only: live connections allowed at once, 0 for no limit.
	HandshakeTimeout time.Duration  // deadline for the validation handshake.
	Handshaker       Handshaker     // optional validation handshake run before a peer joins.
	Logger           zerolog.Logger // the zero value, like zerolog.Nop(), logs nothing.
}

func (c *Config) applyDefaults() {
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}

	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = DefaultWriteBufferSize
	}

	if c.MaxBodySize == 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}

	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
}
