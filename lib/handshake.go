package lib

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/blake2b"
)

const challengeSize = 8

// ErrHandshake is returned when a peer fails the validation handshake.
var ErrHandshake = errors.New("handshake failed")

// Handshaker validates a freshly established socket before any frame is
// exchanged. The server side runs Challenge on every accepted socket, the
// client side runs Respond right after dialing.
type Handshaker interface {
	Challenge(conn net.Conn) error
	Respond(conn net.Conn) error
}

// KeyedHandshake is a challenge/response handshake. The server sends a random
// challenge and expects the BLAKE2b-256 MAC of it keyed with a shared key.
type KeyedHandshake struct {
	key []byte
}

// NewKeyedHandshake returns a handshake keyed with key, which must be 1 to 64
// bytes long.
func NewKeyedHandshake(key []byte) (*KeyedHandshake, error) {
	if len(key) == 0 || len(key) > blake2b.Size {
		return nil, fmt.Errorf("key must be 1 to %d bytes, got %d", blake2b.Size, len(key))
	}
	return &KeyedHandshake{key: append([]byte(nil), key...)}, nil
}

func (h *KeyedHandshake) Challenge(conn net.Conn) error {
	var challenge [challengeSize]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return fmt.Errorf("failed to generate challenge: %w", err)
	}
	if _, err := conn.Write(challenge[:]); err != nil {
		return fmt.Errorf("failed to send challenge: %w", err)
	}

	var got [blake2b.Size256]byte
	if _, err := io.ReadFull(conn, got[:]); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	want, err := h.sum(challenge[:])
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(got[:], want) != 1 {
		return fmt.Errorf("%w: response mismatch", ErrHandshake)
	}
	return nil
}

func (h *KeyedHandshake) Respond(conn net.Conn) error {
	var challenge [challengeSize]byte
	if _, err := io.ReadFull(conn, challenge[:]); err != nil {
		return fmt.Errorf("failed to read challenge: %w", err)
	}

	sum, err := h.sum(challenge[:])
	if err != nil {
		return err
	}
	if _, err := conn.Write(sum); err != nil {
		return fmt.Errorf("failed to send response: %w", err)
	}
	return nil
}

func (h *KeyedHandshake) sum(challenge []byte) ([]byte, error) {
	mac, err := blake2b.New256(h.key)
	if err != nil {
		return nil, err
	}
	mac.Write(challenge)
	return mac.Sum(nil), nil
}

// handshake runs fn under a deadline and clears the deadline afterwards.
func handshake(conn net.Conn, timeout time.Duration, fn func(net.Conn) error) error {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if err := fn(conn); err != nil {
		if errors.Is(err, ErrHandshake) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return conn.SetDeadline(time.Time{})
}
