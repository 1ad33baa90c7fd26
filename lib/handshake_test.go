package lib

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func runHandshake(t *testing.T, server, client Handshaker) (error, error) {
	t.Helper()

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	responded := make(chan error, 1)
	go func() {
		err := handshake(b, time.Second, client.Respond)
		if err != nil {
			b.Close()
		}
		responded <- err
	}()

	challenged := handshake(a, time.Second, server.Challenge)

	// the responder clears its deadline last, which fails on a closed pipe
	respondErr := <-responded
	a.Close()

	return challenged, respondErr
}

func TestKeyedHandshake(t *testing.T) {
	defer goleak.VerifyNone(t)

	hs, err := NewKeyedHandshake([]byte("secret"))
	require.NoError(t, err)

	challengeErr, respondErr := runHandshake(t, hs, hs)
	require.NoError(t, challengeErr)
	require.NoError(t, respondErr)
}

func TestKeyedHandshakeMismatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	server, err := NewKeyedHandshake([]byte("secret"))
	require.NoError(t, err)

	client, err := NewKeyedHandshake([]byte("guess"))
	require.NoError(t, err)

	// the responder cannot tell its answer was wrong
	challengeErr, respondErr := runHandshake(t, server, client)
	require.ErrorIs(t, challengeErr, ErrHandshake)
	require.NoError(t, respondErr)
}

func TestKeyedHandshakeTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	hs, err := NewKeyedHandshake([]byte("secret"))
	require.NoError(t, err)

	a, b := net.Pipe()
	defer b.Close()
	defer a.Close()

	// the peer never answers
	go func() {
		buf := make([]byte, challengeSize)
		_, _ = b.Read(buf)
	}()

	require.ErrorIs(t, handshake(a, 20*time.Millisecond, hs.Challenge), ErrHandshake)
}

func TestNewKeyedHandshakeKeySize(t *testing.T) {
	_, err := NewKeyedHandshake(nil)
	require.Error(t, err)

	_, err = NewKeyedHandshake([]byte(strings.Repeat("k", 65)))
	require.Error(t, err)

	_, err = NewKeyedHandshake([]byte(strings.Repeat("k", 64)))
	require.NoError(t, err)
}
