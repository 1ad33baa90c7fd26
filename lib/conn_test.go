package lib

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func testConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func readFrame(t *testing.T, r io.Reader) Message[testKind] {
	t.Helper()

	var buf [HeaderSize]byte
	_, err := io.ReadFull(r, buf[:])
	require.NoError(t, err)

	header, err := UnmarshalHeader[testKind](buf[:])
	require.NoError(t, err)

	msg := Message[testKind]{Header: header, Body: make([]byte, header.Size)}
	_, err = io.ReadFull(r, msg.Body)
	require.NoError(t, err)

	return msg
}

func seqMessage(t *testing.T, seq uint32) *Message[testKind] {
	t.Helper()

	msg := NewMessage(kindSeq)
	require.NoError(t, msg.Append(seq))
	return msg
}

func waitDone(t *testing.T, c *Conn[testKind]) {
	t.Helper()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not wind down")
	}
}

func TestConnSendWritesInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	local, remote := net.Pipe()
	defer remote.Close()

	var in Queue[Owned[testKind]]
	c := newConn(RoleClient, local, &in, testConfig())
	require.NoError(t, c.ConnectAsClient())

	defer func() {
		c.Disconnect()
		waitDone(t, c)
	}()

	for i := uint32(0); i < 16; i++ {
		require.NoError(t, c.Send(seqMessage(t, i)))
	}

	for i := uint32(0); i < 16; i++ {
		msg := readFrame(t, remote)
		require.Equal(t, kindSeq, msg.Kind())

		var seq uint32
		require.NoError(t, msg.Extract(&seq))
		require.Equal(t, i, seq)
	}

	require.Eventually(t, func() bool {
		return c.Statistics().WrittenCount == 16
	}, 5*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 16, c.Statistics().SendCount)
	require.EqualValues(t, 16*(HeaderSize+4), c.Statistics().WrittenBytes)
}

func TestConnPublishesInbound(t *testing.T) {
	for _, role := range []Role{RoleClient, RoleServer} {
		t.Run(role.String(), func(t *testing.T) {
			defer goleak.VerifyNone(t)

			local, remote := net.Pipe()
			defer remote.Close()

			var in Queue[Owned[testKind]]
			c := newConn(role, local, &in, testConfig())

			if role == RoleServer {
				require.NoError(t, c.ConnectAsServer(firstPeerID))
				require.EqualValues(t, firstPeerID, c.ID())
			} else {
				require.NoError(t, c.ConnectAsClient())
				require.Zero(t, c.ID())
			}

			defer func() {
				c.Disconnect()
				waitDone(t, c)
			}()

			msg := NewMessage(kindText)
			msg.AppendBytes([]byte("hello"))
			_, err := remote.Write(msg.AppendTo(nil))
			require.NoError(t, err)

			empty := NewMessage(kindPing)
			_, err = remote.Write(empty.AppendTo(nil))
			require.NoError(t, err)

			owned, ok := in.WaitPopFront()
			require.True(t, ok)
			require.Equal(t, kindText, owned.Msg.Kind())
			require.Equal(t, "hello", string(owned.Msg.Body))

			if role == RoleServer {
				require.Same(t, c, owned.Remote)
			} else {
				require.Nil(t, owned.Remote)
			}

			owned, ok = in.WaitPopFront()
			require.True(t, ok)
			require.Equal(t, kindPing, owned.Msg.Kind())
			require.Zero(t, owned.Msg.Size())

			require.EqualValues(t, 2, c.Statistics().ReadCount)
		})
	}
}

func TestConnStartRules(t *testing.T) {
	defer goleak.VerifyNone(t)

	local, remote := net.Pipe()
	defer remote.Close()

	var in Queue[Owned[testKind]]
	c := newConn(RoleClient, local, &in, testConfig())

	require.ErrorIs(t, c.ConnectAsServer(firstPeerID), ErrWrongRole)
	require.NoError(t, c.ConnectAsClient())
	require.ErrorIs(t, c.ConnectAsClient(), ErrAlreadyConnected)

	c.Disconnect()
	waitDone(t, c)

	require.ErrorIs(t, c.ConnectAsClient(), ErrNotConnected)
}

func TestConnDisconnectBeforeStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	local, remote := net.Pipe()
	defer remote.Close()

	var in Queue[Owned[testKind]]
	c := newConn(RoleServer, local, &in, testConfig())
	require.True(t, c.IsConnected())

	c.Disconnect()
	c.Disconnect()

	waitDone(t, c)
	require.False(t, c.IsConnected())
	require.ErrorIs(t, c.ConnectAsServer(firstPeerID), ErrNotConnected)
	require.ErrorIs(t, c.Send(seqMessage(t, 1)), ErrNotConnected)
}

// Frames still queued when Disconnect is called never reach the peer.
func TestConnDisconnectDropsQueued(t *testing.T) {
	defer goleak.VerifyNone(t)

	local, remote := net.Pipe()
	defer remote.Close()

	var in Queue[Owned[testKind]]
	c := newConn(RoleClient, local, &in, testConfig())
	require.NoError(t, c.ConnectAsClient())

	// the peer is not reading, so nothing can be written yet
	require.NoError(t, c.Send(seqMessage(t, 1)))
	require.NoError(t, c.Send(seqMessage(t, 2)))

	c.Disconnect()
	waitDone(t, c)

	require.False(t, c.IsConnected())
	require.ErrorIs(t, c.Send(seqMessage(t, 3)), ErrNotConnected)
	require.Zero(t, c.Statistics().WrittenCount)

	// the first read sees the closed pipe, not a frame
	_, err := remote.Read(make([]byte, 64))
	require.ErrorIs(t, err, io.EOF)
}

func TestConnSendWait(t *testing.T) {
	defer goleak.VerifyNone(t)

	local, remote := net.Pipe()
	defer remote.Close()

	var in Queue[Owned[testKind]]
	c := newConn(RoleClient, local, &in, testConfig())
	require.NoError(t, c.ConnectAsClient())

	defer func() {
		c.Disconnect()
		waitDone(t, c)
	}()

	frames := make(chan []byte, 1)
	go func() {
		buf := make([]byte, HeaderSize+4)
		if _, err := io.ReadFull(remote, buf); err == nil {
			frames <- buf
		}
		close(frames)
	}()

	require.NoError(t, c.SendWait(seqMessage(t, 7)))

	frame, ok := <-frames
	require.True(t, ok)
	require.Equal(t, seqMessage(t, 7).AppendTo(nil), frame)
	require.EqualValues(t, 1, c.Statistics().WrittenCount)
}

func TestConnSendWaitFailsOnDisconnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	local, remote := net.Pipe()
	defer remote.Close()

	var in Queue[Owned[testKind]]
	c := newConn(RoleClient, local, &in, testConfig())
	require.NoError(t, c.ConnectAsClient())

	msg := seqMessage(t, 1)

	errs := make(chan error, 1)
	go func() {
		errs <- c.SendWait(msg)
	}()

	require.Eventually(t, func() bool {
		return c.Statistics().SendCount == 1
	}, 5*time.Second, 5*time.Millisecond)

	c.Disconnect()
	waitDone(t, c)

	select {
	case err := <-errs:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("SendWait did not return")
	}
}

func TestConnBodyTooLarge(t *testing.T) {
	defer goleak.VerifyNone(t)

	local, remote := net.Pipe()
	defer remote.Close()

	cfg := testConfig()
	cfg.MaxBodySize = 16

	var in Queue[Owned[testKind]]
	c := newConn(RoleServer, local, &in, cfg)
	require.NoError(t, c.ConnectAsServer(firstPeerID))

	big := NewMessage(kindText)
	big.AppendBytes(make([]byte, 17))
	require.ErrorIs(t, c.Send(big), ErrBodyTooLarge)
	require.True(t, c.IsConnected())

	header := Header[testKind]{Kind: kindText, Size: 1000}
	_, err := remote.Write(header.AppendTo(nil))
	require.NoError(t, err)

	waitDone(t, c)
	require.False(t, c.IsConnected())
	require.True(t, in.Empty())
}

func TestConnPeerClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	local, remote := net.Pipe()

	var in Queue[Owned[testKind]]
	c := newConn(RoleClient, local, &in, testConfig())
	require.NoError(t, c.ConnectAsClient())

	require.NoError(t, remote.Close())

	waitDone(t, c)
	require.False(t, c.IsConnected())
	require.ErrorIs(t, c.Send(seqMessage(t, 1)), ErrNotConnected)

	// the client-side inbound queue is closed, so waiting readers return
	_, ok := in.WaitPopFront()
	require.False(t, ok)
}

func TestConnKindOutOfRange(t *testing.T) {
	defer goleak.VerifyNone(t)

	local, remote := net.Pipe()
	defer remote.Close()

	var in Queue[Owned[smallKind]]
	c := newConn(RoleServer, local, &in, testConfig())
	require.NoError(t, c.ConnectAsServer(firstPeerID))

	// 0x101 would read back as kind 1 if truncated
	header := Header[testKind]{Kind: 0x101}
	_, err := remote.Write(header.AppendTo(nil))
	require.NoError(t, err)

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not wind down")
	}
	require.False(t, c.IsConnected())
	require.True(t, in.Empty())
}
