package lib

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/someonegg/gox/syncx"
	"github.com/valyala/bytebufferpool"
)

var (
	// ErrNotConnected is returned when using a connection that is down.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyConnected is returned when starting a connection twice.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrWrongRole is returned when a connection is started for the other side.
	ErrWrongRole = errors.New("wrong connection role")

	// ErrBodyTooLarge is returned for frames whose body exceeds Config.MaxBodySize.
	ErrBodyTooLarge = errors.New("message body too large")
)

type Statistics struct {
	// from the wire
	ReadCount int64
	ReadBytes int64

	// to the wire
	WrittenCount int64
	WrittenBytes int64

	// Send calls
	SendCount int64
}

// Conn is one peer of a Client or Server. It runs a read cycle and a write
// cycle, each on its own goroutine, over a single net.Conn.
//
// Inbound messages are pushed to the owner's inbound queue. Outbound messages
// are queued by Send and written in call order. Any read or write error, or a
// frame larger than Config.MaxBodySize, disconnects the peer; nothing is
// retried.
type Conn[K Kind] struct {
	role Role
	id   atomic.Uint32
	conn net.Conn
	cfg  *Config

	in  *Queue[Owned[K]]     // owner's inbound queue
	out Queue[*pendingWrite] // frames waiting for the write cycle

	started   atomic.Bool
	connected atomic.Bool
	closeOnce sync.Once

	running  atomic.Int32 // cycles still running
	doneOnce sync.Once
	done     syncx.DoneChan

	stat Statistics
}

func newConn[K Kind](role Role, conn net.Conn, in *Queue[Owned[K]], cfg *Config) *Conn[K] {
	c := &Conn[K]{
		role: role,
		conn: conn,
		cfg:  cfg,
		in:   in,
		done: syncx.NewDoneChan(),
	}
	c.connected.Store(true)
	return c
}

// ConnectAsClient starts the read and write cycles of a client-side
// connection.
func (c *Conn[K]) ConnectAsClient() error {
	if c.role != RoleClient {
		return ErrWrongRole
	}
	return c.start()
}

// ConnectAsServer assigns id and starts the read and write cycles of a
// server-side connection.
func (c *Conn[K]) ConnectAsServer(id uint32) error {
	if c.role != RoleServer {
		return ErrWrongRole
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}
	c.id.Store(id)
	return c.start()
}

func (c *Conn[K]) start() error {
	if !c.started.CompareAndSwap(false, true) {
		if !c.connected.Load() {
			return ErrNotConnected
		}
		return ErrAlreadyConnected
	}

	c.running.Store(2)
	go c.readLoop()
	go c.writeLoop()

	return nil
}

// Send queues msg for the write cycle and returns immediately. The message is
// copied; the caller may reuse it.
func (c *Conn[K]) Send(msg *Message[K]) error {
	_, err := c.send(msg, false)
	return err
}

// SendWait is like Send but blocks until the frame has been flushed to the
// socket, or dropped because the connection went down.
func (c *Conn[K]) SendWait(msg *Message[K]) error {
	pw, err := c.send(msg, true)
	if err != nil {
		return err
	}
	pw.wg.Wait()

	err = pw.err
	pendingWritePool.release(pw)
	return err
}

func (c *Conn[K]) send(msg *Message[K], wait bool) (*pendingWrite, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}
	if uint64(len(msg.Body)) > uint64(c.cfg.MaxBodySize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, len(msg.Body), c.cfg.MaxBodySize)
	}

	buf := bytebufferpool.Get()
	buf.B = msg.AppendTo(buf.B)

	pw := pendingWritePool.acquire(buf, wait)
	atomic.AddInt64(&c.stat.SendCount, 1)
	c.out.PushBack(pw)

	// lost a race with Disconnect, whose drain may already be over
	if !c.connected.Load() {
		c.dropPending()
	}

	return pw, nil
}

// Disconnect closes the transport. Queued frames are dropped and both cycles
// wind down with the peer treated as gone. It is safe to call more than once.
func (c *Conn[K]) Disconnect() {
	c.closeOnce.Do(func() {
		c.connected.Store(false)

		if err := c.conn.Close(); err != nil {
			c.cfg.Logger.Debug().
				Uint32("conn_id", c.ID()).
				Err(err).
				Msg("connection_close_error")
		}

		c.out.Close()
		c.dropPending()

		// never started: no cycle will report completion
		if c.started.CompareAndSwap(false, true) {
			c.finish()
		}
	})
}

func (c *Conn[K]) IsConnected() bool { return c.connected.Load() }

// ID returns the id assigned by the server, or 0.
func (c *Conn[K]) ID() uint32 { return c.id.Load() }

func (c *Conn[K]) Role() Role { return c.role }

func (c *Conn[K]) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Conn[K]) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Done is signaled once both cycles have exited after a disconnection.
func (c *Conn[K]) Done() syncx.DoneChanR { return c.done.R() }

func (c *Conn[K]) Statistics() Statistics {
	return Statistics{
		ReadCount:    atomic.LoadInt64(&c.stat.ReadCount),
		ReadBytes:    atomic.LoadInt64(&c.stat.ReadBytes),
		WrittenCount: atomic.LoadInt64(&c.stat.WrittenCount),
		WrittenBytes: atomic.LoadInt64(&c.stat.WrittenBytes),
		SendCount:    atomic.LoadInt64(&c.stat.SendCount),
	}
}

func (c *Conn[K]) String() string {
	return fmt.Sprintf("[%d] %s %s", c.ID(), c.role, c.conn.RemoteAddr())
}

func (c *Conn[K]) readLoop() {
	defer c.exit()

	br := readerPool.acquireReader(c.conn, c.cfg.ReadBufferSize)
	defer readerPool.releaseReader(br)

	var buf [HeaderSize]byte

	for {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			c.fail("read_header", err)
			return
		}

		header, err := UnmarshalHeader[K](buf[:])
		if err != nil {
			c.fail("read_header", err)
			return
		}
		if header.Size > c.cfg.MaxBodySize {
			c.fail("read_header", fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, header.Size, c.cfg.MaxBodySize))
			return
		}

		msg := Message[K]{Header: header}
		if header.Size > 0 {
			msg.Body = make([]byte, header.Size)
			if _, err := io.ReadFull(br, msg.Body); err != nil {
				c.fail("read_body", err)
				return
			}
		}

		atomic.AddInt64(&c.stat.ReadCount, 1)
		atomic.AddInt64(&c.stat.ReadBytes, int64(HeaderSize+len(msg.Body)))

		c.publish(msg)
	}
}

func (c *Conn[K]) publish(msg Message[K]) {
	owned := Owned[K]{Msg: msg}
	if c.role == RoleServer {
		owned.Remote = c
	}
	c.in.PushBack(owned)
}

func (c *Conn[K]) writeLoop() {
	defer c.exit()

	bw := writerPool.acquireWriter(c.conn, c.cfg.WriteBufferSize)
	defer writerPool.releaseWriter(bw)

	for {
		pw, ok := c.out.WaitPopFront()
		if !ok {
			return
		}

		if !c.connected.Load() {
			pw.done(ErrNotConnected)
			continue
		}

		n := len(pw.buf.B)
		_, err := bw.Write(pw.buf.B)
		if err == nil && (pw.wait || c.out.Empty()) {
			err = bw.Flush()
		}
		if err != nil {
			pw.done(err)
			c.fail("write", err)
			return
		}

		atomic.AddInt64(&c.stat.WrittenCount, 1)
		atomic.AddInt64(&c.stat.WrittenBytes, int64(n))

		pw.done(nil)
	}
}

func (c *Conn[K]) dropPending() {
	for {
		pw, ok := c.out.PopFront()
		if !ok {
			return
		}
		pw.done(ErrNotConnected)
	}
}

func (c *Conn[K]) fail(op string, err error) {
	if c.connected.Load() {
		c.cfg.Logger.Debug().
			Uint32("conn_id", c.ID()).
			Stringer("role", c.role).
			Str("op", op).
			Err(err).
			Msg("connection_lost")
	}
	c.Disconnect()
}

func (c *Conn[K]) exit() {
	if c.running.Add(-1) == 0 {
		c.finish()
	}
}

func (c *Conn[K]) finish() {
	c.doneOnce.Do(func() {
		// a client owns its inbound queue outright; wake its readers
		if c.role == RoleClient {
			c.in.Close()
		}
		c.done.SetDone()
	})
}
