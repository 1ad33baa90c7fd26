package lib

import (
	"bufio"
	"io"
	"sync"

	"github.com/valyala/bytebufferpool"
)

type pendingWrite struct {
	buf  *bytebufferpool.ByteBuffer // encoded frame, header and body
	wait bool                       // signal to caller if they're waiting
	err  error                      // keeps track of any socket errors on write
	wg   sync.WaitGroup             // signals the caller that this write is complete
}

// done completes the write. A waiting caller owns pw afterwards and releases
// it; otherwise pw goes straight back to the pool.
func (pw *pendingWrite) done(err error) {
	if pw.wait {
		pw.err = err
		pw.wg.Done()
		return
	}
	pendingWritePool.release(pw)
}

type PendingWritePool struct {
	sp sync.Pool
	m  *PoolMetrics
}

func (p *PendingWritePool) acquire(buf *bytebufferpool.ByteBuffer, wait bool) *pendingWrite {
	v := p.sp.Get()
	p.m.acquired(v != nil)
	if v == nil {
		v = &pendingWrite{}
	}

	pw := v.(*pendingWrite)
	pw.buf = buf
	pw.wait = wait
	if wait {
		pw.wg.Add(1)
	}
	return pw
}

func (p *PendingWritePool) release(pw *pendingWrite) {
	bytebufferpool.Put(pw.buf)
	pw.buf = nil
	pw.wait = false
	pw.err = nil
	p.sp.Put(pw)
	p.m.released()
}

// BufioPool recycles buffered readers and writers. Pooled values are only
// handed out again for the same buffer size.
type BufioPool struct {
	sp sync.Pool
	m  *PoolMetrics
}

func (p *BufioPool) acquireReader(r io.Reader, size int) *bufio.Reader {
	if v, ok := p.sp.Get().(*bufio.Reader); ok && v.Size() == size {
		p.m.acquired(true)
		v.Reset(r)
		return v
	}
	p.m.acquired(false)
	return bufio.NewReaderSize(r, size)
}

func (p *BufioPool) releaseReader(br *bufio.Reader) {
	br.Reset(nil)
	p.sp.Put(br)
	p.m.released()
}

func (p *BufioPool) acquireWriter(w io.Writer, size int) *bufio.Writer {
	if v, ok := p.sp.Get().(*bufio.Writer); ok && v.Size() == size {
		p.m.acquired(true)
		v.Reset(w)
		return v
	}
	p.m.acquired(false)
	return bufio.NewWriterSize(w, size)
}

func (p *BufioPool) releaseWriter(bw *bufio.Writer) {
	bw.Reset(nil)
	p.sp.Put(bw)
	p.m.released()
}
