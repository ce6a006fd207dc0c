package selector

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/upeter/spray/pipeline"
)

// closeFlushTimeout bounds the final flush of a closing link so teardown
// cannot hang on a stalled peer.
const closeFlushTimeout = 5 * time.Second

var _ Link = (*tcpLink)(nil)

type tcpLink struct {
	sel  *TCPSelector
	conn net.Conn
	key  pipeline.ConnKey

	mu         sync.Mutex
	writerCond sync.Cond
	readCond   sync.Cond

	registered bool
	sink       pipeline.Recipient
	queue      []*pendingWrite
	paused     bool
	closing    bool
	reason     pipeline.Reason

	readDone chan struct{}
}

func (l *tcpLink) Key() pipeline.ConnKey { return l.key }

func (l *tcpLink) LocalAddr() net.Addr { return l.conn.LocalAddr() }

func (l *tcpLink) RemoteAddr() net.Addr { return l.conn.RemoteAddr() }

func (l *tcpLink) Send(data []byte, token uint32) {
	bb := bytebufferpool.Get()
	bb.Set(data)
	pw := pendingWritePool.acquire(bb, token)

	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		bytebufferpool.Put(bb)
		pendingWritePool.release(pw)
		return
	}
	l.queue = append(l.queue, pw)
	l.writerCond.Signal()
	l.mu.Unlock()
}

func (l *tcpLink) StopReading() {
	l.mu.Lock()
	l.paused = true
	l.mu.Unlock()
}

func (l *tcpLink) ResumeReading() {
	l.mu.Lock()
	l.paused = false
	l.readCond.Signal()
	l.mu.Unlock()
}

func (l *tcpLink) Close(reason pipeline.Reason) {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return
	}
	l.beginShutdownLocked(reason)
	if l.registered {
		l.mu.Unlock()
		return
	}
	queued := l.queue
	l.queue = nil
	l.mu.Unlock()

	// Never registered: no loops to flush, tear down in place.
	releaseQueued(queued)
	l.conn.Close()
	l.sel.dropLink(l)
}

// register wires the sink and starts the read and write loops. Events only
// flow after registration; a link closed beforehand yields its terminal
// Closed here.
func (l *tcpLink) register(sink pipeline.Recipient) {
	if sink == nil {
		sink = pipeline.Discard
	}

	l.mu.Lock()
	if l.registered {
		l.mu.Unlock()
		return
	}
	l.registered = true
	l.sink = sink

	if l.closing {
		reason := l.reason
		l.mu.Unlock()
		sink.Deliver(pipeline.Closed{Key: l.key, Reason: reason})
		return
	}

	l.sel.mu.Lock()
	if l.sel.stopped {
		l.sel.mu.Unlock()
		l.beginShutdownLocked(pipeline.IoError(net.ErrClosed))
		queued := l.queue
		l.queue = nil
		l.mu.Unlock()

		releaseQueued(queued)
		l.conn.Close()
		l.sel.dropLink(l)
		sink.Deliver(pipeline.Closed{Key: l.key, Reason: pipeline.IoError(net.ErrClosed)})
		return
	}
	l.sel.wg.Add(2)
	l.sel.mu.Unlock()
	l.mu.Unlock()

	go l.writeLoop()
	go l.readLoop()
}

func (l *tcpLink) shutdown(reason pipeline.Reason) {
	l.mu.Lock()
	l.beginShutdownLocked(reason)
	l.mu.Unlock()
}

// beginShutdownLocked flips the link into teardown. The first reason sticks;
// later ones are dropped.
func (l *tcpLink) beginShutdownLocked(reason pipeline.Reason) {
	if l.closing {
		return
	}
	l.closing = true
	l.reason = reason
	_ = l.conn.SetWriteDeadline(time.Now().Add(closeFlushTimeout))
	l.writerCond.Signal()
	l.readCond.Signal()
}

// gate blocks while reading is paused. It reports false once the link is
// closing.
func (l *tcpLink) gate() bool {
	l.mu.Lock()
	for l.paused && !l.closing {
		l.readCond.Wait()
	}
	closing := l.closing
	l.mu.Unlock()
	return !closing
}

func (l *tcpLink) readLoop() {
	defer l.sel.wg.Done()
	defer close(l.readDone)

	buf := make([]byte, l.sel.readBufferSize())
	for {
		if !l.gate() {
			return
		}

		n, err := l.conn.Read(buf)
		if n > 0 {
			// Data read just before a pause is held back until the
			// pause lifts.
			if !l.gate() {
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			l.sink.Deliver(pipeline.Received{Key: l.key, Data: data})
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				l.shutdown(pipeline.PeerClosed)
			} else {
				l.shutdown(pipeline.IoError(err))
			}
			return
		}
	}
}

func (l *tcpLink) writeLoop() {
	defer l.sel.wg.Done()

	var queue []*pendingWrite
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closing {
			l.writerCond.Wait()
		}
		closing := l.closing
		queue, l.queue = l.queue, queue[:0]
		l.mu.Unlock()

		if err := l.flush(queue); err != nil {
			l.shutdown(pipeline.IoError(err))
			l.finish()
			return
		}
		if closing {
			l.finish()
			return
		}
	}
}

// flush writes the batch in order and releases every entry, acked or not.
// The first write error stops the socket writes but not the releases.
func (l *tcpLink) flush(queue []*pendingWrite) error {
	var err error
	for _, pw := range queue {
		if err == nil {
			if _, werr := l.conn.Write(pw.buf.B); werr != nil {
				err = werr
			} else if pw.token != 0 {
				l.sink.Deliver(pipeline.AckSend{Key: l.key, Token: pw.token})
			}
		}
		bytebufferpool.Put(pw.buf)
		pendingWritePool.release(pw)
	}
	return err
}

func (l *tcpLink) finish() {
	l.conn.Close()
	<-l.readDone // every Received lands before the terminal Closed
	l.sel.dropLink(l)
	l.sink.Deliver(pipeline.Closed{Key: l.key, Reason: l.reason})
}

func releaseQueued(queue []*pendingWrite) {
	for _, pw := range queue {
		bytebufferpool.Put(pw.buf)
		pendingWritePool.release(pw)
	}
}
