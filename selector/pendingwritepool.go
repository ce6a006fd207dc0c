package selector

import (
	"sync"

	"github.com/valyala/bytebufferpool"
)

var pendingWritePool = &PendingWritePool{}

type pendingWrite struct {
	buf   *bytebufferpool.ByteBuffer // payload
	token uint32                     // non-zero asks for an AckSend once flushed
}

// PendingWritePool recycles the queue entries of every link writer.
type PendingWritePool struct {
	sp sync.Pool
	m  poolMeter
}

func (p *PendingWritePool) acquire(buf *bytebufferpool.ByteBuffer, token uint32) *pendingWrite {
	v := p.sp.Get()
	if v == nil {
		v = &pendingWrite{}
		p.m.fresh.Add(1)
	} else {
		p.m.reused.Add(1)
	}

	pw := v.(*pendingWrite)
	pw.buf = buf
	pw.token = token
	return pw
}

func (p *PendingWritePool) release(pw *pendingWrite) {
	pw.buf = nil
	p.sp.Put(pw)
	p.m.put.Add(1)
}
