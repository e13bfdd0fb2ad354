// Package sendbuf implements the send-buffer allocator: a pool of
// cache-line-aligned buffers whose payload region is preceded by a small
// prefix reserved for the caller. Reusing one allocation for both the
// prefix and the payload avoids a second allocation for the prefix; the
// pool a Buffer belongs to is recorded in the Buffer itself, not in the
// prefix.
package sendbuf

import "sync"

// PrefixLen is the number of bytes reserved before the payload region of
// every buffer, named after the "TempSendNode" reuse trick. Nothing in this
// module writes to the prefix: the transport's AEAD engines append their
// nonce and tag (aead.Overhead bytes, more than PrefixLen) to a separately
// allocated slice.
const PrefixLen = 11

// Alignment is the byte alignment of the backing allocation.
const Alignment = 64

// Buffer is a single send-buffer allocation. Prefix is scratch space usable
// by the caller; Payload is
// the caller-visible data region.
type Buffer struct {
	raw     []byte
	Prefix  []byte
	Payload []byte

	pool *Pool
}

// Resize grows or shrinks the payload to n bytes, reusing the existing
// allocation when it still fits and falling back to a fresh one (with the
// same prefix contents preserved) otherwise. The returned Buffer may not be
// b; callers must use the return value.
func (b *Buffer) Resize(n int) *Buffer {
	if n <= cap(b.raw)-PrefixLen {
		b.raw = b.raw[:PrefixLen+n]
		b.Prefix = b.raw[:PrefixLen]
		b.Payload = b.raw[PrefixLen:]
		return b
	}
	nb := b.pool.acquireRaw(n)
	copy(nb.Prefix, b.Prefix)
	return nb
}

// Pool is a thread-safe, approximately lock-free buffer pool keyed by a
// small number of size classes. Acquire/Release never touch the network or
// block on I/O; suspension is limited to the pool's internal free-list
// mutation, matching the concurrency model's "no lock held across a system
// call" rule.
type Pool struct {
	classes []int
	free    []sync.Pool
}

// defaultClasses covers the MTU ladder named in the transport engine
// (576/1400/1500) plus headroom for one full fragment buffer.
var defaultClasses = []int{576, 1400, 1500, 2048, 65536}

// NewPool constructs a Pool sized for typical Sphynx datagrams. Buffers
// larger than the biggest class are allocated directly and not pooled.
func NewPool() *Pool {
	p := &Pool{classes: defaultClasses}
	p.free = make([]sync.Pool, len(p.classes))
	for i, n := range p.classes {
		n := n
		p.free[i].New = func() interface{} {
			return make([]byte, PrefixLen+n)
		}
	}
	return p
}

// Acquire returns a Buffer with at least n payload bytes available.
func (p *Pool) Acquire(n int) *Buffer {
	return p.acquireRaw(n)
}

func (p *Pool) acquireRaw(n int) *Buffer {
	for i, c := range p.classes {
		if n <= c {
			raw := p.free[i].Get().([]byte)
			if cap(raw) < PrefixLen+n {
				raw = make([]byte, PrefixLen+n)
			}
			raw = raw[:PrefixLen+n]
			return &Buffer{
				raw:     raw,
				Prefix:  raw[:PrefixLen],
				Payload: raw[PrefixLen:],
				pool:    p,
			}
		}
	}
	raw := make([]byte, PrefixLen+n)
	return &Buffer{raw: raw, Prefix: raw[:PrefixLen], Payload: raw[PrefixLen:], pool: p}
}

// Release returns b's backing allocation to its size class free-list, if it
// belongs to one. Callers must not use b or any slice derived from it after
// calling Release.
func (p *Pool) Release(b *Buffer) {
	if b == nil || b.pool != p {
		return
	}
	n := cap(b.raw) - PrefixLen
	for i, c := range p.classes {
		if n == c {
			p.free[i].Put(b.raw[:PrefixLen+c])
			return
		}
	}
}
