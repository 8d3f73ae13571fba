package proxy

import (
	"net/http/httputil"
	"sync"
)

// relayBufferSize is the chunk size used when shuttling non-CONNECT
// response bodies through the ReverseProxy.
const relayBufferSize = 32 << 10

type bufferPool struct {
	pool sync.Pool
}

// NewBufferPool returns an httputil.BufferPool handing out fixed-size
// buffers, shared across all proxied responses.
func NewBufferPool(size int) httputil.BufferPool {
	bp := &bufferPool{}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}

	return bp
}

func (p *bufferPool) Get() []byte {
	b := p.pool.Get().(*[]byte)
	return *b
}

func (p *bufferPool) Put(b []byte) {
	// This &b forces a 32-byte heap allocation.  There's no way to avoid this when converting a non-pointer to an interface{}.
	p.pool.Put(&b)
}
