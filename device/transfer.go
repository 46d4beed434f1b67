package device

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ardnew/softudc/pkg"
)

// RequestFlags modify how a request is transferred and reported.
type RequestFlags uint8

// Request flags.
const (
	// FlagSetup marks the 8-byte SETUP request delivered to the sink.
	FlagSetup RequestFlags = 1 << iota

	// FlagZLP requests a zero-length packet after an IN transfer whose
	// length is a multiple of the endpoint's max packet size.
	FlagZLP

	// FlagStatus marks a status stage request created by the engine.
	FlagStatus
)

// Request is one data transfer on one endpoint. The caller owns a request
// until Enqueue accepts it and again after its completion notification.
type Request struct {
	Endpoint EndpointAddress

	// Buffer is the transfer memory. For OUT, up to Length bytes are
	// received into it; for IN, Buffer[:Length] is sent.
	Buffer []byte
	Length int

	// Actual is the number of bytes transferred.
	Actual int

	Flags  RequestFlags
	Status pkg.TransferStatus
	Err    error

	// UserData is carried through untouched.
	UserData any

	// done is 1 once the request has been reported.
	done uint32

	// handed is the number of Buffer bytes given to hardware so far.
	handed int

	// zero-length packet bookkeeping.
	sendZLP   bool
	zlpHanded bool
	zlpDone   bool
}

// NewRequest returns a request for ep covering all of buf.
func NewRequest(ep EndpointAddress, buf []byte) *Request {
	return &Request{
		Endpoint: ep,
		Buffer:   buf,
		Length:   len(buf),
	}
}

// Data returns the transferred bytes.
func (r *Request) Data() []byte {
	return r.Buffer[:r.Actual]
}

// IsIn returns true if this is an IN request (device to host).
func (r *Request) IsIn() bool {
	return r.Endpoint.IsIn()
}

// IsSetup returns true for a SETUP request.
func (r *Request) IsSetup() bool {
	return r.Flags&FlagSetup != 0
}

// IsStatus returns true for a status stage request.
func (r *Request) IsStatus() bool {
	return r.Flags&FlagStatus != 0
}

// Done returns true once the request has been reported.
func (r *Request) Done() bool {
	return atomic.LoadUint32(&r.done) != 0
}

// String returns a short description for logging.
func (r *Request) String() string {
	return fmt.Sprintf("req[%s len=%d actual=%d flags=0x%02X %s]",
		r.Endpoint, r.Length, r.Actual, uint8(r.Flags), r.Status)
}

// finish records the outcome. Only the first call has any effect.
func (r *Request) finish(err error) bool {
	if !atomic.CompareAndSwapUint32(&r.done, 0, 1) {
		return false
	}
	r.Status = pkg.StatusOf(err)
	r.Err = err
	return true
}

// prepare resets engine state before the request is queued.
func (r *Request) prepare(mps int) {
	atomic.StoreUint32(&r.done, 0)
	r.Status = pkg.TransferStatusPending
	r.Err = nil
	r.Actual = 0
	r.rewind()
	r.sendZLP = r.IsIn() && (r.Length == 0 || (r.Flags&FlagZLP != 0 && r.Length%mps == 0))
}

// rewind discards hardware progress so the request can be armed again.
func (r *Request) rewind() {
	r.Actual = 0
	r.handed = 0
	r.zlpHanded = false
	r.zlpDone = false
}

// pending reports whether part of the request has not been handed to
// hardware yet.
func (r *Request) pending() bool {
	if r.handed < r.Length {
		return true
	}
	if r.IsIn() {
		return r.sendZLP && !r.zlpHanded
	}
	return r.Length == 0 && !r.zlpHanded
}

// reset clears the request for reuse by a Pool.
func (r *Request) reset() {
	*r = Request{Buffer: r.Buffer[:0]}
}

// Allocator supplies requests the engine creates on its own: SETUP delivery,
// the control data OUT stage and the status OUT stage.
type Allocator interface {
	// Alloc returns a request for ep with a buffer of size bytes, or
	// pkg.ErrNoBuffer when exhausted.
	Alloc(ep EndpointAddress, size int) (*Request, error)
}

// Pool is a bounded Allocator backed by sync.Pool.
type Pool struct {
	pool        sync.Pool
	limit       int64
	outstanding atomic.Int64
}

// NewPool creates a pool that hands out at most limit requests at a time.
// A limit of zero means unbounded.
func NewPool(limit int) *Pool {
	return &Pool{
		limit: int64(limit),
		pool: sync.Pool{
			New: func() any {
				return &Request{}
			},
		},
	}
}

// Alloc retrieves a request from the pool.
func (p *Pool) Alloc(ep EndpointAddress, size int) (*Request, error) {
	if n := p.outstanding.Add(1); p.limit > 0 && n > p.limit {
		p.outstanding.Add(-1)
		pkg.LogDebug(pkg.ComponentBuffer, "pool exhausted", "ep", ep, "size", size, "limit", p.limit)
		return nil, pkg.ErrNoBuffer
	}
	r := p.pool.Get().(*Request)
	r.reset()
	if cap(r.Buffer) < size {
		r.Buffer = make([]byte, size)
	}
	r.Buffer = r.Buffer[:size]
	r.Endpoint = ep
	r.Length = size
	return r, nil
}

// Free returns a request to the pool.
func (p *Pool) Free(r *Request) {
	if r == nil {
		return
	}
	p.outstanding.Add(-1)
	r.UserData = nil
	p.pool.Put(r)
}

// Outstanding returns the number of requests allocated and not yet freed.
func (p *Pool) Outstanding() int {
	return int(p.outstanding.Load())
}
