package tlb

import (
	"github.com/sarchlab/vmcore/mem/phys"
	"github.com/sarchlab/vmcore/sim"
)

// A FlushReq asks a core to invalidate entries of its TLB. It travels as an
// inter-processor interrupt and is answered with a FlushRsp.
type FlushReq struct {
	ID  string
	Src string

	// Root is the page table whose translations changed.
	Root phys.Frame

	// VAddrs lists the pages to invalidate when All is false.
	VAddrs []uint64
	All    bool

	// Global asks a full flush to drop global entries too.
	Global bool

	rsp chan *FlushRsp
}

// Clone returns a copy of the request with a new ID and its own response
// channel, so that one request can be sent to several cores.
func (r *FlushReq) Clone() *FlushReq {
	cloneMsg := *r
	cloneMsg.ID = sim.GetIDGenerator().Generate()
	cloneMsg.rsp = make(chan *FlushRsp, 1)

	return &cloneMsg
}

// Respond delivers the acknowledgement to the issuer.
func (r *FlushReq) Respond(rsp *FlushRsp) {
	r.rsp <- rsp
}

// Wait blocks until the request has been acknowledged.
func (r *FlushReq) Wait() *FlushRsp {
	return <-r.rsp
}

// FlushReqBuilder can build flush requests
type FlushReqBuilder struct {
	src    string
	root   phys.Frame
	vAddrs []uint64
	all    bool
	global bool
}

// WithSrc sets the source of the request to build.
func (b FlushReqBuilder) WithSrc(src string) FlushReqBuilder {
	b.src = src
	return b
}

// WithRoot sets the page table whose translations are to be flushed.
func (b FlushReqBuilder) WithRoot(root phys.Frame) FlushReqBuilder {
	b.root = root
	return b
}

// WithVAddrs sets the Vaddr of the pages to be flushed
func (b FlushReqBuilder) WithVAddrs(vAddrs []uint64) FlushReqBuilder {
	b.vAddrs = vAddrs
	return b
}

// WithFullFlush asks for every non-global entry to be flushed.
func (b FlushReqBuilder) WithFullFlush() FlushReqBuilder {
	b.all = true
	return b
}

// WithGlobal marks the request as affecting the kernel half, which lives in
// every address space.
func (b FlushReqBuilder) WithGlobal() FlushReqBuilder {
	b.global = true
	return b
}

// Build creates a new FlushReq
func (b FlushReqBuilder) Build() *FlushReq {
	r := &FlushReq{}
	r.ID = sim.GetIDGenerator().Generate()
	r.Src = b.src
	r.Root = b.root
	r.VAddrs = b.vAddrs
	r.All = b.all
	r.Global = b.global
	r.rsp = make(chan *FlushRsp, 1)

	return r
}

// A FlushRsp acknowledges that a core finished a flush.
type FlushRsp struct {
	ID      string
	Src     string
	RspTo   string
	Dropped int
}

// FlushRspBuilder can build flush responses
type FlushRspBuilder struct {
	src     string
	rspTo   string
	dropped int
}

// WithSrc sets the source of the response to build.
func (b FlushRspBuilder) WithSrc(src string) FlushRspBuilder {
	b.src = src
	return b
}

// WithRspTo sets the ID of the request being answered.
func (b FlushRspBuilder) WithRspTo(id string) FlushRspBuilder {
	b.rspTo = id
	return b
}

// WithDropped sets the number of entries the flush removed.
func (b FlushRspBuilder) WithDropped(n int) FlushRspBuilder {
	b.dropped = n
	return b
}

// Build creates a new FlushRsp.
func (b FlushRspBuilder) Build() *FlushRsp {
	r := &FlushRsp{}
	r.ID = sim.GetIDGenerator().Generate()
	r.Src = b.src
	r.RspTo = b.rspTo
	r.Dropped = b.dropped

	return r
}

// Apply performs the request on a TLB and builds the response. The caller
// must hold whatever lock guards the TLB.
func (r *FlushReq) Apply(t *TLB, src string) *FlushRsp {
	dropped := 0

	if r.All {
		dropped = t.Flush(r.Global)
	} else {
		for _, vaddr := range r.VAddrs {
			if t.InvalidatePage(vaddr) {
				dropped++
			}
		}
	}

	return FlushRspBuilder{}.
		WithSrc(src).
		WithRspTo(r.ID).
		WithDropped(dropped).
		Build()
}
