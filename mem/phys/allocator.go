package phys

import (
	"errors"
	"fmt"
	"log"
	"math/bits"
	"strings"
	"sync"
)

// ErrOutOfMemory is returned when no free frame is left.
var ErrOutOfMemory = errors.New("out of physical memory")

// A FrameAllocator hands out physical frames and counts the references to
// them. All methods may be called while a page fault is being handled, so
// they never block on anything but a short critical section.
type FrameAllocator interface {
	// Allocate reserves a free frame and sets its reference count to one.
	Allocate() (Frame, error)

	// Release drops one reference. The frame becomes free when its count
	// reaches zero.
	Release(f Frame)

	// IncRef adds a reference to an allocated frame.
	IncRef(f Frame)

	// RefCount returns the number of references to the frame. Free frames
	// have zero references.
	RefCount(f Frame) uint32
}

// Region is a range of physical memory.
type Region struct {
	Start  PAddr
	Length uint64
}

// Stats is a snapshot of the allocator state, counted in frames.
type Stats struct {
	Total    uint64
	Free     uint64
	Reserved uint64
	Shared   uint64
}

// Used returns the number of frames handed out by the allocator.
func (s Stats) Used() uint64 {
	return s.Total - s.Free - s.Reserved
}

func (s Stats) String() string {
	b := new(strings.Builder)
	fmt.Fprintf(b, "total %d, free %d, used %d, reserved %d, shared %d",
		s.Total, s.Free, s.Used(), s.Reserved, s.Shared)

	return b.String()
}

// BitmapAllocator is a FrameAllocator that tracks free frames in a bitmap
// and keeps a reference count per frame. Frame 0 is always reserved so that
// a zero entry never points at a usable frame.
type BitmapAllocator struct {
	mu sync.Mutex

	numFrames uint64

	// bit i is set when frame i is in use or reserved.
	usedBitmap []uint64
	reserved   []uint64
	refs       []uint32

	freeCount     uint64
	reservedCount uint64
	sharedCount   uint64
	nextHint      uint64
}

// NewBitmapAllocator creates an allocator that manages numFrames frames
// starting from frame 0. The frames that overlap any of the reserved regions
// are never handed out.
func NewBitmapAllocator(numFrames uint64, reserved ...Region) *BitmapAllocator {
	if numFrames < 2 {
		log.Panic("allocator must manage at least two frames")
	}

	words := (numFrames + 63) / 64
	a := &BitmapAllocator{
		numFrames:  numFrames,
		usedBitmap: make([]uint64, words),
		reserved:   make([]uint64, words),
		refs:       make([]uint32, numFrames),
		freeCount:  numFrames,
	}

	a.reserve(0)

	for _, r := range reserved {
		if r.Length == 0 {
			continue
		}

		first := uint64(FrameOf(r.Start))
		last := uint64(FrameOf(r.Start + PAddr(r.Length-1)))
		for f := first; f <= last && f < numFrames; f++ {
			a.reserve(f)
		}
	}

	return a
}

func (a *BitmapAllocator) reserve(f uint64) {
	word, bit := f/64, uint64(1)<<(f%64)
	if a.reserved[word]&bit != 0 {
		return
	}

	a.reserved[word] |= bit
	a.usedBitmap[word] |= bit
	a.freeCount--
	a.reservedCount++
}

// Allocate reserves a free frame.
func (a *BitmapAllocator) Allocate() (Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.freeCount == 0 {
		return InvalidFrame, ErrOutOfMemory
	}

	words := uint64(len(a.usedBitmap))
	start := a.nextHint / 64
	for i := uint64(0); i < words; i++ {
		w := (start + i) % words
		free := ^a.usedBitmap[w]
		if free == 0 {
			continue
		}

		f := w*64 + uint64(bits.TrailingZeros64(free))
		if f >= a.numFrames {
			continue
		}

		a.usedBitmap[w] |= 1 << (f % 64)
		a.refs[f] = 1
		a.freeCount--
		a.nextHint = f + 1

		return Frame(f), nil
	}

	return InvalidFrame, ErrOutOfMemory
}

func (a *BitmapAllocator) mustOwn(f Frame, op string) {
	if uint64(f) >= a.numFrames {
		log.Panicf("%s of %s beyond managed memory", op, f)
	}

	if a.reserved[f/64]&(1<<(f%64)) != 0 {
		log.Panicf("%s of reserved %s", op, f)
	}

	if a.refs[f] == 0 {
		log.Panicf("%s of free %s", op, f)
	}
}

// Release drops one reference to the frame.
func (a *BitmapAllocator) Release(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.mustOwn(f, "release")

	a.refs[f]--
	switch a.refs[f] {
	case 0:
		a.usedBitmap[f/64] &^= 1 << (f % 64)
		a.freeCount++
	case 1:
		a.sharedCount--
	}
}

// IncRef adds a reference to the frame.
func (a *BitmapAllocator) IncRef(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.mustOwn(f, "incref")

	a.refs[f]++
	if a.refs[f] == 2 {
		a.sharedCount++
	}
}

// RefCount returns the number of references to the frame.
func (a *BitmapAllocator) RefCount(f Frame) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if uint64(f) >= a.numFrames {
		return 0
	}

	return a.refs[f]
}

// Stats returns a snapshot of the allocator counters.
func (a *BitmapAllocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	return Stats{
		Total:    a.numFrames,
		Free:     a.freeCount,
		Reserved: a.reservedCount,
		Shared:   a.sharedCount,
	}
}
