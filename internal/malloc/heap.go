package malloc

import (
	"fmt"
	"io"
	"sync"
	"unsafe"

	"github.com/vortexdp/hugealloc/internal/memseg"
)

// Heap owns all managed memory on one NUMA socket: an address-ordered
// element chain and an array of segregated free lists. Every mutation and
// every read of transient state happens under mu. The heap deliberately
// keeps mu held across page-provider calls during growth so concurrent
// allocations cannot double-grow the heap.
type Heap struct {
	mu sync.Mutex

	first *elem
	last  *elem

	freeHead [numFreeLists]*elem

	totalSize  uintptr
	allocCount uint32

	socket   int
	provider memseg.Provider
}

// NewHeap returns an empty heap for socket, taking pages from provider.
func NewHeap(socket int, provider memseg.Provider) *Heap {
	return &Heap{socket: socket, provider: provider}
}

// Socket returns the NUMA socket this heap serves.
func (h *Heap) Socket() int { return h.socket }

// addMemory installs [start, start+length) as managed memory: a single
// FREE element, coalesced with any adjacent FREE neighbour. Caller holds
// the lock. Returns the resulting element.
func (h *Heap) addMemory(msl *memseg.List, start, length uintptr) *elem {
	e := initElem(start, h, msl, length)
	h.insert(e)
	e = h.joinAdjacentFree(e)
	h.freeListInsert(e)
	h.totalSize += length
	return e
}

// findSuitableElement scans the free lists from the class indexed by size
// upward. The first element that can hold the request and matches the
// caller's page-size flags wins; the first that can hold it regardless of
// page size is kept as a fallback, used only with SizeHintOnly. The
// second result is the payload start canHold computed for the chosen
// element, so the split does not have to search again.
func (h *Heap) findSuitableElement(size uintptr, flags Flags, align, bound uintptr, contig bool) (*elem, uintptr) {
	var alt *elem
	var altStart uintptr
	for idx := freeListIndex(size); idx < numFreeLists; idx++ {
		for e := h.freeHead[idx]; e != nil; e = e.freeNext {
			start, ok := e.canHold(size, align, bound, contig)
			if !ok {
				continue
			}
			if checkPageSize(flags, e.msl.PageSz()) {
				return e, start
			}
			if alt == nil {
				alt, altStart = e, start
			}
		}
	}
	if alt != nil && flags&SizeHintOnly != 0 {
		return alt, altStart
	}
	return nil, 0
}

// alloc satisfies a request from the existing free elements only. Caller
// holds the lock. Returns the payload pointer or nil, with no side
// effects on failure.
func (h *Heap) alloc(size uintptr, flags Flags, align, bound uintptr, contig bool) unsafe.Pointer {
	size = alignUp(size, cacheLine)
	align = alignUp(align, cacheLine)

	e, start := h.findSuitableElement(size, flags, align, bound, contig)
	if e == nil {
		return nil
	}
	busy := h.allocFromElem(e, start, size)
	h.allocCount++
	return busy.payload()
}

// SocketStats summarizes one heap, taken atomically under its lock.
type SocketStats struct {
	HeapTotalBytes   uintptr
	HeapFreeBytes    uintptr
	HeapAllocBytes   uintptr
	GreatestFreeSize uintptr
	FreeCount        uint32
	AllocCount       uint32
}

// Stats walks the free lists and returns the heap's totals.
func (h *Heap) Stats() SocketStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	var st SocketStats
	for idx := 0; idx < numFreeLists; idx++ {
		for e := h.freeHead[idx]; e != nil; e = e.freeNext {
			st.FreeCount++
			st.HeapFreeBytes += e.size
			if e.size > st.GreatestFreeSize {
				st.GreatestFreeSize = e.size
			}
		}
	}
	st.HeapTotalBytes = h.totalSize
	st.HeapAllocBytes = st.HeapTotalBytes - st.HeapFreeBytes
	st.AllocCount = h.allocCount
	return st
}

// Dump writes the heap totals and every element in address order.
func (h *Heap) Dump(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fmt.Fprintf(w, "Heap socket: %d\n", h.socket)
	fmt.Fprintf(w, "Heap size: 0x%x\n", h.totalSize)
	fmt.Fprintf(w, "Heap alloc count: %d\n", h.allocCount)
	for e := h.first; e != nil; e = e.next {
		fmt.Fprintf(w, "  element at 0x%x state %s len 0x%x pad 0x%x\n",
			e.base(), e.state, e.size, e.padLen)
	}
}
