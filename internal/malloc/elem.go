// Package malloc implements the per-socket heap allocator: in-band
// element headers with integrity cookies, segregated free lists, eager
// coalescing, and heap growth/shrink in whole pages through the memseg
// provider.
//
// Element headers live inside the managed bytes themselves. The heap
// layer never allocates metadata from the Go heap; everything it tracks
// is reachable from the element chain rooted at each Heap.
package malloc

import (
	"unsafe"

	"github.com/vortexdp/hugealloc/internal/memseg"
	"github.com/vortexdp/hugealloc/internal/xlog"
)

type elemState uint32

const (
	stateFree elemState = iota
	stateBusy
	statePad
)

func (s elemState) String() string {
	switch s {
	case stateFree:
		return "FREE"
	case stateBusy:
		return "BUSY"
	case statePad:
		return "PAD"
	}
	return "INVALID"
}

const (
	// cacheLine is the rounding unit for sizes and alignments.
	cacheLine = 64

	trailerLen  = cacheLine
	minDataSize = cacheLine

	headerCookie  uint64 = 0xbadbadbadadd2e55
	trailerCookie uint64 = 0xadd2e55badbadbad
)

var (
	// headerLen is sizeof(elem) rounded up so payloads stay cache-line
	// aligned for any element base.
	headerLen = alignUp(unsafe.Sizeof(elem{}), cacheLine)

	elemOverhead = headerLen + trailerLen
	minElemSize  = elemOverhead + minDataSize
)

// elem is the in-band record at the start of every managed region. The
// caller-visible payload begins headerLen bytes in; the trailer cookie
// occupies the final trailerLen bytes. size covers header, payload and
// trailer. PAD elements created by alignment have no trailer and never
// appear on a free list.
type elem struct {
	heap *Heap
	msl  *memseg.List

	// address-ordered chain within the owning heap
	prev *elem
	next *elem

	// segregated free-list linkage, valid only while state == stateFree
	freePrev *elem
	freeNext *elem

	state  elemState
	size   uintptr
	padLen uintptr // leading PAD carved off for this element at alloc time
	cookie uint64
}

func (e *elem) base() uintptr { return uintptr(unsafe.Pointer(e)) }
func (e *elem) end() uintptr  { return e.base() + e.size }

// payload returns the caller-visible pointer for a BUSY element.
func (e *elem) payload() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(e), headerLen)
}

// dataLen returns the caller-usable byte count.
func (e *elem) dataLen() uintptr { return e.size - elemOverhead }

func (e *elem) trailerPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(e.end() - trailerLen))
}

func (e *elem) setTrailer() { *e.trailerPtr() = trailerCookie }

// cookiesOK validates both integrity cookies. PAD elements carry only the
// header cookie.
func (e *elem) cookiesOK() bool {
	if e.cookie != headerCookie {
		return false
	}
	if e.state == statePad {
		return true
	}
	return *e.trailerPtr() == trailerCookie
}

// poison wipes the header cookie so stale references to a dead header are
// caught on the next validation.
func poison(e *elem) {
	e.cookie = 0
	e.state = stateFree
	e.prev, e.next = nil, nil
	e.freePrev, e.freeNext = nil, nil
}

// initElem writes a fresh FREE element header at base. No list linkage is
// established.
func initElem(base uintptr, h *Heap, msl *memseg.List, size uintptr) *elem {
	e := (*elem)(unsafe.Pointer(base))
	e.heap = h
	e.msl = msl
	e.prev, e.next = nil, nil
	e.freePrev, e.freeNext = nil, nil
	e.state = stateFree
	e.size = size
	e.padLen = 0
	e.cookie = headerCookie
	e.setTrailer()
	return e
}

// elemFromPayload recovers the element header from a caller pointer.
func elemFromPayload(p unsafe.Pointer) *elem {
	return (*elem)(unsafe.Add(p, -int(headerLen)))
}

// isAdjacentTo reports whether b starts exactly where e ends, within the
// same memseg list. Elements on opposite sides of a hidden range or in
// different lists are chained but never adjacent.
func (e *elem) isAdjacentTo(b *elem) bool {
	return e.end() == b.base() && e.msl == b.msl
}

// insert links e into the heap's address-ordered chain, scanning from the
// nearer end.
func (h *Heap) insert(e *elem) {
	switch {
	case h.first == nil:
		e.prev, e.next = nil, nil
		h.first, h.last = e, e
		return
	case e.base() < h.first.base():
		e.prev = nil
		e.next = h.first
		h.first.prev = e
		h.first = e
		return
	case e.base() > h.last.base():
		e.prev = h.last
		e.next = nil
		h.last.next = e
		h.last = e
		return
	}

	var cur *elem
	if e.base()-h.first.base() <= h.last.base()-e.base() {
		cur = h.first
		for cur.next != nil && cur.next.base() < e.base() {
			cur = cur.next
		}
	} else {
		cur = h.last
		for cur.prev != nil && cur.base() > e.base() {
			cur = cur.prev
		}
	}
	e.prev = cur
	e.next = cur.next
	cur.next.prev = e
	cur.next = e
}

// joinTwo merges b into a. b must immediately follow a in the chain and
// be adjacent to it. b's linkage must already be off the free lists.
func (h *Heap) joinTwo(a, b *elem) {
	a.size += b.size
	a.next = b.next
	if b.next != nil {
		b.next.prev = a
	} else {
		h.last = a
	}
	poison(b)
	a.setTrailer()
}

// joinAdjacentFree merges e with its FREE neighbours on either side and
// returns the surviving (lowest-address) element. Merged neighbours are
// removed from their free lists; e itself is expected to be off the
// lists.
func (h *Heap) joinAdjacentFree(e *elem) *elem {
	if n := e.next; n != nil && n.state == stateFree && e.isAdjacentTo(n) {
		h.freeListRemove(n)
		h.joinTwo(e, n)
	}
	if p := e.prev; p != nil && p.state == stateFree && p.isAdjacentTo(e) {
		h.freeListRemove(p)
		h.joinTwo(p, e)
		e = p
	}
	return e
}

// canHold reports whether e contains a payload of size bytes aligned to
// align that does not cross a bound multiple and, when contig is set, is
// physically contiguous. Returns the payload start on success.
//
// A non-zero leading gap must leave room for a PAD header, so candidate
// positions advance by align until the gap is zero or large enough.
func (e *elem) canHold(size, align, bound uintptr, contig bool) (uintptr, bool) {
	if size == 0 || e.size < size+elemOverhead {
		return 0, false
	}
	if bound != 0 && size > bound {
		return 0, false
	}

	base := e.base()
	start := alignUp(base+headerLen, align)
	for {
		if start+size+trailerLen > e.end() {
			return 0, false
		}
		if gap := (start - headerLen) - base; gap != 0 && gap < headerLen {
			start += align
			continue
		}
		if bound != 0 && start/bound != (start+size-1)/bound {
			// jump past the boundary; bound crossing implies
			// bound > align, so the result stays aligned
			start = alignUp(start+1, bound)
			continue
		}
		break
	}

	if contig && !e.heap.provider.IsContig(e.msl, start, size) {
		return 0, false
	}
	return start, true
}

// allocFromElem splits e to carve out a BUSY element with the requested
// payload geometry: an optional leading PAD, the BUSY element, and an
// optional trailing FREE remainder. Remainders too small to stand alone
// are absorbed into the BUSY element. start must be a payload position
// canHold produced for e under the same lock hold.
func (h *Heap) allocFromElem(e *elem, start, size uintptr) *elem {
	h.freeListRemove(e)

	base := e.base()
	end := e.end()
	hs := start - headerLen
	gap := hs - base

	busy := e
	if gap > 0 {
		pad := e
		oldNext := e.next
		msl := e.msl
		busy = initElem(hs, h, msl, end-hs)
		pad.size = gap
		pad.state = statePad
		pad.padLen = 0
		busy.prev = pad
		busy.next = oldNext
		pad.next = busy
		if oldNext != nil {
			oldNext.prev = busy
		} else {
			h.last = busy
		}
		busy.padLen = gap
	}

	busyEnd := start + size + trailerLen
	if rem := end - busyEnd; rem >= minElemSize {
		tail := h.splitTail(busy, rem)
		h.freeListInsert(tail)
	}

	busy.state = stateBusy
	busy.setTrailer()
	return busy
}

// splitTail carves the final rem bytes of e into a new element linked
// directly after it. The new element is FREE and off the free lists.
func (h *Heap) splitTail(e *elem, rem uintptr) *elem {
	e.size -= rem
	e.setTrailer()
	t := initElem(e.base()+e.size, h, e.msl, rem)
	t.prev = e
	t.next = e.next
	if e.next != nil {
		e.next.prev = t
	} else {
		h.last = t
	}
	e.next = t
	return t
}

// elemFree marks e FREE, reabsorbs the PAD its allocation carved off,
// joins adjacent FREE neighbours, inserts the result into the free lists
// and returns it.
func (h *Heap) elemFree(e *elem) *elem {
	e.state = stateFree
	if e.padLen > 0 {
		pad := e.prev
		pad.size += e.size
		pad.state = stateFree
		pad.padLen = 0
		pad.next = e.next
		if e.next != nil {
			e.next.prev = pad
		} else {
			h.last = pad
		}
		poison(e)
		pad.setTrailer()
		e = pad
	}
	e = h.joinAdjacentFree(e)
	h.freeListInsert(e)
	return e
}

// elemResize grows or shrinks a BUSY element in place. Growth succeeds
// only when the immediately following element is FREE, adjacent and large
// enough; the element never moves.
func (h *Heap) elemResize(e *elem, newSize uintptr) error {
	newSize = alignUp(newSize, cacheLine)
	need := headerLen + newSize + trailerLen

	if need <= e.size {
		if rem := e.size - need; rem >= minElemSize {
			tail := h.splitTail(e, rem)
			tail = h.joinAdjacentFree(tail)
			h.freeListInsert(tail)
		}
		return nil
	}

	n := e.next
	if n == nil || n.state != stateFree || !e.isAdjacentTo(n) || e.size+n.size < need {
		return ErrNotResizable
	}
	h.freeListRemove(n)
	h.joinTwo(e, n)
	if rem := e.size - need; rem >= minElemSize {
		tail := h.splitTail(e, rem)
		h.freeListInsert(tail)
	}
	return nil
}

// hideRegion removes [start, start+length) from e so the bytes are no
// longer reachable through the address chain; the caller releases the
// backing pages afterwards. e must be FREE and already off the free
// lists. Left and right remainders, when present, become independent
// FREE elements on the free lists.
func (h *Heap) hideRegion(e *elem, start, length uintptr) error {
	base := e.base()
	end := e.end()
	if e.state != stateFree || start < base || start+length > end {
		return ErrCorruption
	}
	lenBefore := start - base
	lenAfter := end - (start + length)

	var right *elem
	switch {
	case lenAfter >= minElemSize:
		right = initElem(start+length, h, e.msl, lenAfter)
	case lenAfter > 0:
		xlog.Errorf("unaligned element at 0x%x, heap is probably corrupt", base)
		return ErrCorruption
	}

	prev := e.prev
	next := e.next

	switch {
	case lenBefore >= minElemSize:
		e.size = lenBefore
		e.setTrailer()
		if right != nil {
			right.prev = e
			right.next = next
			if next != nil {
				next.prev = right
			} else {
				h.last = right
			}
			e.next = right
		}
		h.freeListInsert(e)
	case lenBefore > 0:
		xlog.Errorf("unaligned element at 0x%x, heap is probably corrupt", base)
		return ErrCorruption
	default:
		// the hidden range swallows e's header; unlink it entirely
		if right != nil {
			right.prev = prev
			right.next = next
			if prev != nil {
				prev.next = right
			} else {
				h.first = right
			}
			if next != nil {
				next.prev = right
			} else {
				h.last = right
			}
		} else {
			if prev != nil {
				prev.next = next
			} else {
				h.first = next
			}
			if next != nil {
				next.prev = prev
			} else {
				h.last = prev
			}
		}
		poison(e)
	}

	if right != nil {
		h.freeListInsert(right)
	}
	return nil
}

// alignUp rounds n up to the next multiple of a. a must be a power of two.
func alignUp(n, a uintptr) uintptr {
	return (n + a - 1) &^ (a - 1)
}

// alignDown rounds n down to a multiple of a. a must be a power of two.
func alignDown(n, a uintptr) uintptr {
	return n &^ (a - 1)
}

func isPow2(n uintptr) bool {
	return n != 0 && n&(n-1) == 0
}
