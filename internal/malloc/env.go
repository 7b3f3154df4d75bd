package malloc

import (
	"fmt"
	"io"
	"sort"
	"unsafe"

	"github.com/vortexdp/hugealloc/internal/config"
	"github.com/vortexdp/hugealloc/internal/memseg"
	"github.com/vortexdp/hugealloc/internal/xlog"
)

// Env ties the per-socket heaps to the memory configuration and the page
// provider. It is the dispatch layer behind the public API: socket
// resolution, cross-socket fallback, heap growth and whole-page return
// all live here, mirroring the heap operations one level down.
type Env struct {
	cfg      *config.MemConfig
	provider memseg.Provider
	heaps    []*Heap
}

// NewEnv creates one heap per possible socket. Heaps start empty; Init
// registers the pre-populated memseg runs.
func NewEnv(cfg *config.MemConfig, provider memseg.Provider) *Env {
	env := &Env{cfg: cfg, provider: provider}
	env.heaps = make([]*Heap, cfg.MaxSockets)
	for s := range env.heaps {
		env.heaps[s] = NewHeap(s, provider)
	}
	return env
}

// Heap returns the heap serving socket, or nil when out of range.
func (env *Env) Heap(socket int) *Heap {
	if socket < 0 || socket >= len(env.heaps) {
		return nil
	}
	return env.heaps[socket]
}

// Init walks every memseg list and registers each IOVA-contiguous run of
// populated pages as an initial FREE element in the heap of its socket.
func (env *Env) Init() error {
	for _, l := range env.cfg.Lists {
		h := env.Heap(l.SocketID())
		if h == nil {
			return fmt.Errorf("%w: memseg list on socket %d outside configured range",
				ErrInvalidArg, l.SocketID())
		}
		for _, run := range l.PopulatedRuns() {
			start := l.Base() + uintptr(run.Start)*l.PageSz()
			length := uintptr(run.End-run.Start) * l.PageSz()
			h.mu.Lock()
			h.addMemory(l, start, length)
			h.mu.Unlock()
			xlog.Debugf("added %dM to heap on socket %d", length>>20, l.SocketID())
		}
	}
	return nil
}

// tryExpandHeap requests enough fresh pages of pgSz to guarantee that a
// subsequent alloc of eltSize succeeds, and installs them as a single
// FREE element. Caller holds the heap lock. Any failure is fully unwound.
func (env *Env) tryExpandHeap(h *Heap, pgSz, eltSize uintptr, socket int, flags Flags, align, bound uintptr, contig bool) error {
	if align < headerLen {
		align = headerLen
	}
	mapLen := alignUp(align+eltSize+trailerLen, pgSz)
	nSegs := int(mapLen / pgSz)

	ms := make([]*memseg.Memseg, nSegs)
	if env.provider.AllocSegBulk(ms, pgSz, socket, true) < 0 {
		return ErrNoMemory
	}

	mapAddr := ms[0].Addr
	msl := ms[0].Owner()

	if contig && !env.provider.IsContig(msl, mapAddr, mapLen) {
		xlog.Debugf("expand on socket %d: couldn't allocate physically contiguous space", socket)
		if err := env.provider.FreeSegBulk(ms); err != nil {
			xlog.Errorf("releasing non-contiguous pages on socket %d: %v", socket, err)
		}
		return ErrNoMemory
	}

	e := h.addMemory(msl, mapAddr, mapLen)

	// The new element must make the request satisfiable; if it somehow
	// does not, put everything back the way it was.
	if fit, _ := h.findSuitableElement(eltSize, flags, align, bound, contig); fit == nil {
		h.freeListRemove(e)
		if err := h.hideRegion(e, mapAddr, mapLen); err != nil {
			xlog.Errorf("unwinding failed expansion on socket %d: %v", socket, err)
		}
		h.totalSize -= mapLen
		if err := env.provider.FreeSegBulk(ms); err != nil {
			xlog.Errorf("releasing pages on socket %d: %v", socket, err)
		}
		return ErrNoMemory
	}

	xlog.Debugf("heap on socket %d was expanded by %dMB", socket, mapLen>>20)
	return nil
}

// allocMemOnSocket decides which page sizes to grow with, honoring the
// caller's page-size flags: explicitly requested classes first, smallest
// first, then the remaining classes when the request was a hint or named
// no class at all. Caller holds the heap lock.
func (env *Env) allocMemOnSocket(h *Heap, size uintptr, socket int, flags Flags, align, bound uintptr, contig bool) error {
	sizeHint := flags&SizeHintOnly != 0
	sizeFlags := flags &^ SizeHintOnly

	var requested, other []uintptr
	for _, l := range env.cfg.Lists {
		if l.SocketID() != socket {
			continue
		}
		if sizeFlags != 0 && checkPageSize(sizeFlags, l.PageSz()) {
			requested = append(requested, l.PageSz())
		} else if sizeFlags == 0 || sizeHint {
			other = append(other, l.PageSz())
		}
	}
	requested = sortedUniq(requested)
	other = sortedUniq(other)

	// Smallest first: a fixed-size huge page wastes its whole tail, so
	// prefer wasting the tail of a small one. The size hint is withheld
	// here so requested classes get exhausted before any best-effort
	// fallback.
	for _, pgSz := range requested {
		if env.tryExpandHeap(h, pgSz, size, socket, sizeFlags, align, bound, contig) == nil {
			return nil
		}
	}
	if len(other) == 0 {
		return ErrNoMemory
	}

	// Growth above may have freed up enough when combined with relaxed
	// page-size constraints; re-check before growing further.
	if fit, _ := h.findSuitableElement(size, flags, align, bound, contig); fit != nil {
		return nil
	}

	for _, pgSz := range other {
		if env.tryExpandHeap(h, pgSz, size, socket, flags, align, bound, contig) == nil {
			return nil
		}
	}
	return ErrNoMemory
}

// allocOnSocket serves one heap: strict page-size match from existing
// elements first, then growth, then one retry with the original flags.
// Legacy mode skips growth entirely.
func (env *Env) allocOnSocket(size uintptr, socket int, flags Flags, align, bound uintptr, contig bool) unsafe.Pointer {
	h := env.heaps[socket]
	sizeFlags := flags &^ SizeHintOnly

	h.mu.Lock()
	defer h.mu.Unlock()

	if align == 0 {
		align = 1
	}

	// Withhold the size hint: a miss here may still be satisfiable from
	// the requested page-size classes once the heap has grown. Legacy
	// heaps cannot grow, so this is their only attempt.
	if p := h.alloc(size, sizeFlags, align, bound, contig); p != nil || env.cfg.LegacyMem() {
		return p
	}

	if env.allocMemOnSocket(h, size, socket, flags, align, bound, contig) == nil {
		p := h.alloc(size, flags, align, bound, contig)
		if p == nil {
			xlog.Errorf("allocation from freshly expanded heap on socket %d failed", socket)
		}
		return p
	}
	return nil
}

// Alloc is the entry point for all allocations: validate, resolve the
// socket preference, try the preferred heap, then fall back to the other
// online sockets unless the caller pinned one. The tag names the
// allocation for diagnostics only.
func (env *Env) Alloc(tag string, size uintptr, socketArg int, flags Flags, align, bound uintptr, contig bool) unsafe.Pointer {
	if size == 0 || (align != 0 && !isPow2(align)) {
		return nil
	}
	if bound != 0 && !isPow2(bound) {
		return nil
	}
	if flags&^validFlags != 0 {
		return nil
	}

	if env.cfg.NoHuge {
		socketArg = AnySocket
	}
	socket := socketArg
	if socketArg == AnySocket {
		socket = env.cfg.ThreadSocket()
	}
	if socket < 0 || socket >= env.cfg.MaxSockets {
		return nil
	}

	if p := env.allocOnSocket(size, socket, flags, align, bound, contig); p != nil || socketArg != AnySocket {
		return p
	}

	for _, s := range env.cfg.OnlineSockets {
		if s == socket || s < 0 || s >= len(env.heaps) {
			continue
		}
		if p := env.allocOnSocket(size, s, flags, align, bound, contig); p != nil {
			return p
		}
	}
	return nil
}

// Free returns p's element to its heap, coalescing eagerly, then gives
// whole idle pages back to the provider. Provider failures during the
// give-back are logged and swallowed: the range is already hidden and
// unaccounted, so the operation still succeeds.
func (env *Env) Free(p unsafe.Pointer) error {
	if p == nil {
		return ErrInvalidArg
	}
	e := elemFromPayload(p)
	if !e.cookiesOK() || e.state != stateBusy {
		return ErrCorruption
	}

	// e may merge into its predecessor below; capture owners first.
	h := e.heap
	msl := e.msl
	pageSz := msl.PageSz()

	h.mu.Lock()
	defer h.mu.Unlock()

	e = h.elemFree(e)
	h.allocCount--

	// Everything past this point is a bonus, and legacy heaps are not
	// allowed to shrink.
	if env.cfg.LegacyMem() {
		return nil
	}
	if e.size < pageSz || e.size < env.cfg.ShrinkThreshold() {
		return nil
	}

	start := e.base()
	end := e.end()
	alignedStart := alignUp(start, pageSz)
	alignedEnd := alignDown(end, pageSz)

	// Remainders on either side must be able to stand alone as elements;
	// give up a page rather than leave an unrepresentable sliver.
	if alignedStart > start && alignedStart-start < minElemSize {
		alignedStart += pageSz
	}
	if end > alignedEnd && end-alignedEnd < minElemSize {
		alignedEnd -= pageSz
	}
	if alignedEnd <= alignedStart || alignedEnd-alignedStart < pageSz {
		return nil
	}
	alignedLen := alignedEnd - alignedStart

	h.freeListRemove(e)
	if err := h.hideRegion(e, alignedStart, alignedLen); err != nil {
		// The element is intact; put it back and keep the memory.
		h.freeListInsert(e)
		return nil
	}
	h.totalSize -= alignedLen

	segIdx := msl.IndexOf(alignedStart)
	nSegs := int(alignedLen / pageSz)
	for i := 0; i < nSegs; i++ {
		ms := msl.SegAt(segIdx + i)
		if ms == nil {
			continue
		}
		if err := env.provider.FreeSeg(ms); err != nil {
			xlog.Errorf("returning page %d on socket %d: %v", segIdx+i, h.socket, err)
		}
	}
	xlog.Debugf("heap on socket %d was shrunk by %dMB", h.socket, alignedLen>>20)
	return nil
}

// Resize grows or shrinks p's element in place; it never relocates.
func (env *Env) Resize(p unsafe.Pointer, newSize uintptr) error {
	if p == nil || newSize == 0 {
		return ErrInvalidArg
	}
	e := elemFromPayload(p)
	if !e.cookiesOK() || e.state != stateBusy {
		return ErrCorruption
	}

	h := e.heap
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.elemResize(e, newSize)
}

// Stats returns the totals for socket's heap.
func (env *Env) Stats(socket int) (SocketStats, error) {
	h := env.Heap(socket)
	if h == nil {
		return SocketStats{}, ErrInvalidArg
	}
	return h.Stats(), nil
}

// Dump writes socket's heap layout to w.
func (env *Env) Dump(socket int, w io.Writer) error {
	h := env.Heap(socket)
	if h == nil {
		return ErrInvalidArg
	}
	h.Dump(w)
	return nil
}

func sortedUniq(sizes []uintptr) []uintptr {
	if len(sizes) == 0 {
		return sizes
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	out := sizes[:1]
	for _, s := range sizes[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}
