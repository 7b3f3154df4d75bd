//go:build linux

package memseg

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vortexdp/hugealloc/internal/xlog"
)

// HugeTLBProvider backs reservations with hugetlb mappings. Each Reserve
// call maps a PROT_NONE region for the whole reservation; populating a
// page remaps its slot MAP_FIXED with MAP_HUGETLB and the page-size log
// encoded in the flags, releasing remaps it back to PROT_NONE.
//
// The runtime is assumed to operate in VA-mode (IOVA == VA), so IOVA
// contiguity follows from virtual contiguity of a populated run.
type HugeTLBProvider struct {
	mu    sync.Mutex
	lists []*List
}

// NewHugeTLBProvider returns a provider with no reservations.
func NewHugeTLBProvider() *HugeTLBProvider {
	return &HugeTLBProvider{}
}

// Reserve maps a capacity-page reservation of pageSz bytes for socket.
func (p *HugeTLBProvider) Reserve(socket int, pageSz uintptr, capacity int) (*List, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	length := uintptr(capacity) * pageSz
	addr, err := unix.MmapPtr(-1, 0, nil, length,
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("memseg: reserve %d pages of %d bytes: %w", capacity, pageSz, err)
	}

	l := NewList(uintptr(addr), pageSz, socket, capacity, nil)
	p.lists = append(p.lists, l)
	return l, nil
}

// Lists returns every reservation owned by the provider.
func (p *HugeTLBProvider) Lists() []*List {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*List(nil), p.lists...)
}

// hugeFlags encodes pgSz into the mmap flag word (MAP_HUGE_SHIFT field).
func hugeFlags(pgSz uintptr) int {
	log := 0
	for s := pgSz; s > 1; s >>= 1 {
		log++
	}
	return unix.MAP_HUGETLB | (log << unix.MAP_HUGE_SHIFT)
}

func (p *HugeTLBProvider) populatePage(l *List, idx int) (*Memseg, error) {
	addr := l.base + uintptr(idx)*l.pageSz
	_, err := unix.MmapPtr(-1, 0, unsafe.Pointer(addr), l.pageSz,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED|unix.MAP_POPULATE|hugeFlags(l.pageSz))
	if err != nil {
		return nil, fmt.Errorf("memseg: map huge page: %w", err)
	}
	return l.populate(idx, addr), nil
}

// AllocSegBulk implements Provider.
func (p *HugeTLBProvider) AllocSegBulk(out []*Memseg, pgSz uintptr, socket int, exact bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(out)
	if n == 0 {
		return 0
	}
	for _, l := range p.lists {
		if l.socketID != socket || l.pageSz != pgSz {
			continue
		}
		start := -1
		run := 0
		for idx := 0; idx < l.Cap(); idx++ {
			if l.pages[idx] != nil {
				run = 0
				continue
			}
			run++
			if run == n {
				start = idx - n + 1
				break
			}
		}
		if start < 0 {
			continue
		}
		for i := 0; i < n; i++ {
			ms, err := p.populatePage(l, start+i)
			if err != nil {
				xlog.Errorf("huge page population failed on socket %d: %v", socket, err)
				for j := 0; j < i; j++ {
					p.releasePage(out[j])
					out[j] = nil
				}
				return -1
			}
			out[i] = ms
		}
		return n
	}
	return -1
}

func (p *HugeTLBProvider) releasePage(ms *Memseg) error {
	l := ms.owner
	if l == nil || l.pages[ms.idx] != ms {
		return ErrNotPopulated
	}
	// Remap the slot PROT_NONE so the reservation stays intact while the
	// huge page itself goes back to the kernel pool.
	_, err := unix.MmapPtr(-1, 0, unsafe.Pointer(ms.Addr), ms.Len,
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED|unix.MAP_NORESERVE)
	l.clear(ms.idx)
	return err
}

// FreeSegBulk implements Provider.
func (p *HugeTLBProvider) FreeSegBulk(ms []*Memseg) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var first error
	for _, m := range ms {
		if err := p.releasePage(m); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// FreeSeg implements Provider.
func (p *HugeTLBProvider) FreeSeg(ms *Memseg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releasePage(ms)
}

// IsContig implements Provider. In VA-mode a populated virtually
// contiguous range is physically reachable as-is.
func (p *HugeTLBProvider) IsContig(l *List, base, length uintptr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if length == 0 {
		return true
	}
	first := l.IndexOf(base)
	last := l.IndexOf(base + length - 1)
	if first < 0 || last < 0 {
		return false
	}
	for idx := first; idx <= last; idx++ {
		if l.pages[idx] == nil {
			return false
		}
	}
	return true
}
