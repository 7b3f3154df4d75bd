package malloc

import (
	"bytes"
	"math/rand"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vortexdp/hugealloc/internal/config"
	"github.com/vortexdp/hugealloc/internal/memseg"
)

const pg2M = 2 << 20

func TestHeapExactFitSplit(t *testing.T) {
	env, _ := newTestEnv(t, 1, pg2M, 16, 8, true) // one fixed-size 16 MiB FREE element
	h := env.Heap(0)
	before := h.Stats()
	require.Equal(t, uint32(1), before.FreeCount)

	p := env.Alloc("split", 4096, 0, 0, 64, 0, false)
	require.NotNil(t, p)

	st := h.Stats()
	assert.Equal(t, before.HeapTotalBytes, st.HeapTotalBytes, "total must not change on split")
	assert.Equal(t, uint32(1), st.AllocCount)
	assert.Equal(t, uint32(1), st.FreeCount, "one trailing FREE remainder")
	assert.GreaterOrEqual(t, st.HeapAllocBytes, uintptr(4096))
	validateHeap(t, h)

	require.NoError(t, env.Free(p))
	st = h.Stats()
	assert.Equal(t, before, st, "free must restore the original single element")
	validateHeap(t, h)
}

func TestHeapGrowth(t *testing.T) {
	env, _ := newTestEnv(t, 1, pg2M, 16, 0, false) // empty heap, 2 MiB class available
	h := env.Heap(0)
	require.Equal(t, uintptr(0), h.Stats().HeapTotalBytes)

	p := env.Alloc("grow", 3<<20, 0, 0, 0, 0, true)
	require.NotNil(t, p, "growth must back a 3 MiB contiguous request")

	st := h.Stats()
	assert.Equal(t, uintptr(4<<20), st.HeapTotalBytes, "two 2 MiB pages mapped")
	assert.Equal(t, uint32(1), st.AllocCount)
	assert.Equal(t, uint32(1), st.FreeCount, "trailing remainder stays FREE")
	assert.Greater(t, st.HeapFreeBytes, uintptr(0))
	assert.Less(t, st.HeapFreeBytes, uintptr(1<<20)+uintptr(minElemSize))
	validateHeap(t, h)
}

func TestHeapContigFailureUnwinds(t *testing.T) {
	env, prov := newTestEnv(t, 1, pg2M, 16, 0, false)
	h := env.Heap(0)
	prov.ScatterIOVA(true)

	p := env.Alloc("contig", 3<<20, 0, 0, 0, 0, true)
	assert.Nil(t, p, "non-contiguous pages must fail a contig request")

	st := h.Stats()
	assert.Equal(t, uintptr(0), st.HeapTotalBytes, "failed growth must unwind accounting")
	assert.Equal(t, uint32(0), st.AllocCount)
	assert.Equal(t, uint32(0), st.FreeCount)
	validateHeap(t, h)

	// The same request without contig is satisfiable.
	p = env.Alloc("contig", 3<<20, 0, 0, 0, 0, false)
	require.NotNil(t, p)
	validateHeap(t, h)
}

func TestHeapGrowthUndo(t *testing.T) {
	env, prov := newTestEnv(t, 1, pg2M, 16, 0, false)
	h := env.Heap(0)

	// Expansion succeeds at the provider level but the new element can
	// never match the requested page-size flags, forcing the undo path.
	h.mu.Lock()
	err := env.tryExpandHeap(h, pg2M, 1<<20, 0, Flag1GB, 64, 0, false)
	h.mu.Unlock()

	require.Error(t, err)
	st := h.Stats()
	assert.Equal(t, uintptr(0), st.HeapTotalBytes)
	assert.Equal(t, uint32(0), st.FreeCount)
	assert.Greater(t, prov.FreedPages(), 0, "undo must release the fresh pages")
	validateHeap(t, h)
}

func TestHeapCrossSocketFallback(t *testing.T) {
	p := memseg.NewMemProvider()
	mc := &config.MemConfig{
		MaxSockets:    2,
		OnlineSockets: []int{0, 1},
		ThreadSocket:  func() int { return 0 },
	}
	// Socket 0 has a tiny reservation; socket 1 has room.
	l0 := p.Reserve(0, pg2M, 1)
	l1 := p.Reserve(1, pg2M, 8)
	mc.Lists = append(mc.Lists, l0, l1)
	env := NewEnv(mc, p)
	require.NoError(t, env.Init())

	// Exhaust socket 0.
	first := env.Alloc("pin", 1<<20, 0, 0, 0, 0, false)
	require.NotNil(t, first)

	// A pinned request beyond socket 0's capacity fails...
	assert.Nil(t, env.Alloc("pin", 4<<20, 0, 0, 0, 0, false))

	// ...while AnySocket falls back to socket 1.
	q := env.Alloc("any", 4<<20, AnySocket, 0, 0, 0, false)
	require.NotNil(t, q)
	assert.Equal(t, 1, elemFromPayload(q).heap.Socket(), "fallback allocation must land on socket 1")

	validateHeap(t, env.Heap(0))
	validateHeap(t, env.Heap(1))
}

func TestHeapShrinkOnFree(t *testing.T) {
	env, prov := newTestEnv(t, 1, pg2M, 16, 0, false)
	h := env.Heap(0)

	p := env.Alloc("span", 6<<20, 0, 0, 0, 0, false)
	require.NotNil(t, p)
	st := h.Stats()
	require.Equal(t, uintptr(8<<20), st.HeapTotalBytes, "four 2 MiB pages mapped")

	require.NoError(t, env.Free(p))

	st = h.Stats()
	assert.Equal(t, uintptr(0), st.HeapTotalBytes, "all whole pages returned")
	assert.Equal(t, uint32(0), st.AllocCount)
	assert.Equal(t, 4, prov.FreedPages(), "provider must see one release per page")
	validateHeap(t, h)
}

func TestHeapShrinkThreshold(t *testing.T) {
	env, prov := newTestEnv(t, 1, pg2M, 16, 0, false)
	h := env.Heap(0)
	env.cfg.SetShrinkThreshold(16 << 20)

	p := env.Alloc("thr", 6<<20, 0, 0, 0, 0, false)
	require.NotNil(t, p)
	require.NoError(t, env.Free(p))

	st := h.Stats()
	assert.Equal(t, uintptr(8<<20), st.HeapTotalBytes,
		"an element below the shrink threshold keeps its pages")
	assert.Equal(t, 0, prov.FreedPages())
	validateHeap(t, h)

	// Lowering the threshold lets the next free return the pages.
	env.cfg.SetShrinkThreshold(0)
	p = env.Alloc("thr", 6<<20, 0, 0, 0, 0, false)
	require.NotNil(t, p)
	require.NoError(t, env.Free(p))
	assert.Equal(t, uintptr(0), h.Stats().HeapTotalBytes)
	assert.Equal(t, 4, prov.FreedPages())
	validateHeap(t, h)
}

func TestHeapPageSizePreference(t *testing.T) {
	p := memseg.NewMemProvider()
	mc := &config.MemConfig{
		MaxSockets:    1,
		OnlineSockets: []int{0},
		ThreadSocket:  func() int { return 0 },
	}
	small := p.Reserve(0, 256<<10, 32) // 256 KiB class, 8 MiB
	big := p.Reserve(0, pg2M, 8)       // 2 MiB class, 16 MiB
	p.Prealloc(small, 32)
	mc.Lists = append(mc.Lists, small, big)
	env := NewEnv(mc, p)
	require.NoError(t, env.Init())
	h := env.Heap(0)

	t.Run("StrictFlagPicksClass", func(t *testing.T) {
		q := env.Alloc("strict", 128<<10, 0, Flag2MB, 0, 0, false)
		require.NotNil(t, q)
		assert.Equal(t, uintptr(pg2M), elemFromPayload(q).msl.PageSz(),
			"strict 2M request must not come from the 256K class")
		require.NoError(t, env.Free(q))
		validateHeap(t, h)
	})

	t.Run("HintFallsBack", func(t *testing.T) {
		// A hinted 1G request cannot grow a 1G class (none exists), so
		// it must fall back to whatever free memory there is.
		q := env.Alloc("hint", 128<<10, 0, Flag1GB|SizeHintOnly, 0, 0, false)
		require.NotNil(t, q)
		require.NoError(t, env.Free(q))
		validateHeap(t, h)
	})

	t.Run("StrictFailsWithoutClass", func(t *testing.T) {
		assert.Nil(t, env.Alloc("strict", 128<<10, 0, Flag1GB, 0, 0, false),
			"no 1G class configured")
		validateHeap(t, h)
	})
}

func TestHeapLegacyMode(t *testing.T) {
	p := memseg.NewMemProvider()
	mc := &config.MemConfig{
		MaxSockets:    1,
		OnlineSockets: []int{0},
		ThreadSocket:  func() int { return 0 },
	}
	mc.SetLegacyMem(true)
	l := p.Reserve(0, pg2M, 16)
	p.Prealloc(l, 4) // externally sized: 8 MiB, never grows
	mc.Lists = append(mc.Lists, l)
	env := NewEnv(mc, p)
	require.NoError(t, env.Init())
	h := env.Heap(0)

	assert.Nil(t, env.Alloc("legacy", 16<<20, 0, 0, 0, 0, false),
		"legacy heaps must not grow")

	q := env.Alloc("legacy", 4<<20, 0, 0, 0, 0, false)
	require.NotNil(t, q)
	require.NoError(t, env.Free(q))
	assert.Equal(t, 0, p.FreedPages(), "legacy heaps must not return pages")
	assert.Equal(t, uintptr(8<<20), h.Stats().HeapTotalBytes)
	validateHeap(t, h)
}

func TestHeapAllocValidation(t *testing.T) {
	env, _ := newTestEnv(t, 1, pg2M, 16, 8, true)

	assert.Nil(t, env.Alloc("bad", 0, 0, 0, 0, 0, false), "zero size")
	assert.Nil(t, env.Alloc("bad", 4096, 0, 0, 65, 0, false), "non-power-of-two align")
	assert.Nil(t, env.Alloc("bad", 4096, 0, 0, 64, 3000, false), "non-power-of-two bound")
	assert.Nil(t, env.Alloc("bad", 4096, 0, Flags(1<<30), 0, 0, false), "reserved flag bits")
	assert.Nil(t, env.Alloc("bad", 4096, 99, 0, 0, 0, false), "socket out of range")

	assert.ErrorIs(t, env.Free(nil), ErrInvalidArg)
	assert.ErrorIs(t, env.Resize(nil, 64), ErrInvalidArg)

	_, err := env.Stats(99)
	assert.ErrorIs(t, err, ErrInvalidArg)
	assert.ErrorIs(t, env.Dump(99, &bytes.Buffer{}), ErrInvalidArg)
}

func TestHeapDump(t *testing.T) {
	env, _ := newTestEnv(t, 1, pg2M, 16, 8, true)

	p := env.Alloc("dump", 4096, 0, 0, 64, 0, false)
	require.NotNil(t, p)

	var buf bytes.Buffer
	require.NoError(t, env.Dump(0, &buf))
	out := buf.String()
	assert.Contains(t, out, "Heap size:")
	assert.Contains(t, out, "Heap alloc count: 1")
	assert.Contains(t, out, "BUSY")
	assert.Contains(t, out, "FREE")
}

func TestHeapAccountingRoundTrip(t *testing.T) {
	env, _ := newTestEnv(t, 1, pg2M, 32, 16, true)
	h := env.Heap(0)
	before := h.Stats()

	rng := rand.New(rand.NewSource(1))
	live := make([]unsafe.Pointer, 0, 128)
	for i := 0; i < 400; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			k := rng.Intn(len(live))
			require.NoError(t, env.Free(live[k]))
			live = append(live[:k], live[k+1:]...)
			continue
		}
		size := uintptr(64 * (1 + rng.Intn(512)))
		if p := env.Alloc("rt", size, 0, 0, 64, 0, false); p != nil {
			live = append(live, p)
		}
	}
	validateHeap(t, h)

	for _, p := range live {
		require.NoError(t, env.Free(p))
	}
	validateHeap(t, h)

	st := h.Stats()
	assert.Equal(t, before.HeapTotalBytes, st.HeapTotalBytes,
		"returning to empty must restore the post-init total")
	assert.Equal(t, uint32(0), st.AllocCount)
}

func TestHeapConcurrentStress(t *testing.T) {
	env, _ := newTestEnv(t, 1, pg2M, 64, 32, false)
	h := env.Heap(0)

	const workers = 8
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			var live []unsafe.Pointer
			for i := 0; i < 300; i++ {
				if len(live) > 4 || (len(live) > 0 && rng.Intn(2) == 0) {
					k := rng.Intn(len(live))
					if err := env.Free(live[k]); err != nil {
						t.Errorf("free: %v", err)
						return
					}
					live = append(live[:k], live[k+1:]...)
					continue
				}
				size := uintptr(64 * (1 + rng.Intn(256)))
				if p := env.Alloc("stress", size, 0, 0, 64, 0, false); p != nil {
					// touch the payload so races surface
					*(*uint64)(p) = uint64(seed)
					live = append(live, p)
				}
			}
			for _, p := range live {
				if err := env.Free(p); err != nil {
					t.Errorf("drain: %v", err)
				}
			}
		}(int64(w + 1))
	}
	wg.Wait()

	validateHeap(t, h)
	assert.Equal(t, uint32(0), h.Stats().AllocCount)
}

func TestHeapStatsGreatestFree(t *testing.T) {
	env, _ := newTestEnv(t, 1, pg2M, 16, 8, true)
	h := env.Heap(0)

	a := env.Alloc("a", 1<<20, 0, 0, 0, 0, false)
	b := env.Alloc("b", 64, 0, 0, 0, 0, false)
	require.NotNil(t, a)
	require.NotNil(t, b)
	require.NoError(t, env.Free(a)) // a hole before b, plus the big tail

	st := h.Stats()
	assert.Equal(t, uint32(2), st.FreeCount)
	assert.Equal(t, st.HeapTotalBytes-st.HeapFreeBytes, st.HeapAllocBytes)
	assert.Greater(t, st.GreatestFreeSize, uintptr(1<<20))
	validateHeap(t, h)
}
