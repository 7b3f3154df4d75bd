// Package hugealloc is a NUMA-aware, huge-page-backed dynamic memory
// allocator for userspace data-plane runtimes. It manages one heap per
// NUMA socket, each backed by fixed page-size virtual reservations that
// are populated and released page by page on demand.
//
// All operations go through a Context. Init builds the process-wide
// default Context; the package-level functions forward to it.
package hugealloc

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/vortexdp/hugealloc/internal/config"
	"github.com/vortexdp/hugealloc/internal/malloc"
	"github.com/vortexdp/hugealloc/internal/memseg"
	"github.com/vortexdp/hugealloc/internal/topology"
	"github.com/vortexdp/hugealloc/internal/xlog"
)

// Flags constrain an allocation to page-size classes; see the Flag
// constants.
type Flags = malloc.Flags

// SocketStats summarizes one heap.
type SocketStats = malloc.SocketStats

// Provider supplies physically backed pages; see memseg.Provider.
type Provider = memseg.Provider

const (
	Flag256KB = malloc.Flag256KB
	Flag2MB   = malloc.Flag2MB
	Flag16MB  = malloc.Flag16MB
	Flag256MB = malloc.Flag256MB
	Flag512MB = malloc.Flag512MB
	Flag1GB   = malloc.Flag1GB
	Flag4GB   = malloc.Flag4GB
	Flag16GB  = malloc.Flag16GB

	// SizeHintOnly softens the page-size bits to a preference.
	SizeHintOnly = malloc.SizeHintOnly

	// AnySocket lets the allocator resolve the calling thread's socket
	// and fall back to other sockets on exhaustion.
	AnySocket = malloc.AnySocket
)

// Re-exported error values; see the malloc package for semantics.
var (
	ErrInvalidArg   = malloc.ErrInvalidArg
	ErrCorruption   = malloc.ErrCorruption
	ErrNotResizable = malloc.ErrNotResizable
	ErrNoMemory     = malloc.ErrNoMemory
)

// Context is an allocator instance: the memory configuration, the page
// provider, and one heap per socket. Contexts are independent; a process
// normally has one, but tests and embedders may build several.
type Context struct {
	cfg      *config.MemConfig
	env      *malloc.Env
	provider memseg.Provider
	watcher  *config.Watcher
}

type settings struct {
	file       *config.File
	configPath string
	provider   memseg.Provider
	topo       *topology.Topology
	legacyMem  *bool
	watch      bool
	logTo      io.Writer
	debugLog   bool
}

// Option configures NewContext.
type Option func(*settings)

// WithConfigFile loads the memory layout from a JSON file instead of the
// built-in default.
func WithConfigFile(path string) Option {
	return func(s *settings) { s.configPath = path }
}

// WithConfig supplies the memory layout directly.
func WithConfig(f *config.File) Option {
	return func(s *settings) { s.file = f }
}

// WithProvider substitutes the page provider. The default is the
// in-process provider; production data planes on Linux pass a hugetlb
// provider.
func WithProvider(p memseg.Provider) Option {
	return func(s *settings) { s.provider = p }
}

// WithHugePages backs the context with kernel huge pages through the
// hugetlb provider. Linux only.
func WithHugePages() Option {
	return func(s *settings) { s.provider = memseg.NewHugeTLBProvider() }
}

// WithTopology overrides NUMA discovery.
func WithTopology(t *topology.Topology) Option {
	return func(s *settings) { s.topo = t }
}

// WithLegacyMem forces legacy mode on or off regardless of the config
// file: externally sized heaps, no growth, no page return.
func WithLegacyMem(on bool) Option {
	return func(s *settings) { s.legacyMem = &on }
}

// WithWatch re-applies the config file's runtime tunables when the file
// changes. Only meaningful together with WithConfigFile.
func WithWatch() Option {
	return func(s *settings) { s.watch = true }
}

// WithLogOutput directs allocator logging to w.
func WithLogOutput(w io.Writer) Option {
	return func(s *settings) { s.logTo = w }
}

// WithDebugLog enables debug-level allocator logging.
func WithDebugLog() Option {
	return func(s *settings) { s.debugLog = true }
}

// NewContext assembles an allocator: reservations are created on the
// provider per the configuration, pre-populated runs are registered as
// initial FREE elements, and the per-socket heaps come up empty
// otherwise.
func NewContext(opts ...Option) (*Context, error) {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	if s.logTo != nil {
		xlog.SetOutput(s.logTo)
	}
	if s.debugLog {
		xlog.SetDebug(true)
	}

	f := s.file
	if s.configPath != "" {
		loaded, err := config.Load(s.configPath)
		if err != nil {
			return nil, err
		}
		f = loaded
	}
	if f == nil {
		f = config.Default()
	}
	if s.legacyMem != nil {
		f.LegacyMem = *s.legacyMem
	}

	topo := s.topo
	if topo == nil {
		topo = topology.Discover()
	}

	maxSockets := f.MaxSockets
	if maxSockets <= 0 {
		maxSockets = topo.MaxSocket() + 1
	}
	for _, sc := range f.Sockets {
		if sc.Socket >= maxSockets {
			maxSockets = sc.Socket + 1
		}
	}

	mc := &config.MemConfig{
		NoHuge:        f.NoHuge,
		MaxSockets:    maxSockets,
		OnlineSockets: topo.Sockets(),
		ThreadSocket:  topo.CurrentSocket,
	}
	mc.SetLegacyMem(f.LegacyMem)
	mc.SetShrinkThreshold(uintptr(f.ShrinkThreshold))

	provider := s.provider
	if provider == nil {
		provider = memseg.NewMemProvider()
	}

	if err := buildReservations(mc, provider, f); err != nil {
		return nil, err
	}

	// Every configured socket must be reachable through the fallback
	// walk even when topology discovery saw fewer sockets.
	seen := make(map[int]bool, len(mc.OnlineSockets))
	for _, sid := range mc.OnlineSockets {
		seen[sid] = true
	}
	for _, l := range mc.Lists {
		if !seen[l.SocketID()] {
			mc.OnlineSockets = append(mc.OnlineSockets, l.SocketID())
			seen[l.SocketID()] = true
		}
	}

	ctx := &Context{cfg: mc, env: malloc.NewEnv(mc, provider), provider: provider}
	if err := ctx.env.Init(); err != nil {
		return nil, err
	}

	if s.watch && s.configPath != "" {
		w, err := config.Watch(s.configPath, mc, nil)
		if err != nil {
			return nil, fmt.Errorf("hugealloc: config watch: %w", err)
		}
		ctx.watcher = w
	}
	return ctx, nil
}

// buildReservations creates the memseg lists the config describes. The
// provider owns reservation creation, so only provider types with a
// Reserve method can be driven from a config; a fully pre-built provider
// may instead expose its lists through the Lists method.
func buildReservations(mc *config.MemConfig, provider memseg.Provider, f *config.File) error {
	switch p := provider.(type) {
	case *memseg.MemProvider:
		for _, sc := range f.Sockets {
			for _, r := range sc.Reservations {
				l := p.Reserve(sc.Socket, uintptr(r.PageSize), r.Pages)
				if r.Prealloc > 0 {
					p.Prealloc(l, r.Prealloc)
				}
				mc.Lists = append(mc.Lists, l)
			}
		}
	case *memseg.HugeTLBProvider:
		for _, sc := range f.Sockets {
			for _, r := range sc.Reservations {
				l, err := p.Reserve(sc.Socket, uintptr(r.PageSize), r.Pages)
				if err != nil {
					return fmt.Errorf("hugealloc: reserve socket %d: %w", sc.Socket, err)
				}
				mc.Lists = append(mc.Lists, l)
			}
		}
	case interface{ Lists() []*memseg.List }:
		mc.Lists = p.Lists()
	default:
		return fmt.Errorf("hugealloc: provider %T cannot build reservations", provider)
	}
	return nil
}

// Alloc returns a pointer to size bytes on the requested socket, aligned
// to align, not crossing a bound multiple when bound is non-zero, and
// physically contiguous when contig is set. The tag names the allocation
// for diagnostics. Returns nil on any failure.
func (c *Context) Alloc(tag string, size uintptr, socket int, flags Flags, align, bound uintptr, contig bool) unsafe.Pointer {
	return c.env.Alloc(tag, size, socket, flags, align, bound, contig)
}

// Free returns p to its heap and gives whole idle pages back to the
// provider. Fails only on a nil, foreign, or corrupted pointer.
func (c *Context) Free(p unsafe.Pointer) error {
	return c.env.Free(p)
}

// Resize grows or shrinks p's allocation in place; it never relocates.
func (c *Context) Resize(p unsafe.Pointer, newSize uintptr) error {
	return c.env.Resize(p, newSize)
}

// SocketStats returns the totals for one socket's heap.
func (c *Context) SocketStats(socket int) (SocketStats, error) {
	return c.env.Stats(socket)
}

// Dump writes socket's heap layout to w.
func (c *Context) Dump(socket int, w io.Writer) error {
	return c.env.Dump(socket, w)
}

// Sockets returns the online socket IDs the context dispatches over.
func (c *Context) Sockets() []int {
	return append([]int(nil), c.cfg.OnlineSockets...)
}

// Close stops background work (the config watcher). Managed memory lives
// for the process lifetime and is not unmapped.
func (c *Context) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

// Default is the process-wide allocator context, set by Init.
var Default *Context

// Init builds the Default context. It walks the configured reservations
// and registers every IOVA-contiguous pre-populated run as an initial
// FREE element in the heap of its socket.
func Init(opts ...Option) error {
	ctx, err := NewContext(opts...)
	if err != nil {
		return err
	}
	Default = ctx
	return nil
}

// Alloc allocates from the Default context.
func Alloc(tag string, size uintptr, socket int, flags Flags, align, bound uintptr, contig bool) unsafe.Pointer {
	if Default == nil {
		return nil
	}
	return Default.Alloc(tag, size, socket, flags, align, bound, contig)
}

// Free frees through the Default context.
func Free(p unsafe.Pointer) error {
	if Default == nil {
		return ErrInvalidArg
	}
	return Default.Free(p)
}

// Resize resizes through the Default context.
func Resize(p unsafe.Pointer, newSize uintptr) error {
	if Default == nil {
		return ErrInvalidArg
	}
	return Default.Resize(p, newSize)
}

// GetStats reads stats from the Default context.
func GetStats(socket int) (SocketStats, error) {
	if Default == nil {
		return SocketStats{}, ErrInvalidArg
	}
	return Default.SocketStats(socket)
}

// Dump dumps a heap of the Default context.
func Dump(socket int, w io.Writer) error {
	if Default == nil {
		return ErrInvalidArg
	}
	return Default.Dump(socket, w)
}
