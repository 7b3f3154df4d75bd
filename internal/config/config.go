// Package config holds the process-wide memory configuration: the memseg
// lists discovered at startup, the legacy-mode and huge-page switches,
// and the socket enumeration the dispatcher consults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/vortexdp/hugealloc/internal/memseg"
)

// MemConfig is assembled once at initialization. The list set and socket
// enumeration are immutable afterwards; the runtime tunables (legacy
// mode, shrink threshold) may be changed by a config-file reload and are
// read atomically.
type MemConfig struct {
	Lists         []*memseg.List
	NoHuge        bool
	MaxSockets    int
	OnlineSockets []int

	// ThreadSocket resolves the calling thread's NUMA socket; the
	// dispatcher uses it to resolve AnySocket.
	ThreadSocket func() int

	legacyMem       atomic.Bool
	shrinkThreshold atomic.Uint64
}

// LegacyMem reports whether heaps are externally sized: no growth on
// allocation, no page return on free.
func (c *MemConfig) LegacyMem() bool { return c.legacyMem.Load() }

// SetLegacyMem flips legacy mode.
func (c *MemConfig) SetLegacyMem(on bool) { c.legacyMem.Store(on) }

// ShrinkThreshold returns the minimum size a coalesced FREE element must
// reach before its whole pages are returned to the provider. Zero means
// any element spanning at least one whole page qualifies.
func (c *MemConfig) ShrinkThreshold() uintptr {
	return uintptr(c.shrinkThreshold.Load())
}

// SetShrinkThreshold changes the shrink threshold.
func (c *MemConfig) SetShrinkThreshold(n uintptr) {
	c.shrinkThreshold.Store(uint64(n))
}

// ByteSize is a byte count that unmarshals from JSON as either a number
// or a string with a K/M/G suffix ("2M", "1G").
type ByteSize uintptr

// UnmarshalJSON implements json.Unmarshaler.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if len(s) == 0 {
		return fmt.Errorf("config: empty byte size")
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		v, err := ParseByteSize(str)
		if err != nil {
			return err
		}
		*b = v
		return nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("config: bad byte size %q: %w", s, err)
	}
	*b = ByteSize(n)
	return nil
}

// ParseByteSize parses "4096", "256K", "2M" or "1G".
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("config: empty byte size")
	}
	mult := uintptr(1)
	switch s[len(s)-1] {
	case 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: bad byte size %q: %w", s, err)
	}
	return ByteSize(uintptr(n) * mult), nil
}

// PageReservation describes one memseg list to create: a page-size class
// with a slot capacity, optionally pre-populated.
type PageReservation struct {
	PageSize ByteSize `json:"page_size"`
	Pages    int      `json:"pages"`
	Prealloc int      `json:"prealloc,omitempty"`
}

// SocketConfig groups the reservations of one NUMA socket.
type SocketConfig struct {
	Socket       int               `json:"socket"`
	Reservations []PageReservation `json:"reservations"`
}

// File is the on-disk configuration. LegacyMem and ShrinkThreshold are
// runtime tunables consulted again on reload; everything else shapes the
// immutable list set.
type File struct {
	LegacyMem bool `json:"legacy_mem"`
	NoHuge    bool `json:"no_huge"`

	// ShrinkThreshold keeps a coalesced FREE element's pages mapped
	// until the element reaches this size; zero returns any whole idle
	// page.
	ShrinkThreshold ByteSize `json:"shrink_threshold,omitempty"`

	MaxSockets int            `json:"max_sockets,omitempty"`
	Sockets    []SocketConfig `json:"sockets"`
}

// Default returns a single-socket configuration with a modest 2 MiB
// class, enough to bring an allocator up without a config file.
func Default() *File {
	return &File{
		MaxSockets: 1,
		Sockets: []SocketConfig{{
			Socket: 0,
			Reservations: []PageReservation{
				{PageSize: 2 << 20, Pages: 512},
			},
		}},
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &f, nil
}

// Validate checks page sizes are powers of two and sockets are sane.
func (f *File) Validate() error {
	for _, sc := range f.Sockets {
		if sc.Socket < 0 {
			return fmt.Errorf("negative socket %d", sc.Socket)
		}
		if f.MaxSockets > 0 && sc.Socket >= f.MaxSockets {
			return fmt.Errorf("socket %d outside max_sockets %d", sc.Socket, f.MaxSockets)
		}
		for _, r := range sc.Reservations {
			if r.PageSize == 0 || r.PageSize&(r.PageSize-1) != 0 {
				return fmt.Errorf("page size %d on socket %d is not a power of two",
					r.PageSize, sc.Socket)
			}
			if r.Pages <= 0 {
				return fmt.Errorf("reservation on socket %d has no pages", sc.Socket)
			}
			if r.Prealloc < 0 || r.Prealloc > r.Pages {
				return fmt.Errorf("prealloc %d outside 0..%d on socket %d",
					r.Prealloc, r.Pages, sc.Socket)
			}
		}
	}
	return nil
}
