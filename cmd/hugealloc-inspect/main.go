// hugealloc-inspect brings up an allocator context from a configuration
// file (or the built-in default), performs a scripted set of allocations,
// and prints per-socket statistics and heap dumps. It is a smoke-test and
// debugging tool, not part of the allocator itself.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	hugealloc "github.com/vortexdp/hugealloc"
	"github.com/vortexdp/hugealloc/internal/config"
)

type socketReport struct {
	Socket        int    `json:"socket"`
	TotalBytes    uint64 `json:"total_bytes"`
	FreeBytes     uint64 `json:"free_bytes"`
	AllocBytes    uint64 `json:"alloc_bytes"`
	GreatestFree  uint64 `json:"greatest_free"`
	FreeCount     uint32 `json:"free_count"`
	AllocCount    uint32 `json:"alloc_count"`
	FailedAllocs  int    `json:"failed_allocs"`
	ScriptedAlloc int    `json:"scripted_allocs"`
}

func main() {
	var (
		configPath string
		socket     int
		allocs     string
		align      uint64
		contig     bool
		jsonOut    bool
		dump       bool
		debug      bool
	)

	flag.StringVar(&configPath, "config", "", "path to a hugealloc JSON config (default: built-in)")
	flag.IntVar(&socket, "socket", int(hugealloc.AnySocket), "socket to allocate on (-1 = any)")
	flag.StringVar(&allocs, "allocs", "", "comma-separated allocation sizes to perform, e.g. 1M,4096,2M")
	flag.Uint64Var(&align, "align", 0, "alignment for scripted allocations")
	flag.BoolVar(&contig, "contig", false, "require physically contiguous memory")
	flag.BoolVar(&jsonOut, "json", false, "emit statistics as JSON")
	flag.BoolVar(&dump, "dump", false, "dump heap layout after the allocations")
	flag.BoolVar(&debug, "debug", false, "enable allocator debug logging")
	flag.Parse()

	opts := []hugealloc.Option{hugealloc.WithLogOutput(os.Stderr)}
	if configPath != "" {
		opts = append(opts, hugealloc.WithConfigFile(configPath))
	}
	if debug {
		opts = append(opts, hugealloc.WithDebugLog())
	}

	ctx, err := hugealloc.NewContext(opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hugealloc-inspect: %v\n", err)
		os.Exit(1)
	}
	defer ctx.Close()

	scripted, failed := runScript(ctx, allocs, socket, uintptr(align), contig)

	reports := make([]socketReport, 0, len(ctx.Sockets()))
	for _, s := range ctx.Sockets() {
		st, err := ctx.SocketStats(s)
		if err != nil {
			continue
		}
		reports = append(reports, socketReport{
			Socket:        s,
			TotalBytes:    uint64(st.HeapTotalBytes),
			FreeBytes:     uint64(st.HeapFreeBytes),
			AllocBytes:    uint64(st.HeapAllocBytes),
			GreatestFree:  uint64(st.GreatestFreeSize),
			FreeCount:     st.FreeCount,
			AllocCount:    st.AllocCount,
			FailedAllocs:  failed,
			ScriptedAlloc: scripted,
		})
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			fmt.Fprintf(os.Stderr, "hugealloc-inspect: %v\n", err)
			os.Exit(1)
		}
	} else {
		for _, r := range reports {
			fmt.Printf("socket %d: total %d free %d alloc %d greatest-free %d (elements: %d free, %d busy)\n",
				r.Socket, r.TotalBytes, r.FreeBytes, r.AllocBytes, r.GreatestFree,
				r.FreeCount, r.AllocCount)
		}
		if failed > 0 {
			fmt.Printf("%d of %d scripted allocations failed\n", failed, scripted)
		}
	}

	if dump {
		for _, s := range ctx.Sockets() {
			if err := ctx.Dump(s, os.Stdout); err != nil {
				fmt.Fprintf(os.Stderr, "hugealloc-inspect: dump socket %d: %v\n", s, err)
			}
		}
	}
}

// runScript performs the -allocs list and leaves the memory allocated so
// the stats and dump show it. Returns (attempted, failed).
func runScript(ctx *hugealloc.Context, allocs string, socket int, align uintptr, contig bool) (int, int) {
	if allocs == "" {
		return 0, 0
	}
	attempted, failed := 0, 0
	for _, field := range strings.Split(allocs, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		size, err := config.ParseByteSize(field)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hugealloc-inspect: bad size %q: %v\n", field, err)
			failed++
			attempted++
			continue
		}
		attempted++
		if p := ctx.Alloc("inspect", uintptr(size), socket, 0, align, 0, contig); p == nil {
			failed++
		}
	}
	return attempted, failed
}
