// Package topology discovers the machine's NUMA sockets and resolves the
// socket of the calling thread. Discovery reads sysfs on Linux and falls
// back to a single socket elsewhere; both pieces are injectable so tests
// and embedders can present any topology they like.
package topology

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Topology enumerates the online NUMA sockets and maps CPUs to them.
type Topology struct {
	sockets []int
	cpuNode map[int]int
}

// Sockets returns the online socket IDs in ascending order.
func (t *Topology) Sockets() []int {
	return append([]int(nil), t.sockets...)
}

// MaxSocket returns the highest online socket ID.
func (t *Topology) MaxSocket() int {
	if len(t.sockets) == 0 {
		return 0
	}
	return t.sockets[len(t.sockets)-1]
}

// NodeOfCPU returns the socket owning cpu, or 0 when unknown.
func (t *Topology) NodeOfCPU(cpu int) int {
	if n, ok := t.cpuNode[cpu]; ok {
		return n
	}
	return 0
}

// New builds a fixed topology from an explicit socket list and cpu map;
// tests and embedders use it to bypass discovery.
func New(sockets []int, cpuNode map[int]int) *Topology {
	if len(sockets) == 0 {
		sockets = []int{0}
	}
	s := append([]int(nil), sockets...)
	sort.Ints(s)
	if cpuNode == nil {
		cpuNode = map[int]int{}
	}
	return &Topology{sockets: s, cpuNode: cpuNode}
}

// Discover reads the system topology. It never fails: when sysfs is
// unavailable the result is a single socket 0 owning every CPU.
func Discover() *Topology {
	t, err := discoverSysfs()
	if err != nil {
		return &Topology{sockets: []int{0}, cpuNode: map[int]int{}}
	}
	return t
}

func discoverSysfs() (*Topology, error) {
	data, err := os.ReadFile("/sys/devices/system/node/online")
	if err != nil {
		return nil, err
	}
	sockets, err := ParseNodeList(strings.TrimSpace(string(data)))
	if err != nil || len(sockets) == 0 {
		return nil, fmt.Errorf("topology: bad node list: %w", err)
	}

	cpuNode := make(map[int]int)
	for _, node := range sockets {
		raw, err := os.ReadFile(fmt.Sprintf("/sys/devices/system/node/node%d/cpulist", node))
		if err != nil {
			continue
		}
		cpus, err := ParseNodeList(strings.TrimSpace(string(raw)))
		if err != nil {
			continue
		}
		for _, cpu := range cpus {
			cpuNode[cpu] = node
		}
	}
	return &Topology{sockets: sockets, cpuNode: cpuNode}, nil
}

// ParseNodeList expands a sysfs list like "0-1,4" into sorted IDs.
func ParseNodeList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			a, err := strconv.Atoi(lo)
			if err != nil {
				return nil, fmt.Errorf("topology: bad range %q", part)
			}
			b, err := strconv.Atoi(hi)
			if err != nil || b < a {
				return nil, fmt.Errorf("topology: bad range %q", part)
			}
			for v := a; v <= b; v++ {
				out = append(out, v)
			}
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("topology: bad id %q", part)
		}
		out = append(out, v)
	}
	sort.Ints(out)
	return out, nil
}

// CurrentSocket returns the NUMA socket of the CPU the calling goroutine
// happens to run on. Best effort: data-plane threads are expected to be
// pinned, in which case the answer is stable.
func (t *Topology) CurrentSocket() int {
	cpu, ok := currentCPU()
	if !ok {
		return 0
	}
	return t.NodeOfCPU(cpu)
}
