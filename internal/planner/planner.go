// Package planner converts a validated ScanConfig into a finite, deduplicated
// ScanPlan: a set of target hosts and a port list. It owns CIDR/range parsing
// and pairwise overlap rejection — interval math no library in the retrieved
// example pack performs, so this package is the one place in Eidolon that
// deliberately leans on the standard library (net + sort) instead of a
// third-party dependency.
package planner

import (
	"fmt"
	"net"
	"sort"

	"github.com/eidolon-project/eidolon/internal/errors"
)

const (
	maxTargetRanges = 50
	maxPorts        = 1000
	minPort         = 1
	maxPort         = 65535

	minPingConcurrency = 32
	maxPingConcurrency = 512
	minPortScanWorkers = 8
	maxPortScanWorkers = 64
)

// PresetTag selects a named bundle of scan behavior.
type PresetTag string

const (
	PresetFast   PresetTag = "fast"
	PresetNormal PresetTag = "normal"
	PresetFull   PresetTag = "full"
	PresetCustom PresetTag = "custom"
)

// ScanOptions tunes concurrency and enrichment behavior for a scan.
type ScanOptions struct {
	PingConcurrency int  `json:"ping_concurrency" yaml:"ping_concurrency" validate:"gte=32,lte=512"`
	PortScanWorkers int  `json:"port_scan_workers" yaml:"port_scan_workers" validate:"gte=8,lte=64"`
	DNSResolution   bool `json:"dns_resolution" yaml:"dns_resolution"`
	Aggressive      bool `json:"aggressive" yaml:"aggressive"`
}

// DefaultScanOptions returns the option set used when a config omits one.
func DefaultScanOptions() ScanOptions {
	return ScanOptions{
		PingConcurrency: 64,
		PortScanWorkers: 8,
		DNSResolution:   false,
		Aggressive:      false,
	}
}

// ScanConfig is the validated input to the Planner.
type ScanConfig struct {
	TargetRanges []string    `json:"network_cidrs" yaml:"network_cidrs" validate:"required,min=1"`
	Ports        []int       `json:"ports" yaml:"ports"`
	Preset       PresetTag   `json:"preset" yaml:"preset" validate:"omitempty,oneof=fast normal full custom"`
	Options      ScanOptions `json:"options" yaml:"options" validate:"required"`
}

// hostRange is an inclusive [start, end] IPv4 address interval, represented
// as the big-endian uint32 form of the address for interval arithmetic.
type hostRange struct {
	start  uint32
	end    uint32
	source string
}

// ScanPlan is the Planner's output: a deduplicated, ordered set of hosts and
// a verbatim port list (or AllPorts, for the "full" preset).
type ScanPlan struct {
	Hosts    []net.IP
	Ports    []int
	AllPorts bool
	Options  ScanOptions

	// Ranges is cfg.TargetRanges verbatim, carried through for consumers
	// (the Graph Writer's NetworkContainer membership) that need a host's
	// originating CIDR, not just its flattened address.
	Ranges []string
}

// HostCount returns the exact denominator progress events report against.
func (p *ScanPlan) HostCount() int {
	return len(p.Hosts)
}

// Plan validates cfg and derives a ScanPlan, or returns a *errors.ScanError
// naming one of the Planner's error kinds (InvalidTarget, OverlappingTargets,
// EmptyTargets, TooManyTargets, InvalidPort, DuplicatePort, TooManyPorts).
// Validation completes before any subprocess is spawned.
func Plan(cfg ScanConfig) (*ScanPlan, error) {
	if len(cfg.TargetRanges) == 0 {
		return nil, errors.NewScanError(errors.CodeEmptyTargets, "scan config has no target ranges")
	}
	if len(cfg.TargetRanges) > maxTargetRanges {
		return nil, errors.NewScanError(errors.CodeTooManyTargets,
			fmt.Sprintf("%d target ranges exceeds the maximum of %d", len(cfg.TargetRanges), maxTargetRanges))
	}

	ranges := make([]hostRange, 0, len(cfg.TargetRanges))
	for _, target := range cfg.TargetRanges {
		r, err := parseTargetRange(target)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}

	sort.Slice(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })

	for i := 1; i < len(ranges); i++ {
		if ranges[i].start <= ranges[i-1].end {
			return nil, errors.NewScanErrorWithTarget(errors.CodeOverlappingTargets,
				fmt.Sprintf("target range %q overlaps %q", ranges[i].source, ranges[i-1].source),
				ranges[i].source)
		}
	}

	hosts := make([]net.IP, 0, defaultHostCapacity(ranges))
	seen := make(map[uint32]struct{})
	for _, r := range ranges {
		for addr := r.start; addr <= r.end; addr++ {
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			hosts = append(hosts, uint32ToIP(addr))
			if addr == r.end { // avoid uint32 overflow when end == MaxUint32
				break
			}
		}
	}

	ports, allPorts, err := planPorts(cfg.Ports, cfg.Preset)
	if err != nil {
		return nil, err
	}

	opts := cfg.Options
	if opts == (ScanOptions{}) {
		opts = DefaultScanOptions()
	}

	return &ScanPlan{
		Hosts:    hosts,
		Ports:    ports,
		AllPorts: allPorts,
		Options:  opts,
		Ranges:   cfg.TargetRanges,
	}, nil
}

func defaultHostCapacity(ranges []hostRange) int {
	total := 0
	for _, r := range ranges {
		total += int(r.end-r.start) + 1
	}
	return total
}

// planPorts validates and returns the port list, or signals that the driver
// should scan all 65535 ports (only permitted for the "full" preset with an
// empty port list, per spec.md §3/§4.1).
func planPorts(ports []int, preset PresetTag) ([]int, bool, error) {
	if len(ports) == 0 {
		if preset == PresetFull {
			return nil, true, nil
		}
		return nil, false, errors.NewScanError(errors.CodeEmptyTargets, "port list is empty and preset is not \"full\"")
	}

	if len(ports) > maxPorts {
		return nil, false, errors.NewScanError(errors.CodeTooManyPorts,
			fmt.Sprintf("%d ports exceeds the maximum of %d", len(ports), maxPorts))
	}

	seen := make(map[int]struct{}, len(ports))
	out := make([]int, 0, len(ports))
	for _, p := range ports {
		if p < minPort || p > maxPort {
			return nil, false, errors.NewScanError(errors.CodeInvalidPort,
				fmt.Sprintf("port %d is outside the valid range %d-%d", p, minPort, maxPort))
		}
		if _, dup := seen[p]; dup {
			return nil, false, errors.NewScanError(errors.CodeDuplicatePort,
				fmt.Sprintf("port %d is listed more than once", p))
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	return out, false, nil
}

// parseTargetRange parses a single target as a CIDR block, a dash range
// (A.B.C.D-N, right side inheriting the left's first three octets), or a
// single IPv4 address.
func parseTargetRange(target string) (hostRange, error) {
	if cidrStart, cidrEnd, ok, err := parseCIDRRange(target); err != nil {
		return hostRange{}, err
	} else if ok {
		return hostRange{start: cidrStart, end: cidrEnd, source: target}, nil
	}

	if dashStart, dashEnd, ok, err := parseDashRange(target); err != nil {
		return hostRange{}, err
	} else if ok {
		return hostRange{start: dashStart, end: dashEnd, source: target}, nil
	}

	ip := net.ParseIP(target)
	if ip == nil || ip.To4() == nil {
		return hostRange{}, errors.NewScanErrorWithTarget(errors.CodeInvalidTarget,
			fmt.Sprintf("%q is not a valid IPv4 address, dash range, or CIDR", target), target)
	}
	n := ipToUint32(ip)
	return hostRange{start: n, end: n, source: target}, nil
}

func parseCIDRRange(target string) (start, end uint32, ok bool, err error) {
	if !containsByte(target, '/') {
		return 0, 0, false, nil
	}

	_, ipnet, perr := net.ParseCIDR(target)
	if perr != nil {
		return 0, 0, false, errors.NewScanErrorWithTarget(errors.CodeInvalidTarget,
			fmt.Sprintf("invalid CIDR %q: %v", target, perr), target)
	}
	if ipnet.IP.To4() == nil {
		return 0, 0, false, errors.NewScanErrorWithTarget(errors.CodeInvalidTarget,
			fmt.Sprintf("IPv6 target %q is not supported", target), target)
	}

	ones, bits := ipnet.Mask.Size()
	network := ipToUint32(ipnet.IP)
	hostBits := uint32(bits - ones)
	var broadcast uint32
	if hostBits >= 32 {
		broadcast = 0xFFFFFFFF
	} else {
		broadcast = network | ((1 << hostBits) - 1)
	}
	return network, broadcast, true, nil
}

func parseDashRange(target string) (start, end uint32, ok bool, err error) {
	dashIdx := -1
	for i := 0; i < len(target); i++ {
		if target[i] == '-' {
			dashIdx = i
			break
		}
	}
	if dashIdx < 0 {
		return 0, 0, false, nil
	}

	left := target[:dashIdx]
	right := target[dashIdx+1:]

	leftIP := net.ParseIP(left)
	if leftIP == nil || leftIP.To4() == nil {
		return 0, 0, false, errors.NewScanErrorWithTarget(errors.CodeInvalidTarget,
			fmt.Sprintf("invalid dash-range left-hand address %q", left), target)
	}

	// A bare numeric right side ("10.0.0.5-20") inherits the left's first
	// three octets; a full dotted address on the right is used verbatim.
	var rightIP net.IP
	if containsByte(right, '.') {
		rightIP = net.ParseIP(right)
		if rightIP == nil || rightIP.To4() == nil {
			return 0, 0, false, errors.NewScanErrorWithTarget(errors.CodeInvalidTarget,
				fmt.Sprintf("invalid dash-range right-hand address %q", right), target)
		}
	} else {
		lastOctet, perr := parseOctet(right)
		if perr != nil {
			return 0, 0, false, errors.NewScanErrorWithTarget(errors.CodeInvalidTarget,
				fmt.Sprintf("invalid dash-range right-hand value %q: %v", right, perr), target)
		}
		octets := leftIP.To4()
		rightIP = net.IPv4(octets[0], octets[1], octets[2], byte(lastOctet))
	}

	s := ipToUint32(leftIP)
	e := ipToUint32(rightIP)
	if e < s {
		return 0, 0, false, errors.NewScanErrorWithTarget(errors.CodeInvalidTarget,
			fmt.Sprintf("dash range %q has end before start", target), target)
	}
	return s, e, true, nil
}

func containsByte(s string, b byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return true
		}
	}
	return false
}

func parseOctet(s string) (int, error) {
	n := 0
	if len(s) == 0 || len(s) > 3 {
		return 0, fmt.Errorf("must be 1-3 digits")
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("non-numeric octet")
		}
		n = n*10 + int(c-'0')
	}
	if n > 255 {
		return 0, fmt.Errorf("octet out of range")
	}
	return n, nil
}

func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}

func uint32ToIP(n uint32) net.IP {
	return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}
