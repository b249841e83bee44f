package planner

import (
	"net"
	"testing"

	"github.com/eidolon-project/eidolon/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanSingleHost(t *testing.T) {
	cfg := ScanConfig{
		TargetRanges: []string{"10.0.0.5/32"},
		Ports:        []int{22, 80},
		Preset:       PresetCustom,
		Options: ScanOptions{
			PingConcurrency: 64,
			PortScanWorkers: 8,
		},
	}

	plan, err := Plan(cfg)
	require.NoError(t, err)
	require.Len(t, plan.Hosts, 1)
	assert.Equal(t, "10.0.0.5", plan.Hosts[0].String())
	assert.Equal(t, []int{22, 80}, plan.Ports)
	assert.False(t, plan.AllPorts)
	assert.Equal(t, 1, plan.HostCount())
}

func TestPlanDashRange(t *testing.T) {
	cfg := ScanConfig{
		TargetRanges: []string{"10.0.0.1-10.0.0.3"},
		Ports:        []int{22},
	}
	plan, err := Plan(cfg)
	require.NoError(t, err)
	require.Len(t, plan.Hosts, 3)
	assert.Equal(t, "10.0.0.1", plan.Hosts[0].String())
	assert.Equal(t, "10.0.0.3", plan.Hosts[2].String())
}

func TestPlanDashRangeShortForm(t *testing.T) {
	cfg := ScanConfig{
		TargetRanges: []string{"10.0.0.5-20"},
		Ports:        []int{22},
	}
	plan, err := Plan(cfg)
	require.NoError(t, err)
	assert.Len(t, plan.Hosts, 16)
	assert.Equal(t, "10.0.0.5", plan.Hosts[0].String())
	assert.Equal(t, "10.0.0.20", plan.Hosts[len(plan.Hosts)-1].String())
}

func TestPlanCIDR(t *testing.T) {
	cfg := ScanConfig{
		TargetRanges: []string{"10.0.0.0/30"},
		Ports:        []int{22},
	}
	plan, err := Plan(cfg)
	require.NoError(t, err)
	assert.Len(t, plan.Hosts, 4)
}

func TestPlanRejectsIdenticalRangesAsOverlap(t *testing.T) {
	cfg := ScanConfig{
		TargetRanges: []string{"10.0.0.5/32", "10.0.0.5/32"},
		Ports:        []int{22},
	}
	_, err := Plan(cfg)
	require.Error(t, err)
	assert.Equal(t, errors.CodeOverlappingTargets, errors.GetCode(err))
}

func TestPlanRejectsOverlap(t *testing.T) {
	cfg := ScanConfig{
		TargetRanges: []string{"10.0.0.0/24", "10.0.0.128/25"},
		Ports:        []int{22},
	}
	_, err := Plan(cfg)
	require.Error(t, err)
	assert.Equal(t, errors.CodeOverlappingTargets, errors.GetCode(err))
}

func TestPlanRejectsEmptyTargets(t *testing.T) {
	cfg := ScanConfig{Ports: []int{22}}
	_, err := Plan(cfg)
	require.Error(t, err)
	assert.Equal(t, errors.CodeEmptyTargets, errors.GetCode(err))
}

func TestPlanRejectsTooManyTargets(t *testing.T) {
	ranges := make([]string, 0, 51)
	for i := 0; i < 51; i++ {
		ranges = append(ranges, net.IPv4(10, 0, byte(i), 1).String()+"/32")
	}
	cfg := ScanConfig{TargetRanges: ranges, Ports: []int{22}}
	_, err := Plan(cfg)
	require.Error(t, err)
	assert.Equal(t, errors.CodeTooManyTargets, errors.GetCode(err))
}

func TestPlanRejectsInvalidTarget(t *testing.T) {
	cfg := ScanConfig{TargetRanges: []string{"not-an-address"}, Ports: []int{22}}
	_, err := Plan(cfg)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidTarget, errors.GetCode(err))
}

func TestPlanFullPresetAllowsEmptyPorts(t *testing.T) {
	cfg := ScanConfig{TargetRanges: []string{"10.0.0.1/32"}, Preset: PresetFull}
	plan, err := Plan(cfg)
	require.NoError(t, err)
	assert.True(t, plan.AllPorts)
	assert.Empty(t, plan.Ports)
}

func TestPlanRejectsEmptyPortsWithoutFullPreset(t *testing.T) {
	cfg := ScanConfig{TargetRanges: []string{"10.0.0.1/32"}, Preset: PresetCustom}
	_, err := Plan(cfg)
	require.Error(t, err)
}

func TestPlanRejectsDuplicatePort(t *testing.T) {
	cfg := ScanConfig{TargetRanges: []string{"10.0.0.1/32"}, Ports: []int{22, 22}}
	_, err := Plan(cfg)
	require.Error(t, err)
	assert.Equal(t, errors.CodeDuplicatePort, errors.GetCode(err))
}

func TestPlanRejectsInvalidPort(t *testing.T) {
	cfg := ScanConfig{TargetRanges: []string{"10.0.0.1/32"}, Ports: []int{70000}}
	_, err := Plan(cfg)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidPort, errors.GetCode(err))
}

func TestPlanRejectsTooManyPorts(t *testing.T) {
	ports := make([]int, 1001)
	for i := range ports {
		ports[i] = i + 1
	}
	cfg := ScanConfig{TargetRanges: []string{"10.0.0.1/32"}, Ports: ports}
	_, err := Plan(cfg)
	require.Error(t, err)
	assert.Equal(t, errors.CodeTooManyPorts, errors.GetCode(err))
}

func TestPlanAppliesDefaultOptions(t *testing.T) {
	cfg := ScanConfig{TargetRanges: []string{"10.0.0.1/32"}, Ports: []int{22}}
	plan, err := Plan(cfg)
	require.NoError(t, err)
	assert.Equal(t, DefaultScanOptions(), plan.Options)
}

func TestPlanHostsLieInExactlyOneRange(t *testing.T) {
	cfg := ScanConfig{
		TargetRanges: []string{"10.0.0.0/30", "10.0.1.0/30"},
		Ports:        []int{22},
	}
	plan, err := Plan(cfg)
	require.NoError(t, err)
	assert.Len(t, plan.Hosts, 8)

	seen := make(map[string]bool)
	for _, h := range plan.Hosts {
		assert.False(t, seen[h.String()], "duplicate host in plan: %s", h)
		seen[h.String()] = true
	}
}
