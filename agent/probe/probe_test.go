package probe

import (
	"testing"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/hostwatch/agent/module"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		value float64
		want  string
	}{
		{value: 10, want: StateOK},
		{value: 84.9, want: StateOK},
		{value: 85, want: StateWarning},
		{value: 94, want: StateWarning},
		{value: 95, want: StateCritical},
		{value: 100, want: StateCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.value, 85, 95), "value %v", tt.value)
	}
}

func TestLoadStatusUsesConfiguredThresholds(t *testing.T) {
	st := loadStatus(1.5, module.Config{})
	assert.Equal(t, StateWarning, st.State)
	assert.True(t, st.IsMetric)
	require.NotNil(t, st.Remaining)
	assert.Equal(t, 1.5, *st.Remaining)

	st = loadStatus(1.5, module.Config{"warning": 3, "critical": "4"})
	assert.Equal(t, StateOK, st.State)
}

func TestDiskStatus(t *testing.T) {
	st := diskStatus("/var", 96, 85, 95)
	assert.Equal(t, "/var", st.Subject)
	assert.Equal(t, "disk_usage", st.Type)
	assert.Equal(t, StateCritical, st.State)
	require.NotNil(t, st.Remaining)
	assert.InDelta(t, 4.0, *st.Remaining, 1e-9)
}

func TestRealMountpoints(t *testing.T) {
	parts := []disk.PartitionStat{
		{Mountpoint: "/", Fstype: "ext4"},
		{Mountpoint: "/proc", Fstype: "proc"},
		{Mountpoint: "/run", Fstype: "tmpfs"},
		{Mountpoint: "/data", Fstype: "xfs"},
		{Mountpoint: "/", Fstype: "ext4"},
	}
	assert.Equal(t, []string{"/", "/data"}, realMountpoints(parts))
}

func TestRegister(t *testing.T) {
	reg := module.NewRegistry()
	require.NoError(t, Register(reg))
	assert.Equal(t, []string{"cpu", "filesystem", "host", "memory"}, reg.IDs())

	p, ok := reg.Lookup("cpu")
	require.True(t, ok)
	assert.Equal(t, module.InProcess, p.Kind)
}
