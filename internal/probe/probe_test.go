package probe

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNvidiaSMI(t *testing.T) {
	output := "NVIDIA GeForce RTX 3080, 535.104.05, 17, 1024, 10240, 56\n"

	gpu := ParseNvidiaSMI(output)
	require.NotNil(t, gpu)
	assert.Equal(t, "NVIDIA", gpu.Vendor)
	assert.Equal(t, "NVIDIA GeForce RTX 3080", gpu.Model)
	assert.Equal(t, "535.104.05", gpu.DriverVersion)
	assert.Equal(t, 17.0, gpu.Utilization)
	assert.Equal(t, uint64(1024*1024*1024), gpu.MemoryUsed)
	assert.Equal(t, uint64(10240*1024*1024), gpu.MemoryTotal)
	assert.Equal(t, 56, gpu.Temperature)
}

func TestParseNvidiaSMI_Garbage(t *testing.T) {
	assert.Nil(t, ParseNvidiaSMI(""))
	assert.Nil(t, ParseNvidiaSMI("command not found"))
	assert.Nil(t, ParseNvidiaSMI("a, b"))
}

func TestProbe_NeverFails(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New(t.TempDir(), EncoderCPU, 0, logger)

	info, encoder := p.Probe(context.Background())
	require.NotNil(t, info)
	assert.NotEmpty(t, info.OS)
	assert.Positive(t, info.CPU.Cores)
	// Encoder hint cpu always resolves to cpu regardless of hardware.
	assert.Equal(t, EncoderCPU, encoder)
}

func TestProbe_HardwareHintWithoutGPU(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New(t.TempDir(), EncoderHardware, 1, logger)

	// On machines without nvidia-smi the hint must downgrade to cpu.
	// On machines with a GPU this test still passes: encoder is one of
	// the two valid modes.
	_, encoder := p.Probe(context.Background())
	assert.Contains(t, []string{EncoderCPU, EncoderHardware}, encoder)
}
