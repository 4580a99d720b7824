package gpu

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQueryOutput(t *testing.T) {
	info, ok := parseQueryOutput("NVIDIA GeForce RTX 4090, 18432, 24564, 87\n")
	require.True(t, ok)
	require.NotNil(t, info.Name)
	assert.Equal(t, "NVIDIA GeForce RTX 4090", *info.Name)
	assert.Equal(t, 18432, *info.MemoryUsedMB)
	assert.Equal(t, 24564, *info.MemoryTotalMB)
	assert.Equal(t, 87, *info.UtilizationPercent)
}

func TestParseQueryOutputFirstGPUOnly(t *testing.T) {
	out := "RTX A6000, 100, 49140, 5\nRTX A6000, 200, 49140, 10\n"
	info, ok := parseQueryOutput(out)
	require.True(t, ok)
	assert.Equal(t, 100, *info.MemoryUsedMB)
}

func TestParseQueryOutputMalformed(t *testing.T) {
	cases := []string{
		"",
		"just a name",
		"name, x, 24564, 87",
		"name, 18432, 24564, N/A",
	}
	for _, c := range cases {
		_, ok := parseQueryOutput(c)
		assert.False(t, ok, "input %q", c)
	}
}

func TestProbeDegradesToNulls(t *testing.T) {
	p := NewProber(nil)
	p.runQuery = func(context.Context) ([]byte, error) {
		return nil, fmt.Errorf("executable file not found in $PATH")
	}

	info := p.Probe(context.Background())
	assert.Nil(t, info.Name)
	assert.Nil(t, info.MemoryUsedMB)
	assert.Nil(t, info.MemoryTotalMB)
	assert.Nil(t, info.UtilizationPercent)
}

func TestProbeParsesQuery(t *testing.T) {
	p := NewProber(nil)
	p.runQuery = func(context.Context) ([]byte, error) {
		return []byte("NVIDIA L4, 1024, 23034, 12\n"), nil
	}

	info := p.Probe(context.Background())
	require.NotNil(t, info.Name)
	assert.Equal(t, "NVIDIA L4", *info.Name)
	assert.Equal(t, 12, *info.UtilizationPercent)
}
