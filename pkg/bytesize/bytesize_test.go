package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	gb := float64(GB)
	tests := []struct {
		input    string
		expected Size
	}{
		{"0", 0},
		{"1024", 1024},
		{"5MB", 5 * MB},
		{"5 MB", 5 * MB},
		{"5MiB", 5 * MB},
		{"1.5GB", Size(1.5 * gb)},
		{"3.8GB", Size(3.8 * gb)},
		{"500KB", 500 * KB},
		{"2tb", 2 * TB},
		{"10m", 10 * MB},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			size, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, size)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, input := range []string{"", "MB", "5XB", "-5MB", "five"} {
		t.Run(input, func(t *testing.T) {
			_, err := Parse(input)
			assert.Error(t, err)
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		size     Size
		expected string
	}{
		{0, "0B"},
		{512, "512B"},
		{KB, "1KB"},
		{5 * MB, "5MB"},
		{Size(1.5 * float64(GB)), "1.5GB"},
		{2 * TB, "2TB"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, Format(tt.size))
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"5MB", "1.5GB", "512B"} {
		size, err := Parse(s)
		require.NoError(t, err)
		back, err := Parse(Format(size))
		require.NoError(t, err)
		assert.Equal(t, size, back)
	}
}
