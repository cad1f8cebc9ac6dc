package timeframe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"5m", 5 * time.Minute},
		{"1h", time.Hour},
		{"1d", 24 * time.Hour},
		{"15M", 15 * time.Minute},
		{" 2h ", 2 * time.Hour},
		// Bare integer heuristic: small means minutes, large means seconds.
		{"5", 5 * time.Minute},
		{"60", 60 * time.Minute},
		{"61", 61 * time.Second},
		{"300", 300 * time.Second},
	}

	for _, tt := range tests {
		got, err := Parse(tt.in)
		require.NoError(t, err, "Parse(%q)", tt.in)
		require.Equal(t, tt.want, got, "Parse(%q)", tt.in)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	for _, in := range []string{"", "m", "-5m", "0", "abc", "5w"} {
		_, err := Parse(in)
		require.Error(t, err, "Parse(%q)", in)
	}
}

func TestSeconds(t *testing.T) {
	got, err := Seconds("5m")
	require.NoError(t, err)
	require.Equal(t, 300, got)
}
