package offline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBytes(t *testing.T) {
	for in, want := range map[string]int64{
		"512":   512,
		"64k":   64 << 10,
		"64kb":  64 << 10,
		"256M":  256 << 20,
		"1.5g":  3 << 29,
		" 2 mb": 2 << 20,
	} {
		got, err := parseBytes(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "b", "-1k", "lots"} {
		_, err := parseBytes(bad)
		assert.Error(t, err, bad)
	}
}
