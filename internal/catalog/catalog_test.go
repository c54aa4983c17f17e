package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	for _, kind := range All() {
		parsed, ok := Parse(kind.String())
		require.True(t, ok, "kind %s", kind)
		assert.Equal(t, kind, parsed)
	}
}

func TestParseRejectsOutsideCodes(t *testing.T) {
	for _, code := range []string{"", "selfie", "LOCATION", "permission_granted", "sms "} {
		_, ok := Parse(code)
		assert.False(t, ok, "code %q", code)
	}
}

func TestAllIsClosedAndDistinct(t *testing.T) {
	seen := make(map[Kind]bool)
	for _, kind := range All() {
		assert.True(t, kind.Valid(), "kind %s", kind)
		assert.False(t, seen[kind], "kind %s listed twice", kind)
		seen[kind] = true
	}

	var zero Kind
	assert.False(t, zero.Valid())
}
