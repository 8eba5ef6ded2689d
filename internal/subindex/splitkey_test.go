package subindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitKey(t *testing.T) {
	tests := []struct {
		key    string
		source string
		typ    string
		ok     bool
	}{
		{"alpha.io.sensor", "alpha.io", "sensor", true},
		{"alpha.io.sensor.temperature", "alpha.io", "sensor.temperature", true},
		{"alpha.io", "", "", false},
		{"alpha", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		source, typ, ok := SplitKey(tt.key)
		assert.Equal(t, tt.ok, ok, tt.key)
		assert.Equal(t, tt.source, source, tt.key)
		assert.Equal(t, tt.typ, typ, tt.key)
	}
}
