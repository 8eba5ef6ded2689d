package subindex

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddRemoveIdempotent(t *testing.T) {
	x := New[string]()
	key := Key("alpha.io", "sensor.temperature")

	assert.True(t, x.Add(key, "beta.io"))
	assert.False(t, x.Add(key, "beta.io"))
	assert.Equal(t, []string{"beta.io"}, x.Lookup("alpha.io", "sensor.temperature"))

	assert.True(t, x.Remove(key, "beta.io"))
	assert.False(t, x.Remove(key, "beta.io"))
	assert.Empty(t, x.Lookup("alpha.io", "sensor.temperature"))
}

func TestLookupProbesFullAndMajorKeys(t *testing.T) {
	x := New[string]()
	x.Add(Key("alpha.io", "sensor.temperature"), "beta.io")
	x.Add(Key("alpha.io", "sensor"), "gamma.io")

	// A minor-typed publish reaches both the exact subscribers and the
	// major-only subscribers, once each.
	got := x.Lookup("alpha.io", "sensor.temperature")
	sort.Strings(got)
	assert.Equal(t, []string{"beta.io", "gamma.io"}, got)

	// A major-only publish reaches only the major-only subscribers.
	assert.Equal(t, []string{"gamma.io"}, x.Lookup("alpha.io", "sensor"))
}

func TestLookupDeduplicates(t *testing.T) {
	x := New[string]()
	x.Add(Key("alpha.io", "sensor.temperature"), "beta.io")
	x.Add(Key("alpha.io", "sensor"), "beta.io")

	assert.Equal(t, []string{"beta.io"}, x.Lookup("alpha.io", "sensor.temperature"))
}

func TestLookupUnknownKey(t *testing.T) {
	x := New[string]()
	assert.Empty(t, x.Lookup("alpha.io", "nothing.here"))
}

func TestEachSnapshots(t *testing.T) {
	x := New[string]()
	x.Add(Key("alpha.io", "a"), "beta.io")
	x.Add(Key("alpha.io", "b"), "beta.io")
	x.Add(Key("gamma.io", "c"), "delta.io")

	seen := make(map[string]int)
	x.Each(func(key string, subscribers []string) {
		seen[key] = len(subscribers)
	})
	assert.Equal(t, map[string]int{
		"alpha.io.a": 1,
		"alpha.io.b": 1,
		"gamma.io.c": 1,
	}, seen)
}
