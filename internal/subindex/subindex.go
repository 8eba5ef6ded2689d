// Package subindex implements the subscription index shared by post
// offices and the central post office. Keys have the form
// "sourcePO.sourceMailbox.major[.minor]"; values are sets of subscribers.
// The post office stores mailbox references, the central post office
// stores subscriber address strings, so the subscriber type is generic.
package subindex

import (
	"strings"
	"sync"
)

// Index maps subscription keys to sets of subscribers. Add and Remove are
// idempotent. Safe for concurrent use.
type Index[S comparable] struct {
	mu      sync.RWMutex
	entries map[string]map[S]struct{}
}

// New creates an empty index.
func New[S comparable]() *Index[S] {
	return &Index[S]{entries: make(map[string]map[S]struct{})}
}

// Key builds the subscription key for a source address and type.
func Key(source, typ string) string {
	return source + "." + typ
}

// SplitKey splits a subscription key back into the source address (its
// first two segments) and the subscription type (the rest).
func SplitKey(key string) (source, typ string, ok bool) {
	first := strings.IndexByte(key, '.')
	if first < 0 {
		return "", "", false
	}
	second := strings.IndexByte(key[first+1:], '.')
	if second < 0 {
		return "", "", false
	}
	split := first + 1 + second
	return key[:split], key[split+1:], true
}

// Add records subscriber under key. It reports whether the subscription
// was newly added.
func (x *Index[S]) Add(key string, subscriber S) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	set, ok := x.entries[key]
	if !ok {
		set = make(map[S]struct{})
		x.entries[key] = set
	}
	if _, exists := set[subscriber]; exists {
		return false
	}
	set[subscriber] = struct{}{}
	return true
}

// Remove deletes subscriber from key. It reports whether the subscription
// existed.
func (x *Index[S]) Remove(key string, subscriber S) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	set, ok := x.entries[key]
	if !ok {
		return false
	}
	if _, exists := set[subscriber]; !exists {
		return false
	}
	delete(set, subscriber)
	if len(set) == 0 {
		delete(x.entries, key)
	}
	return true
}

// Lookup returns the union of subscribers for a publish message from the
// given source address with the given type. Two keys are probed: the full
// "source.major.minor" key and, when the type has a minor component, the
// "source.major" key. The result is deduplicated.
func (x *Index[S]) Lookup(source, typ string) []S {
	keys := []string{Key(source, typ)}
	if i := strings.LastIndexByte(typ, '.'); i > 0 {
		keys = append(keys, Key(source, typ[:i]))
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	seen := make(map[S]struct{})
	var result []S
	for _, key := range keys {
		for subscriber := range x.entries[key] {
			if _, dup := seen[subscriber]; dup {
				continue
			}
			seen[subscriber] = struct{}{}
			result = append(result, subscriber)
		}
	}
	return result
}

// Each calls fn for every key with a snapshot of its subscribers.
func (x *Index[S]) Each(fn func(key string, subscribers []S)) {
	for key, subscribers := range x.snapshot() {
		fn(key, subscribers)
	}
}

func (x *Index[S]) snapshot() map[string][]S {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make(map[string][]S, len(x.entries))
	for key, set := range x.entries {
		subscribers := make([]S, 0, len(set))
		for subscriber := range set {
			subscribers = append(subscribers, subscriber)
		}
		out[key] = subscribers
	}
	return out
}
