package message

import "strings"

// Dotted-path accessors treat the message as a hierarchy of nested JSON
// objects. A path like "monitor.os.hostName" names the "hostName" field of
// the object at "monitor.os", creating intermediate objects on demand when
// writing. The reserved envelope key contains no '.' and is addressable
// like any other segment.

// PutDotted stores value at the given dotted path, creating intermediate
// objects as needed. A non-object value found on the way is replaced.
func (m *Message) PutDotted(path string, value any) {
	segments := strings.Split(path, ".")
	current := m.fields
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[segment] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = value
}

// GetDotted returns the value at the given dotted path.
func (m *Message) GetDotted(path string) (any, bool) {
	segments := strings.Split(path, ".")
	current := m.fields
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].(map[string]any)
		if !ok {
			return nil, false
		}
		current = next
	}
	value, ok := current[segments[len(segments)-1]]
	return value, ok
}

// HasDotted reports whether a value exists at the given dotted path.
func (m *Message) HasDotted(path string) bool {
	_, ok := m.GetDotted(path)
	return ok
}

// RemoveDotted removes and returns the value at the given dotted path.
func (m *Message) RemoveDotted(path string) (any, bool) {
	segments := strings.Split(path, ".")
	current := m.fields
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].(map[string]any)
		if !ok {
			return nil, false
		}
		current = next
	}
	last := segments[len(segments)-1]
	value, ok := current[last]
	if ok {
		delete(current, last)
	}
	return value, ok
}

// GetStringDotted returns the string at the given dotted path, or "" if
// the path is absent or not a string.
func (m *Message) GetStringDotted(path string) string {
	value, ok := m.GetDotted(path)
	if !ok {
		return ""
	}
	s, _ := value.(string)
	return s
}

// Put stores value at a literal top-level key. Unlike PutDotted the key is
// not split on periods, which matters for reserved keys.
func (m *Message) Put(key string, value any) {
	m.fields[key] = value
}

// Get returns the value at a literal top-level key.
func (m *Message) Get(key string) (any, bool) {
	value, ok := m.fields[key]
	return value, ok
}

// GetString returns the string at a literal top-level key, or "".
func (m *Message) GetString(key string) string {
	s, _ := m.fields[key].(string)
	return s
}

// OptString returns the string at a literal top-level key, or def when the
// key is absent or not a string.
func (m *Message) OptString(key, def string) string {
	if s, ok := m.fields[key].(string); ok {
		return s
	}
	return def
}

// OptInt returns the integer at a literal top-level key, or def. JSON
// numbers decode as float64, so both representations are accepted.
func (m *Message) OptInt(key string, def int64) int64 {
	switch v := m.fields[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	default:
		return def
	}
}
