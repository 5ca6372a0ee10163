package config

import (
	"sort"
	"strings"
)

// Settings whose last path segment is one of these hold credentials.
var secretSuffixes = []string{"api_key", "token", "secret"}

// IsSecretKey reports whether a dotted key such as "telegram.token" holds a
// credential.
func IsSecretKey(key string) bool {
	last := key[strings.LastIndex(key, ".")+1:]
	for _, s := range secretSuffixes {
		if last == s {
			return true
		}
	}
	return false
}

// Flatten turns nested sections into dotted keys, so
// {"telegram": {"chat_id": 42}} becomes {"telegram.chat_id": 42}.
// Lists stay whole and empty sections disappear.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, section map[string]any)
	walk = func(prefix string, section map[string]any) {
		for k, v := range section {
			if child, ok := v.(map[string]any); ok {
				walk(prefix+k+".", child)
			} else {
				out[prefix+k] = v
			}
		}
	}
	walk("", m)
	return out
}

// Unflatten rebuilds the nested sections from dotted keys. A scalar that
// sits where a section is needed is replaced by the section.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for _, key := range SortedKeys(flat) {
		path := strings.Split(key, ".")
		section := out
		for _, name := range path[:len(path)-1] {
			child, ok := section[name].(map[string]any)
			if !ok {
				child = make(map[string]any)
				section[name] = child
			}
			section = child
		}
		section[path[len(path)-1]] = flat[key]
	}
	return out
}

// SortedKeys returns the keys of flat in lexical order.
func SortedKeys(flat map[string]any) []string {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MaskSecrets copies flat, hiding every non-empty credential except its
// last four characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		if s, ok := v.(string); ok && s != "" && IsSecretKey(k) {
			v = "***" + s[max(0, len(s)-4):]
		}
		out[k] = v
	}
	return out
}
