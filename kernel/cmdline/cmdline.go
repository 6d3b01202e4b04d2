// Package cmdline parses the kernel boot command line.
package cmdline

import "strings"

// Parse splits a boot command line into a map of key/value pairs. Each
// whitespace-separated token is either a key=value pair or a bare key; bare
// keys are mapped to themselves. Tokens with more than one '=' are ignored
// and later occurrences of a key override earlier ones.
func Parse(cmdLine string) map[string]string {
	kv := make(map[string]string)

	for _, pair := range strings.Fields(cmdLine) {
		parts := strings.Split(pair, "=")
		switch len(parts) {
		case 2: // foo=bar
			kv[parts[0]] = parts[1]
		case 1: // nofoo
			kv[parts[0]] = parts[0]
		}
	}

	return kv
}

// Bool reports whether key is enabled. Missing keys evaluate to def; the
// values "on", "true", "yes" and "1" (or a bare key) enable it and any other
// value disables it.
func Bool(kv map[string]string, key string, def bool) bool {
	v, ok := kv[key]
	if !ok {
		return def
	}

	switch v {
	case key, "on", "true", "yes", "1":
		return true
	default:
		return false
	}
}
