// Package envutil provides environment variable utilities.
package envutil

import (
	"os"
	"strings"
)

// Ambient returns the host process environment as a map.
// Entries without a '=' separator are skipped.
func Ambient() map[string]string {
	environ := os.Environ()
	result := make(map[string]string, len(environ))

	for _, entry := range environ {
		idx := strings.IndexByte(entry, '=')
		if idx <= 0 {
			continue
		}
		result[entry[:idx]] = entry[idx+1:]
	}

	return result
}

// Merge merges a base environment with overrides.
// Overrides take precedence. Neither input is mutated.
func Merge(base, override map[string]string) map[string]string {
	result := make(map[string]string, len(base)+len(override))

	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		result[k] = v
	}

	return result
}
