// Package variantkey derives storage keys for derivative renditions from the
// original asset's content hash. Keys depend only on (hash, type, format) plus
// a year/month snapshot of generation time, never on the asset record that
// triggered generation, so identical content always resolves to identical
// keys. That property is what makes hash-based deduplication safe.
package variantkey

import (
	"fmt"
	"path/filepath"
	"time"
)

// Derive returns the storage key for one rendition:
// variants/{year}/{month}/{hash[0:2]}/{hash}/{type}.{format}
func Derive(hash, variantType, format string, at time.Time) string {
	prefix := hash
	if len(hash) >= 2 {
		prefix = hash[:2]
	}
	return fmt.Sprintf("variants/%04d/%02d/%s/%s/%s.%s",
		at.Year(), int(at.Month()), prefix, hash, variantType, format)
}

// ScratchDir returns the local scratch path for one asset's segmented output,
// keyed by hash prefix so concurrent runs for different assets never collide.
func ScratchDir(base, hash string) string {
	prefix := hash
	if len(hash) >= 2 {
		prefix = hash[:2]
	}
	return filepath.Join(base, prefix, hash)
}
