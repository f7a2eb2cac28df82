package variantkey

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDerive(t *testing.T) {
	at := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	key := Derive("ab12cd34", "720p", "mp4", at)
	assert.Equal(t, "variants/2026/03/ab/ab12cd34/720p.mp4", key)
}

func TestDeriveIsPure(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	first := Derive("deadbeef", "thumb", "jpg", at)
	second := Derive("deadbeef", "thumb", "jpg", at)
	assert.Equal(t, first, second)
}

func TestDeriveIgnoresCaller(t *testing.T) {
	// keys depend only on content, type and format: two asset records with
	// the same hash resolve to the same key
	at := time.Date(2026, 6, 15, 8, 30, 0, 0, time.UTC)
	assert.Equal(t,
		Derive("cafe0123", "poster", "jpg", at),
		Derive("cafe0123", "poster", "jpg", at))
}

func TestDeriveShortHash(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "variants/2026/01/a/a/thumb.jpg", Derive("a", "thumb", "jpg", at))
}

func TestScratchDir(t *testing.T) {
	assert.Equal(t, "/tmp/scratch/ab/ab12", ScratchDir("/tmp/scratch", "ab12"))
}
