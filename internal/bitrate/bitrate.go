// Package bitrate produces the fixed ladder of progressive-download video
// renditions. Ladder entries run as independent concurrent encode jobs; a
// single rendition's failure is logged and swallowed so the user still gets
// the renditions that did encode.
package bitrate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	models "media-pipeline/internal/media"
	"media-pipeline/internal/execx"
	"media-pipeline/internal/probe"
	"media-pipeline/internal/variantkey"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// Entry is one encoding profile of the ladder.
type Entry struct {
	Name       string
	Width      int
	Height     int
	Bitrate    string // human readable, e.g. "800k"
	AudioRate  string
	VideoCodec string
	AudioCodec string
	Preset     string
}

// DefaultLadder covers the common quality tiers. Entries whose width exceeds
// the probed source width are skipped, never upscaled.
var DefaultLadder = []Entry{
	{Name: "360p", Width: 640, Height: 360, Bitrate: "800k", AudioRate: "96k", VideoCodec: "libx264", AudioCodec: "aac", Preset: "fast"},
	{Name: "720p", Width: 1280, Height: 720, Bitrate: "2500k", AudioRate: "128k", VideoCodec: "libx264", AudioCodec: "aac", Preset: "fast"},
	{Name: "1080p", Width: 1920, Height: 1080, Bitrate: "5000k", AudioRate: "128k", VideoCodec: "libx264", AudioCodec: "aac", Preset: "fast"},
}

const defaultSourceWidth = 1920

// BlobStore is the slice of the object store the transcoder needs.
type BlobStore interface {
	UploadBuffer(ctx context.Context, key, contentType string, data []byte) error
}

type Transcoder struct {
	binary string
	runner execx.Runner
	store  BlobStore
	ladder []Entry
	log    *zap.SugaredLogger
}

func NewTranscoder(binary string, runner execx.Runner, store BlobStore, log *zap.SugaredLogger) *Transcoder {
	return &Transcoder{binary: binary, runner: runner, store: store, ladder: DefaultLadder, log: log}
}

// Generate encodes every viable ladder entry concurrently and returns the
// descriptors of the renditions that succeeded. Each rendition streams its
// encoded bytes to an in-memory buffer which is then uploaded; no local file
// is written.
func (t *Transcoder) Generate(ctx context.Context, contentHash, sourceURL string, meta probe.Metadata) []models.Variant {
	srcWidth := meta.Width
	if srcWidth <= 0 {
		srcWidth = defaultSourceWidth
	}

	now := time.Now().UTC()
	p := pool.NewWithResults[*models.Variant]()
	for _, entry := range t.ladder {
		if entry.Width > srcWidth {
			t.log.Debugw("rendition skipped, exceeds source resolution",
				"name", entry.Name, "target_width", entry.Width, "source_width", srcWidth)
			continue
		}
		entry := entry
		p.Go(func() *models.Variant {
			v, err := t.encode(ctx, contentHash, sourceURL, entry, now)
			if err != nil {
				t.log.Warnw("rendition failed, continuing with remaining ladder",
					"name", entry.Name, "error", err)
				return nil
			}
			return v
		})
	}

	variants := make([]models.Variant, 0, len(t.ladder))
	for _, v := range p.Wait() {
		if v != nil {
			variants = append(variants, *v)
		}
	}
	return variants
}

// GenerateOne encodes a single ladder entry by rendition name. A nil variant
// with nil error means the entry was skipped for exceeding source resolution.
func (t *Transcoder) GenerateOne(ctx context.Context, contentHash, sourceURL string, meta probe.Metadata, name string) (*models.Variant, error) {
	srcWidth := meta.Width
	if srcWidth <= 0 {
		srcWidth = defaultSourceWidth
	}
	for _, entry := range t.ladder {
		if entry.Name != name {
			continue
		}
		if entry.Width > srcWidth {
			return nil, nil
		}
		return t.encode(ctx, contentHash, sourceURL, entry, time.Now().UTC())
	}
	return nil, fmt.Errorf("unknown rendition %q", name)
}

func (t *Transcoder) encode(ctx context.Context, contentHash, sourceURL string, entry Entry, now time.Time) (*models.Variant, error) {
	args := []string{
		"-i", sourceURL,
		"-vf", padToBox(entry.Width, entry.Height),
		"-c:v", entry.VideoCodec,
		"-preset", entry.Preset,
		"-b:v", entry.Bitrate,
		"-c:a", entry.AudioCodec,
		"-b:a", entry.AudioRate,
		// fragmented container so the output is valid when written to a pipe
		// and progressive-download friendly
		"-movflags", "frag_keyframe+empty_moov",
		"-f", "mp4",
		"pipe:1",
	}
	encoded, err := t.runner.Output(ctx, t.binary, args...)
	if err != nil {
		return nil, err
	}

	key := variantkey.Derive(contentHash, entry.Name, "mp4", now)
	if err := t.store.UploadBuffer(ctx, key, "video/mp4", encoded); err != nil {
		return nil, err
	}

	readyAt := now
	t.log.Debugw("rendition uploaded", "name", entry.Name, "key", key, "size", len(encoded))
	return &models.Variant{
		Type:       entry.Name,
		StorageKey: key,
		Width:      entry.Width,
		Height:     entry.Height,
		Size:       int64(len(encoded)),
		ReadyAt:    &readyAt,
		Metadata:   map[string]any{"bitrate": entry.Bitrate, "codec": entry.VideoCodec},
	}, nil
}

// padToBox scales into the target box preserving aspect ratio, then pads to
// even target dimensions for broad decoder compatibility.
func padToBox(width, height int) string {
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
		width, height, width, height)
}

// ParseBitrate converts a human-readable rate ("800k", "2m") into units per
// second. Unsuffixed values pass through unchanged.
func ParseBitrate(rate string) int {
	s := strings.ToLower(strings.TrimSpace(rate))
	mult := 1
	switch {
	case strings.HasSuffix(s, "k"):
		mult, s = 1_000, strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		mult, s = 1_000_000, strings.TrimSuffix(s, "m")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n * mult
}
