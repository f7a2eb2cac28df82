// Package images produces the fixed ladder of resized image renditions from
// an original's bytes. Image variants are cheap and generated synchronously;
// unlike the video ladders, a single failure fails the whole ladder.
package images

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"time"

	models "media-pipeline/internal/media"
	utils "media-pipeline/internal/utils"
	"media-pipeline/internal/variantkey"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// LadderEntry is one target rendition configuration.
type LadderEntry struct {
	Type    string
	Width   int
	Height  int // 0 = derive from aspect ratio
	Format  imaging.Format
	Quality int
}

// DefaultLadder is the rendition set every image asset gets.
var DefaultLadder = []LadderEntry{
	{Type: "thumb", Width: 320, Height: 320, Format: imaging.JPEG, Quality: 80},
	{Type: "w640", Width: 640, Format: imaging.JPEG, Quality: 82},
	{Type: "w1280", Width: 1280, Format: imaging.JPEG, Quality: 85},
	{Type: "w1920", Width: 1920, Format: imaging.JPEG, Quality: 85},
}

// BlobStore is the slice of the object store the transcoder needs.
type BlobStore interface {
	UploadBuffer(ctx context.Context, key, contentType string, data []byte) error
}

type Transcoder struct {
	store  BlobStore
	ladder []LadderEntry
	log    *zap.SugaredLogger
}

func NewTranscoder(store BlobStore, log *zap.SugaredLogger) *Transcoder {
	return &Transcoder{store: store, ladder: DefaultLadder, log: log}
}

// Generate decodes the original, auto-corrects orientation from embedded
// rotation metadata, and produces one uploaded rendition per ladder entry.
// Resizing fits inside the target box without ever enlarging.
func (t *Transcoder) Generate(ctx context.Context, contentHash string, original []byte) ([]models.Variant, error) {
	img, err := imaging.Decode(bytes.NewReader(original), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", utils.ErrTranscodeFailed, err)
	}

	now := time.Now().UTC()
	variants := make([]models.Variant, 0, len(t.ladder))
	for _, entry := range t.ladder {
		v, err := t.generateEntry(ctx, contentHash, img, entry, now)
		if err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	return variants, nil
}

// GenerateOne regenerates a single ladder entry by variant type.
func (t *Transcoder) GenerateOne(ctx context.Context, contentHash string, original []byte, variantType string) (models.Variant, error) {
	for _, entry := range t.ladder {
		if entry.Type != variantType {
			continue
		}
		img, err := imaging.Decode(bytes.NewReader(original), imaging.AutoOrientation(true))
		if err != nil {
			return models.Variant{}, fmt.Errorf("%w: decode image: %v", utils.ErrTranscodeFailed, err)
		}
		return t.generateEntry(ctx, contentHash, img, entry, time.Now().UTC())
	}
	return models.Variant{}, fmt.Errorf("unknown image variant type %q", variantType)
}

func (t *Transcoder) generateEntry(ctx context.Context, contentHash string, img image.Image, entry LadderEntry, now time.Time) (models.Variant, error) {
	resized := fitInside(img, entry.Width, entry.Height)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, entry.Format, imaging.JPEGQuality(entry.Quality)); err != nil {
		return models.Variant{}, fmt.Errorf("%w: encode %s: %v", utils.ErrTranscodeFailed, entry.Type, err)
	}

	key := variantkey.Derive(contentHash, entry.Type, formatExt(entry.Format), now)
	if err := t.store.UploadBuffer(ctx, key, formatContentType(entry.Format), buf.Bytes()); err != nil {
		return models.Variant{}, fmt.Errorf("%w: upload %s: %v", utils.ErrTranscodeFailed, entry.Type, err)
	}

	bounds := resized.Bounds()
	readyAt := now
	t.log.Debugw("image rendition uploaded", "type", entry.Type, "key", key,
		"width", bounds.Dx(), "height", bounds.Dy())
	return models.Variant{
		Type:       entry.Type,
		StorageKey: key,
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		Size:       int64(buf.Len()),
		ReadyAt:    &readyAt,
		Metadata:   map[string]any{"quality": entry.Quality},
	}, nil
}

// fitInside scales img down to fit the target box, preserving aspect ratio.
// An image already smaller than the box is returned unchanged.
func fitInside(img image.Image, width, height int) image.Image {
	bounds := img.Bounds()
	if height <= 0 {
		if bounds.Dx() <= width {
			return img
		}
		return imaging.Resize(img, width, 0, imaging.Lanczos)
	}
	if bounds.Dx() <= width && bounds.Dy() <= height {
		return img
	}
	return imaging.Fit(img, width, height, imaging.Lanczos)
}

func formatExt(f imaging.Format) string {
	switch f {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	default:
		return "jpg"
	}
}

func formatContentType(f imaging.Format) string {
	switch f {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
