// Package poster extracts a single still frame from a video original. The
// poster is not optional: thumbnails elsewhere depend on it, so unlike the
// bitrate ladders a process failure here fails the whole run.
package poster

import (
	"bytes"
	"context"
	"fmt"
	"time"

	models "media-pipeline/internal/media"
	"media-pipeline/internal/execx"
	"media-pipeline/internal/probe"
	utils "media-pipeline/internal/utils"
	"media-pipeline/internal/variantkey"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

const (
	defaultDuration = 60.0
	defaultWidth    = 1920
	defaultHeight   = 1080
	jpegQuality     = 85
)

// BlobStore is the slice of the object store the generator needs.
type BlobStore interface {
	UploadBuffer(ctx context.Context, key, contentType string, data []byte) error
}

type Generator struct {
	binary    string
	runner    execx.Runner
	store     BlobStore
	maxWidth  int
	maxHeight int
	log       *zap.SugaredLogger
}

func NewGenerator(binary string, runner execx.Runner, store BlobStore, maxWidth, maxHeight int, log *zap.SugaredLogger) *Generator {
	if maxWidth <= 0 {
		maxWidth = 1280
	}
	if maxHeight <= 0 {
		maxHeight = 1280
	}
	return &Generator{binary: binary, runner: runner, store: store,
		maxWidth: maxWidth, maxHeight: maxHeight, log: log}
}

// Generate extracts one frame at min(1s, 10% of duration), re-compresses it
// through the still-image encoder and uploads it as the "poster" variant.
func (g *Generator) Generate(ctx context.Context, contentHash, sourceURL string, meta probe.Metadata) (models.Variant, error) {
	ts := Timestamp(meta.Duration)
	filter := ScaleFilter(meta.Width, meta.Height, g.maxWidth, g.maxHeight)

	args := []string{
		"-ss", fmt.Sprintf("%.2f", ts),
		"-i", sourceURL,
		"-frames:v", "1",
		"-vf", filter,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "2",
		"pipe:1",
	}
	frame, err := g.runner.Output(ctx, g.binary, args...)
	if err != nil {
		return models.Variant{}, fmt.Errorf("%w: poster frame: %v", utils.ErrTranscodeFailed, err)
	}

	// re-compress so the stored format does not depend on the frame
	// extractor's encoder
	img, err := imaging.Decode(bytes.NewReader(frame))
	if err != nil {
		return models.Variant{}, fmt.Errorf("%w: decode poster frame: %v", utils.ErrTranscodeFailed, err)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return models.Variant{}, fmt.Errorf("%w: encode poster: %v", utils.ErrTranscodeFailed, err)
	}

	now := time.Now().UTC()
	key := variantkey.Derive(contentHash, "poster", "jpg", now)
	if err := g.store.UploadBuffer(ctx, key, "image/jpeg", buf.Bytes()); err != nil {
		return models.Variant{}, fmt.Errorf("%w: upload poster: %v", utils.ErrTranscodeFailed, err)
	}

	bounds := img.Bounds()
	readyAt := now
	g.log.Debugw("poster uploaded", "key", key, "timestamp", ts)
	return models.Variant{
		Type:       "poster",
		StorageKey: key,
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		Size:       int64(buf.Len()),
		ReadyAt:    &readyAt,
		Metadata:   map[string]any{"timestamp": ts},
	}, nil
}

// Timestamp picks the extraction point: one second in, or 10% of the
// duration for clips shorter than ten seconds.
func Timestamp(duration float64) float64 {
	if duration <= 0 {
		duration = defaultDuration
	}
	ts := duration * 0.1
	if ts > 1 {
		ts = 1
	}
	return ts
}

// ScaleFilter builds the shrink-only scale expression. Landscape and square
// sources are constrained by width, portrait sources by height, so the frame
// keeps the source aspect ratio exactly and is never stretched or upscaled.
func ScaleFilter(srcWidth, srcHeight, maxWidth, maxHeight int) string {
	if srcWidth <= 0 || srcHeight <= 0 {
		srcWidth, srcHeight = defaultWidth, defaultHeight
	}
	if srcHeight > srcWidth {
		return fmt.Sprintf("scale=-2:'min(%d,ih)'", maxHeight)
	}
	return fmt.Sprintf("scale='min(%d,iw)':-2", maxWidth)
}
