// Package hls produces segmented adaptive-streaming output: one segment set
// and playlist per viable bitrate-ladder entry, plus a master manifest that
// references every rendition that actually made it.
//
// Segmented output is the one place the pipeline touches local disk: segment
// files cannot be streamed purely in memory the way single-file renditions
// can. Each segment is uploaded and deleted locally right away, so local
// usage stays bounded to roughly one in-flight rendition's segment set.
package hls

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"media-pipeline/internal/bitrate"
	"media-pipeline/internal/execx"
	models "media-pipeline/internal/media"
	"media-pipeline/internal/probe"
	"media-pipeline/internal/variantkey"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	segmentSeconds = 6
	playlistMIME   = "application/vnd.apple.mpegurl"
	segmentMIME    = "video/mp2t"
)

// BlobStore is the slice of the object store the builder needs.
type BlobStore interface {
	UploadBuffer(ctx context.Context, key, contentType string, data []byte) error
}

type Builder struct {
	binary     string
	runner     execx.Runner
	store      BlobStore
	ladder     []bitrate.Entry
	scratchDir string
	log        *zap.SugaredLogger
}

func NewBuilder(binary string, runner execx.Runner, store BlobStore, scratchDir string, log *zap.SugaredLogger) *Builder {
	return &Builder{
		binary:     binary,
		runner:     runner,
		store:      store,
		ladder:     bitrate.DefaultLadder,
		scratchDir: scratchDir,
		log:        log,
	}
}

type outcome struct {
	entry   bitrate.Entry
	variant *models.Variant
}

// Generate builds every viable rendition as an independent concurrent job,
// waits for all of them to settle (success and failure alike), and only then
// constructs and uploads the master manifest referencing the survivors.
func (b *Builder) Generate(ctx context.Context, contentHash, sourceURL string, meta probe.Metadata) ([]models.Variant, error) {
	srcWidth := meta.Width
	if srcWidth <= 0 {
		srcWidth = 1920
	}

	entries := make([]bitrate.Entry, 0, len(b.ladder))
	for _, entry := range b.ladder {
		if entry.Width > srcWidth {
			b.log.Debugw("hls rendition skipped, exceeds source resolution",
				"name", entry.Name, "target_width", entry.Width, "source_width", srcWidth)
			continue
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		// source below the smallest rung: synthesize one rendition at source
		// resolution so at least one stream exists
		entries = append(entries, sourceEntry(meta))
	}

	// per-run scratch directory, keyed by hash prefix, removed on every exit
	// path once the last rendition's segments are uploaded
	scratch := filepath.Join(variantkey.ScratchDir(b.scratchDir, contentHash), uuid.NewString())
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	now := time.Now().UTC()

	// every launched job yields exactly one outcome, failed ones included, so
	// Wait returns only after all renditions settled
	p := pool.NewWithResults[outcome]()
	for _, entry := range entries {
		entry := entry
		p.Go(func() outcome {
			v, err := b.buildRendition(ctx, contentHash, sourceURL, entry, scratch, now)
			if err != nil {
				b.log.Warnw("hls rendition failed, continuing with remaining ladder",
					"name", entry.Name, "error", err)
				return outcome{entry: entry}
			}
			return outcome{entry: entry, variant: v}
		})
	}
	settled := p.Wait()

	variants := make([]models.Variant, 0, len(settled)+1)
	produced := make([]outcome, 0, len(settled))
	for _, o := range settled {
		if o.variant != nil {
			variants = append(variants, *o.variant)
			produced = append(produced, o)
		}
	}
	if len(produced) == 0 {
		b.log.Warnw("no hls renditions produced, skipping master manifest", "hash", contentHash)
		return nil, nil
	}
	sort.Slice(produced, func(i, j int) bool {
		return produced[i].entry.Width < produced[j].entry.Width
	})

	master, err := b.uploadMaster(ctx, contentHash, produced, now)
	if err != nil {
		return nil, err
	}
	return append(variants, *master), nil
}

// buildRendition encodes one segmented rendition into the scratch directory,
// then uploads playlist and segments under the content-derived key directory.
// Each segment file is deleted locally immediately after its upload.
func (b *Builder) buildRendition(ctx context.Context, contentHash, sourceURL string, entry bitrate.Entry, scratch string, now time.Time) (*models.Variant, error) {
	name := "hls_" + entry.Name
	dir := filepath.Join(scratch, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create rendition dir: %w", err)
	}

	playlistPath := filepath.Join(dir, name+".m3u8")
	segmentPattern := filepath.Join(dir, name+"_%05d.ts")

	args := []string{
		"-i", sourceURL,
		"-vf", scalePad(entry.Width, entry.Height),
		"-c:v", entry.VideoCodec,
		"-preset", entry.Preset,
		"-b:v", entry.Bitrate,
		"-c:a", entry.AudioCodec,
		"-b:a", entry.AudioRate,
		"-g", "48",
		"-keyint_min", "48",
		"-sc_threshold", "0",
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", segmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", segmentPattern,
		playlistPath,
	}
	if _, err := b.runner.Run(ctx, b.binary, args...); err != nil {
		return nil, err
	}

	playlistKey := variantkey.Derive(contentHash, name, "m3u8", now)
	keyDir := path.Dir(playlistKey)

	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rendition dir: %w", err)
	}
	var totalSize int64
	segments := 0
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".ts") {
			continue
		}
		local := filepath.Join(dir, f.Name())
		data, err := os.ReadFile(local)
		if err != nil {
			return nil, fmt.Errorf("read segment: %w", err)
		}
		if err := b.store.UploadBuffer(ctx, keyDir+"/"+f.Name(), segmentMIME, data); err != nil {
			return nil, fmt.Errorf("upload segment %s: %w", f.Name(), err)
		}
		totalSize += int64(len(data))
		segments++
		// free the local copy as soon as the upload lands
		_ = os.Remove(local)
	}

	playlist, err := os.ReadFile(playlistPath)
	if err != nil {
		return nil, fmt.Errorf("read playlist: %w", err)
	}
	if err := b.store.UploadBuffer(ctx, playlistKey, playlistMIME, playlist); err != nil {
		return nil, fmt.Errorf("upload playlist: %w", err)
	}
	_ = os.Remove(playlistPath)

	readyAt := now
	b.log.Debugw("hls rendition uploaded", "name", name, "segments", segments, "key", playlistKey)
	return &models.Variant{
		Type:       name,
		StorageKey: playlistKey,
		Width:      entry.Width,
		Height:     entry.Height,
		Size:       totalSize,
		ReadyAt:    &readyAt,
		Metadata: map[string]any{
			"bitrate":  entry.Bitrate,
			"segments": segments,
		},
	}, nil
}

func (b *Builder) uploadMaster(ctx context.Context, contentHash string, produced []outcome, now time.Time) (*models.Variant, error) {
	manifest := buildMasterManifest(produced)
	key := variantkey.Derive(contentHash, "hls_master", "m3u8", now)
	if err := b.store.UploadBuffer(ctx, key, playlistMIME, []byte(manifest)); err != nil {
		return nil, fmt.Errorf("upload master manifest: %w", err)
	}
	readyAt := now
	return &models.Variant{
		Type:       "hls_master",
		StorageKey: key,
		Size:       int64(len(manifest)),
		ReadyAt:    &readyAt,
		Metadata:   map[string]any{"renditions": len(produced)},
	}, nil
}

// buildMasterManifest renders the line-oriented master playlist. Every
// produced rendition is declared with its peak bandwidth and resolution
// followed by the relative path of its rendition playlist, which lives in
// the same key directory as the master.
func buildMasterManifest(produced []outcome) string {
	var sb strings.Builder
	sb.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n\n")
	for _, o := range produced {
		bandwidth := bitrate.ParseBitrate(o.entry.Bitrate) + bitrate.ParseBitrate(o.entry.AudioRate)
		sb.WriteString(fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n",
			bandwidth, o.entry.Width, o.entry.Height))
		sb.WriteString(path.Base(o.variant.StorageKey) + "\n")
	}
	return sb.String()
}

// sourceEntry synthesizes a ladder entry at the probed source resolution for
// sources smaller than the lowest rung.
func sourceEntry(meta probe.Metadata) bitrate.Entry {
	width, height := meta.Width, meta.Height
	if width <= 0 || height <= 0 {
		width, height = 640, 360
	}
	// keep dimensions even for the encoder
	width -= width % 2
	height -= height % 2
	rate := "800k"
	if meta.Bitrate > 0 {
		rate = fmt.Sprintf("%dk", meta.Bitrate)
	}
	return bitrate.Entry{
		Name:       "source",
		Width:      width,
		Height:     height,
		Bitrate:    rate,
		AudioRate:  "96k",
		VideoCodec: "libx264",
		AudioCodec: "aac",
		Preset:     "fast",
	}
}

// scalePad mirrors the progressive ladder's box-fit filter.
func scalePad(width, height int) string {
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
		width, height, width, height)
}
