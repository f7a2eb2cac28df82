package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	models "media-pipeline/internal/media"
	"media-pipeline/internal/probe"
	utils "media-pipeline/internal/utils"
	"media-pipeline/internal/variantkey"

	"go.uber.org/zap"
)

// AssetStore is the repository slice the pipeline needs.
type AssetStore interface {
	FindByID(ctx context.Context, id string) (*models.Asset, error)
	FindByContentHash(ctx context.Context, hash, excludeID string) (*models.Asset, error)
	UpdateVariantsField(ctx context.Context, id string, version int64, variants []models.Variant) error
	UpdateMetadata(ctx context.Context, id string, metadata map[string]any) error
}

// ObjectStore is the object-storage slice the pipeline needs.
type ObjectStore interface {
	DownloadBuffer(ctx context.Context, key string) ([]byte, error)
	UploadBuffer(ctx context.Context, key, contentType string, data []byte) error
	PresignURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ImageTranscoder produces the fixed image rendition ladder.
type ImageTranscoder interface {
	Generate(ctx context.Context, contentHash string, original []byte) ([]models.Variant, error)
	GenerateOne(ctx context.Context, contentHash string, original []byte, variantType string) (models.Variant, error)
}

// Prober extracts technical metadata, best effort.
type Prober interface {
	Probe(ctx context.Context, sourceURL string) probe.Metadata
}

// PosterGenerator extracts the poster frame.
type PosterGenerator interface {
	Generate(ctx context.Context, contentHash, sourceURL string, meta probe.Metadata) (models.Variant, error)
}

// LadderTranscoder produces progressive bitrate renditions, partial failures
// swallowed.
type LadderTranscoder interface {
	Generate(ctx context.Context, contentHash, sourceURL string, meta probe.Metadata) []models.Variant
	GenerateOne(ctx context.Context, contentHash, sourceURL string, meta probe.Metadata, name string) (*models.Variant, error)
}

// StreamBuilder produces the segmented renditions plus master manifest.
type StreamBuilder interface {
	Generate(ctx context.Context, contentHash, sourceURL string, meta probe.Metadata) ([]models.Variant, error)
}

// VariantService is the pipeline entry point: it loads the asset, short
// circuits through content-hash dedup, dispatches the type-specific
// sub-pipelines and commits the resulting variant list.
type VariantService struct {
	repo       AssetStore
	store      ObjectStore
	imageT     ImageTranscoder
	prober     Prober
	poster     PosterGenerator
	ladder     LadderTranscoder
	streams    StreamBuilder
	presignTTL time.Duration

	commitRetries int
	commitBackoff time.Duration

	log *zap.SugaredLogger
}

func NewVariantService(repo AssetStore, store ObjectStore, imageT ImageTranscoder, prober Prober,
	poster PosterGenerator, ladder LadderTranscoder, streams StreamBuilder,
	presignTTL time.Duration, commitRetries int, commitBackoff time.Duration,
	log *zap.SugaredLogger) *VariantService {
	if commitRetries <= 0 {
		commitRetries = 2
	}
	if commitBackoff <= 0 {
		commitBackoff = 60 * time.Millisecond
	}
	return &VariantService{
		repo:          repo,
		store:         store,
		imageT:        imageT,
		prober:        prober,
		poster:        poster,
		ladder:        ladder,
		streams:       streams,
		presignTTL:    presignTTL,
		commitRetries: commitRetries,
		commitBackoff: commitBackoff,
		log:           log,
	}
}

// GenerateVariants runs the full derivative pipeline for one asset.
// Unsupported content types are a no-op. Identical content that was already
// processed under another asset record is reused without any transcoding:
// storage keys are content-derived, so the donor's descriptors are valid for
// this asset verbatim.
func (s *VariantService) GenerateVariants(ctx context.Context, assetID string) error {
	asset, err := s.repo.FindByID(ctx, assetID)
	if err != nil {
		return err
	}

	kind := models.KindOf(asset.ContentType)
	if kind == models.KindUnsupported {
		s.log.Infow("unsupported content type, skipping", "asset", assetID, "content_type", asset.ContentType)
		return nil
	}

	if donor, err := s.repo.FindByContentHash(ctx, asset.ContentHash, asset.ID); err != nil {
		s.log.Warnw("dedup lookup failed, proceeding with generation", "asset", assetID, "error", err)
	} else if donor != nil {
		s.log.Infow("reusing variants from identical content", "asset", assetID, "donor", donor.ID)
		return s.commitVariants(ctx, asset, donor.Variants)
	}

	var variants []models.Variant
	switch kind {
	case models.KindImage:
		variants, err = s.generateImage(ctx, asset)
	case models.KindVideo:
		variants, err = s.generateVideo(ctx, asset)
	case models.KindPDF:
		variants = []models.Variant{pdfPlaceholder(asset.ContentHash)}
	}
	if err != nil {
		return err
	}

	return s.commitVariants(ctx, asset, variants)
}

// EnsureVariant regenerates exactly one descriptor type if it is missing or
// not yet ready, committing only that entry.
func (s *VariantService) EnsureVariant(ctx context.Context, assetID, variantType string) error {
	asset, err := s.repo.FindByID(ctx, assetID)
	if err != nil {
		return err
	}
	for _, v := range asset.Variants {
		if v.Type == variantType && v.Ready() {
			return nil
		}
	}

	produced, err := s.generateSingle(ctx, asset, variantType)
	if err != nil {
		return err
	}
	if len(produced) == 0 {
		s.log.Infow("variant not producible for this asset", "asset", assetID, "type", variantType)
		return nil
	}
	return s.commitVariants(ctx, asset, produced)
}

// GetVariants returns the asset's current variant list.
func (s *VariantService) GetVariants(ctx context.Context, assetID string) ([]models.Variant, error) {
	asset, err := s.repo.FindByID(ctx, assetID)
	if err != nil {
		return nil, err
	}
	return asset.Variants, nil
}

func (s *VariantService) generateImage(ctx context.Context, asset *models.Asset) ([]models.Variant, error) {
	original, err := s.store.DownloadBuffer(ctx, asset.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: download original: %v", utils.ErrStorageFailure, err)
	}
	return s.imageT.Generate(ctx, asset.ContentHash, original)
}

func (s *VariantService) generateVideo(ctx context.Context, asset *models.Asset) ([]models.Variant, error) {
	sourceURL, err := s.store.PresignURL(ctx, asset.Key, s.presignTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: presign original: %v", utils.ErrStorageFailure, err)
	}

	meta := s.prober.Probe(ctx, sourceURL)
	s.recordVideoMetadata(ctx, asset, meta)

	// the poster is depended upon for thumbnails, so its failure is fatal
	posterVariant, err := s.poster.Generate(ctx, asset.ContentHash, sourceURL, meta)
	if err != nil {
		return nil, err
	}
	variants := []models.Variant{posterVariant}

	// progressive and segmented renditions are best effort: whatever encodes
	// cleanly makes it into the list
	variants = append(variants, s.ladder.Generate(ctx, asset.ContentHash, sourceURL, meta)...)

	streamVariants, err := s.streams.Generate(ctx, asset.ContentHash, sourceURL, meta)
	if err != nil {
		s.log.Warnw("adaptive stream build failed, continuing without hls", "asset", asset.ID, "error", err)
	} else {
		variants = append(variants, streamVariants...)
	}

	return variants, nil
}

func (s *VariantService) generateSingle(ctx context.Context, asset *models.Asset, variantType string) ([]models.Variant, error) {
	switch models.KindOf(asset.ContentType) {
	case models.KindImage:
		original, err := s.store.DownloadBuffer(ctx, asset.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: download original: %v", utils.ErrStorageFailure, err)
		}
		v, err := s.imageT.GenerateOne(ctx, asset.ContentHash, original, variantType)
		if err != nil {
			return nil, err
		}
		return []models.Variant{v}, nil

	case models.KindVideo:
		sourceURL, err := s.store.PresignURL(ctx, asset.Key, s.presignTTL)
		if err != nil {
			return nil, fmt.Errorf("%w: presign original: %v", utils.ErrStorageFailure, err)
		}
		meta := s.prober.Probe(ctx, sourceURL)
		switch {
		case variantType == "poster":
			v, err := s.poster.Generate(ctx, asset.ContentHash, sourceURL, meta)
			if err != nil {
				return nil, err
			}
			return []models.Variant{v}, nil
		case strings.HasPrefix(variantType, "hls_"):
			// segmented renditions and the master manifest reference each
			// other, so the whole adaptive set is rebuilt together
			return s.streams.Generate(ctx, asset.ContentHash, sourceURL, meta)
		default:
			v, err := s.ladder.GenerateOne(ctx, asset.ContentHash, sourceURL, meta, variantType)
			if err != nil {
				return nil, err
			}
			if v == nil {
				return nil, nil
			}
			return []models.Variant{*v}, nil
		}

	case models.KindPDF:
		return []models.Variant{pdfPlaceholder(asset.ContentHash)}, nil
	}
	return nil, nil
}

func (s *VariantService) recordVideoMetadata(ctx context.Context, asset *models.Asset, meta probe.Metadata) {
	if meta == (probe.Metadata{}) {
		return
	}
	fields := map[string]any{
		"duration":    meta.Duration,
		"width":       meta.Width,
		"height":      meta.Height,
		"bitrate":     meta.Bitrate,
		"fps":         meta.FPS,
		"video_codec": meta.VideoCodec,
		"audio_codec": meta.AudioCodec,
	}
	if err := s.repo.UpdateMetadata(ctx, asset.ID, fields); err != nil {
		s.log.Warnw("metadata update failed", "asset", asset.ID, "error", err)
	}
}

// commitVariants persists the produced descriptors with a targeted update of
// only the variants field. On an optimistic-concurrency conflict the current
// list is re-read and merged by variant type, with this run's values winning
// for overlapping types, then the update is retried with linearly scaled
// backoff. Exhausted retries surface the conflict to the caller.
func (s *VariantService) commitVariants(ctx context.Context, asset *models.Asset, produced []models.Variant) error {
	current := asset
	merged := models.MergeVariants(current.Variants, produced)
	for attempt := 0; ; attempt++ {
		err := s.repo.UpdateVariantsField(ctx, asset.ID, current.Version, merged)
		if err == nil {
			return nil
		}
		if !errors.Is(err, utils.ErrVersionConflict) {
			return err
		}
		if attempt >= s.commitRetries {
			return fmt.Errorf("commit variants for %s: %w", asset.ID, err)
		}
		s.log.Infow("variant commit conflict, retrying", "asset", asset.ID, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.commitBackoff * time.Duration(attempt+1)):
		}
		current, err = s.repo.FindByID(ctx, asset.ID)
		if err != nil {
			return err
		}
		merged = models.MergeVariants(current.Variants, produced)
	}
}

// pdfPlaceholder reserves the thumbnail slot for PDF assets. Actual page
// rasterization is handled by a separate worker; the descriptor stays not
// ready until that worker fills it in.
func pdfPlaceholder(contentHash string) models.Variant {
	return models.Variant{
		Type:       "thumb",
		StorageKey: variantkey.Derive(contentHash, "thumb", "jpg", time.Now().UTC()),
		Metadata:   map[string]any{"placeholder": true},
	}
}
