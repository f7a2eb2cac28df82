package models

import (
	"strings"
	"time"
)

// Asset is the persisted record for one uploaded original. The pipeline only
// ever touches the variants list and the probed metadata; everything else is
// owned by the ingest side.
type Asset struct {
	ID          string         `bson:"_id" json:"id"`
	UserID      string         `bson:"user_id" json:"user_id"`
	Key         string         `bson:"key" json:"key"` // S3 object key of the original bytes
	ContentHash string         `bson:"content_hash" json:"content_hash"`
	ContentType string         `bson:"content_type" json:"content_type"`
	Size        int64          `bson:"size" json:"size"`
	Metadata    map[string]any `bson:"metadata,omitempty" json:"metadata,omitempty"`
	Variants    []Variant      `bson:"variants,omitempty" json:"variants,omitempty"`
	Version     int64          `bson:"version" json:"version"`
	CreatedAt   time.Time      `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `bson:"updated_at" json:"updated_at"`
}

// Variant describes one derivative rendition of an asset. Type is unique
// within an asset's variant list; a regeneration replaces the whole entry
// rather than mutating it, so ReadyAt never changes once set.
type Variant struct {
	Type       string         `bson:"type" json:"type"` // thumb, w1280, 720p, poster, hls_720p, hls_master...
	StorageKey string         `bson:"storage_key" json:"storage_key"`
	Width      int            `bson:"width,omitempty" json:"width,omitempty"`
	Height     int            `bson:"height,omitempty" json:"height,omitempty"`
	Size       int64          `bson:"size,omitempty" json:"size,omitempty"`
	ReadyAt    *time.Time     `bson:"ready_at,omitempty" json:"ready_at,omitempty"`
	Metadata   map[string]any `bson:"metadata,omitempty" json:"metadata,omitempty"`
}

// Ready reports whether the rendition has been generated and uploaded.
func (v Variant) Ready() bool { return v.ReadyAt != nil }

// VideoMetadata carries the probed technical properties of a video original.
// Every field is optional; probing is best effort.
type VideoMetadata struct {
	Duration   float64 `bson:"duration,omitempty" json:"duration,omitempty"`
	Width      int     `bson:"width,omitempty" json:"width,omitempty"`
	Height     int     `bson:"height,omitempty" json:"height,omitempty"`
	Bitrate    int     `bson:"bitrate,omitempty" json:"bitrate,omitempty"` // kbps
	FPS        float64 `bson:"fps,omitempty" json:"fps,omitempty"`
	VideoCodec string  `bson:"video_codec,omitempty" json:"video_codec,omitempty"`
	AudioCodec string  `bson:"audio_codec,omitempty" json:"audio_codec,omitempty"`
}

// Kind buckets a MIME content type into the pipeline's dispatch classes.
type Kind string

const (
	KindImage       Kind = "image"
	KindVideo       Kind = "video"
	KindPDF         Kind = "pdf"
	KindUnsupported Kind = "unsupported"
)

// KindOf maps a content type to its pipeline class.
func KindOf(contentType string) Kind {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return KindImage
	case strings.HasPrefix(contentType, "video/"):
		return KindVideo
	case contentType == "application/pdf":
		return KindPDF
	default:
		return KindUnsupported
	}
}

// MergeVariants merges incoming descriptors over existing ones keyed by
// variant type. Incoming entries win for overlapping types; existing entries
// for types the incoming set does not carry are preserved. Order is existing
// first, then new types in incoming order.
func MergeVariants(existing, incoming []Variant) []Variant {
	byType := make(map[string]Variant, len(incoming))
	for _, v := range incoming {
		byType[v.Type] = v
	}
	merged := make([]Variant, 0, len(existing)+len(incoming))
	seen := make(map[string]bool, len(existing))
	for _, v := range existing {
		if in, ok := byType[v.Type]; ok {
			merged = append(merged, in)
		} else {
			merged = append(merged, v)
		}
		seen[v.Type] = true
	}
	for _, v := range incoming {
		if !seen[v.Type] {
			merged = append(merged, v)
		}
	}
	return merged
}
