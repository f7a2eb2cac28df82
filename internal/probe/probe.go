// Package probe extracts technical metadata from a remote-readable media
// resource via the external probing binary. Probing is strictly best effort:
// any failure yields an empty Metadata and a log line, never an error, so
// callers must treat every field as optional.
package probe

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"media-pipeline/internal/execx"

	"go.uber.org/zap"
)

// Metadata is the probed view of a media resource. Zero values mean unknown.
type Metadata struct {
	Duration   float64
	Width      int
	Height     int
	Bitrate    int // kbps
	FPS        float64
	VideoCodec string
	AudioCodec string
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		Width      int    `json:"width,omitempty"`
		Height     int    `json:"height,omitempty"`
		RFrameRate string `json:"r_frame_rate,omitempty"`
		BitRate    string `json:"bit_rate,omitempty"`
		Duration   string `json:"duration,omitempty"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
}

type Prober struct {
	binary string
	runner execx.Runner
	log    *zap.SugaredLogger
}

func NewProber(binary string, runner execx.Runner, log *zap.SugaredLogger) *Prober {
	return &Prober{binary: binary, runner: runner, log: log}
}

// Probe inspects sourceURL. It never fails the caller; on any error it
// returns an empty Metadata.
func (p *Prober) Probe(ctx context.Context, sourceURL string) Metadata {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		sourceURL,
	}

	out, err := p.runner.Output(ctx, p.binary, args...)
	if err != nil {
		p.log.Warnw("probe failed, continuing with defaults", "error", err)
		return Metadata{}
	}

	var data ffprobeOutput
	if err := json.Unmarshal(out, &data); err != nil {
		p.log.Warnw("probe output unparseable, continuing with defaults", "error", err)
		return Metadata{}
	}

	return parse(data)
}

func parse(data ffprobeOutput) Metadata {
	var m Metadata

	if data.Format.Duration != "" {
		if d, err := strconv.ParseFloat(data.Format.Duration, 64); err == nil {
			m.Duration = d
		}
	}
	if data.Format.BitRate != "" {
		if b, err := strconv.Atoi(data.Format.BitRate); err == nil {
			m.Bitrate = b / 1000
		}
	}

	for _, stream := range data.Streams {
		switch {
		case stream.CodecType == "video" && m.Width == 0:
			m.Width = stream.Width
			m.Height = stream.Height
			m.VideoCodec = stream.CodecName
			m.FPS = parseFrameRate(stream.RFrameRate)
			if m.Duration == 0 && stream.Duration != "" {
				if d, err := strconv.ParseFloat(stream.Duration, 64); err == nil {
					m.Duration = d
				}
			}
		case stream.CodecType == "audio" && m.AudioCodec == "":
			m.AudioCodec = stream.CodecName
		}
	}
	return m
}

// parseFrameRate converts ffprobe's rational frame rate ("30/1", "30000/1001")
// to a float. A zero denominator is invalid input; the numerator alone is
// used rather than dividing by zero.
func parseFrameRate(rate string) float64 {
	if rate == "" {
		return 0
	}
	parts := strings.Split(rate, "/")
	num, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	if len(parts) != 2 {
		return num
	}
	den, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || den == 0 {
		return num
	}
	return num / den
}
