package config

import (
	"time"

	"github.com/spf13/viper"
)

type AppConf struct {
	Env            string `mapstructure:"env"`
	Port           int    `mapstructure:"port"`
	ShutdownSecond int    `mapstructure:"shutdown_seconds"`
}

type MongoConf struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type AWSConf struct {
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`
	Endpoint string `mapstructure:"endpoint"`
}

type S3Conf struct {
	PublicRead bool `mapstructure:"public_read"`
	PresignTTL int  `mapstructure:"presign_ttl_seconds"`
}

type FFmpegConf struct {
	FFmpegPath     string `mapstructure:"ffmpeg_path"`
	FFprobePath    string `mapstructure:"ffprobe_path"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type PipelineConf struct {
	ScratchDir      string `mapstructure:"scratch_dir"`
	CommitRetries   int    `mapstructure:"commit_retries"`
	CommitBackoffMS int    `mapstructure:"commit_backoff_ms"`
	PosterMaxWidth  int    `mapstructure:"poster_max_width"`
	PosterMaxHeight int    `mapstructure:"poster_max_height"`
}

type JWTConf struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
}

type Config struct {
	App      AppConf      `mapstructure:"app"`
	Mongo    MongoConf    `mapstructure:"mongodb"`
	AWS      AWSConf      `mapstructure:"aws"`
	S3       S3Conf       `mapstructure:"s3"`
	FFmpeg   FFmpegConf   `mapstructure:"ffmpeg"`
	Pipeline PipelineConf `mapstructure:"pipeline"`
	JWT      JWTConf      `mapstructure:"jwt"`
	Log      struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`

	// derived
	ShutdownTimeout time.Duration
	CommandTimeout  time.Duration
	CommitBackoff   time.Duration
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.App.ShutdownSecond == 0 {
		cfg.App.ShutdownSecond = 15
	}
	cfg.ShutdownTimeout = time.Duration(cfg.App.ShutdownSecond) * time.Second
	if cfg.S3.PresignTTL == 0 {
		cfg.S3.PresignTTL = 600
	}
	if cfg.FFmpeg.FFmpegPath == "" {
		cfg.FFmpeg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFmpeg.FFprobePath == "" {
		cfg.FFmpeg.FFprobePath = "ffprobe"
	}
	if cfg.FFmpeg.TimeoutSeconds == 0 {
		cfg.FFmpeg.TimeoutSeconds = 600
	}
	cfg.CommandTimeout = time.Duration(cfg.FFmpeg.TimeoutSeconds) * time.Second
	if cfg.Pipeline.ScratchDir == "" {
		cfg.Pipeline.ScratchDir = "/tmp/media-pipeline"
	}
	if cfg.Pipeline.CommitRetries == 0 {
		cfg.Pipeline.CommitRetries = 2
	}
	if cfg.Pipeline.CommitBackoffMS == 0 {
		cfg.Pipeline.CommitBackoffMS = 60
	}
	cfg.CommitBackoff = time.Duration(cfg.Pipeline.CommitBackoffMS) * time.Millisecond
	if cfg.Pipeline.PosterMaxWidth == 0 {
		cfg.Pipeline.PosterMaxWidth = 1280
	}
	if cfg.Pipeline.PosterMaxHeight == 0 {
		cfg.Pipeline.PosterMaxHeight = 1280
	}
	return &cfg, nil
}
