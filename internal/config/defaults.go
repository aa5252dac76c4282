package config

import (
	"os"
	"path/filepath"
	"strings"

	"bibwatch/internal/settings"
)

const (
	defaultConfigPath              = "~/.config/bibwatch/config.toml"
	defaultAPIBind                 = "127.0.0.1:7488"
	defaultMaxUploadMiB            = 2048
	defaultLongPollSeconds         = 25
	defaultForceStopTimeoutSeconds = 2
	defaultDownloadTimeoutSeconds  = 600
	defaultDetectorTimeoutSeconds  = 30
	defaultDetectorMaxFrameWidth   = 1280
	defaultNtfyTimeoutSeconds      = 10
	defaultLogFormat               = "console"
	defaultLogLevel                = "info"
)

// Default returns a Config populated with repository defaults. Media
// directories left empty are derived from data_dir during normalization.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir(),
			APIBind: defaultAPIBind,
		},
		Job: Job{
			Defaults:                settings.Default(),
			MaxUploadMiB:            defaultMaxUploadMiB,
			Isolation:               IsolationProcess,
			LongPollSeconds:         defaultLongPollSeconds,
			ForceStopTimeoutSeconds: defaultForceStopTimeoutSeconds,
		},
		Tools: Tools{
			FFmpeg:                 "ffmpeg",
			FFprobe:                "ffprobe",
			YTDLP:                  "yt-dlp",
			DownloadTimeoutSeconds: defaultDownloadTimeoutSeconds,
		},
		Detector: Detector{
			TimeoutSeconds: defaultDetectorTimeoutSeconds,
			MaxFrameWidth:  defaultDetectorMaxFrameWidth,
		},
		Notifications: Notifications{
			RequestTimeoutSeconds: defaultNtfyTimeoutSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}

func defaultDataDir() string {
	if base, ok := os.LookupEnv("XDG_DATA_HOME"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "bibwatch")
	}
	return "~/.local/share/bibwatch"
}
