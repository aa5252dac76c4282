package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeJob()
	c.normalizeTools()
	c.normalizeDetector()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir()
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	derived := []struct {
		key   string
		value *string
		sub   string
	}{
		{"paths.upload_dir", &c.Paths.UploadDir, "uploads"},
		{"paths.converted_dir", &c.Paths.ConvertedDir, "converted"},
		{"paths.roster_dir", &c.Paths.RosterDir, "rosters"},
		{"paths.log_dir", &c.Paths.LogDir, "logs"},
	}
	for _, d := range derived {
		if strings.TrimSpace(*d.value) == "" {
			*d.value = filepath.Join(c.Paths.DataDir, d.sub)
		}
		if *d.value, err = expandPath(*d.value); err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("BIBWATCH_API_TOKEN"); ok {
			c.Paths.APIToken = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeJob() {
	c.Job.Defaults = c.Job.Defaults.Clamp()
	c.Job.Isolation = strings.ToLower(strings.TrimSpace(c.Job.Isolation))
	switch c.Job.Isolation {
	case "":
		c.Job.Isolation = IsolationProcess
	case "in-process", "thread", "goroutine":
		c.Job.Isolation = IsolationInProcess
	}
	if c.Job.MaxUploadMiB == 0 {
		c.Job.MaxUploadMiB = defaultMaxUploadMiB
	}
	if c.Job.LongPollSeconds == 0 {
		c.Job.LongPollSeconds = defaultLongPollSeconds
	}
	if c.Job.ForceStopTimeoutSeconds == 0 {
		c.Job.ForceStopTimeoutSeconds = defaultForceStopTimeoutSeconds
	}
}

func (c *Config) normalizeTools() {
	trimOr := func(value, fallback string) string {
		if v := strings.TrimSpace(value); v != "" {
			return v
		}
		return fallback
	}
	c.Tools.FFmpeg = trimOr(c.Tools.FFmpeg, "ffmpeg")
	c.Tools.FFprobe = trimOr(c.Tools.FFprobe, "ffprobe")
	c.Tools.YTDLP = strings.TrimSpace(c.Tools.YTDLP)
	if c.Tools.DownloadTimeoutSeconds == 0 {
		c.Tools.DownloadTimeoutSeconds = defaultDownloadTimeoutSeconds
	}
}

func (c *Config) normalizeDetector() {
	c.Detector.Command = strings.TrimSpace(c.Detector.Command)
	args := c.Detector.Args[:0]
	for _, arg := range c.Detector.Args {
		if arg = strings.TrimSpace(arg); arg != "" {
			args = append(args, arg)
		}
	}
	c.Detector.Args = args
	if c.Detector.TimeoutSeconds == 0 {
		c.Detector.TimeoutSeconds = defaultDetectorTimeoutSeconds
	}
	if c.Detector.MaxFrameWidth == 0 {
		c.Detector.MaxFrameWidth = defaultDetectorMaxFrameWidth
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeoutSeconds == 0 {
		c.Notifications.RequestTimeoutSeconds = defaultNtfyTimeoutSeconds
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
