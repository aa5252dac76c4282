package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateJob(); err != nil {
		return err
	}
	if err := c.validateTimeouts(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if !strings.Contains(c.Paths.APIBind, ":") {
		return fmt.Errorf("paths.api_bind must be host:port, got %q", c.Paths.APIBind)
	}
	return nil
}

func (c *Config) validateJob() error {
	if err := c.Job.Defaults.Validate(); err != nil {
		return fmt.Errorf("job.defaults: %w", err)
	}
	switch c.Job.Isolation {
	case IsolationProcess, IsolationInProcess:
	default:
		return fmt.Errorf("job.isolation must be %q or %q, got %q", IsolationProcess, IsolationInProcess, c.Job.Isolation)
	}
	if c.Job.LongPollSeconds > 120 {
		return errors.New("job.long_poll_seconds must not exceed 120")
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	return ensurePositiveMap(map[string]int{
		"job.max_upload_mib":                    c.Job.MaxUploadMiB,
		"job.long_poll_seconds":                 c.Job.LongPollSeconds,
		"job.force_stop_timeout_seconds":        c.Job.ForceStopTimeoutSeconds,
		"tools.download_timeout_seconds":        c.Tools.DownloadTimeoutSeconds,
		"detector.timeout_seconds":              c.Detector.TimeoutSeconds,
		"detector.max_frame_width":              c.Detector.MaxFrameWidth,
		"notifications.request_timeout_seconds": c.Notifications.RequestTimeoutSeconds,
	})
}

func (c *Config) validateNotifications() error {
	topic := c.Notifications.NtfyTopic
	if topic != "" && !strings.HasPrefix(topic, "http://") && !strings.HasPrefix(topic, "https://") {
		return fmt.Errorf("notifications.ntfy_topic must be an http(s) URL, got %q", topic)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
