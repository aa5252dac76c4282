package workflow

import (
	"log/slog"
	"os/exec"
	"time"

	"bibwatch/internal/acquisition"
	"bibwatch/internal/analysis"
	"bibwatch/internal/config"
	"bibwatch/internal/conversion"
	"bibwatch/internal/detector"
	"bibwatch/internal/logging"
	"bibwatch/internal/media/ffmpeg"
	"bibwatch/internal/media/ffprobe"
	"bibwatch/internal/roster"
)

// NewDeps wires the production stage implementations from configuration.
// The returned Acquirer also serves uploads.
func NewDeps(cfg *config.Config, logger *slog.Logger) (Deps, *acquisition.Acquirer) {
	if logger == nil {
		logger = logging.NewNop()
	}
	probe := ffprobe.Binary(cfg.Tools.FFprobe)
	tool := ffmpeg.New(cfg.Tools.FFmpeg)

	var downloader acquisition.Downloader
	if _, err := exec.LookPath(cfg.Tools.YTDLP); err == nil {
		downloader = acquisition.NewYTDLP(cfg.Tools.YTDLP, nil)
	} else {
		logger.Info("yt-dlp not found; URL downloads use direct HTTP only",
			logging.String(logging.FieldEventType, "ytdlp_unavailable"),
			logging.String("binary", cfg.Tools.YTDLP),
		)
	}

	acq := acquisition.New(acquisition.Options{
		UploadDir:    cfg.Paths.UploadDir,
		WorkDir:      cfg.Paths.UploadDir,
		Probe:        probe,
		FFmpeg:       tool,
		Downloader:   downloader,
		HTTPClient:   acquisition.NewHTTPClient(),
		StallTimeout: time.Duration(cfg.Tools.DownloadTimeoutSeconds) * time.Second,
		Logger:       logger,
	})

	deps := Deps{
		Fetcher:   acq,
		Converter: conversion.New(probe, tool, logger),
		Analyzer:  analysis.New(probe, analysis.NewFFmpegFrames(tool, ""), logger),
		Detector: detector.New(detector.Options{
			Command:       cfg.Detector.Command,
			Args:          cfg.Detector.Args,
			Timeout:       time.Duration(cfg.Detector.TimeoutSeconds) * time.Second,
			MaxFrameWidth: cfg.Detector.MaxFrameWidth,
		}),
		LoadRoster: func(path string) (analysis.Matcher, error) {
			r, err := roster.Load(path)
			if err != nil {
				return nil, err
			}
			return r, nil
		},
		ConvertedDir: cfg.Paths.ConvertedDir,
		Logger:       logger,
	}
	return deps, acq
}
