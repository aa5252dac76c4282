package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"bibwatch/internal/acquisition"
	"bibwatch/internal/analysis"
	"bibwatch/internal/conversion"
	"bibwatch/internal/logging"
	"bibwatch/internal/services"
	"bibwatch/internal/stage"
	"bibwatch/internal/stageexec"
	"bibwatch/internal/state"
)

// EventType tags coordinator and pipeline lifecycle events.
const EventType = "process"

// Fetcher downloads remote videos.
type Fetcher interface {
	Fetch(ctx context.Context, req acquisition.FetchRequest, rep stage.Reporter) (acquisition.File, error)
}

// Converter produces browser-playable files.
type Converter interface {
	EnsurePlayable(ctx context.Context, path, cacheDir string, rep stage.Reporter) (conversion.Result, error)
}

// Analyzer runs frame-sampled recognition.
type Analyzer interface {
	Run(ctx context.Context, req analysis.Request, rep stage.Reporter) (analysis.Result, error)
}

// RosterLoader opens the roster referenced by a job.
type RosterLoader func(path string) (analysis.Matcher, error)

// Deps are the collaborators a Pipeline drives.
type Deps struct {
	Fetcher      Fetcher
	Converter    Converter
	Analyzer     Analyzer
	Detector     analysis.Detector
	LoadRoster   RosterLoader
	ConvertedDir string
	Logger       *slog.Logger
}

// Pipeline is the job worker body.
type Pipeline struct {
	deps   Deps
	logger *slog.Logger
}

// NewPipeline builds a pipeline.
func NewPipeline(deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pipeline{deps: deps, logger: logger.With(logging.String(logging.FieldComponent, "pipeline"))}
}

// Execute runs spec to completion and reports through emit. It always ends
// with a terminal patch, a terminal event, and a KindFinal message, in that
// order, regardless of how the stages ended.
func (p *Pipeline) Execute(ctx context.Context, spec JobSpec, emit func(Message)) {
	ctx = services.WithJobID(ctx, spec.ID)
	logger := logging.WithContext(ctx, p.logger)
	rep := newMessageReporter(emit)
	defer emit(Message{Kind: KindFinal})

	rep.Event(state.LevelInfo, EventType, "Pipeline started", map[string]any{"kind": string(spec.Kind)})
	logger.Info("pipeline started",
		logging.String(logging.FieldEventType, "pipeline_start"),
		logging.String("kind", string(spec.Kind)),
	)

	terminal, err := p.runGuarded(ctx, spec, rep, logger)
	p.finish(spec, rep, logger, terminal, err)
}

func (p *Pipeline) runGuarded(ctx context.Context, spec JobSpec, rep stage.Reporter, logger *slog.Logger) (patch state.Patch, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return p.run(ctx, spec, rep, logger)
}

func (p *Pipeline) run(ctx context.Context, spec JobSpec, rep stage.Reporter, logger *slog.Logger) (state.Patch, error) {
	var matcher analysis.Matcher
	if spec.Kind == JobProcess {
		loaded, err := p.loadRoster(spec.Roster)
		if err != nil {
			return state.Patch{}, err
		}
		matcher = loaded
		if p.deps.Detector == nil {
			return state.Patch{}, services.Wrap(services.ErrProcessing, "analysis", "detector", "Detector unavailable", analysis.ErrDetectorUnavailable)
		}
		if err := p.deps.Detector.Ready(ctx); err != nil {
			return state.Patch{}, services.Wrap(services.ErrProcessing, "analysis", "detector", "Detector unavailable", err)
		}
	}

	video := spec.Source
	if spec.URL != "" {
		err := stageexec.Run(ctx, stageexec.Options{
			Logger:    logger,
			Reporter:  rep,
			StageName: "acquisition",
			Phase:     state.PhaseDownloading,
			Announce:  "Download started",
			Execute: func(ctx context.Context, _ *slog.Logger) error {
				file, err := p.deps.Fetcher.Fetch(ctx, spec.Fetch(), rep)
				if err != nil {
					return err
				}
				video = file.Path
				rep.Publish(state.Patch{
					Video:          state.Ptr(file.Name),
					VideoBytes:     state.Ptr(file.SizeBytes),
					Converted:      state.Ptr(""),
					ConvertedBytes: state.Ptr(int64(0)),
				})
				return nil
			},
		})
		if err != nil {
			return state.Patch{}, err
		}
	}

	if spec.Kind == JobDownload {
		return state.Patch{}, nil
	}

	playable := video
	err := stageexec.Run(ctx, stageexec.Options{
		Logger:    logger,
		Reporter:  rep,
		StageName: "conversion",
		Phase:     state.PhaseConverting,
		Execute: func(ctx context.Context, _ *slog.Logger) error {
			res, err := p.deps.Converter.EnsurePlayable(ctx, video, p.deps.ConvertedDir, rep)
			if err != nil {
				return err
			}
			playable = res.Path
			converted := ""
			if res.Converted {
				converted = filepath.Base(res.Path)
			}
			rep.Publish(state.Patch{Converted: state.Ptr(converted), ConvertedBytes: state.Ptr(res.SizeBytes)})
			return nil
		},
	})
	if err != nil {
		return state.Patch{}, err
	}

	var result analysis.Result
	err = stageexec.Run(ctx, stageexec.Options{
		Logger:    logger,
		Reporter:  rep,
		StageName: "analysis",
		Phase:     state.PhaseProcessing,
		Execute: func(ctx context.Context, _ *slog.Logger) error {
			res, err := p.deps.Analyzer.Run(ctx, analysis.Request{
				Video:    playable,
				Settings: spec.Settings,
				Detector: p.deps.Detector,
				Matcher:  matcher,
			}, rep)
			result = res
			return err
		},
	})
	if err != nil {
		return state.Patch{}, err
	}
	return state.Patch{
		Timestamps:  state.Ptr(result.Entries),
		BBoxes:      state.Ptr(result.BBoxes),
		ResultsText: state.Ptr(result.ResultsText),
	}, nil
}

func (p *Pipeline) loadRoster(path string) (analysis.Matcher, error) {
	if p.deps.LoadRoster == nil || path == "" {
		return nil, services.Wrap(services.ErrValidation, "analysis", "load roster", "No roster loaded", nil)
	}
	matcher, err := p.deps.LoadRoster(path)
	if err != nil {
		return nil, err
	}
	if matcher == nil || matcher.Len() == 0 {
		return nil, services.Wrap(services.ErrValidation, "analysis", "load roster",
			"Roster is missing or has unsupported columns", nil)
	}
	return matcher, nil
}

// finish converts the pipeline outcome into the terminal patch and event.
func (p *Pipeline) finish(spec JobSpec, rep stage.Reporter, logger *slog.Logger, terminal state.Patch, err error) {
	terminal.Processing = state.Ptr(false)
	terminal.CancelRequested = state.Ptr(false)

	kind := services.Classify(err)
	switch kind {
	case "":
		terminal.Phase = state.Ptr(state.PhaseDone)
		terminal.Progress = state.Ptr(100)
		rep.Publish(terminal)
		rep.Event(state.LevelInfo, EventType, "Pipeline done", map[string]any{"kind": string(spec.Kind)})
		logger.Info("pipeline done", logging.String(logging.FieldEventType, "pipeline_complete"))
	case services.KindCancelled:
		terminal.Phase = state.Ptr(state.PhaseIdle)
		terminal.Progress = state.Ptr(0)
		rep.Publish(terminal)
		rep.Event(state.LevelWarning, EventType, "Pipeline cancelled", nil)
		logger.Info("pipeline cancelled", logging.String(logging.FieldEventType, "pipeline_cancelled"))
	default:
		terminal.Phase = state.Ptr(state.PhaseError)
		rep.Publish(terminal)
		message := services.Message(err)
		rep.Event(state.LevelError, EventType, "Pipeline failed: "+message, map[string]any{"kind": string(kind)})
		logging.ErrorWithContext(logger, "pipeline failed", "pipeline_failed",
			logging.String("failure_kind", string(kind)),
			logging.Error(err),
		)
	}
}
