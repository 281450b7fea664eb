package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net"
	"net/http"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/live-classifier/internal/config"
	"github.com/Brownie44l1/live-classifier/internal/handlers"
	"github.com/Brownie44l1/live-classifier/internal/metrics"
	"github.com/Brownie44l1/live-classifier/internal/model"
	"github.com/Brownie44l1/live-classifier/internal/report"
	"github.com/Brownie44l1/live-classifier/internal/session"
	"github.com/Brownie44l1/live-classifier/internal/source"
	"github.com/Brownie44l1/live-classifier/internal/speech"
	"github.com/Brownie44l1/live-classifier/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func loadLabels(cfg config.Config) (model.LabelTable, error) {
	if cfg.Model.Labels != "" {
		return model.LoadLabels(cfg.Model.Labels)
	}
	metadata, err := model.LoadMetadata(cfg.Model.Metadata)
	if err != nil {
		return nil, err
	}
	if len(metadata.Classes) == 0 {
		return nil, fmt.Errorf("no labels file is configured and '%s' has no class names", cfg.Model.Metadata)
	}
	return model.LabelTable(metadata.Classes), nil
}

func engineFactory(cfg config.Config) session.EngineFactory {
	return func(ctx context.Context, accelerated bool) (model.Engine, error) {
		engine, err := model.NewONNXEngine(ctx, model.ONNXOptions{
			ModelPath:    cfg.Model.Path,
			MetadataPath: cfg.Model.Metadata,
			Accelerated:  accelerated,
		})
		if err != nil {
			return nil, err
		}
		return engine, nil
	}
}

func sourceFactory(cfg config.Config) (session.SourceFactory, error) {
	kind, err := cfg.SourceKind()
	if err != nil {
		return nil, err
	}

	switch kind {
	case source.KindCamera:
		return func(context.Context) (source.Source, error) {
			return source.NewFFmpeg(source.FFmpegConfig{
				FFmpegPath:  cfg.Source.FFmpegPath,
				InputFormat: cfg.Source.InputFormat,
				Device:      cfg.Source.Device,
				Width:       cfg.Source.Width,
				Height:      cfg.Source.Height,
				FrameRate:   cfg.Source.FrameRate,
			}), nil
		}, nil
	case source.KindScreen:
		var bounds image.Rectangle
		if b := cfg.Source.Bounds; !b.Empty() {
			bounds = image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
		}
		return func(context.Context) (source.Source, error) {
			return source.NewScreen(cfg.Source.Display, bounds), nil
		}, nil
	case source.KindImage:
		return func(context.Context) (source.Source, error) {
			return source.NewImage(cfg.Source.ImagePath), nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported source kind %v", kind)
	}
}

func applyLogLevel(cmd *cobra.Command, cfg config.Config) context.Context {
	ctx := cmd.Context()
	if cmd.Flags().Changed("log-level") || cfg.LogLevel == "" {
		return ctx
	}
	level := LoggerLevel
	if err := level.Set(cfg.LogLevel); err != nil {
		logger.Warnf(ctx, "invalid log_level '%s': %v", cfg.LogLevel, err)
		return ctx
	}
	return logger.CtxWithLogger(ctx, logger.FromCtx(ctx).WithLevel(level))
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := applyLogLevel(cmd, cfg)

	strategy, err := cfg.Strategy()
	if err != nil {
		return err
	}
	newSource, err := sourceFactory(cfg)
	if err != nil {
		return err
	}
	labels, err := loadLabels(cfg)
	if err != nil {
		return err
	}
	logger.Infof(ctx, "loaded %d labels", len(labels))

	if err := model.InitRuntime(cfg.Model.SharedLibrary); err != nil {
		return err
	}
	defer func() {
		if err := model.ShutdownRuntime(); err != nil {
			logger.Errorf(ctx, "unable to shut down the ONNX runtime: %v", err)
		}
	}()

	status := report.NewStatus()
	status.SetText("Stopped")
	m := metrics.New()
	sinks := report.Multi{status, report.Log{}, m}

	var announcer *speech.Announcer
	if cfg.Speech.Command != "" {
		synth := speech.NewCommandSynthesizer(cfg.Speech.Command, cfg.Speech.Voice)
		synth.Speed = cfg.Speech.Speed
		announcer = speech.NewAnnouncer(synth, speech.NewOtoPlayer(), cfg.Speech.Enabled)
		announcer.LikelyThreshold = cfg.Speech.LikelyThreshold
		defer announcer.Close()
		sinks = append(sinks, announcer)
	}

	var predictions handlers.PredictionStore
	if cfg.Postgres.DSN != "" {
		pg, err := storage.Connect(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		pg.StoreScores = cfg.Postgres.StoreScores
		predictions = pg

		// the database gets its own queue so a slow insert does not hold up the status line
		pgDispatcher := report.NewDispatcher(ctx, pg, cfg.Postgres.Queue)
		defer pgDispatcher.Close()
		sinks = append(sinks, pgDispatcher)
	}

	dispatcher := report.NewDispatcher(ctx, sinks, cfg.ReportQueue)
	defer dispatcher.Close()

	sess, err := session.New(ctx, session.Config{
		Period:       cfg.SamplingPeriod,
		TopK:         cfg.TopK,
		Strategy:     strategy,
		Labels:       labels,
		Accelerated:  cfg.UseAcceleratedDevice,
		DrainTimeout: cfg.DrainTimeout,
		Observer:     m,
		Status:       status,
	}, engineFactory(cfg), newSource, dispatcher)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: handlers.NewMux(handlers.NewHandler(sess, status, announcer, m.Handler(), predictions)),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.AutoStart {
		if err := sess.Start(ctx); err != nil {
			logger.Errorf(ctx, "unable to start the session: %v", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof(ctx, "server starting on %s", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Infof(ctx, "shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf(ctx, "unable to shut down the HTTP server gracefully: %v", err)
		}
		return sess.Close(shutdownCtx)
	})
	return g.Wait()
}
