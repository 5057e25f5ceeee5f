package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"anpr-edge/internal/config"
	"anpr-edge/internal/db"
	"anpr-edge/internal/ensemble"
	"anpr-edge/internal/event"
	"anpr-edge/internal/export"
	apihttp "anpr-edge/internal/http"
	"anpr-edge/internal/ingest"
	"anpr-edge/internal/logger"
	"anpr-edge/internal/pipeline"
	"anpr-edge/internal/repository"
	"anpr-edge/internal/service"
	"anpr-edge/internal/tracker"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the YAML config file (default ./config.yaml)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "anpr-edge: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("anpr-edge stopped with error")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store  export.QueueStore
		writer export.EventWriter
		events service.EventStore
	)
	if cfg.Database.DSN != "" {
		conn, err := db.Open(cfg.Database.DSN, log)
		if err != nil {
			return err
		}
		defer func() {
			if err := db.Close(conn); err != nil {
				log.Warn().Err(err).Msg("failed to close database")
			}
		}()
		repo := repository.NewEventRepository(conn)
		store = repository.NewRetryRepository(conn)
		writer = repo
		events = repo
		log.Info().Msg("using postgres retry queue")
	} else {
		fs := export.NewFileStore(cfg.RetryQueue.Path)
		store = fs
		log.Info().Str("path", fs.Path()).Msg("using file retry queue")
	}

	entries, err := export.BuildSinks(cfg.Exporters, export.Deps{
		Events: writer,
		HTTP:   &http.Client{},
		Log:    log,
	})
	if err != nil {
		return err
	}
	dispatcher, err := export.NewDispatcher(ctx, store, log, entries...)
	if err != nil {
		return err
	}
	defer func() {
		if err := dispatcher.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close sinks")
		}
	}()
	if _, err := dispatcher.Flush(ctx); err != nil {
		log.Warn().Err(err).Msg("startup flush failed")
	}

	cameras, err := buildCameras(cfg, dispatcher, log)
	if err != nil {
		return err
	}
	manager, err := pipeline.NewManager(log, cameras...)
	if err != nil {
		return err
	}

	svc := service.NewANPRService(manager, dispatcher, events, log)
	router := apihttp.NewRouter(cfg.HTTP, apihttp.NewHandler(svc, log), log)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return manager.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		svc.RunCleanup(gctx, cfg.Database.RetentionDays, cfg.Database.CleanupInterval)
		return nil
	})

	err = g.Wait()
	log.Info().Int("retry_queue", len(dispatcher.Pending())).Msg("shutting down")
	return err
}

func buildCameras(cfg *config.Config, d pipeline.Dispatcher, log zerolog.Logger) ([]*pipeline.Camera, error) {
	policy, err := ensemble.ParsePolicy(cfg.OCR.Method)
	if err != nil {
		return nil, err
	}
	tcfg := tracker.Config{
		Method:         tracker.Method(cfg.Tracker.Method),
		MaxDisappeared: cfg.Tracker.MaxDisappeared,
		MaxDistance:    cfg.Tracker.MaxDistance,
		MinIoU:         cfg.Tracker.MinIoU,
		MinHits:        cfg.Tracker.MinHits,
	}
	if err := tcfg.Validate(); err != nil {
		return nil, err
	}
	zones := cfg.ZoneList()

	var cameras []*pipeline.Camera
	for _, cc := range cfg.Cameras {
		if !cc.IsEnabled() {
			log.Info().Str("camera_id", cc.ID).Msg("camera disabled, skipping")
			continue
		}

		var models []ensemble.Model
		for _, m := range cfg.OCR.Models {
			if !m.IsEnabled() {
				continue
			}
			models = append(models, ensemble.Model{
				Name:       m.Name,
				Weight:     m.Weight,
				Recognizer: ingest.ReplayRecognizer{Model: m.Name},
			})
		}
		engine, err := ensemble.NewEngine(policy, cfg.OCR.BeamWidth, log, models...)
		if err != nil {
			return nil, fmt.Errorf("camera %s: %w", cc.ID, err)
		}

		var opts []ingest.ReplayOption
		if cc.Loop {
			opts = append(opts, ingest.WithLoop())
		}
		if cc.FPS > 0 {
			opts = append(opts, ingest.WithInterval(time.Duration(float64(time.Second)/cc.FPS)))
		}
		src, err := ingest.OpenReplay(cc.ID, cc.Source, opts...)
		if err != nil {
			return nil, err
		}

		log.Info().
			Str("camera_id", cc.ID).
			Str("source", cc.Source).
			Str("ocr_policy", string(policy)).
			Int("ocr_models", engine.Models()).
			Msg("camera configured")

		cam, err := pipeline.New(pipeline.Config{
			CameraID:       cc.ID,
			PlateClass:     cc.PlateClass,
			MinConfidence:  cfg.OCR.MinConfidence,
			ZoneEventsOnly: cfg.Pipeline.ZoneEventsOnly,
			ReadRetryDelay: cfg.Pipeline.ReadRetryDelay,
		}, pipeline.Deps{
			Source:     src,
			Detector:   ingest.ReplayDetector{},
			Tracker:    tracker.New(tcfg),
			Zones:      zones,
			Recognizer: engine,
			Builder:    event.NewBuilder(cc.ID),
			Dispatcher: d,
			Log:        log,
		})
		if err != nil {
			_ = src.Close()
			return nil, err
		}
		cameras = append(cameras, cam)
	}
	return cameras, nil
}
