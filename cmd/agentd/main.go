// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adiadia/deskflow/internal/cluster"
	"github.com/adiadia/deskflow/internal/config"
	"github.com/adiadia/deskflow/internal/engine"
	"github.com/adiadia/deskflow/internal/enrich"
	"github.com/adiadia/deskflow/internal/feedback"
	"github.com/adiadia/deskflow/internal/inputchan"
	"github.com/adiadia/deskflow/internal/logging"
	"github.com/adiadia/deskflow/internal/observe"
	"github.com/adiadia/deskflow/internal/persistence/postgres"
	"github.com/adiadia/deskflow/internal/repository"
	"github.com/adiadia/deskflow/internal/score"
	httptransport "github.com/adiadia/deskflow/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)

	var archiver repository.Archiver
	if cfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect failed: %v", err)
		}
		defer pool.Close()

		if cfg.AutoMigrate {
			if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
				log.Fatalf("schema migration failed: %v", err)
			}
		}
		archiver = repository.NewPostgresArchiver(pool, logger)
	} else {
		logger.Warn("DATABASE_URL not set; workflows live in memory only")
	}

	repo := repository.NewWorkflowRepository(logger, archiver)
	if err := repo.Hydrate(ctx); err != nil {
		log.Fatalf("repository hydrate failed: %v", err)
	}

	buffer := observe.NewBuffer(cfg.Learner.BufferCapacity)
	segmenter := observe.NewSegmenter(observe.SegmenterConfig{
		IdleGap:           cfg.Learner.IdleGap,
		AppSwitchDebounce: cfg.Learner.AppSwitchDebounce,
		MaxDuration:       cfg.Learner.MaxSessionDuration,
		CoalesceWindow:    cfg.Learner.CoalesceWindow,
		Logger:            logger,
	})
	pipeline := observe.NewPipeline(observe.PipelineDeps{
		Buffer:    buffer,
		Segmenter: segmenter,
		Logger:    logger,
	})

	scorer := score.Scorer{
		W1:              cfg.Scorer.W1,
		W2:              cfg.Scorer.W2,
		W3:              cfg.Scorer.W3,
		W4:              cfg.Scorer.W4,
		OccurrenceScale: cfg.Scorer.OccurrenceScale,
		StalenessWindow: cfg.Scorer.StalenessWindow,
		DisableBelow:    cfg.Scorer.DisableBelow,
	}

	learner := cluster.NewLearner(cluster.LearnerDeps{
		Sessions: pipeline.Sessions(),
		Clusterer: cluster.NewClusterer(cluster.ClustererConfig{
			JoinThreshold: cfg.Learner.JoinThreshold,
			MinOccur:      cfg.Learner.PromotionMinOccur,
			MinCohesion:   cfg.Learner.PromotionMinCohesion,
			Logger:        logger,
		}),
		Store:           repo,
		Scorer:          scorer,
		Describer:       enrich.NewHTTPDescriber(cfg.EnrichURL, nil, logger),
		Logger:          logger,
		RescoreInterval: cfg.Learner.RescoreInterval,
	})

	if cfg.InputChannelURL == "" {
		logger.Warn("INPUT_CHANNEL_URL not set; triggered runs cannot dispatch actions")
	}
	eng := engine.New(engine.Deps{
		Workflows:    repo,
		Performer:    inputchan.NewClient(cfg.InputChannelURL, nil, logger),
		Observations: buffer,
		Recorder:     feedback.NewLoop(repo, scorer, logger),
		Logger:       logger,
		Config: engine.Config{
			VerifyThreshold:  cfg.Engine.VerifyThreshold,
			RetryCount:       cfg.Engine.RetryCount,
			RetryBaseDelay:   cfg.Engine.RetryBaseDelay,
			StepPause:        cfg.Engine.StepPause,
			RunTimeout:       cfg.Engine.RunTimeout,
			InputChannelWait: cfg.Engine.InputChannelWait,
		},
	})

	handler := httptransport.NewRouter(httptransport.Deps{
		Workflows:        repo,
		Runs:             eng,
		Gate:             scorer,
		Observations:     buffer,
		Logger:           logger,
		AdminToken:       cfg.AdminToken,
		TriggerPerMinute: cfg.Engine.TriggerPerMinute,
		JoinThreshold:    cfg.Learner.JoinThreshold,
		Version:          Version,
		Commit:           Commit,
		BuildDate:        BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return pipeline.Run(gctx) })
	g.Go(func() error { return learner.Run(gctx) })

	g.Go(func() error {
		logger.Info("agent listening",
			"addr", cfg.HTTPAddr,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			5*time.Second,
		)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent exited with error", "error", err)
	}

	// Let in-flight runs record their terminal outcome before exit.
	eng.Wait()
}
