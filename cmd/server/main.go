// Owner: ops@chronicle-rpg.dev
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/chronicle-rpg/chronicle/pkg/ai"
	"github.com/chronicle-rpg/chronicle/pkg/bootstrap"
	"github.com/chronicle-rpg/chronicle/pkg/config"
	"github.com/chronicle-rpg/chronicle/pkg/db"
	"github.com/chronicle-rpg/chronicle/pkg/gateway"
	"github.com/chronicle-rpg/chronicle/pkg/httpapi"
	"github.com/chronicle-rpg/chronicle/pkg/imagegen"
	"github.com/chronicle-rpg/chronicle/pkg/logging"
	"github.com/chronicle-rpg/chronicle/pkg/memory"
	"github.com/chronicle-rpg/chronicle/pkg/memorywatcher"
	"github.com/chronicle-rpg/chronicle/pkg/recorder"
	"github.com/chronicle-rpg/chronicle/pkg/session"
	"github.com/chronicle-rpg/chronicle/pkg/transcription"
)

func main() {
	logger := log.NewWithOptions(os.Stdout, log.Options{
		ReportCaller:    true,
		ReportTimestamp: true,
		Level:           log.DebugLevel,
		TimeFormat:      time.Kitchen,
	})
	factory := logging.NewFactory(logger)

	envs, err := config.LoadConfig(true)
	if err != nil {
		panic(errors.Wrap(err, "Unable to load config"))
	}
	logger.Info("Using database path", "path", envs.DBPath)

	for _, dir := range []string{envs.TranscriptDir(), envs.ImageDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			panic(errors.Wrapf(err, "Unable to create data directory %s", dir))
		}
	}

	natsServer, err := bootstrap.StartEmbeddedNATSServer(factory.ForServer("nats"))
	if err != nil {
		panic(errors.Wrap(err, "Unable to start nats server"))
	}
	defer natsServer.Shutdown()

	nc, err := bootstrap.NewNatsClient()
	if err != nil {
		panic(errors.Wrap(err, "Unable to create nats client"))
	}
	defer nc.Close()
	logger.Info("NATS client started")

	store, err := db.NewStore(envs.DBPath)
	if err != nil {
		panic(errors.Wrap(err, "Unable to create or initialize database"))
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Error closing store", "error", err)
		}
	}()
	logger.Info("SQLite database initialized")

	aiService := ai.NewOpenAIService(factory.ForAI("openai"), envs.OpenAIAPIKey, envs.OpenAIBaseURL)

	transcriber := transcription.NewClient(
		factory.ForClient("transcription"),
		aiService,
		envs.TranscriptionModel,
	)

	encoder := recorder.NewEncoder(factory.ForWorker("recorder"), recorder.Options{
		FFmpegPath:    envs.FFmpegPath,
		Input:         envs.CaptureInput,
		InputFormat:   envs.CaptureFormat,
		ChunkDuration: config.ChunkDuration,
	})

	registry := session.NewRegistry(factory.ForService("sessions"))

	updater := memory.NewUpdater(factory.ForMemory("updater"), aiService, envs.CompletionsModel)
	imageGen := imagegen.NewGenerator(factory.ForAI("imagegen"), aiService, envs.ImageModel, envs.ImageDir())

	watcher, err := memorywatcher.New(
		factory.ForMemory("watcher"),
		store,
		updater,
		imageGen,
		envs.TranscriptDir(),
		envs.MemoryPath(),
		config.MemoryPollInterval,
	)
	if err != nil {
		panic(errors.Wrap(err, "Unable to create memory watcher"))
	}

	gatewayServer := gateway.NewServer(factory.ForServer("gateway"), ":"+envs.GatewayPort, gateway.Deps{
		Config:      envs,
		Store:       store,
		Registry:    registry,
		Transcriber: transcriber,
		Encoder:     encoder,
		NATS:        nc,
	})

	apiServer := httpapi.NewServer(factory.ForServer("httpapi"), ":"+envs.HTTPPort, envs.ImageDir())

	appCtx, appCancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer appCancel()

	if err := watcher.Start(appCtx); err != nil {
		panic(errors.Wrap(err, "Unable to start memory watcher"))
	}
	defer func() {
		if err := watcher.Stop(); err != nil {
			logger.Error("Error stopping memory watcher", "error", err)
		}
	}()

	go registry.StartSweeper(appCtx, config.SweepInterval, config.SessionIdleCutoff)

	g, gCtx := errgroup.WithContext(appCtx)
	g.Go(func() error {
		return gatewayServer.Start(gCtx)
	})
	g.Go(func() error {
		return apiServer.Start(gCtx)
	})

	logger.Info("Chronicle server running",
		"gateway", envs.GatewayPort,
		"http", envs.HTTPPort,
	)

	if err := g.Wait(); err != nil {
		logger.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}
