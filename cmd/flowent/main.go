package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/flowent/flowent/internal/config"
	"github.com/flowent/flowent/internal/log"
	"github.com/flowent/flowent/internal/otel"
	"github.com/flowent/flowent/internal/profile"
	"github.com/flowent/flowent/internal/rest"
	"github.com/flowent/flowent/pkg/bpmn"
	"github.com/flowent/flowent/pkg/storage/inmemory"
)

func main() {
	profile.InitProfile()
	log.Init()

	appContext, ctxCancel := context.WithCancel(context.Background())

	conf := config.InitConfig()

	openTelemetry, err := otel.SetupOtel(conf.Tracing)
	if err != nil {
		log.Error("Failed to set up OTEL: %s", err)
		os.Exit(1)
	}

	engine := bpmn.NewEngine(
		bpmn.EngineWithStorage(inmemory.NewStorage()),
		bpmn.EngineWithTimerPollDelay(conf.Engine.TimerPollInterval),
	)
	engine.Start()

	// Start the public API
	svr := rest.NewServer(engine, conf)
	svr.Start()

	appStop := make(chan os.Signal, 2)
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	handleSigterm(appStop, appContext)

	ctxCancel()
	// cleanup
	svr.Stop(appContext)
	engine.Stop()
	openTelemetry.Stop(appContext)
}

func handleSigterm(appStop chan os.Signal, ctx context.Context) {
	sig := <-appStop
	log.Infof(ctx, "Received %s. Shutting down", sig.String())
}
