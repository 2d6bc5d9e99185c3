/*
Testbed application driving the engine with the scenes under testbed/assets.
*/
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/prism/engine"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/testbed"
)

func main() {
	configPath := flag.String("config", "prism.toml", "engine configuration file")
	cycle := flag.Float64("cycle", 0, "seconds between testbed scene switches, 0 disables")
	flag.Parse()

	config, err := core.LoadConfig(*configPath)
	if err != nil {
		core.LogFatal("could not read `%s`: %s", *configPath, err)
	}
	core.SetLogLevel(config.Log.Level)

	if err := testbed.Bootstrap(config.Assets.Root, config.Renderer.Backend); err != nil {
		core.LogFatal("could not prepare testbed assets: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tb := testbed.NewTestGame(config, *cycle)
	e, err := engine.New(tb.Game)
	if err != nil {
		core.LogFatal("could not create the engine: %s", err)
	}

	if err := e.Initialize(ctx); err != nil {
		shutdown(e)
		core.LogFatal("could not initialize the engine: %s", err)
	}

	// signal channel to capture system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	go func() {
		<-sigCh
		e.RequestQuit()
	}()

	runErr := e.Run(ctx)
	shutdown(e)
	if runErr != nil {
		core.LogFatal("engine stopped: %s", runErr)
	}
}

func shutdown(e *engine.Engine) {
	if err := e.Shutdown(context.Background()); err != nil {
		core.LogError("shutdown: %s", err)
	}
}
