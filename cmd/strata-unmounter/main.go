package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/loopholelabs/logging"
	"github.com/loopholelabs/logging/types"

	"github.com/loopholelabs/strata/pkg/config"
	"github.com/loopholelabs/strata/pkg/holders"
	"github.com/loopholelabs/strata/pkg/identity"
	"github.com/loopholelabs/strata/pkg/planner"
	"github.com/loopholelabs/strata/pkg/syscmd"
	"github.com/loopholelabs/strata/pkg/teardown"
)

func main() {
	configPath := flag.String("config", config.ConfigName, "Stack configuration file")
	device := flag.String("device", "", "Unlock a single device instead of the whole configured stack")
	verbose := flag.Bool("verbose", false, "Enable debug logging")

	flag.Parse()

	log := logging.New(logging.Zerolog, "strata", os.Stderr)
	if *verbose {
		log.SetLevel(types.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt)
	go func() {
		<-done
		log.Info().Msg("Exiting gracefully")
		cancel()
	}()

	runner := syscmd.NewExecRunner(log)
	provider := holders.NewSysfsProvider(log)
	engine := teardown.NewEngine(runner, provider, log)

	if *device != "" {
		if err := engine.Unlock(ctx, *device); err != nil {
			log.Error().Err(err).Msg("Unlock was incomplete")
			panic(err)
		}

		log.Info().Str("device", *device).Msg("Device released")

		return
	}

	configuration, err := config.ReadStackConfiguration(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("Could not read configuration")
		panic(err)
	}

	resolver := identity.NewResolver(runner, log)
	stackPlanner := planner.NewPlanner(runner, resolver, engine, planner.Builders{}, nil, log)

	// Teardown is best-effort per device: failures are aggregated so the
	// walk releases as much of the stack as possible
	if err := stackPlanner.Unmount(ctx, configuration); err != nil {
		log.Error().Err(err).Msg("Teardown was incomplete")
		panic(err)
	}

	log.Info().Msg("Stack is released")
}
