package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"

	"github.com/loopholelabs/logging"
	"github.com/loopholelabs/logging/types"

	"github.com/loopholelabs/strata/pkg/config"
	"github.com/loopholelabs/strata/pkg/holders"
	"github.com/loopholelabs/strata/pkg/identity"
	"github.com/loopholelabs/strata/pkg/layers"
	"github.com/loopholelabs/strata/pkg/mounttab"
	"github.com/loopholelabs/strata/pkg/planner"
	"github.com/loopholelabs/strata/pkg/rollback"
	"github.com/loopholelabs/strata/pkg/syscmd"
	"github.com/loopholelabs/strata/pkg/teardown"
)

func main() {
	configPath := flag.String("config", config.ConfigName, "Stack configuration file")
	keyFilePath := flag.String("key-file", "", "Key file for LUKS operations (required when any file system is encrypted)")
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

	cleanup := rollback.NewStack(log)
	defer func() {
		if err := cleanup.Run(context.Background()); err != nil {
			log.Warn().Err(err).Msg("rollback was incomplete")
		}
	}()

	configuration, err := config.ReadStackConfiguration(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("Could not read configuration")
		panic(err)
	}

	if err := configuration.Validate(); err != nil {
		log.Error().Err(err).Msg("Configuration is invalid")
		panic(err)
	}

	runner := syscmd.NewExecRunner(log)
	resolver := identity.NewResolver(runner, log)
	provider := holders.NewSysfsProvider(log)
	engine := teardown.NewEngine(runner, provider, log)

	keys := layers.KeyProviderFunc(func(_ context.Context) ([]byte, error) {
		if *keyFilePath == "" {
			return nil, errors.New("no key file configured")
		}

		return os.ReadFile(*keyFilePath)
	})

	builders := planner.Builders{
		Raid:       layers.NewRaidBuilder(runner, resolver, log),
		Cache:      layers.NewCacheBuilder(runner, log),
		Binder:     layers.NewCacheBinder(runner, provider, log),
		Encryption: layers.NewEncryptionBinder(runner, keys, log),
		Filesystem: layers.NewFileSystemBuilder(runner, resolver, log),
	}

	stackPlanner := planner.NewPlanner(runner, resolver, engine, builders, nil, log)

	// Assembling re-attaches the on-disk structures without formatting;
	// the mount table is discarded since nothing new was created
	if _, err := stackPlanner.Build(ctx, configuration, layers.GoalAssemble, mounttab.NewTable(), cleanup); err != nil {
		log.Error().Err(err).Msg("Could not assemble the stack")
		panic(err)
	}

	if err := stackPlanner.Mount(ctx, configuration); err != nil {
		log.Error().Err(err).Msg("Mounting failed")
		panic(err)
	}

	log.Info().Str("target", configuration.TargetDir).Msg("Stack is mounted")
}
