package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"

	"github.com/loopholelabs/goroutine-manager/pkg/manager"
	"github.com/loopholelabs/logging"
	"github.com/loopholelabs/logging/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loopholelabs/strata/pkg/common"
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
	fstabPath := flag.String("fstab", "fstab", "Where to write the generated fstab")
	crypttabPath := flag.String("crypttab", "crypttab", "Where to write the generated crypttab")
	hintsPath := flag.String("cache-hints", config.HintsName, "Where to write the cache binding hints")
	doMount := flag.Bool("mount", true, "Mount the stack under the target directory after building")
	serveMetrics := flag.String("metrics", "", "Address to serve Prometheus metrics on (leave empty to disable)")
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

	var metrics *common.StrataMetrics
	if *serveMetrics != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		metrics = common.NewStrataMetrics(reg)

		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

		go http.ListenAndServe(*serveMetrics, nil)
	}

	cleanup := rollback.NewStack(log)
	defer func() {
		// The compensations must run on every exit path, with a fresh
		// context since ctx may already be cancelled
		if err := cleanup.Run(context.Background()); err != nil {
			log.Warn().Err(err).Msg("rollback was incomplete")
		}

		if metrics != nil {
			metrics.MetricRollbackRuns.Inc()
		}
	}()

	var errs error
	defer func() {
		if errs != nil {
			panic(errs)
		}
	}()

	goroutineManager := manager.NewGoroutineManager(
		ctx,
		&errs,
		manager.GoroutineManagerHooks{},
	)
	defer goroutineManager.Wait()
	defer goroutineManager.StopAllGoroutines()

	configuration, err := config.ReadStackConfiguration(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("Could not read configuration")
		panic(err)
	}

	runner := syscmd.NewExecRunner(log)
	resolver := identity.NewResolver(runner, log)
	provider := holders.NewSysfsProvider(log)
	engine := teardown.NewEngine(runner, provider, log)

	if err := configuration.Validate(); err != nil {
		log.Error().Err(err).Msg("Configuration is invalid")
		panic(err)
	}

	if err := configuration.ValidateDevices(resolver, nil); err != nil {
		log.Error().Err(err).Msg("Configuration does not match the present devices")
		panic(err)
	}

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

	stackPlanner := planner.NewPlanner(runner, resolver, engine, builders, metrics, log)
	table := mounttab.NewTable()

	goroutineManager.StartForegroundGoroutine(func(ctx context.Context) {
		defer goroutineManager.CreateForegroundPanicCollector()()

		result, err := stackPlanner.Build(ctx, configuration, layers.GoalCreate, table, cleanup)
		if err != nil {
			log.Error().Err(err).Msg("Build failed, partial stack was torn down")
			panic(err)
		}

		log.Info().Int("units", len(result.Units)).Msg("Stack is built")

		if err := result.Hints.Write(*hintsPath); err != nil {
			log.Error().Err(err).Msg("Could not persist cache hints")
			panic(err)
		}

		if err := table.WriteFstab(*fstabPath); err != nil {
			log.Error().Err(err).Msg("Could not write fstab")
			panic(err)
		}

		if err := table.WriteCrypttab(*crypttabPath); err != nil {
			log.Error().Err(err).Msg("Could not write crypttab")
			panic(err)
		}

		if *doMount {
			if err := stackPlanner.Mount(ctx, configuration); err != nil {
				log.Error().Err(err).Msg("Mounting failed")
				panic(err)
			}

			log.Info().Str("target", configuration.TargetDir).Msg("Stack is mounted")
		}

		log.Info().Msg("Shutting down")
	})
}
