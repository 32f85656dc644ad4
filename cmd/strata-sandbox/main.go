package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"
	"github.com/loopholelabs/logging"

	"github.com/loopholelabs/strata/pkg/sandbox"
)

func main() {
	dir := flag.String("dir", "", "Sandbox directory (leave empty for a fresh temp directory)")
	count := flag.Int("count", 4, "Number of backing images to create")
	size := flag.String("size", "1GiB", "Size of each backing image")
	pack := flag.String("pack", "", "Pack the sandbox images into this .tar.zst archive on exit (leave empty to disable)")
	restore := flag.String("restore", "", "Restore the sandbox images from this archive instead of creating fresh ones")

	flag.Parse()

	log := logging.New(logging.Zerolog, "strata", os.Stderr)

	imageSize, err := humanize.ParseBytes(*size)
	if err != nil {
		log.Error().Err(err).Msg("Could not parse image size")
		panic(err)
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

	var box *sandbox.Sandbox
	if *restore != "" {
		box, err = sandbox.RestoreSandbox(ctx, *restore, *dir, log)
		if err != nil {
			log.Error().Err(err).Msg("Could not restore sandbox")
			panic(err)
		}
	} else {
		box, err = sandbox.CreateSandbox(*dir, *count, int64(imageSize), log)
		if err != nil {
			log.Error().Err(err).Msg("Could not create sandbox")
			panic(err)
		}
	}
	defer func() {
		if err := box.Close(); err != nil {
			log.Warn().Err(err).Msg("Could not detach all sandbox devices")
		}
	}()

	devices, err := json.MarshalIndent(box.DevicePaths(), "", "  ")
	if err != nil {
		panic(err)
	}

	fmt.Println(string(devices))

	log.Info().Str("dir", box.Dir).Msg("Sandbox is up, press CTRL-C to tear it down")

	<-ctx.Done()

	if *pack != "" {
		if err := box.Pack(context.Background(), *pack); err != nil {
			log.Error().Err(err).Msg("Could not pack sandbox")
			panic(err)
		}

		log.Info().Str("archive", *pack).Msg("Sandbox packed")
	}
}
