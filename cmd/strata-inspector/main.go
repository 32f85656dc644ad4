package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/loopholelabs/logging"
	"github.com/muesli/gotable"

	"github.com/loopholelabs/strata/pkg/holders"
	"github.com/loopholelabs/strata/pkg/identity"
	"github.com/loopholelabs/strata/pkg/syscmd"
)

func main() {
	devRoot := flag.String("dev", "/dev", "Device tree root")
	sysRoot := flag.String("sys", "/sys", "Sysfs root")

	flag.Parse()

	log := logging.New(logging.Zerolog, "strata", os.Stderr)

	runner := syscmd.NewExecRunner(log)
	resolver := identity.NewResolverWithRoots(runner, *devRoot, *sysRoot, log)
	provider := holders.NewSysfsProviderWithRoots(*devRoot, *sysRoot, log)

	entries, err := os.ReadDir(filepath.Join(*sysRoot, "class", "block"))
	if err != nil {
		log.Error().Err(err).Msg("Could not list block devices")
		panic(err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	tab := gotable.NewTable([]string{"Device", "Kind", "UUID", "Size", "Holders"},
		[]int64{-16, -16, -38, 10, -24}, "No block devices found.")

	for _, name := range names {
		devicePath := filepath.Join(*devRoot, name)

		device, err := provider.Classify(devicePath)
		if err != nil {
			log.Warn().Err(err).Str("device", devicePath).Msg("could not classify device")

			continue
		}

		deviceUUID := ""
		if id, found, err := resolver.Identify(context.Background(), devicePath); err == nil && found {
			deviceUUID = id.String()
		}

		size := ""
		if raw, err := os.ReadFile(filepath.Join(*sysRoot, "class", "block", name, "size")); err == nil {
			if sectors, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64); err == nil {
				size = humanize.IBytes(sectors * 512)
			}
		}

		upper, err := provider.HoldersOf(devicePath)
		if err != nil {
			log.Warn().Err(err).Str("device", devicePath).Msg("could not query holders")

			continue
		}

		holderNames := make([]string, 0, len(upper))
		for _, holder := range upper {
			holderNames = append(holderNames, filepath.Base(holder.Path))
		}

		tab.AppendRow([]interface{}{name, string(device.Kind), deviceUUID, size, strings.Join(holderNames, ",")})
	}

	tab.Print()
}
