package planner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/strata/pkg/common"
	"github.com/loopholelabs/strata/pkg/config"
	"github.com/loopholelabs/strata/pkg/hints"
	"github.com/loopholelabs/strata/pkg/identity"
	"github.com/loopholelabs/strata/pkg/layers"
	"github.com/loopholelabs/strata/pkg/mounttab"
	"github.com/loopholelabs/strata/pkg/rollback"
	"github.com/loopholelabs/strata/pkg/syscmd"
	"github.com/loopholelabs/strata/pkg/teardown"
)

var (
	ErrCouldNotResolveDevice = errors.New("could not resolve device UUID")
	ErrBuildStepFailed       = errors.New("build step failed")
)

// Builders groups the layer builders the planner drives.
type Builders struct {
	Raid       *layers.RaidBuilder
	Cache      *layers.CacheBuilder
	Binder     *layers.CacheBinder
	Encryption *layers.EncryptionBinder
	Filesystem *layers.FileSystemBuilder
}

// Result is the outcome of a build pass: the storage units in construction
// order plus the cache bindings that must be persisted for reboot.
type Result struct {
	Units []*layers.StorageUnit
	Hints *hints.CacheHints
}

// LeafPaths returns the resolved paths of every leaf partition the build
// touched, for teardown.
func (r *Result) LeafPaths() []string {
	var paths []string
	seen := map[string]bool{}
	for _, unit := range r.Units {
		for _, leaf := range leavesOf(unit) {
			if !seen[leaf.CurrentPath] {
				seen[leaf.CurrentPath] = true
				paths = append(paths, leaf.CurrentPath)
			}
		}
	}

	return paths
}

func leavesOf(unit *layers.StorageUnit) []*layers.StorageUnit {
	if unit.Kind == layers.UnitPartition {
		return []*layers.StorageUnit{unit}
	}

	var leaves []*layers.StorageUnit
	for _, input := range unit.Inputs {
		leaves = append(leaves, leavesOf(input)...)
	}

	return leaves
}

// builtCache tracks one shared cache set: first reference builds it, later
// references reuse the set UUID.
type builtCache struct {
	setUUID uuid.UUID
}

// Planner computes per-spec layer order and drives the builders bottom-up:
// partitions, RAID, cache bind, encryption, file system, mount. Any step
// failure triggers teardown of everything built so far in this invocation
// before the error is surfaced.
type Planner struct {
	log types.Logger

	runner   syscmd.Runner
	resolver *identity.Resolver
	engine   *teardown.Engine
	builders Builders

	metrics *common.StrataMetrics
}

func NewPlanner(runner syscmd.Runner, resolver *identity.Resolver, engine *teardown.Engine, builders Builders, metrics *common.StrataMetrics, log types.Logger) *Planner {
	return &Planner{
		log:      log,
		runner:   runner,
		resolver: resolver,
		engine:   engine,
		builders: builders,
		metrics:  metrics,
	}
}

// Build executes the whole configuration with the given goal: GoalCreate
// formats everything from scratch, GoalAssemble re-attaches to on-disk
// structures that already exist. Mounting is a separate step (Mount) so
// callers can build without mounting.
func (p *Planner) Build(ctx context.Context, configuration *config.StackConfiguration, goal layers.Goal,
	table *mounttab.Table, cleanup *rollback.Stack) (*Result, error) {
	result := &Result{Hints: hints.NewCacheHints()}

	leaves, err := p.resolveLeaves(configuration)
	if err != nil {
		return nil, err
	}

	// A rebuild must start from a fully released device graph, so every
	// partition about to be reused gets unlocked first. Assembling leaves
	// live state alone.
	if goal == layers.GoalCreate {
		var paths []string
		for _, leaf := range leaves {
			paths = append(paths, leaf.CurrentPath)
		}

		if err := p.engine.UnlockAll(ctx, paths); err != nil {
			if p.log != nil {
				p.log.Warn().Err(err).Msg("pre-build unlock was incomplete")
			}
		}
	}

	caches := map[string]builtCache{}
	for i := range configuration.Filesystems {
		if err := p.buildFilesystem(ctx, configuration, &configuration.Filesystems[i], goal, leaves, caches, result, table, cleanup); err != nil {
			p.unwind(ctx, result)

			if p.metrics != nil {
				p.metrics.MetricBuildFailures.Inc()
			}

			return nil, errors.Join(ErrBuildStepFailed, err)
		}
	}

	if p.metrics != nil {
		p.metrics.MetricBuilds.Inc()

		counts := map[layers.UnitKind]int{}
		for _, unit := range result.Units {
			counts[unit.Kind]++
		}

		for kind, count := range counts {
			p.metrics.MetricUnitsActive.WithLabelValues(string(kind)).Set(float64(count))
		}
	}

	return result, nil
}

// resolveLeaves maps every configured partition UUID to a live device path.
// A UUID that does not resolve is fatal before any construction begins.
func (p *Planner) resolveLeaves(configuration *config.StackConfiguration) (map[uuid.UUID]*layers.StorageUnit, error) {
	leaves := map[uuid.UUID]*layers.StorageUnit{}

	resolve := func(id uuid.UUID) error {
		if _, ok := leaves[id]; ok {
			return nil
		}

		path, err := p.resolver.Resolve(id)
		if err != nil {
			return errors.Join(ErrCouldNotResolveDevice, fmt.Errorf("partition %s", id), err)
		}

		leaves[id] = &layers.StorageUnit{
			Kind:        layers.UnitPartition,
			Identity:    id.String(),
			CurrentPath: path,
			State:       layers.StateActive,
		}

		return nil
	}

	for _, filesystem := range configuration.Filesystems {
		for _, partition := range filesystem.Partitions {
			if err := resolve(partition); err != nil {
				return nil, err
			}
		}

		if filesystem.Cache == nil {
			continue
		}

		for _, partition := range filesystem.Cache.Partitions {
			if err := resolve(partition); err != nil {
				return nil, err
			}
		}
	}

	return leaves, nil
}

func (p *Planner) buildFilesystem(ctx context.Context, configuration *config.StackConfiguration,
	filesystem *config.FilesystemSpec, goal layers.Goal, leaves map[uuid.UUID]*layers.StorageUnit,
	caches map[string]builtCache, result *Result, table *mounttab.Table, cleanup *rollback.Stack) error {
	inputs := make([]*layers.StorageUnit, len(filesystem.Partitions))
	for i, partition := range filesystem.Partitions {
		inputs[i] = leaves[partition]
	}

	current := inputs[0]
	if len(inputs) >= 2 {
		// The validator enforces this; re-checked so a skipped Validate
		// surfaces a typed error instead of a nil dereference
		if filesystem.RaidLevel == nil {
			return errors.Join(config.ErrMissingRaidLevel, fmt.Errorf("%d partitions", len(inputs)))
		}

		array, err := p.builders.Raid.Build(ctx, goal, p.arrayName(configuration, result), *filesystem.RaidLevel, inputs)
		if err != nil {
			return err
		}

		result.Units = append(result.Units, array)
		current = array
	}

	if filesystem.Cache != nil {
		bound, err := p.bindCache(ctx, configuration, filesystem, goal, leaves, caches, current, result)
		if err != nil {
			return err
		}

		current = bound
	}

	var mappedPath string
	if filesystem.Encrypted {
		containerUUID, _, identifyErr := p.resolver.Identify(ctx, current.CurrentPath)

		volume, err := p.builders.Encryption.Bind(ctx, goal, configuration.NamePrefix, current, cleanup)
		if err != nil {
			return err
		}

		result.Units = append(result.Units, volume)

		if goal == layers.GoalCreate {
			// The identify above ran before luksFormat; probe again now
			// that the container carries its LUKS UUID
			containerUUID, _, identifyErr = p.resolver.Identify(ctx, current.CurrentPath)
		}

		spec := current.CurrentPath
		if identifyErr == nil && containerUUID != uuid.Nil {
			spec = "UUID=" + containerUUID.String()
		}

		if goal == layers.GoalCreate {
			table.AddCrypt(mounttab.CryptEntry{
				Name: filepath.Base(volume.CurrentPath),
				Spec: spec,
			})
		}

		current = volume
		mappedPath = volume.CurrentPath
	}

	volume, err := p.builders.Filesystem.Build(ctx, goal, filesystem.FSType, filesystem.MountPoints, mappedPath, current, table, cleanup)
	if err != nil {
		return err
	}

	result.Units = append(result.Units, volume)
	filesystem.CurrentDevice = volume.CurrentPath

	return nil
}

// arrayName yields a distinct md name per array built this run.
func (p *Planner) arrayName(configuration *config.StackConfiguration, result *Result) string {
	index := 0
	for _, unit := range result.Units {
		if unit.Kind == layers.UnitRaidArray {
			index++
		}
	}

	return fmt.Sprintf("%s%d", configuration.NamePrefix, index)
}

func (p *Planner) bindCache(ctx context.Context, configuration *config.StackConfiguration,
	filesystem *config.FilesystemSpec, goal layers.Goal, leaves map[uuid.UUID]*layers.StorageUnit,
	caches map[string]builtCache, backing *layers.StorageUnit, result *Result) (*layers.StorageUnit, error) {
	key := filesystem.Cache.Key()

	built, ok := caches[key]
	if !ok {
		cacheInputs := make([]*layers.StorageUnit, len(filesystem.Cache.Partitions))
		for i, partition := range filesystem.Cache.Partitions {
			cacheInputs[i] = leaves[partition]
		}

		cacheDevice := cacheInputs
		if len(cacheInputs) >= 2 {
			if filesystem.Cache.RaidLevel == nil {
				return nil, errors.Join(config.ErrMissingRaidLevel, fmt.Errorf("%d cache partitions", len(cacheInputs)))
			}

			array, err := p.builders.Raid.Build(ctx, goal, p.arrayName(configuration, result), *filesystem.Cache.RaidLevel, cacheInputs)
			if err != nil {
				return nil, err
			}

			result.Units = append(result.Units, array)
			cacheDevice = []*layers.StorageUnit{array}
		}

		set, setUUID, err := p.builders.Cache.Build(ctx, goal, filesystem.Cache.BucketSize, cacheDevice)
		if err != nil {
			return nil, err
		}

		result.Units = append(result.Units, set)

		built = builtCache{setUUID: setUUID}
		caches[key] = built
	}

	bound, err := p.builders.Binder.Bind(ctx, goal, built.setUUID, backing)
	if err != nil {
		return nil, err
	}

	result.Units = append(result.Units, bound)

	if backingUUID, err := leafUUID(backing); err == nil {
		result.Hints.Bind(backingUUID, built.setUUID)
	}

	return bound, nil
}

// leafUUID walks down to the first leaf partition beneath a unit; derived
// devices have no durable UUID of their own, so cache hints are keyed by
// the stable leaf identity the boot helper can re-resolve.
func leafUUID(unit *layers.StorageUnit) (uuid.UUID, error) {
	leaves := leavesOf(unit)
	if len(leaves) == 0 {
		return uuid.Nil, errors.New("unit has no leaf partitions")
	}

	return uuid.Parse(leaves[0].Identity)
}

// unwind tears down everything built so far in this invocation. Walking the
// holder graph up from the leaf partitions releases the units in exact
// reverse construction order, since each layer holds the one beneath it.
func (p *Planner) unwind(ctx context.Context, result *Result) {
	for _, unit := range result.Units {
		unit.State = layers.StateClosing
	}

	if err := p.engine.UnlockAll(ctx, result.LeafPaths()); err != nil {
		if p.log != nil {
			p.log.Warn().Err(err).Msg("post-failure teardown was incomplete")
		}
	}

	for _, unit := range result.Units {
		unit.State = layers.StateClosed
	}
}
