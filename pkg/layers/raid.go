package layers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/strata/pkg/config"
	"github.com/loopholelabs/strata/pkg/identity"
	"github.com/loopholelabs/strata/pkg/syscmd"
)

var (
	ErrTooFewRaidMembers       = errors.New("too few members for RAID level")
	ErrUnknownRaidLevel        = errors.New("unknown RAID level")
	ErrCouldNotCreateArray     = errors.New("could not create RAID array")
	ErrCouldNotAssembleArray   = errors.New("could not assemble RAID array")
	ErrCouldNotProbeRotational = errors.New("could not probe rotational flag")
)

// RaidBuilder creates or assembles md arrays. For level 1 with mixed
// rotational and non-rotational members it orders the non-rotational members
// first and flags the rotational ones write-mostly with an internal
// write-intent bitmap, which approximates read caching without a cache
// layer.
type RaidBuilder struct {
	log types.Logger

	runner   syscmd.Runner
	resolver *identity.Resolver

	devRoot     string
	waitTimeout time.Duration
}

func NewRaidBuilder(runner syscmd.Runner, resolver *identity.Resolver, log types.Logger) *RaidBuilder {
	return NewRaidBuilderWithRoots(runner, resolver, "/dev", log)
}

// NewRaidBuilderWithRoots points the builder at a synthetic device tree;
// used by tests.
func NewRaidBuilderWithRoots(runner syscmd.Runner, resolver *identity.Resolver, devRoot string, log types.Logger) *RaidBuilder {
	return &RaidBuilder{
		log:         log,
		runner:      runner,
		resolver:    resolver,
		devRoot:     devRoot,
		waitTimeout: DefaultWaitTimeout,
	}
}

// Build turns the input units into one array unit at /dev/md/<name>. It is a
// no-op if the array device already exists.
func (b *RaidBuilder) Build(ctx context.Context, goal Goal, name string, level int, inputs []*StorageUnit) (*StorageUnit, error) {
	minimum, ok := config.RaidLevelMinimums[level]
	if !ok {
		return nil, errors.Join(ErrUnknownRaidLevel, fmt.Errorf("level %d", level))
	}

	// The validator already checked this; re-checked here as an invariant
	if len(inputs) < minimum {
		return nil, errors.Join(ErrTooFewRaidMembers,
			fmt.Errorf("level %d needs at least %d members, got %d", level, minimum, len(inputs)))
	}

	arrayPath := filepath.Join(b.devRoot, "md", name)
	unit := &StorageUnit{
		Kind:        UnitRaidArray,
		Identity:    DerivedIdentity(UnitRaidArray, inputs),
		CurrentPath: arrayPath,
		State:       StateBuilding,
		Inputs:      inputs,
	}

	if _, err := os.Stat(arrayPath); err == nil {
		if b.log != nil {
			b.log.Info().Str("array", arrayPath).Msg("array already exists, skipping")
		}

		unit.State = StateActive

		return unit, nil
	}

	switch goal {
	case GoalCreate:
		args, err := b.createArgs(arrayPath, level, inputs)
		if err != nil {
			return nil, err
		}

		if _, err := b.runner.Run(ctx, "mdadm", args...); err != nil {
			return nil, errors.Join(ErrCouldNotCreateArray, err)
		}

	case GoalAssemble:
		args := append([]string{"--assemble", arrayPath}, inputPaths(inputs)...)
		if _, err := b.runner.Run(ctx, "mdadm", args...); err != nil {
			return nil, errors.Join(ErrCouldNotAssembleArray, err)
		}

	default:
		return nil, errors.Join(ErrUnsupportedGoal, fmt.Errorf("goal %s", goal))
	}

	if err := WaitForPath(ctx, arrayPath, b.waitTimeout); err != nil {
		return nil, err
	}

	unit.State = StateActive

	if b.log != nil {
		b.log.Info().Str("array", arrayPath).Int("level", level).Int("members", len(inputs)).Msg("array is up")
	}

	return unit, nil
}

func (b *RaidBuilder) createArgs(arrayPath string, level int, inputs []*StorageUnit) ([]string, error) {
	args := []string{
		"--create", arrayPath,
		"--run", "--force",
		fmt.Sprintf("--level=%d", level),
		fmt.Sprintf("--raid-devices=%d", len(inputs)),
	}

	if level != 1 {
		return append(args, inputPaths(inputs)...), nil
	}

	var solidState, rotational []string
	for _, input := range inputs {
		isRotational, err := b.resolver.Rotational(input.CurrentPath)
		if err != nil {
			return nil, errors.Join(ErrCouldNotProbeRotational, err)
		}

		if isRotational {
			rotational = append(rotational, input.CurrentPath)
		} else {
			solidState = append(solidState, input.CurrentPath)
		}
	}

	if len(solidState) == 0 || len(rotational) == 0 {
		return append(args, inputPaths(inputs)...), nil
	}

	// Mixed media: reads come from the solid-state members, writes hit the
	// rotational ones through the bitmap
	args = append(args, "--bitmap=internal")
	args = append(args, solidState...)
	args = append(args, "--write-mostly")
	args = append(args, rotational...)

	return args, nil
}
