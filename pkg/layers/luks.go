package layers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/strata/pkg/rollback"
	"github.com/loopholelabs/strata/pkg/syscmd"
)

var (
	ErrCouldNotAcquireKey     = errors.New("could not acquire key material")
	ErrCouldNotWriteKeyFile   = errors.New("could not write temporary key file")
	ErrCouldNotFormatVolume   = errors.New("could not format encrypted volume")
	ErrCouldNotOpenVolume     = errors.New("could not open encrypted volume")
	ErrCouldNotFindMappedName = errors.New("could not find a free mapped name")
)

// EncryptionBinder formats (Create) or opens (Assemble) LUKS volumes. Key
// material comes from the external KeyProvider; it touches disk only as a
// temporary key file that the rollback stack removes again.
type EncryptionBinder struct {
	log types.Logger

	runner syscmd.Runner
	keys   KeyProvider

	devRoot     string
	waitTimeout time.Duration
}

func NewEncryptionBinder(runner syscmd.Runner, keys KeyProvider, log types.Logger) *EncryptionBinder {
	return NewEncryptionBinderWithRoots(runner, keys, "/dev", log)
}

// NewEncryptionBinderWithRoots points the binder at a synthetic device tree;
// used by tests.
func NewEncryptionBinderWithRoots(runner syscmd.Runner, keys KeyProvider, devRoot string, log types.Logger) *EncryptionBinder {
	return &EncryptionBinder{
		log:         log,
		runner:      runner,
		keys:        keys,
		devRoot:     devRoot,
		waitTimeout: DefaultWaitTimeout,
	}
}

// Bind formats and/or opens the input as an encrypted volume under a mapped
// name derived from namePrefix, probing for collisions and incrementing a
// numeric suffix until a free name is found.
func (b *EncryptionBinder) Bind(ctx context.Context, goal Goal, namePrefix string, input *StorageUnit, cleanup *rollback.Stack) (*StorageUnit, error) {
	if goal != GoalCreate && goal != GoalAssemble {
		return nil, errors.Join(ErrUnsupportedGoal, fmt.Errorf("goal %s", goal))
	}

	keyFile, err := b.stageKeyFile(ctx, cleanup)
	if err != nil {
		return nil, err
	}

	if goal == GoalCreate {
		if _, err := b.runner.Run(ctx, "cryptsetup", "-q", "luksFormat", "--key-file", keyFile, input.CurrentPath); err != nil {
			return nil, errors.Join(ErrCouldNotFormatVolume, err)
		}
	}

	mappedName, err := b.freeMappedName(namePrefix)
	if err != nil {
		return nil, err
	}

	if _, err := b.runner.Run(ctx, "cryptsetup", "open", "--key-file", keyFile, input.CurrentPath, mappedName); err != nil {
		return nil, errors.Join(ErrCouldNotOpenVolume, err)
	}

	mappedPath := filepath.Join(b.devRoot, "mapper", mappedName)
	if err := WaitForPath(ctx, mappedPath, b.waitTimeout); err != nil {
		return nil, err
	}

	if b.log != nil {
		b.log.Info().Str("device", input.CurrentPath).Str("mapped", mappedPath).Msg("encrypted volume is open")
	}

	return &StorageUnit{
		Kind:        UnitEncryptedVolume,
		Identity:    DerivedIdentity(UnitEncryptedVolume, []*StorageUnit{input}),
		CurrentPath: mappedPath,
		State:       StateActive,
		Inputs:      []*StorageUnit{input},
	}, nil
}

// stageKeyFile writes the key material to a private temporary file so it can
// be handed to cryptsetup, and registers its shredding on the rollback
// stack.
func (b *EncryptionBinder) stageKeyFile(ctx context.Context, cleanup *rollback.Stack) (string, error) {
	key, err := b.keys.Key(ctx)
	if err != nil {
		return "", errors.Join(ErrCouldNotAcquireKey, err)
	}

	keyFile := filepath.Join(os.TempDir(), "strata-key-"+shortuuid.New())
	if err := os.WriteFile(keyFile, key, 0600); err != nil {
		return "", errors.Join(ErrCouldNotWriteKeyFile, err)
	}

	cleanup.Push("remove temporary key file", func(_ context.Context) error {
		// Overwrite before unlinking so the key bytes do not linger
		if err := os.WriteFile(keyFile, make([]byte, len(key)), 0600); err != nil && !os.IsNotExist(err) {
			return err
		}

		return os.Remove(keyFile)
	})

	return keyFile, nil
}

// freeMappedName probes candidate names under /dev/mapper, incrementing a
// numeric suffix until one is unused.
func (b *EncryptionBinder) freeMappedName(namePrefix string) (string, error) {
	for suffix := 0; suffix < 1000; suffix++ {
		candidate := fmt.Sprintf("%scrypt%d", namePrefix, suffix)
		if _, err := os.Stat(filepath.Join(b.devRoot, "mapper", candidate)); os.IsNotExist(err) {
			return candidate, nil
		}
	}

	return "", ErrCouldNotFindMappedName
}
