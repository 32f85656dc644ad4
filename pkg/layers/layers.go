package layers

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupportedGoal = errors.New("unsupported goal for this builder")
)

// Goal selects what a builder does with on-disk state: Create initializes
// destructively, Assemble re-attaches to structures that already exist.
type Goal string

const (
	GoalCreate   Goal = "create"
	GoalAssemble Goal = "assemble"
)

type UnitKind string

const (
	UnitPartition         UnitKind = "partition"
	UnitRaidArray         UnitKind = "raid-array"
	UnitCacheSet          UnitKind = "cache-set"
	UnitBackingAttachment UnitKind = "backing-attachment"
	UnitEncryptedVolume   UnitKind = "encrypted-volume"
	UnitFileSystemVolume  UnitKind = "filesystem-volume"
)

type UnitState string

const (
	StateUnbound  UnitState = "unbound"
	StateBuilding UnitState = "building"
	StateActive   UnitState = "active"
	StateClosing  UnitState = "closing"
	StateClosed   UnitState = "closed"
)

// StorageUnit is one node in the layered device graph. Leaf partitions carry
// a persistent UUID as identity; derived units are identified by their
// inputs plus kind until the OS assigns them one of their own.
type StorageUnit struct {
	Kind     UnitKind
	Identity string

	// CurrentPath is only valid for the current boot; it is re-resolved
	// each run and never persisted
	CurrentPath string

	State UnitState

	Inputs []*StorageUnit
}

// DerivedIdentity names a not-yet-created unit after its kind and inputs.
func DerivedIdentity(kind UnitKind, inputs []*StorageUnit) string {
	identities := make([]string, len(inputs))
	for i, input := range inputs {
		identities[i] = input.Identity
	}

	return fmt.Sprintf("%s(%s)", kind, strings.Join(identities, ","))
}

// KeyProvider hands out the current symmetric key material for LUKS
// operations. Passphrase prompting, key files and caching are the provider's
// concern, not this engine's.
type KeyProvider interface {
	Key(ctx context.Context) ([]byte, error)
}

// KeyProviderFunc adapts a function to the KeyProvider interface.
type KeyProviderFunc func(ctx context.Context) ([]byte, error)

func (f KeyProviderFunc) Key(ctx context.Context) ([]byte, error) {
	return f(ctx)
}

func inputPaths(inputs []*StorageUnit) []string {
	paths := make([]string, len(inputs))
	for i, input := range inputs {
		paths[i] = input.CurrentPath
	}

	return paths
}
