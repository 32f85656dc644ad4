package hints

import (
	"encoding/json"
	"errors"
	"os"
	"sort"

	"github.com/google/uuid"
)

var (
	ErrCouldNotOpenHintsFile   = errors.New("could not open cache hints file")
	ErrCouldNotDecodeHintsFile = errors.New("could not decode cache hints file")
	ErrCouldNotWriteHintsFile  = errors.New("could not write cache hints file")
)

// CacheHints records which backing device belongs to which cache set, keyed
// by UUID on both sides so the mapping survives reboots and device renaming.
// It is the only state that must be persisted after a build for the boot-time
// helper to reattach caches before this engine runs again.
type CacheHints struct {
	// BackingToSet maps a backing-device UUID to its cache-set UUID
	BackingToSet map[uuid.UUID]uuid.UUID `json:"backingToSet"`

	// SetToBackings is the inverse: cache-set UUID to its backing devices
	SetToBackings map[uuid.UUID][]uuid.UUID `json:"setToBackings"`
}

func NewCacheHints() *CacheHints {
	return &CacheHints{
		BackingToSet:  map[uuid.UUID]uuid.UUID{},
		SetToBackings: map[uuid.UUID][]uuid.UUID{},
	}
}

// Bind records a backing-device-to-cache-set binding, keeping both
// directions consistent. Rebinding a backing device to a different set
// replaces the old binding.
func (h *CacheHints) Bind(backing uuid.UUID, set uuid.UUID) {
	if previous, ok := h.BackingToSet[backing]; ok {
		h.unbindFromSet(previous, backing)
	}

	h.BackingToSet[backing] = set
	h.SetToBackings[set] = append(h.SetToBackings[set], backing)

	sort.Slice(h.SetToBackings[set], func(i, j int) bool {
		return h.SetToBackings[set][i].String() < h.SetToBackings[set][j].String()
	})
}

func (h *CacheHints) unbindFromSet(set uuid.UUID, backing uuid.UUID) {
	kept := h.SetToBackings[set][:0]
	for _, member := range h.SetToBackings[set] {
		if member != backing {
			kept = append(kept, member)
		}
	}

	if len(kept) == 0 {
		delete(h.SetToBackings, set)

		return
	}

	h.SetToBackings[set] = kept
}

// SetFor returns the cache set a backing device is bound to, if any.
func (h *CacheHints) SetFor(backing uuid.UUID) (uuid.UUID, bool) {
	set, ok := h.BackingToSet[backing]

	return set, ok
}

func ReadCacheHints(path string) (*CacheHints, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewCacheHints(), nil
		}

		return nil, errors.Join(ErrCouldNotOpenHintsFile, err)
	}

	hints := NewCacheHints()
	if err := json.Unmarshal(raw, hints); err != nil {
		return nil, errors.Join(ErrCouldNotDecodeHintsFile, err)
	}

	return hints, nil
}

func (h *CacheHints) Write(path string) error {
	raw, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return errors.Join(ErrCouldNotWriteHintsFile, err)
	}

	if err := os.WriteFile(path, raw, 0644); err != nil {
		return errors.Join(ErrCouldNotWriteHintsFile, err)
	}

	return nil
}
