package mounttab

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

var (
	ErrCouldNotWriteTable = errors.New("could not write mount table")
)

// MountEntry is one fstab line in structured form.
type MountEntry struct {
	Spec    string `json:"spec"` // UUID=... or a device path for mapped volumes
	File    string `json:"file"`
	VFSType string `json:"vfstype"`
	Options string `json:"options"`
	Freq    int    `json:"freq"`
	PassNo  int    `json:"passno"`
}

// CryptEntry is one crypttab line in structured form.
type CryptEntry struct {
	Name    string `json:"name"`
	Spec    string `json:"spec"`
	KeyFile string `json:"keyFile"`
	Options string `json:"options"`
}

// Table accumulates mount-table entries as layers bind and serializes them
// once at the end. It replaces ad hoc string concatenation: entries stay
// structured until rendering, and rendering orders mounts by ascending path
// depth so parents always precede children.
type Table struct {
	lock   sync.Mutex
	mounts []MountEntry
	crypts []CryptEntry
}

func NewTable() *Table {
	return &Table{}
}

func (t *Table) AddMount(entry MountEntry) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.mounts = append(t.mounts, entry)
}

func (t *Table) AddCrypt(entry CryptEntry) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.crypts = append(t.crypts, entry)
}

// Mounts returns the entries in mount order.
func (t *Table) Mounts() []MountEntry {
	t.lock.Lock()
	defer t.lock.Unlock()

	mounts := make([]MountEntry, len(t.mounts))
	copy(mounts, t.mounts)

	sort.SliceStable(mounts, func(i, j int) bool {
		return PathDepth(mounts[i].File) < PathDepth(mounts[j].File)
	})

	return mounts
}

func (t *Table) Crypts() []CryptEntry {
	t.lock.Lock()
	defer t.lock.Unlock()

	crypts := make([]CryptEntry, len(t.crypts))
	copy(crypts, t.crypts)

	return crypts
}

// RenderFstab serializes the accumulated mount entries in fstab format.
func (t *Table) RenderFstab() string {
	var builder strings.Builder
	for _, entry := range t.Mounts() {
		options := entry.Options
		if options == "" {
			options = "defaults"
		}

		fmt.Fprintf(&builder, "%s\t%s\t%s\t%s\t%d\t%d\n",
			entry.Spec, entry.File, entry.VFSType, options, entry.Freq, entry.PassNo)
	}

	return builder.String()
}

// RenderCrypttab serializes the accumulated crypt entries in crypttab format.
func (t *Table) RenderCrypttab() string {
	var builder strings.Builder
	for _, entry := range t.Crypts() {
		keyFile := entry.KeyFile
		if keyFile == "" {
			keyFile = "none"
		}

		options := entry.Options
		if options == "" {
			options = "luks"
		}

		fmt.Fprintf(&builder, "%s\t%s\t%s\t%s\n", entry.Name, entry.Spec, keyFile, options)
	}

	return builder.String()
}

// WriteFstab writes the rendered fstab, replacing any previous contents.
func (t *Table) WriteFstab(path string) error {
	if err := os.WriteFile(path, []byte(t.RenderFstab()), 0644); err != nil {
		return errors.Join(ErrCouldNotWriteTable, err)
	}

	return nil
}

func (t *Table) WriteCrypttab(path string) error {
	if err := os.WriteFile(path, []byte(t.RenderCrypttab()), 0600); err != nil {
		return errors.Join(ErrCouldNotWriteTable, err)
	}

	return nil
}

// PathDepth counts the path components of a mount point; "/" is depth zero,
// so the root file system always sorts first.
func PathDepth(path string) int {
	cleaned := strings.Trim(path, "/")
	if cleaned == "" {
		return 0
	}

	return strings.Count(cleaned, "/") + 1
}
