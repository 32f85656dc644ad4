package holders

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/loopholelabs/logging/types"
)

// SysfsProvider reads the kernel's per-device relationship metadata under
// /sys/class/block: the holders directory for the dependency edges, and the
// dm/, md/ and bcache/ control files for kind tags.
type SysfsProvider struct {
	log types.Logger

	devRoot string
	sysRoot string
}

func NewSysfsProvider(log types.Logger) *SysfsProvider {
	return &SysfsProvider{
		log:     log,
		devRoot: "/dev",
		sysRoot: "/sys",
	}
}

// NewSysfsProviderWithRoots points the provider at a synthetic tree; used by
// tests and by the sandbox.
func NewSysfsProviderWithRoots(devRoot, sysRoot string, log types.Logger) *SysfsProvider {
	return &SysfsProvider{
		log:     log,
		devRoot: devRoot,
		sysRoot: sysRoot,
	}
}

func (p *SysfsProvider) blockDir(devicePath string) string {
	return filepath.Join(p.sysRoot, "class", "block", filepath.Base(devicePath))
}

func (p *SysfsProvider) HoldersOf(devicePath string) ([]Device, error) {
	entries, err := os.ReadDir(filepath.Join(p.blockDir(devicePath), "holders"))
	if err != nil {
		if os.IsNotExist(err) {
			// A device sysfs has never heard of has no holders
			return nil, nil
		}

		return nil, errors.Join(ErrCouldNotReadHoldersDir, err)
	}

	devices := make([]Device, 0, len(entries))
	for _, entry := range entries {
		device, err := p.Classify(filepath.Join(p.devRoot, entry.Name()))
		if err != nil {
			return nil, err
		}

		devices = append(devices, device)
	}

	return devices, nil
}

func (p *SysfsProvider) Classify(devicePath string) (Device, error) {
	dir := p.blockDir(devicePath)
	device := Device{Path: devicePath, Kind: KindUnknown}

	if raw, err := os.ReadFile(filepath.Join(dir, "dm", "uuid")); err == nil {
		dmUUID := strings.TrimSpace(string(raw))
		if strings.HasPrefix(dmUUID, "CRYPT-") {
			device.Kind = KindCryptVolume
			if name, err := os.ReadFile(filepath.Join(dir, "dm", "name")); err == nil {
				device.MappedName = strings.TrimSpace(string(name))
			}
		}

		return device, nil
	}

	if raw, err := os.ReadFile(filepath.Join(dir, "md", "level")); err == nil {
		device.Kind = KindRaidArray
		device.RaidLevel = strings.TrimSpace(string(raw))

		return device, nil
	}

	// bcache exposes three shapes: cache members carry bcache/set, backing
	// members carry bcache/dev, and the bound bcacheN volume carries a bare
	// bcache entry
	if target, err := os.Readlink(filepath.Join(dir, "bcache", "set")); err == nil {
		device.Kind = KindCacheMember
		device.CacheSetUUID = filepath.Base(target)

		return device, nil
	}

	if _, err := os.Lstat(filepath.Join(dir, "bcache", "dev")); err == nil {
		device.Kind = KindBackingMember

		return device, nil
	}

	if _, err := os.Lstat(filepath.Join(dir, "bcache")); err == nil {
		device.Kind = KindBcacheVolume

		return device, nil
	}

	if _, err := os.Stat(filepath.Join(dir, "partition")); err == nil {
		device.Kind = KindPartition

		return device, nil
	}

	if _, err := os.Stat(filepath.Join(dir, "queue")); err == nil {
		device.Kind = KindDisk

		return device, nil
	}

	if p.log != nil {
		p.log.Debug().Str("path", devicePath).Msg("device did not match any known kind")
	}

	return device, nil
}
