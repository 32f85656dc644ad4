package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/freddierice/go-losetup/v2"
	"github.com/lithammer/shortuuid/v4"
	"github.com/loopholelabs/logging/types"
)

var (
	ErrCouldNotCreateSandboxDir = errors.New("could not create sandbox directory")
	ErrCouldNotCreateImage      = errors.New("could not create backing image")
	ErrCouldNotAttachLoop       = errors.New("could not attach loop device")
	ErrCouldNotDetachLoop       = errors.New("could not detach loop device")
)

const imageSuffix = ".img"

// Sandbox is a file-backed loopback playground: sparse images attached as
// loop devices that can stand in for real partitions, so a full stack
// build and teardown can be exercised without touching real disks.
type Sandbox struct {
	log types.Logger

	Dir    string
	Images []ImageFile

	devices []losetup.Device
}

// CreateSandbox creates count sparse images of the given size under dir and
// attaches a loop device to each. An empty dir places the sandbox in a
// fresh directory under the system temp dir.
func CreateSandbox(dir string, count int, size int64, log types.Logger) (*Sandbox, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "strata-sandbox-"+shortuuid.New())
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Join(ErrCouldNotCreateSandboxDir, err)
	}

	sandbox := &Sandbox{log: log, Dir: dir}

	if log != nil {
		log.Info().Str("dir", dir).Int("count", count).Str("size", humanize.IBytes(uint64(size))).Msg("creating sandbox images")
	}

	for i := 0; i < count; i++ {
		name := fmt.Sprintf("disk%d%s", i, imageSuffix)
		path := filepath.Join(dir, name)

		image, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
		if err != nil {
			_ = sandbox.Close()

			return nil, errors.Join(ErrCouldNotCreateImage, err)
		}

		if err := image.Truncate(size); err != nil {
			_ = image.Close()
			_ = sandbox.Close()

			return nil, errors.Join(ErrCouldNotCreateImage, err)
		}

		if err := image.Close(); err != nil {
			_ = sandbox.Close()

			return nil, errors.Join(ErrCouldNotCreateImage, err)
		}

		if err := sandbox.attach(ImageFile{Name: name, Path: path}); err != nil {
			_ = sandbox.Close()

			return nil, err
		}
	}

	return sandbox, nil
}

func (s *Sandbox) attach(image ImageFile) error {
	device, err := losetup.Attach(image.Path, 0, false)
	if err != nil {
		return errors.Join(ErrCouldNotAttachLoop, err)
	}

	s.devices = append(s.devices, device)
	s.Images = append(s.Images, image)

	if s.log != nil {
		s.log.Info().Str("image", image.Path).Str("device", device.Path()).Msg("attached sandbox device")
	}

	return nil
}

// DevicePaths lists the attached loop device paths, usable as partition
// inputs for a stack configuration.
func (s *Sandbox) DevicePaths() []string {
	paths := make([]string, len(s.devices))
	for i, device := range s.devices {
		paths[i] = device.Path()
	}

	return paths
}

// Pack archives the sandbox directory's backing images as a
// zstd-compressed tar.
func (s *Sandbox) Pack(ctx context.Context, archivePath string) error {
	return Archive(ctx, s.Dir, archivePath)
}

// Close detaches every loop device; the backing images stay on disk.
func (s *Sandbox) Close() error {
	var errs error
	for _, device := range s.devices {
		if err := device.Detach(); err != nil {
			errs = errors.Join(errs, ErrCouldNotDetachLoop, err)
		}
	}

	s.devices = nil

	return errs
}
