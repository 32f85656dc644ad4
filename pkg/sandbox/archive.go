package sandbox

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/lithammer/shortuuid/v4"
	"github.com/loopholelabs/logging/types"
)

var (
	ErrNoImagesToPack       = errors.New("no backing images to pack")
	ErrEmptyArchive         = errors.New("archive contains no images")
	ErrCouldNotListImages   = errors.New("could not list backing images")
	ErrCouldNotWriteArchive = errors.New("could not write archive")
	ErrCouldNotOpenArchive  = errors.New("could not open archive")
	ErrCouldNotRestoreImage = errors.New("could not restore image")
)

// ImageFile is one backing image of a sandbox.
type ImageFile struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Archive packs every backing image found in a sandbox directory into a
// single zstd-compressed tar, so a prepared playground can be shared or
// restored later. The image set is taken from the directory itself, not
// from caller-supplied state.
func Archive(ctx context.Context, dir, archivePath string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Join(ErrCouldNotListImages, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.HasSuffix(entry.Name(), imageSuffix) {
			names = append(names, entry.Name())
		}
	}

	if len(names) == 0 {
		return ErrNoImagesToPack
	}

	out, err := os.Create(archivePath)
	if err != nil {
		return errors.Join(ErrCouldNotWriteArchive, err)
	}
	defer out.Close()

	compressor, err := zstd.NewWriter(out)
	if err != nil {
		return errors.Join(ErrCouldNotWriteArchive, err)
	}

	archive := tar.NewWriter(compressor)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := appendImage(archive, dir, name); err != nil {
			return err
		}
	}

	if err := archive.Close(); err != nil {
		return errors.Join(ErrCouldNotWriteArchive, err)
	}

	return compressor.Close()
}

func appendImage(archive *tar.Writer, dir, name string) error {
	path := filepath.Join(dir, name)

	info, err := os.Stat(path)
	if err != nil {
		return errors.Join(ErrCouldNotWriteArchive, err)
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return errors.Join(ErrCouldNotWriteArchive, err)
	}
	header.Name = name

	if err := archive.WriteHeader(header); err != nil {
		return errors.Join(ErrCouldNotWriteArchive, err)
	}

	image, err := os.Open(path)
	if err != nil {
		return errors.Join(ErrCouldNotWriteArchive, err)
	}
	defer image.Close()

	if _, err := io.Copy(archive, image); err != nil {
		return errors.Join(ErrCouldNotWriteArchive, err)
	}

	return nil
}

// Extract restores every image in a packed sandbox archive into dir and
// lists them sorted by name. Entry order in the archive does not matter.
func Extract(ctx context.Context, archivePath, dir string) ([]ImageFile, error) {
	in, err := os.Open(archivePath)
	if err != nil {
		return nil, errors.Join(ErrCouldNotOpenArchive, err)
	}
	defer in.Close()

	uncompressor, err := zstd.NewReader(in)
	if err != nil {
		return nil, errors.Join(ErrCouldNotOpenArchive, err)
	}
	defer uncompressor.Close()

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Join(ErrCouldNotRestoreImage, err)
	}

	archive := tar.NewReader(uncompressor)

	var images []ImageFile
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		header, err := archive.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Join(ErrCouldNotRestoreImage, err)
		}

		if header.Typeflag != tar.TypeReg {
			continue
		}

		// Entries are written flat; Base also guards against archives
		// carrying path components
		name := filepath.Base(header.Name)
		path := filepath.Join(dir, name)

		if err := restoreImage(archive, path); err != nil {
			return nil, err
		}

		images = append(images, ImageFile{Name: name, Path: path})
	}

	if len(images) == 0 {
		return nil, ErrEmptyArchive
	}

	sort.Slice(images, func(i, j int) bool {
		return images[i].Name < images[j].Name
	})

	return images, nil
}

func restoreImage(archive io.Reader, path string) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return errors.Join(ErrCouldNotRestoreImage, err)
	}

	if _, err := io.Copy(out, archive); err != nil {
		_ = out.Close()

		return errors.Join(ErrCouldNotRestoreImage, err)
	}

	if err := out.Close(); err != nil {
		return errors.Join(ErrCouldNotRestoreImage, err)
	}

	return nil
}

// RestoreSandbox unpacks a packed sandbox into dir and attaches a loop
// device to every restored image, yielding a playground equivalent to the
// one that was packed.
func RestoreSandbox(ctx context.Context, archivePath, dir string, log types.Logger) (*Sandbox, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "strata-sandbox-"+shortuuid.New())
	}

	images, err := Extract(ctx, archivePath, dir)
	if err != nil {
		return nil, err
	}

	sandbox := &Sandbox{log: log, Dir: dir}
	for _, image := range images {
		if err := sandbox.attach(image); err != nil {
			_ = sandbox.Close()

			return nil, err
		}
	}

	return sandbox, nil
}
