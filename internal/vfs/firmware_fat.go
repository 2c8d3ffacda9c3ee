package vfs

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/diskfs/go-diskfs/filesystem"

	"github.com/acer51-doctom/superboot/internal/blockdev"
)

// firmwareFATDriver serves partitions through the platform's own FAT
// reader — the analogue of the firmware file-system protocol on a partition
// handle. It claims a partition only when the handle actually carries a
// FAT32 filesystem; everything else, FAT16 included, falls through to the
// built-in drivers.
type firmwareFATDriver struct{}

func (d *firmwareFATDriver) Name() string { return "firmware-fat" }

func (d *firmwareFATDriver) Probe(dev *blockdev.Device) (bool, error) {
	fs, err := dev.Filesystem()
	if err != nil || fs == nil {
		// No protocol on this handle; not an error, the built-ins get a turn.
		return false, nil
	}
	return fs.Type() == filesystem.TypeFat32, nil
}

func (d *firmwareFATDriver) Mount(dev *blockdev.Device) (Volume, error) {
	fs, err := dev.Filesystem()
	if err != nil {
		return nil, err
	}
	return &firmwareFATVolume{fs: fs}, nil
}

type firmwareFATVolume struct {
	fs filesystem.FileSystem
}

func fatPath(path string) string {
	p := ToSlash(path)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func (v *firmwareFATVolume) ReadFile(path string) ([]byte, error) {
	f, err := v.fs.OpenFile(fatPath(path), os.O_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	defer closeIfCloser(f)

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (v *firmwareFATVolume) FileExists(path string) bool {
	f, err := v.fs.OpenFile(fatPath(path), os.O_RDONLY)
	if err != nil {
		return false
	}
	closeIfCloser(f)
	return true
}

func (v *firmwareFATVolume) DirExists(path string) bool {
	_, err := v.fs.ReadDir(fatPath(path))
	return err == nil
}

func (v *firmwareFATVolume) ReadDir(path string) ([]string, error) {
	infos, err := v.fs.ReadDir(fatPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		if fi.Name() == "." || fi.Name() == ".." {
			continue
		}
		names = append(names, fi.Name())
	}
	return names, nil
}

func (v *firmwareFATVolume) Unmount() error { return nil }

func closeIfCloser(f filesystem.File) {
	if c, ok := f.(io.Closer); ok {
		_ = c.Close()
	}
}
