// Package vfs reads files from scanned partitions: through the firmware's
// FAT reader when the partition handle carries one, through the built-in
// drivers otherwise. Paths use backslash separators; drivers translate and
// resolve from their root.
package vfs

import (
	"fmt"
	"strings"

	"github.com/acer51-doctom/superboot/internal/blockdev"
	"github.com/acer51-doctom/superboot/internal/utils/logger"
	"go.uber.org/zap"
)

// MaxMounts bounds the mount table. Exceeding it fails further mounts but
// leaves existing ones alone.
const MaxMounts = 64

// Driver identifies and mounts one on-disk filesystem format.
type Driver interface {
	Name() string
	// Probe decides whether this driver owns the partition. It reads only
	// the superblock extent, never mutates device state, and tolerates
	// short reads at image boundaries. (false, nil) is "not mine";
	// (false, err) is an I/O error the scan reports but survives.
	Probe(dev *blockdev.Device) (bool, error)
	// Mount opens the filesystem for reading.
	Mount(dev *blockdev.Device) (Volume, error)
}

// Volume is a mounted, read-only filesystem.
type Volume interface {
	// ReadFile returns the file's exact content. The dispatcher appends the
	// guaranteed trailing NUL; drivers return bare bytes.
	ReadFile(path string) ([]byte, error)
	FileExists(path string) bool
	DirExists(path string) bool
	// ReadDir lists the names of the entries in a directory.
	ReadDir(path string) ([]string, error)
	Unmount() error
}

// Mount is the per-partition state, created lazily and retained for the run.
type Mount struct {
	Device         *blockdev.Device
	UsesFirmwareFS bool
	DriverName     string
	vol            Volume
}

// VFS is the dispatcher over firmware-backed and built-in mounts.
type VFS struct {
	log     *zap.SugaredLogger
	drivers []Driver
	mounts  map[string]*Mount
}

// New builds a dispatcher with the default driver chain: the firmware FAT
// reader first, then the built-in drivers in declaration order.
func New() *VFS {
	return NewWithDrivers([]Driver{
		&firmwareFATDriver{},
		&rawFATDriver{},
		NewExt4Driver(),
		probeOnly{name: "btrfs", probe: probeBtrfs},
		probeOnly{name: "xfs", probe: probeXFS},
		probeOnly{name: "ntfs", probe: probeNTFS},
	})
}

// NewWithDrivers builds a dispatcher with an explicit driver chain.
func NewWithDrivers(drivers []Driver) *VFS {
	return &VFS{
		log:     logger.Logger(),
		drivers: drivers,
		mounts:  map[string]*Mount{},
	}
}

// OpenDevice mounts the partition if it is not mounted yet. Idempotent.
func (v *VFS) OpenDevice(dev *blockdev.Device) error {
	key := dev.String()
	if _, ok := v.mounts[key]; ok {
		return nil
	}
	if len(v.mounts) >= MaxMounts {
		return fmt.Errorf("mount table full (%d): %w", MaxMounts, ErrOutOfResources)
	}

	for _, drv := range v.drivers {
		owned, err := drv.Probe(dev)
		if err != nil {
			v.log.Warnf("%s probe on %s: %v", drv.Name(), dev, err)
			continue
		}
		if !owned {
			continue
		}
		vol, err := drv.Mount(dev)
		if err != nil {
			return fmt.Errorf("mount %s as %s: %w", dev, drv.Name(), err)
		}
		_, firmware := drv.(*firmwareFATDriver)
		v.mounts[key] = &Mount{
			Device:         dev,
			UsesFirmwareFS: firmware,
			DriverName:     drv.Name(),
			vol:            vol,
		}
		v.log.Debugf("mounted %s via %s", dev, drv.Name())
		return nil
	}
	return fmt.Errorf("no driver claims %s: %w", dev, ErrUnsupported)
}

func (v *VFS) mount(dev *blockdev.Device) (*Mount, error) {
	if err := v.OpenDevice(dev); err != nil {
		return nil, err
	}
	return v.mounts[dev.String()], nil
}

// MountInfo returns the mount state for a device, if it is mounted.
func (v *VFS) MountInfo(dev *blockdev.Device) (*Mount, bool) {
	m, ok := v.mounts[dev.String()]
	return m, ok
}

// ReadFile reads a whole file. The returned slice holds exactly the file's
// bytes; its backing array has one extra zero byte past len, so configs can
// be handed to NUL-terminated consumers without copying.
func (v *VFS) ReadFile(dev *blockdev.Device, path string) ([]byte, error) {
	m, err := v.mount(dev)
	if err != nil {
		return nil, err
	}
	data, err := m.vol.ReadFile(path)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, len(data)+1)
	copy(buf, data)
	return buf[:len(data):len(data)+1], nil
}

// FileExists reports whether a file exists. Cheap on firmware mounts; on
// built-in drivers it may cost a resolution walk, which is acceptable for
// the small config files this is used on.
func (v *VFS) FileExists(dev *blockdev.Device, path string) bool {
	m, err := v.mount(dev)
	if err != nil {
		return false
	}
	return m.vol.FileExists(path)
}

// DirExists reports whether a directory exists.
func (v *VFS) DirExists(dev *blockdev.Device, path string) bool {
	m, err := v.mount(dev)
	if err != nil {
		return false
	}
	return m.vol.DirExists(path)
}

// ReadDir lists entry names under a directory.
func (v *VFS) ReadDir(dev *blockdev.Device, path string) ([]string, error) {
	m, err := v.mount(dev)
	if err != nil {
		return nil, err
	}
	return m.vol.ReadDir(path)
}

// Shutdown unmounts every non-firmware mount and clears the table.
func (v *VFS) Shutdown() {
	for key, m := range v.mounts {
		if !m.UsesFirmwareFS {
			if err := m.vol.Unmount(); err != nil {
				v.log.Warnf("unmount %s: %v", m.Device, err)
			}
		}
		delete(v.mounts, key)
	}
}

// ToSlash converts a VFS backslash path to the forward-slash form the
// built-in drivers resolve internally.
func ToSlash(path string) string {
	return strings.ReplaceAll(path, `\`, "/")
}
