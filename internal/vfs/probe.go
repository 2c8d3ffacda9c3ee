package vfs

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/acer51-doctom/superboot/internal/blockdev"
)

// readAt reads exactly len(buf) bytes at off within the partition, tolerating
// EOF at image boundaries by reporting a short read as not-found rather than
// an I/O failure.
func readAt(dev *blockdev.Device, off int64, buf []byte) (bool, error) {
	r := dev.SectionReader()
	n, err := r.ReadAt(buf, off)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return n == len(buf), nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// probeOnly identifies filesystems we can name but not read. Mounting one
// reports Unsupported; the identification still shows up in the scan log.
type probeOnly struct {
	name  string
	probe func(dev *blockdev.Device) (bool, error)
}

func (p probeOnly) Name() string { return p.name }

func (p probeOnly) Probe(dev *blockdev.Device) (bool, error) { return p.probe(dev) }

func (p probeOnly) Mount(dev *blockdev.Device) (Volume, error) {
	return nil, fmt.Errorf("%s volumes are identify-only: %w", p.name, ErrUnsupported)
}

// probeBtrfs checks the btrfs superblock magic "_BHRfS_M" at 64KiB+0x40.
func probeBtrfs(dev *blockdev.Device) (bool, error) {
	buf := make([]byte, 8)
	ok, err := readAt(dev, 0x10000+0x40, buf)
	if err != nil || !ok {
		return false, err
	}
	return string(buf) == "_BHRfS_M", nil
}

// probeXFS checks the XFS superblock magic at offset 0. XFS stores it
// big-endian ("XFSB"), so the decode byte-swaps relative to everything else
// on the disk.
func probeXFS(dev *blockdev.Device) (bool, error) {
	buf := make([]byte, 4)
	ok, err := readAt(dev, 0, buf)
	if err != nil || !ok {
		return false, err
	}
	return binary.BigEndian.Uint32(buf) == 0x58465342, nil
}

// probeNTFS checks the OEM identifier "NTFS    " at offset 3 of the boot
// sector.
func probeNTFS(dev *blockdev.Device) (bool, error) {
	buf := make([]byte, 8)
	ok, err := readAt(dev, 3, buf)
	if err != nil || !ok {
		return false, err
	}
	return string(buf) == "NTFS    ", nil
}
