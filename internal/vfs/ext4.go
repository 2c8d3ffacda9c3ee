package vfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/acer51-doctom/superboot/internal/blockdev"
)

// Read-only ext2/3/4 access: rev0/1 superblocks, extent-based files.
// There is no write path and the journal is never replayed. Encrypted
// files, inline-data and indirect-block files, and indexed extent trees
// surface Unsupported.

const (
	ext4SuperMagic = 0xEF53
	ext4RootInode  = 2

	ext4IncompatExtents = 0x0040
	ext4Incompat64Bit   = 0x0080

	ext4EncryptFlag      = 0x800
	ext4ExtentsFlag      = 0x80000
	ext4ExtentMagic      = 0xF30A
	ext4ExtentInitMaxLen = 32768
)

// NewExt4Driver returns the built-in ext4 driver.
func NewExt4Driver() Driver { return &ext4Driver{} }

type ext4Driver struct{}

func (d *ext4Driver) Name() string { return "ext4" }

func (d *ext4Driver) Probe(dev *blockdev.Device) (bool, error) {
	buf := make([]byte, 2)
	ok, err := readAt(dev, 1024+56, buf)
	if err != nil || !ok {
		return false, err
	}
	return binary.LittleEndian.Uint16(buf) == ext4SuperMagic, nil
}

func (d *ext4Driver) Mount(dev *blockdev.Device) (Volume, error) {
	return openExt4Volume(dev.SectionReader())
}

type ext4Volume struct {
	r io.ReaderAt

	blockSize      int64
	inodeSize      int64
	descSize       int64
	firstDataBlock uint32
	inodesPerGroup uint32
}

// ext4Inode is the decoded subset of an on-disk inode we consume.
type ext4Inode struct {
	mode  uint16
	size  uint64
	flags uint32
	block [60]byte
}

func (ino *ext4Inode) isDir() bool     { return ino.mode&0xF000 == 0x4000 }
func (ino *ext4Inode) isRegular() bool { return ino.mode&0xF000 == 0x8000 }

// openExt4Volume reads and validates the superblock at byte offset 1024.
func openExt4Volume(r io.ReaderAt) (*ext4Volume, error) {
	sb := make([]byte, 1024)
	if _, err := r.ReadAt(sb, 1024); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read superblock: %w", err)
	}
	if binary.LittleEndian.Uint16(sb[56:58]) != ext4SuperMagic {
		return nil, fmt.Errorf("superblock magic: %w", ErrVolumeCorrupted)
	}

	incompat := binary.LittleEndian.Uint32(sb[96:100])
	if incompat&ext4Incompat64Bit != 0 {
		// 64-bit group descriptors would be mis-read past group 0; refuse
		// the volume instead.
		return nil, fmt.Errorf("64bit volume: %w", ErrUnsupported)
	}

	v := &ext4Volume{
		r:              r,
		blockSize:      1024 << binary.LittleEndian.Uint32(sb[24:28]),
		firstDataBlock: binary.LittleEndian.Uint32(sb[20:24]),
		inodesPerGroup: binary.LittleEndian.Uint32(sb[40:44]),
		inodeSize:      128,
		descSize:       32,
	}
	if binary.LittleEndian.Uint32(sb[76:80]) >= 1 {
		v.inodeSize = int64(binary.LittleEndian.Uint16(sb[88:90]))
	}
	if ds := int64(binary.LittleEndian.Uint16(sb[254:256])); ds > 32 {
		v.descSize = ds
	}
	if v.inodesPerGroup == 0 || v.inodeSize == 0 {
		return nil, fmt.Errorf("superblock geometry: %w", ErrVolumeCorrupted)
	}
	return v, nil
}

func (v *ext4Volume) ReadFile(path string) ([]byte, error) {
	ino, err := v.resolve(path)
	if err != nil {
		return nil, err
	}
	if !ino.isRegular() {
		return nil, fmt.Errorf("%s is not a regular file: %w", path, ErrInvalidParameter)
	}
	return v.readInodeData(ino)
}

func (v *ext4Volume) FileExists(path string) bool {
	ino, err := v.resolve(path)
	return err == nil && ino.isRegular()
}

func (v *ext4Volume) DirExists(path string) bool {
	ino, err := v.resolve(path)
	return err == nil && ino.isDir()
}

func (v *ext4Volume) ReadDir(path string) ([]string, error) {
	ino, err := v.resolve(path)
	if err != nil {
		return nil, err
	}
	if !ino.isDir() {
		return nil, fmt.Errorf("%s is not a directory: %w", path, ErrInvalidParameter)
	}
	data, err := v.readInodeData(ino)
	if err != nil {
		return nil, err
	}

	var names []string
	forEachDirent(data, func(inode uint32, name []byte) bool {
		if n := string(name); n != "." && n != ".." {
			names = append(names, n)
		}
		return true
	})
	return names, nil
}

func (v *ext4Volume) Unmount() error { return nil }

// resolve walks the path from the root inode, one component at a time.
// Separator choice does not matter; both are normalized.
func (v *ext4Volume) resolve(path string) (*ext4Inode, error) {
	cur, err := v.readInode(ext4RootInode)
	if err != nil {
		return nil, err
	}

	p := strings.Trim(ToSlash(path), "/")
	if p == "" {
		return cur, nil
	}

	for _, part := range strings.Split(p, "/") {
		if !cur.isDir() {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		data, err := v.readInodeData(cur)
		if err != nil {
			return nil, err
		}

		var next uint32
		forEachDirent(data, func(inode uint32, name []byte) bool {
			if bytes.Equal(name, []byte(part)) {
				next = inode
				return false
			}
			return true
		})
		if next == 0 {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		cur, err = v.readInode(next)
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// forEachDirent walks the variable-length directory records in data. The
// callback returns false to stop early.
func forEachDirent(data []byte, fn func(inode uint32, name []byte) bool) {
	for off := 0; off+8 <= len(data); {
		inode := binary.LittleEndian.Uint32(data[off : off+4])
		recLen := int(binary.LittleEndian.Uint16(data[off+4 : off+6]))
		nameLen := int(data[off+6])
		if recLen < 8 || off+recLen > len(data) {
			return
		}
		if inode != 0 && nameLen > 0 && off+8+nameLen <= len(data) {
			if !fn(inode, data[off+8:off+8+nameLen]) {
				return
			}
		}
		off += recLen
	}
}

// readInode locates an inode through its group descriptor and decodes it.
func (v *ext4Volume) readInode(ino uint32) (*ext4Inode, error) {
	if ino == 0 {
		return nil, fmt.Errorf("inode 0: %w", ErrInvalidParameter)
	}
	group := (ino - 1) / v.inodesPerGroup
	index := (ino - 1) % v.inodesPerGroup

	descOff := int64(v.firstDataBlock+1)*v.blockSize + int64(group)*v.descSize
	desc := make([]byte, 32)
	if _, err := v.r.ReadAt(desc, descOff); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read group descriptor %d: %w", group, err)
	}
	inodeTable := binary.LittleEndian.Uint32(desc[8:12])
	if inodeTable == 0 {
		return nil, fmt.Errorf("group %d inode table: %w", group, ErrVolumeCorrupted)
	}

	raw := make([]byte, 128)
	inodeOff := int64(inodeTable)*v.blockSize + int64(index)*v.inodeSize
	if _, err := v.r.ReadAt(raw, inodeOff); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read inode %d: %w", ino, err)
	}

	out := &ext4Inode{
		mode:  binary.LittleEndian.Uint16(raw[0:2]),
		flags: binary.LittleEndian.Uint32(raw[32:36]),
	}
	sizeLo := binary.LittleEndian.Uint32(raw[4:8])
	sizeHi := binary.LittleEndian.Uint32(raw[108:112])
	out.size = uint64(sizeHi)<<32 | uint64(sizeLo)
	copy(out.block[:], raw[40:100])
	return out, nil
}

// readInodeData extracts a file's content from its depth-0 extent tree.
func (v *ext4Volume) readInodeData(ino *ext4Inode) ([]byte, error) {
	if ino.flags&ext4EncryptFlag != 0 {
		return nil, fmt.Errorf("encrypted inode: %w", ErrUnsupported)
	}
	if ino.flags&ext4ExtentsFlag == 0 {
		return nil, fmt.Errorf("indirect-block file: %w", ErrUnsupported)
	}

	hdr := ino.block[:12]
	if binary.LittleEndian.Uint16(hdr[0:2]) != ext4ExtentMagic {
		return nil, fmt.Errorf("extent header magic: %w", ErrVolumeCorrupted)
	}
	entries := int(binary.LittleEndian.Uint16(hdr[2:4]))
	depth := binary.LittleEndian.Uint16(hdr[6:8])
	if depth != 0 {
		return nil, fmt.Errorf("extent tree depth %d: %w", depth, ErrUnsupported)
	}
	if entries > 4 {
		return nil, fmt.Errorf("extent count %d: %w", entries, ErrVolumeCorrupted)
	}

	out := make([]byte, ino.size)
	for i := 0; i < entries; i++ {
		ext := ino.block[12+i*12 : 12+(i+1)*12]
		logical := binary.LittleEndian.Uint32(ext[0:4])
		length := uint64(binary.LittleEndian.Uint16(ext[4:6]))
		startHi := binary.LittleEndian.Uint16(ext[6:8])
		startLo := binary.LittleEndian.Uint32(ext[8:12])
		physical := uint64(startHi)<<32 | uint64(startLo)

		uninitialized := false
		if length > ext4ExtentInitMaxLen {
			length -= ext4ExtentInitMaxLen
			uninitialized = true
		}

		dst := int64(logical) * v.blockSize
		if dst >= int64(len(out)) {
			continue
		}
		span := int64(length) * v.blockSize
		if dst+span > int64(len(out)) {
			span = int64(len(out)) - dst
		}
		if uninitialized {
			// Uninitialized extents read as zeros; out is already zeroed.
			continue
		}
		if _, err := v.r.ReadAt(out[dst:dst+span], int64(physical)*v.blockSize); err != nil && err != io.EOF {
			return nil, fmt.Errorf("read extent at block %d: %w", physical, err)
		}
	}
	return out, nil
}
