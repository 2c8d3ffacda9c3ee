package vfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/acer51-doctom/superboot/internal/blockdev"
)

// ext4 image builder: 1 KiB blocks, one block group, a /boot/vmlinuz file
// spanning two blocks (the second one partial).
//
// layout (block numbers):
//	1  superblock
//	2  group descriptor table
//	5  inode table (inode size 128, 16 inodes)
//	10 root directory data
//	11 /boot directory data
//	13 file data (2 blocks)
const (
	testBlockSize   = 1024
	testInodeTable  = 5
	testRootDirBlk  = 10
	testBootDirBlk  = 11
	testFileBlk     = 13
	testFileSize    = 1300
	testRootInode   = 2
	testBootInode   = 11
	testKernelInode = 12
)

func ext4TestContent() []byte {
	content := make([]byte, testFileSize)
	for i := range content {
		content[i] = byte(i * 7)
	}
	return content
}

func buildExt4Image(t *testing.T, mutate func(img []byte)) []byte {
	t.Helper()
	img := make([]byte, 64*testBlockSize)

	// superblock at byte 1024
	sb := img[1024:]
	binary.LittleEndian.PutUint32(sb[20:24], 1)  // s_first_data_block
	binary.LittleEndian.PutUint32(sb[24:28], 0)  // s_log_block_size -> 1024
	binary.LittleEndian.PutUint32(sb[40:44], 16) // s_inodes_per_group
	binary.LittleEndian.PutUint16(sb[56:58], ext4SuperMagic)
	binary.LittleEndian.PutUint32(sb[76:80], 1)                   // s_rev_level
	binary.LittleEndian.PutUint16(sb[88:90], 128)                 // s_inode_size
	binary.LittleEndian.PutUint32(sb[96:100], ext4IncompatExtents) // s_feature_incompat

	// group descriptor 0 at block (first_data_block+1)=2
	desc := img[2*testBlockSize:]
	binary.LittleEndian.PutUint32(desc[8:12], testInodeTable) // bg_inode_table_lo

	writeInode := func(ino uint32, mode uint16, size uint32, dataBlock uint32, blocks uint16) {
		raw := img[testInodeTable*testBlockSize+int(ino-1)*128:]
		binary.LittleEndian.PutUint16(raw[0:2], mode)
		binary.LittleEndian.PutUint32(raw[4:8], size)
		binary.LittleEndian.PutUint32(raw[32:36], ext4ExtentsFlag)
		// extent header + one leaf extent in i_block
		eh := raw[40:]
		binary.LittleEndian.PutUint16(eh[0:2], ext4ExtentMagic)
		binary.LittleEndian.PutUint16(eh[2:4], 1) // entries
		binary.LittleEndian.PutUint16(eh[4:6], 4) // max
		binary.LittleEndian.PutUint16(eh[6:8], 0) // depth
		ext := eh[12:]
		binary.LittleEndian.PutUint32(ext[0:4], 0) // logical block
		binary.LittleEndian.PutUint16(ext[4:6], blocks)
		binary.LittleEndian.PutUint32(ext[8:12], dataBlock)
	}

	dirent := func(buf []byte, off int, ino uint32, name string, last bool) int {
		recLen := 8 + (len(name)+3)&^3
		if last {
			recLen = len(buf) - off
		}
		binary.LittleEndian.PutUint32(buf[off:off+4], ino)
		binary.LittleEndian.PutUint16(buf[off+4:off+6], uint16(recLen))
		buf[off+6] = byte(len(name))
		buf[off+7] = 2 // dir entry file type, unused by the reader
		copy(buf[off+8:], name)
		return off + recLen
	}

	// root directory (inode 2) -> "boot"
	writeInode(testRootInode, 0x41ED, testBlockSize, testRootDirBlk, 1)
	root := img[testRootDirBlk*testBlockSize : (testRootDirBlk+1)*testBlockSize]
	off := dirent(root, 0, testRootInode, ".", false)
	off = dirent(root, off, testRootInode, "..", false)
	dirent(root, off, testBootInode, "boot", true)

	// /boot directory (inode 11) -> "vmlinuz"
	writeInode(testBootInode, 0x41ED, testBlockSize, testBootDirBlk, 1)
	boot := img[testBootDirBlk*testBlockSize : (testBootDirBlk+1)*testBlockSize]
	off = dirent(boot, 0, testBootInode, ".", false)
	off = dirent(boot, off, testRootInode, "..", false)
	dirent(boot, off, testKernelInode, "vmlinuz", true)

	// /boot/vmlinuz (inode 12), 1300 bytes over two blocks
	writeInode(testKernelInode, 0x81A4, testFileSize, testFileBlk, 2)
	copy(img[testFileBlk*testBlockSize:], ext4TestContent())

	if mutate != nil {
		mutate(img)
	}
	return img
}

func ext4TestDevice(t *testing.T, mutate func(img []byte)) *blockdev.Device {
	img := buildExt4Image(t, mutate)
	disk := blockdev.NewSyntheticDisk("ext", bytes.NewReader(img), int64(len(img)), 512)
	return disk.AddPartition(1, "root", "0FC63DAF-8483-4772-8E79-3D69D8477DE4", 0, uint64(len(img)/512-1))
}

func TestExt4ProbeAndMount(t *testing.T) {
	dev := ext4TestDevice(t, nil)
	drv := NewExt4Driver()

	ok, err := drv.Probe(dev)
	if err != nil || !ok {
		t.Fatalf("probe = %v, %v", ok, err)
	}
	vol, err := drv.Mount(dev)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	if !vol.DirExists(`\`) {
		t.Error("root should resolve to a directory")
	}
}

func TestExt4ReadFile(t *testing.T) {
	vol, err := NewExt4Driver().Mount(ext4TestDevice(t, nil))
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	data, err := vol.ReadFile(`\boot\vmlinuz`)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(data) != testFileSize {
		t.Fatalf("size = %d, want i_size %d", len(data), testFileSize)
	}
	if !bytes.Equal(data, ext4TestContent()) {
		t.Error("content mismatch")
	}
}

func TestExt4SeparatorInvariance(t *testing.T) {
	vol, err := NewExt4Driver().Mount(ext4TestDevice(t, nil))
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	a, err := vol.ReadFile(`\boot\vmlinuz`)
	if err != nil {
		t.Fatal(err)
	}
	b, err := vol.ReadFile("/boot/vmlinuz")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("resolution differs between separators")
	}
	if !vol.FileExists(`/boot\vmlinuz`) {
		t.Error("mixed separators should resolve too")
	}
}

func TestExt4NotFound(t *testing.T) {
	vol, err := NewExt4Driver().Mount(ext4TestDevice(t, nil))
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	if _, err := vol.ReadFile(`\boot\missing`); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing file: %v", err)
	}
	if _, err := vol.ReadFile(`\nodir\x`); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing component: %v", err)
	}
	if vol.DirExists(`\boot\vmlinuz`) {
		t.Error("file reported as directory")
	}
}

func TestExt4ReadDir(t *testing.T) {
	vol, err := NewExt4Driver().Mount(ext4TestDevice(t, nil))
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	names, err := vol.ReadDir(`\boot`)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(names) != 1 || names[0] != "vmlinuz" {
		t.Errorf("names = %v", names)
	}
}

func TestExt4Refuses64BitVolumes(t *testing.T) {
	dev := ext4TestDevice(t, func(img []byte) {
		incompat := binary.LittleEndian.Uint32(img[1024+96 : 1024+100])
		binary.LittleEndian.PutUint32(img[1024+96:1024+100], incompat|ext4Incompat64Bit)
	})
	if _, err := NewExt4Driver().Mount(dev); !errors.Is(err, ErrUnsupported) {
		t.Errorf("64bit mount = %v, want ErrUnsupported", err)
	}
}

func TestExt4RejectsNonExtentFiles(t *testing.T) {
	dev := ext4TestDevice(t, func(img []byte) {
		// Clear the extents flag on the file inode.
		raw := img[testInodeTable*testBlockSize+(testKernelInode-1)*128:]
		binary.LittleEndian.PutUint32(raw[32:36], 0)
	})
	vol, err := NewExt4Driver().Mount(dev)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	if _, err := vol.ReadFile(`\boot\vmlinuz`); !errors.Is(err, ErrUnsupported) {
		t.Errorf("indirect file read = %v, want ErrUnsupported", err)
	}
}

func TestExt4RejectsDeepExtentTrees(t *testing.T) {
	dev := ext4TestDevice(t, func(img []byte) {
		raw := img[testInodeTable*testBlockSize+(testKernelInode-1)*128:]
		binary.LittleEndian.PutUint16(raw[40+6:40+8], 1) // depth 1
	})
	vol, err := NewExt4Driver().Mount(dev)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	if _, err := vol.ReadFile(`\boot\vmlinuz`); !errors.Is(err, ErrUnsupported) {
		t.Errorf("deep tree read = %v, want ErrUnsupported", err)
	}
}

func TestExt4CorruptExtentHeader(t *testing.T) {
	dev := ext4TestDevice(t, func(img []byte) {
		raw := img[testInodeTable*testBlockSize+(testKernelInode-1)*128:]
		binary.LittleEndian.PutUint16(raw[40:42], 0xBAD0)
	})
	vol, err := NewExt4Driver().Mount(dev)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	if _, err := vol.ReadFile(`\boot\vmlinuz`); !errors.Is(err, ErrVolumeCorrupted) {
		t.Errorf("corrupt header read = %v, want ErrVolumeCorrupted", err)
	}
}
