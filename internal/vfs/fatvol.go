package vfs

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/acer51-doctom/superboot/internal/blockdev"
)

// rawFATDriver reads FAT16/FAT32 volumes directly from partition bytes. It
// backs FAT partitions on handles that carry no firmware file-system
// protocol (synthetic disks, nested images).
type rawFATDriver struct{}

func (d *rawFATDriver) Name() string { return "fat" }

func (d *rawFATDriver) Probe(dev *blockdev.Device) (bool, error) {
	bs := make([]byte, 512)
	ok, err := readAt(dev, 0, bs)
	if err != nil || !ok {
		return false, err
	}
	if bs[510] != 0x55 || bs[511] != 0xAA {
		return false, nil
	}
	// NTFS shares the 0x55AA signature; its OEM name disambiguates.
	if string(bs[3:11]) == "NTFS    " {
		return false, nil
	}
	// A plausible BPB is required; the boot-sector signature alone also
	// matches MBRs and other bootable non-FAT content.
	bytsPerSec := binary.LittleEndian.Uint16(bs[11:13])
	switch bytsPerSec {
	case 512, 1024, 2048, 4096:
	default:
		return false, nil
	}
	return bs[13] != 0 && binary.LittleEndian.Uint16(bs[14:16]) != 0 && bs[16] != 0, nil
}

func (d *rawFATDriver) Mount(dev *blockdev.Device) (Volume, error) {
	return openFATVolume(dev.SectionReader())
}

type fatKind int

const (
	fat12 fatKind = iota
	fat16
	fat32
)

// fatVolume is an opened FAT filesystem over a partition byte view.
type fatVolume struct {
	r io.ReaderAt

	kind fatKind

	bytsPerSec uint16
	secPerClus uint8
	numFATs    uint8
	rootEntCnt uint16

	fatStart       int64
	rootDirStart   int64 // FAT16 fixed root region
	rootDirSectors uint32
	dataStart      int64
	clusterSize    uint32

	rootClus uint32 // FAT32
}

type fatEntry struct {
	name         string
	isDir        bool
	firstCluster uint32
	size         uint32
}

// openFATVolume parses the BPB, classifies FAT12/16/32 and derives the
// layout offsets.
func openFATVolume(r io.ReaderAt) (*fatVolume, error) {
	bs := make([]byte, 512)
	if _, err := r.ReadAt(bs, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read boot sector: %w", err)
	}
	if bs[510] != 0x55 || bs[511] != 0xAA {
		return nil, fmt.Errorf("boot sector signature: %w", ErrVolumeCorrupted)
	}

	v := &fatVolume{r: r}
	v.bytsPerSec = binary.LittleEndian.Uint16(bs[11:13])
	v.secPerClus = bs[13]
	rsvdSecCnt := binary.LittleEndian.Uint16(bs[14:16])
	v.numFATs = bs[16]
	v.rootEntCnt = binary.LittleEndian.Uint16(bs[17:19])

	totSec := uint32(binary.LittleEndian.Uint16(bs[19:21]))
	fatSz16 := binary.LittleEndian.Uint16(bs[22:24])
	if totSec == 0 {
		totSec = binary.LittleEndian.Uint32(bs[32:36])
	}
	fatSz32 := binary.LittleEndian.Uint32(bs[36:40])
	v.rootClus = binary.LittleEndian.Uint32(bs[44:48])

	if v.bytsPerSec == 0 || v.secPerClus == 0 || rsvdSecCnt == 0 || v.numFATs == 0 {
		return nil, fmt.Errorf("BPB fields: %w", ErrVolumeCorrupted)
	}
	v.clusterSize = uint32(v.bytsPerSec) * uint32(v.secPerClus)
	v.fatStart = int64(rsvdSecCnt) * int64(v.bytsPerSec)

	if v.rootEntCnt == 0 && fatSz16 == 0 && fatSz32 != 0 {
		v.kind = fat32
		v.dataStart = v.fatStart + int64(v.numFATs)*int64(fatSz32)*int64(v.bytsPerSec)
		return v, nil
	}

	if fatSz16 == 0 {
		return nil, fmt.Errorf("FAT16 BPB with zero FAT size: %w", ErrVolumeCorrupted)
	}
	v.rootDirSectors = ((uint32(v.rootEntCnt) * 32) + uint32(v.bytsPerSec) - 1) / uint32(v.bytsPerSec)
	v.rootDirStart = v.fatStart + int64(v.numFATs)*int64(fatSz16)*int64(v.bytsPerSec)
	v.dataStart = v.rootDirStart + int64(v.rootDirSectors)*int64(v.bytsPerSec)

	dataSectors := totSec - (uint32(rsvdSecCnt) + uint32(v.numFATs)*uint32(fatSz16) + v.rootDirSectors)
	clusters := dataSectors / uint32(v.secPerClus)
	switch {
	case clusters < 4085:
		v.kind = fat12
	default:
		v.kind = fat16
	}
	if v.kind == fat12 {
		// An ESP is never FAT12; reading one is out of scope.
		return nil, fmt.Errorf("FAT12: %w", ErrUnsupported)
	}
	return v, nil
}

func (v *fatVolume) ReadFile(path string) ([]byte, error) {
	e, err := v.lookup(path)
	if err != nil {
		return nil, err
	}
	if e.isDir {
		return nil, fmt.Errorf("%s is a directory: %w", path, ErrInvalidParameter)
	}

	out := make([]byte, 0, e.size)
	remaining := int64(e.size)
	c := e.firstCluster
	seen := map[uint32]bool{}

	for c >= 2 && !v.isEOC(c) && remaining > 0 {
		if seen[c] {
			return nil, fmt.Errorf("cluster chain loop at %d: %w", c, ErrVolumeCorrupted)
		}
		seen[c] = true

		chunk := make([]byte, v.clusterSize)
		if _, err := v.r.ReadAt(chunk, v.clusterOffset(c)); err != nil && err != io.EOF {
			return nil, err
		}
		n := int64(len(chunk))
		if remaining < n {
			n = remaining
		}
		out = append(out, chunk[:n]...)
		remaining -= n

		c, err = v.nextCluster(c)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (v *fatVolume) FileExists(path string) bool {
	e, err := v.lookup(path)
	return err == nil && !e.isDir
}

func (v *fatVolume) DirExists(path string) bool {
	if strings.Trim(ToSlash(path), "/") == "" {
		return true
	}
	e, err := v.lookup(path)
	return err == nil && e.isDir
}

func (v *fatVolume) ReadDir(path string) ([]string, error) {
	ents, err := v.list(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		names = append(names, e.name)
	}
	return names, nil
}

func (v *fatVolume) Unmount() error { return nil }

// lookup resolves a path (either separator) to its directory entry.
func (v *fatVolume) lookup(path string) (*fatEntry, error) {
	p := strings.Trim(ToSlash(path), "/")
	if p == "" {
		return nil, fmt.Errorf("empty path: %w", ErrInvalidParameter)
	}

	ents, err := v.rootEntries()
	if err != nil {
		return nil, err
	}
	parts := strings.Split(p, "/")
	for i, part := range parts {
		var match *fatEntry
		for j := range ents {
			if strings.EqualFold(ents[j].name, part) {
				match = &ents[j]
				break
			}
		}
		if match == nil {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		if i == len(parts)-1 {
			return match, nil
		}
		if !match.isDir {
			return nil, fmt.Errorf("%s is not a directory: %w", part, ErrNotFound)
		}
		ents, err = v.entriesAt(match.firstCluster)
		if err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
}

func (v *fatVolume) list(path string) ([]fatEntry, error) {
	p := strings.Trim(ToSlash(path), "/")
	if p == "" {
		return v.rootEntries()
	}
	e, err := v.lookup(p)
	if err != nil {
		return nil, err
	}
	if !e.isDir {
		return nil, fmt.Errorf("%s is not a directory: %w", path, ErrInvalidParameter)
	}
	return v.entriesAt(e.firstCluster)
}

func (v *fatVolume) rootEntries() ([]fatEntry, error) {
	if v.kind == fat32 {
		return v.entriesAt(v.rootClus)
	}
	buf := make([]byte, int64(v.rootDirSectors)*int64(v.bytsPerSec))
	if _, err := v.r.ReadAt(buf, v.rootDirStart); err != nil && err != io.EOF {
		return nil, err
	}
	return decodeDirEntries(buf)
}

func (v *fatVolume) entriesAt(startCluster uint32) ([]fatEntry, error) {
	var all []byte
	c := startCluster
	seen := map[uint32]bool{}

	for c >= 2 && !v.isEOC(c) {
		if seen[c] {
			return nil, fmt.Errorf("cluster chain loop at %d: %w", c, ErrVolumeCorrupted)
		}
		seen[c] = true

		chunk := make([]byte, v.clusterSize)
		if _, err := v.r.ReadAt(chunk, v.clusterOffset(c)); err != nil && err != io.EOF {
			return nil, err
		}
		all = append(all, chunk...)

		var err error
		c, err = v.nextCluster(c)
		if err != nil {
			return nil, err
		}
	}
	return decodeDirEntries(all)
}

// decodeDirEntries walks 32-byte directory records, folding long-name runs
// into the short entry that follows them.
func decodeDirEntries(buf []byte) ([]fatEntry, error) {
	var out []fatEntry
	var lfn []string

	for off := 0; off+32 <= len(buf); off += 32 {
		e := buf[off : off+32]
		if e[0] == 0x00 {
			break
		}
		if e[0] == 0xE5 { // deleted
			lfn = nil
			continue
		}

		attr := e[11]
		if attr == 0x0F {
			if part := decodeLFNChunk(e); part != "" {
				lfn = append(lfn, part)
			}
			continue
		}
		if attr&0x08 != 0 { // volume label
			lfn = nil
			continue
		}

		var name string
		if len(lfn) > 0 {
			for i, j := 0, len(lfn)-1; i < j; i, j = i+1, j-1 {
				lfn[i], lfn[j] = lfn[j], lfn[i]
			}
			name = strings.Join(lfn, "")
		} else {
			name = decodeShortName(e[0:11])
		}
		lfn = nil

		if name == "." || name == ".." {
			continue
		}

		clusHi := binary.LittleEndian.Uint16(e[20:22])
		clusLo := binary.LittleEndian.Uint16(e[26:28])
		out = append(out, fatEntry{
			name:         name,
			isDir:        attr&0x10 != 0,
			firstCluster: uint32(clusHi)<<16 | uint32(clusLo),
			size:         binary.LittleEndian.Uint32(e[28:32]),
		})
	}
	return out, nil
}

func decodeShortName(b []byte) string {
	base := strings.TrimRight(string(b[0:8]), " ")
	ext := strings.TrimRight(string(b[8:11]), " ")
	if ext != "" {
		return base + "." + ext
	}
	return base
}

// decodeLFNChunk extracts the 13 UTF-16LE characters of one long-name record.
func decodeLFNChunk(e []byte) string {
	var sb strings.Builder
	for _, i := range []int{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30} {
		c := binary.LittleEndian.Uint16(e[i : i+2])
		if c == 0x0000 || c == 0xFFFF {
			break
		}
		sb.WriteRune(rune(c))
	}
	return sb.String()
}

func (v *fatVolume) isEOC(c uint32) bool {
	if v.kind == fat32 {
		return c >= 0x0FFFFFF8
	}
	return c >= 0xFFF8
}

func (v *fatVolume) clusterOffset(cluster uint32) int64 {
	if cluster < 2 {
		return v.dataStart
	}
	return v.dataStart + int64(cluster-2)*int64(v.clusterSize)
}

func (v *fatVolume) nextCluster(cluster uint32) (uint32, error) {
	if v.kind == fat32 {
		b := make([]byte, 4)
		if _, err := v.r.ReadAt(b, v.fatStart+int64(cluster)*4); err != nil && err != io.EOF {
			return 0, err
		}
		return binary.LittleEndian.Uint32(b) & 0x0FFFFFFF, nil
	}
	b := make([]byte, 2)
	if _, err := v.r.ReadAt(b, v.fatStart+int64(cluster)*2); err != nil && err != io.EOF {
		return 0, err
	}
	return uint32(binary.LittleEndian.Uint16(b)), nil
}
