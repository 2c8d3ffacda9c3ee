package blockdev

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/partition"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/google/uuid"

	"github.com/acer51-doctom/superboot/internal/utils/logger"
)

// ESPTypeGUID is the GPT partition type GUID of the EFI System Partition.
var ESPTypeGUID = uuid.MustParse("C12A7328-F81F-11D2-BA4B-00A0C93EC93B")

const unrealisticSectorSize = 65535

// diskAccessor is the subset of a diskfs disk we consume. It is an interface
// so tests can run against synthetic disks that have no diskfs backing.
type diskAccessor interface {
	GetPartitionTable() (partition.Table, error)
	GetFilesystem(partitionNumber int) (filesystem.FileSystem, error)
}

// Disk is one physical disk (or disk image). It owns the raw byte view used
// by the built-in filesystem drivers and, when opened through diskfs, the
// filesystem accessor that stands in for the firmware's file-system protocol.
type Disk struct {
	Path       string
	Image      io.ReaderAt
	SizeBytes  int64
	SectorSize int64

	accessor diskAccessor
	closers  []io.Closer
}

// Device is a handle to a single partition (or the whole disk when Index is
// zero). It is the `device` field carried by every boot target; it must stay
// valid for the lifetime of the scan.
type Device struct {
	Disk     *Disk
	Index    int // 1-based partition number; 0 means the whole-disk handle
	Name     string
	TypeGUID string
	GUID     string
	StartLBA uint64
	EndLBA   uint64

	MediaPresent bool
}

// IsWholeDisk reports whether this handle covers the entire disk rather than
// a logical partition. The scanner skips such handles.
func (d *Device) IsWholeDisk() bool { return d.Index == 0 }

// IsESP reports whether the partition carries the EFI System Partition type GUID.
func (d *Device) IsESP() bool {
	t, err := uuid.Parse(strings.Trim(d.TypeGUID, "{}"))
	if err != nil {
		return false
	}
	return t == ESPTypeGUID
}

// SizeBytes returns the partition size in bytes.
func (d *Device) SizeBytes() int64 {
	if d.IsWholeDisk() {
		return d.Disk.SizeBytes
	}
	return int64(d.EndLBA-d.StartLBA+1) * d.Disk.SectorSize
}

// StartOffset returns the partition's byte offset within the disk.
func (d *Device) StartOffset() int64 {
	return int64(d.StartLBA) * d.Disk.SectorSize
}

// SectionReader returns a byte-granular reader limited to the partition extent.
func (d *Device) SectionReader() *io.SectionReader {
	return io.NewSectionReader(d.Disk.Image, d.StartOffset(), d.SizeBytes())
}

// Filesystem asks the firmware-analogue accessor for a filesystem handle on
// this partition. Synthetic disks have no accessor and return an error.
func (d *Device) Filesystem() (filesystem.FileSystem, error) {
	if d.Disk.accessor == nil {
		return nil, fmt.Errorf("device %s: no filesystem accessor", d)
	}
	return d.Disk.accessor.GetFilesystem(d.Index)
}

func (d *Device) String() string {
	if d.IsWholeDisk() {
		return d.Disk.Path
	}
	return fmt.Sprintf("%s#%d", d.Disk.Path, d.Index)
}

// OpenImage opens a raw disk image and enumerates its partitions. The
// returned device list starts with the whole-disk handle, followed by the
// partitions: GPT partitions in ascending start-LBA order, MBR partitions in
// partition-table order.
func OpenImage(path string) (*Disk, []*Device, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, nil, fmt.Errorf("stat image: %w", err)
	}

	img, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open image file: %w", err)
	}

	dfs, err := diskfs.Open(path)
	if err != nil {
		_ = img.Close()
		return nil, nil, fmt.Errorf("open disk image: %w", err)
	}

	if dfs.LogicalBlocksize <= 0 || dfs.LogicalBlocksize > unrealisticSectorSize {
		_ = img.Close()
		_ = dfs.Close()
		return nil, nil, fmt.Errorf("invalid logical block size: %d", dfs.LogicalBlocksize)
	}

	d := &Disk{
		Path:       path,
		Image:      img,
		SizeBytes:  fi.Size(),
		SectorSize: dfs.LogicalBlocksize,
		accessor:   dfs,
		closers:    []io.Closer{img, dfs},
	}

	devs, err := d.enumerate()
	if err != nil {
		_ = d.Close()
		return nil, nil, err
	}
	return d, devs, nil
}

// NewSyntheticDisk builds a Disk over an in-memory byte view. Used by tests
// and by callers that already carved the partition layout themselves.
func NewSyntheticDisk(name string, img io.ReaderAt, sizeBytes, sectorSize int64) *Disk {
	return &Disk{Path: name, Image: img, SizeBytes: sizeBytes, SectorSize: sectorSize}
}

// AddPartition appends a device handle to a synthetic disk.
func (d *Disk) AddPartition(index int, name, typeGUID string, startLBA, endLBA uint64) *Device {
	return &Device{
		Disk:         d,
		Index:        index,
		Name:         name,
		TypeGUID:     strings.ToUpper(typeGUID),
		StartLBA:     startLBA,
		EndLBA:       endLBA,
		MediaPresent: true,
	}
}

// Close releases the underlying file handles.
func (d *Disk) Close() error {
	var first error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// enumerate reads the partition table and produces device handles.
func (d *Disk) enumerate() ([]*Device, error) {
	pt, err := d.accessor.GetPartitionTable()
	if err != nil {
		return nil, fmt.Errorf("get partition table: %w", err)
	}

	devs := []*Device{{Disk: d, Index: 0, MediaPresent: true}}

	switch t := pt.(type) {
	case *gpt.Table:
		type raw struct {
			name, typ, guid string
			start, end      uint64
			num             int
		}
		var rows []raw
		for i, p := range t.Partitions {
			if p.Start == 0 && p.End == 0 {
				continue
			}
			rows = append(rows, raw{
				name:  p.Name,
				typ:   strings.ToUpper(string(p.Type)),
				guid:  strings.ToUpper(p.GUID),
				start: p.Start,
				end:   p.End,
				num:   i + 1,
			})
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].start < rows[j].start })
		for _, r := range rows {
			devs = append(devs, &Device{
				Disk:         d,
				Index:        r.num,
				Name:         r.name,
				TypeGUID:     r.typ,
				GUID:         r.guid,
				StartLBA:     r.start,
				EndLBA:       r.end,
				MediaPresent: true,
			})
		}

	case *mbr.Table:
		for i, p := range t.Partitions {
			if p.Size == 0 {
				continue
			}
			devs = append(devs, &Device{
				Disk:         d,
				Index:        i + 1,
				TypeGUID:     fmt.Sprintf("0x%02x", p.Type),
				StartLBA:     uint64(p.Start),
				EndLBA:       uint64(p.Start) + uint64(p.Size) - 1,
				MediaPresent: true,
			})
		}

	default:
		return nil, fmt.Errorf("unsupported partition table type: %T", t)
	}

	logger.Logger().Debugf("enumerated %d device handles on %s", len(devs), d.Path)
	return devs, nil
}
