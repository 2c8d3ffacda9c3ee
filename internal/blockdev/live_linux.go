package blockdev

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/diskfs/go-diskfs"
	"github.com/jaypipes/ghw"
	"github.com/jaypipes/ghw/pkg/block"

	"github.com/acer51-doctom/superboot/internal/utils/logger"
)

// EnumerateLive discovers disks and partitions on the running system through
// sysfs and opens each disk read-only. Disks that cannot be opened (no
// permission, no media) are skipped, not fatal.
func EnumerateLive() ([]*Disk, []*Device, error) {
	info, err := block.New(ghw.WithDisableTools(), ghw.WithDisableWarnings())
	if err != nil {
		return nil, nil, fmt.Errorf("enumerate block devices: %w", err)
	}

	log := logger.Logger()
	var disks []*Disk
	var devs []*Device

	for _, gd := range info.Disks {
		path := filepath.Join("/dev", gd.Name)

		img, err := os.Open(path)
		if err != nil {
			log.Debugf("skipping %s: %v", path, err)
			continue
		}
		dfs, err := diskfs.Open(path, diskfs.WithOpenMode(diskfs.ReadOnly))
		if err != nil {
			log.Debugf("skipping %s: %v", path, err)
			_ = img.Close()
			continue
		}

		d := &Disk{
			Path:       path,
			Image:      img,
			SizeBytes:  int64(gd.SizeBytes),
			SectorSize: dfs.LogicalBlocksize,
			accessor:   dfs,
			closers:    []io.Closer{img, dfs},
		}

		dd, err := d.enumerate()
		if err != nil {
			log.Debugf("skipping %s: %v", path, err)
			_ = d.Close()
			continue
		}

		disks = append(disks, d)
		devs = append(devs, dd...)
	}

	return disks, devs, nil
}
