package linuxboot

import (
	"fmt"

	"github.com/acer51-doctom/superboot/internal/boottarget"
	"github.com/acer51-doctom/superboot/internal/firmware"
	"github.com/acer51-doctom/superboot/internal/utils/logger"
)

// initrdCeiling keeps the consolidated region below 4 GiB: the ramdisk
// fields in the setup header are 32-bit.
const initrdCeiling = 0xFFFF_FFFF

// loadInitrds reads every initrd into memory and consolidates them into one
// contiguous physical region, in order, returning the region and the exact
// byte sum (the region itself is page-granular). A file that fails to read
// is logged and skipped — the kernel may still boot with a partial initrd.
// Returns nil when the target has no initrds or none could be read.
func loadInitrds(fw firmware.Services, v FileReader, t *boottarget.Target) (*firmware.Allocation, uint64, error) {
	if len(t.InitrdPaths) == 0 {
		return nil, 0, nil
	}
	log := logger.Logger()

	var bufs [][]byte
	var total uint64
	for _, path := range t.InitrdPaths {
		data, err := v.ReadFile(t.Device, path)
		if err != nil {
			log.Warnf("initrd %s: %v (skipped)", path, err)
			continue
		}
		bufs = append(bufs, data)
		total += uint64(len(data))
	}
	if total == 0 {
		return nil, 0, nil
	}

	region, err := fw.AllocatePages(firmware.AllocateMaxAddress, initrdCeiling, total)
	if err != nil {
		region, err = fw.AllocatePages(firmware.AllocateAnyPages, 0, total)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("allocate %d initrd bytes: %w", total, err)
	}

	off := 0
	for _, b := range bufs {
		off += copy(region.Buf[off:], b)
	}
	return region, total, nil
}
