// Package chainload hands control to an arbitrary UEFI application instead
// of a Linux kernel. A return from the payload is normal — control comes
// back to the menu.
package chainload

import (
	"bytes"
	"debug/pe"
	"fmt"

	efi "github.com/canonical/go-efilib"

	"github.com/acer51-doctom/superboot/internal/blockdev"
	"github.com/acer51-doctom/superboot/internal/boottarget"
	"github.com/acer51-doctom/superboot/internal/firmware"
	"github.com/acer51-doctom/superboot/internal/utils/logger"
	"github.com/acer51-doctom/superboot/internal/vfs"
)

// FileReader is the slice of the VFS the chain-loader consumes.
type FileReader interface {
	ReadFile(dev *blockdev.Device, path string) ([]byte, error)
}

// Run loads and starts the target's .efi payload.
func Run(fw firmware.Services, v FileReader, t *boottarget.Target) error {
	log := logger.Logger()
	if !t.IsChainload || t.EFIPath == "" {
		return fmt.Errorf("target %q is not a chainload target: %w", t.Title, vfs.ErrInvalidParameter)
	}

	payload, err := v.ReadFile(t.Device, t.EFIPath)
	if err != nil {
		return fmt.Errorf("load payload %s: %w", t.EFIPath, err)
	}
	if arch, err := peArch(payload); err != nil {
		log.Warnf("chainload %s: not parseable as PE: %v", t.EFIPath, err)
	} else if arch != "x86_64" {
		log.Warnf("chainload %s: %s payload on an x86_64 platform", t.EFIPath, arch)
	}

	dp, err := devicePathFor(t.Device, t.EFIPath)
	if err != nil {
		return fmt.Errorf("build device path for %s: %w", t.EFIPath, err)
	}

	h, err := fw.LoadImage(dp, payload)
	if err != nil {
		// Some firmware refuses buffer loads; let it fetch the image
		// through the device path itself.
		log.Debugf("chainload: buffer load failed (%v), retrying via device path", err)
		h, err = fw.LoadImage(dp, nil)
	}
	if err != nil {
		return fmt.Errorf("load image %s: %w", t.EFIPath, err)
	}

	log.Infof("starting %s", t.EFIPath)
	err = fw.StartImage(h)
	if err != nil {
		log.Warnf("chainloaded image returned: %v", err)
	}
	return err
}

// devicePathFor builds a device path rooted at the source partition with the
// payload's file path appended.
func devicePathFor(dev *blockdev.Device, path string) (efi.DevicePath, error) {
	hd, err := efi.NewHardDriveDevicePathNodeFromDevice(dev.Disk.Image, dev.Disk.SizeBytes, dev.Disk.SectorSize, dev.Index)
	if err != nil {
		// Synthetic disks may not carry a parseable table; fall back to the
		// handle's own geometry.
		hd = &efi.HardDriveDevicePathNode{
			PartitionNumber: uint32(dev.Index),
			PartitionStart:  dev.StartLBA,
			PartitionSize:   dev.EndLBA - dev.StartLBA + 1,
			MBRType:         efi.GPT,
		}
		if g, gerr := efi.DecodeGUIDString(dev.GUID); gerr == nil {
			hd.Signature = efi.GUIDHardDriveSignature(g)
		}
	}
	return efi.DevicePath{hd, efi.FilePathDevicePathNode(path)}, nil
}

// peArch names the machine a PE image was built for.
func peArch(blob []byte) (string, error) {
	f, err := pe.NewFile(bytes.NewReader(blob))
	if err != nil {
		return "", err
	}
	defer f.Close()
	switch f.FileHeader.Machine {
	case pe.IMAGE_FILE_MACHINE_AMD64:
		return "x86_64", nil
	case pe.IMAGE_FILE_MACHINE_I386:
		return "x86", nil
	case pe.IMAGE_FILE_MACHINE_ARM64:
		return "arm64", nil
	default:
		return fmt.Sprintf("unknown(%#x)", f.FileHeader.Machine), nil
	}
}
