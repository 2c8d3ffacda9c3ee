package linuxboot

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/acer51-doctom/superboot/internal/blockdev"
	"github.com/acer51-doctom/superboot/internal/boottarget"
	"github.com/acer51-doctom/superboot/internal/firmware"
	"github.com/acer51-doctom/superboot/internal/utils/logger"
	"github.com/acer51-doctom/superboot/internal/vfs"
)

// FileReader is the slice of the VFS the boot paths consume.
type FileReader interface {
	ReadFile(dev *blockdev.Device, path string) ([]byte, error)
}

// Engine boots a Linux target through the firmware services: EFI handover
// when the image supports it, legacy bzImage with ExitBootServices and E820
// synthesis otherwise.
type Engine struct {
	fw  firmware.Services
	vfs FileReader
	log *zap.SugaredLogger
}

// New builds a boot engine.
func New(fw firmware.Services, v FileReader) *Engine {
	return &Engine{fw: fw, vfs: v, log: logger.Logger()}
}

// Boot loads the target's kernel and initrds and hands over. On real
// firmware a successful boot never returns; against a capturing backend a
// nil return means the handoff was reached.
func (e *Engine) Boot(t *boottarget.Target) error {
	if t.IsChainload {
		return fmt.Errorf("chainload target passed to the linux engine: %w", vfs.ErrInvalidParameter)
	}

	kernel, err := e.vfs.ReadFile(t.Device, t.KernelPath)
	if err != nil {
		return fmt.Errorf("load kernel %s: %w", t.KernelPath, err)
	}
	hdr, err := ParseSetupHeader(kernel)
	if err != nil {
		return fmt.Errorf("kernel %s: %w: %v", t.KernelPath, vfs.ErrInvalidParameter, err)
	}
	e.log.Infof("kernel %s: protocol %d.%02d, setup %d bytes, relocatable=%v",
		t.KernelPath, hdr.Version>>8, hdr.Version&0xFF, hdr.SetupSize(), hdr.RelocatableKernel)

	initrd, initrdSize, err := loadInitrds(e.fw, e.vfs, t)
	if err != nil {
		return err
	}

	if hdr.SupportsHandover() {
		err := e.handover(t, kernel, hdr, initrd, initrdSize)
		if !errors.Is(err, firmware.ErrUnsupported) {
			return err
		}
		e.log.Warnf("efi handover unsupported, falling back to legacy path")
	}
	return e.legacy(t, kernel, hdr, initrd, initrdSize)
}

// prepareBootParams allocates the zero page, copies the setup header into
// it bit-exact and stamps the loader fields common to both paths.
func (e *Engine) prepareBootParams(t *boottarget.Target, kernel []byte, initrd *firmware.Allocation, initrdSize uint64) (*firmware.Allocation, *BootParams, error) {
	bpAlloc, err := e.fw.AllocatePool(BootParamsSize)
	if err != nil {
		return nil, nil, fmt.Errorf("allocate boot_params: %w", err)
	}
	bp, err := WrapBootParams(bpAlloc.Buf)
	if err != nil {
		return nil, nil, err
	}
	bp.CopySetupHeader(kernel)
	bp.SetTypeOfLoader(typeOfLoaderOther)
	bp.OrLoadFlags(loadFlagsCanUseHeap)
	bp.SetHeapEndPtr(defaultHeapEndPtr)

	// The command line moves to a fresh pool buffer whose pointer the
	// kernel takes over. A zero-length cmdline still gets its NUL.
	cmdline, err := e.fw.AllocatePool(len(t.Cmdline) + 1)
	if err != nil {
		return nil, nil, fmt.Errorf("allocate cmdline: %w", err)
	}
	copy(cmdline.Buf, t.Cmdline)
	cmdline.Buf[len(t.Cmdline)] = 0
	bp.SetCmdLinePtr(uint32(cmdline.Addr))

	if initrd != nil {
		bp.SetRamdisk(uint32(initrd.Addr), uint32(initrdSize))
	}
	return bpAlloc, bp, nil
}

// handover enters the kernel's EFI stub with boot services still running.
func (e *Engine) handover(t *boottarget.Target, kernel []byte, hdr *SetupHeader, initrd *firmware.Allocation, initrdSize uint64) error {
	bpAlloc, _, err := e.prepareBootParams(t, kernel, initrd, initrdSize)
	if err != nil {
		return err
	}

	// The stub computes everything else from the in-memory image; it only
	// needs the image in allocated memory and the entry offset.
	img, err := e.fw.AllocatePages(firmware.AllocateAnyPages, 0, uint64(len(kernel)))
	if err != nil {
		return fmt.Errorf("allocate kernel image: %w", err)
	}
	copy(img.Buf, kernel)

	entry := img.Addr + uint64(hdr.SetupSize()) + uint64(hdr.HandoverOffset) + 512
	e.log.Infof("efi handover to %s at %#x", t.KernelPath, entry)
	if err := e.fw.HandoverEFI(entry, bpAlloc); err != nil {
		_ = e.fw.Free(img)
		return err
	}
	return nil
}

// legacy is the bzImage path: place the protected-mode kernel, then exit
// boot services and jump.
func (e *Engine) legacy(t *boottarget.Target, kernel []byte, hdr *SetupHeader, initrd *firmware.Allocation, initrdSize uint64) error {
	setupSize := hdr.SetupSize()
	if setupSize >= len(kernel) {
		return fmt.Errorf("kernel %s: setup (%d) exceeds image (%d): %w",
			t.KernelPath, setupSize, len(kernel), vfs.ErrInvalidParameter)
	}
	protSize := uint64(len(kernel) - setupSize)
	allocSize := protSize
	if uint64(hdr.InitSize) > allocSize {
		allocSize = uint64(hdr.InitSize)
	}

	pref := hdr.PrefAddress
	if pref == 0 {
		pref = defaultPrefAddress
	}
	dest, err := e.fw.AllocatePages(firmware.AllocateAddress, pref, allocSize)
	if err != nil {
		if !hdr.RelocatableKernel {
			return fmt.Errorf("allocate kernel at %#x: %w", pref, err)
		}
		dest, err = e.fw.AllocatePages(firmware.AllocateAnyPages, 0, allocSize)
		if err != nil {
			return fmt.Errorf("allocate relocatable kernel: %w", err)
		}
	}
	copy(dest.Buf, kernel[setupSize:])

	bpAlloc, bp, err := e.prepareBootParams(t, kernel, initrd, initrdSize)
	if err != nil {
		return err
	}
	bp.SetCode32Start(uint32(dest.Addr))

	return e.exitAndJump(dest.Addr, bpAlloc, bp)
}

// exitAndJump is the delicate part: the memory-map buffer is sized with
// slack up front so that nothing allocates between the final GetMemoryMap
// and ExitBootServices. A stale map key gets exactly one re-fetch-and-retry
// into the existing buffer.
func (e *Engine) exitAndJump(entry uint64, bpAlloc *firmware.Allocation, bp *BootParams) error {
	mapSize, descSize, err := e.fw.MemoryMapSize()
	if err != nil {
		return fmt.Errorf("size memory map: %w", err)
	}
	mapBuf, err := e.fw.AllocatePool(mapSize + 4*descSize)
	if err != nil {
		return fmt.Errorf("allocate memory map: %w", err)
	}

	mm, err := e.fw.ReadMemoryMap(mapBuf.Buf)
	if err != nil {
		_ = e.fw.Free(mapBuf)
		return fmt.Errorf("read memory map: %w", err)
	}
	if err := bp.SetE820(E820FromMemoryMap(mm.Descriptors)); err != nil {
		e.log.Warnf("%v", err)
	}
	e.log.Infof("legacy entry %#x, %d e820 entries, exiting boot services", entry, bp.E820Count())

	rt, err := e.fw.ExitBootServices(mm.MapKey)
	if err != nil {
		// The map changed under us. Re-fetch into the same buffer — no
		// allocation is permitted here — and retry exactly once.
		mm, err = e.fw.ReadMemoryMap(mapBuf.Buf)
		if err != nil {
			_ = e.fw.Free(mapBuf)
			return fmt.Errorf("re-read memory map: %w", err)
		}
		if err := bp.SetE820(E820FromMemoryMap(mm.Descriptors)); err != nil {
			e.log.Warnf("%v", err)
		}
		rt, err = e.fw.ExitBootServices(mm.MapKey)
		if err != nil {
			// Still inside UEFI; this failure is reportable.
			_ = e.fw.Free(mapBuf)
			return fmt.Errorf("exit boot services: %w", err)
		}
	}

	// Point of no return. Boot services are gone: no allocation, no
	// logging, no failure path back. The map buffer is deliberately left
	// in place — the kernel owns that memory now.
	return rt.JumpLegacy(entry, bpAlloc.Addr)
}
