// Package linuxboot implements the x86 Linux boot protocol: setup-header
// parsing, boot_params construction, E820 synthesis, and the two handoff
// paths (EFI handover and legacy bzImage).
package linuxboot

import (
	"encoding/binary"
	"fmt"
)

const (
	// setupHeaderOffset is where the setup header sits inside a bzImage and
	// inside boot_params.
	setupHeaderOffset = 0x1F1
	// hdrSMagic is "HdrS" little-endian, at image offset 0x202.
	hdrSMagic = 0x53726448
	// minKernelSize is the smallest image that can carry a setup header.
	minKernelSize = 0x260

	// versionEFIHandover is the protocol version that introduced
	// handover_offset.
	versionEFIHandover = 0x020B

	defaultPrefAddress = 0x100000

	loadFlagsCanUseHeap = 0x80
	typeOfLoaderOther   = 0xFF
	defaultHeapEndPtr   = 0xFE00
)

// SetupHeader is the decoded subset of the bzImage setup header the boot
// paths consume. All fields are little-endian on disk.
type SetupHeader struct {
	SetupSects        uint8
	BootFlag          uint16
	Header            uint32
	Version           uint16
	Code32Start       uint32
	InitrdAddrMax     uint32
	KernelAlignment   uint32
	RelocatableKernel bool
	CmdlineSize       uint32
	PrefAddress       uint64
	InitSize          uint32
	HandoverOffset    uint32
}

// ParseSetupHeader decodes and validates the header at offset 0x1F1 of a
// kernel image.
func ParseSetupHeader(image []byte) (*SetupHeader, error) {
	if len(image) < minKernelSize {
		return nil, fmt.Errorf("kernel image too small (%d bytes)", len(image))
	}
	h := &SetupHeader{
		SetupSects:  image[0x1F1],
		BootFlag:    binary.LittleEndian.Uint16(image[0x1FE:0x200]),
		Header:      binary.LittleEndian.Uint32(image[0x202:0x206]),
		Version:     binary.LittleEndian.Uint16(image[0x206:0x208]),
		Code32Start: binary.LittleEndian.Uint32(image[0x214:0x218]),
	}
	if h.Header != hdrSMagic {
		return nil, fmt.Errorf("setup header magic %#x, want HdrS", h.Header)
	}
	if len(image) >= 0x230 {
		h.InitrdAddrMax = binary.LittleEndian.Uint32(image[0x22C:0x230])
	}
	if len(image) >= 0x238 {
		h.KernelAlignment = binary.LittleEndian.Uint32(image[0x230:0x234])
		h.RelocatableKernel = image[0x234] != 0
	}
	if len(image) >= 0x23C {
		h.CmdlineSize = binary.LittleEndian.Uint32(image[0x238:0x23C])
	}
	if len(image) >= 0x260 {
		h.PrefAddress = binary.LittleEndian.Uint64(image[0x258:0x260])
	}
	if len(image) >= 0x268 && h.Version >= versionEFIHandover {
		h.InitSize = binary.LittleEndian.Uint32(image[0x260:0x264])
		h.HandoverOffset = binary.LittleEndian.Uint32(image[0x264:0x268])
	}
	return h, nil
}

// SetupSize is the byte length of the real-mode portion: boot sector plus
// setup sectors. A zero sector count means the historical default of 4.
func (h *SetupHeader) SetupSize() int {
	sects := int(h.SetupSects)
	if sects == 0 {
		sects = 4
	}
	return (sects + 1) * 512
}

// SupportsHandover reports whether the image advertises the EFI handover
// entry point.
func (h *SetupHeader) SupportsHandover() bool {
	return h.Version >= versionEFIHandover && h.HandoverOffset != 0
}

// headerSpan is the number of bytes of the on-image setup header, derived
// from the structure-size byte at 0x201 per the boot protocol, clamped to
// what both the image and boot_params can hold.
func headerSpan(image []byte) int {
	span := 0x202 + int(image[0x201]) - setupHeaderOffset
	if span < 0x260-setupHeaderOffset {
		span = 0x260 - setupHeaderOffset
	}
	if span > 0x280-setupHeaderOffset {
		span = 0x280 - setupHeaderOffset
	}
	if span > len(image)-setupHeaderOffset {
		span = len(image) - setupHeaderOffset
	}
	return span
}
