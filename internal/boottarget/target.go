package boottarget

import (
	"errors"
	"fmt"

	"github.com/acer51-doctom/superboot/internal/blockdev"
)

// Bounds carried over from the on-device representation. Paths and titles
// longer than these are rejected at commit time, not silently truncated.
const (
	MaxTargets = 64
	MaxInitrds = 8
	MaxCmdline = 4096 // bytes, including the terminating NUL
	MaxPath    = 512
	MaxTitle   = 256
)

// ConfigType identifies the config format a target was extracted from.
type ConfigType string

const (
	ConfigGrub        ConfigType = "grub"
	ConfigSystemdBoot ConfigType = "systemd-boot"
	ConfigLimine      ConfigType = "limine"
	ConfigUnknown     ConfigType = "unknown"
)

// Target is the universal boot intent: one menu entry, normalized. Parsers
// create it, the boot engine consumes it. The command line may be edited
// between the two; everything else is fixed at commit time.
type Target struct {
	Title       string     `json:"title" yaml:"title"`
	KernelPath  string     `json:"kernelPath,omitempty" yaml:"kernelPath,omitempty"`
	InitrdPaths []string   `json:"initrdPaths,omitempty" yaml:"initrdPaths,omitempty"`
	Cmdline     string     `json:"cmdline,omitempty" yaml:"cmdline,omitempty"`
	ConfigPath  string     `json:"configPath,omitempty" yaml:"configPath,omitempty"`
	ConfigType  ConfigType `json:"configType" yaml:"configType"`

	IsChainload bool   `json:"isChainload,omitempty" yaml:"isChainload,omitempty"`
	EFIPath     string `json:"efiPath,omitempty" yaml:"efiPath,omitempty"`

	Index     int  `json:"index" yaml:"index"`
	IsDefault bool `json:"isDefault,omitempty" yaml:"isDefault,omitempty"`

	// Device is the partition the kernel and initrds are read from. The
	// scanned partition is authoritative; device prefixes found in config
	// files have already been stripped by the parser.
	Device *blockdev.Device `json:"-" yaml:"-"`
}

// AddInitrd appends one initrd path, enforcing the count bound.
func (t *Target) AddInitrd(path string) error {
	if len(t.InitrdPaths) >= MaxInitrds {
		return fmt.Errorf("target %q: more than %d initrds", t.Title, MaxInitrds)
	}
	if path == "" || len(path) > MaxPath {
		return fmt.Errorf("target %q: invalid initrd path length %d", t.Title, len(path))
	}
	t.InitrdPaths = append(t.InitrdPaths, path)
	return nil
}

// SetCmdline replaces the kernel command line, enforcing the byte bound
// (the stored string excludes the terminating NUL the boot engine appends).
func (t *Target) SetCmdline(s string) error {
	if len(s)+1 > MaxCmdline {
		return fmt.Errorf("target %q: cmdline exceeds %d bytes", t.Title, MaxCmdline)
	}
	t.Cmdline = s
	return nil
}

// Validate checks the commit-time invariants.
func (t *Target) Validate() error {
	if len(t.Title) > MaxTitle {
		return fmt.Errorf("title exceeds %d code units", MaxTitle)
	}
	if t.IsChainload {
		if t.EFIPath == "" {
			return errors.New("chainload target without efi path")
		}
		if len(t.EFIPath) > MaxPath {
			return fmt.Errorf("efi path exceeds %d code units", MaxPath)
		}
	} else {
		if t.KernelPath == "" {
			return errors.New("target without kernel path")
		}
		if len(t.KernelPath) > MaxPath {
			return fmt.Errorf("kernel path exceeds %d code units", MaxPath)
		}
	}
	if len(t.InitrdPaths) > MaxInitrds {
		return fmt.Errorf("more than %d initrds", MaxInitrds)
	}
	for i, p := range t.InitrdPaths {
		if p == "" {
			return fmt.Errorf("initrd path %d is empty", i)
		}
		if len(p) > MaxPath {
			return fmt.Errorf("initrd path %d exceeds %d code units", i, MaxPath)
		}
	}
	if len(t.Cmdline)+1 > MaxCmdline {
		return fmt.Errorf("cmdline exceeds %d bytes", MaxCmdline)
	}
	if t.Device == nil {
		return errors.New("target without device")
	}
	return nil
}

// List is the global, insertion-ordered target list produced by one scan.
type List struct {
	targets []*Target
}

// Add validates and appends a target, assigning its menu index. A second
// default demotes the earlier one — at most one target stays default.
func (l *List) Add(t *Target) error {
	if len(l.targets) >= MaxTargets {
		return fmt.Errorf("target list full (%d)", MaxTargets)
	}
	if err := t.Validate(); err != nil {
		return err
	}
	if t.IsDefault {
		for _, prev := range l.targets {
			prev.IsDefault = false
		}
	}
	t.Index = len(l.targets)
	l.targets = append(l.targets, t)
	return nil
}

// Full reports whether the list has reached the global cap.
func (l *List) Full() bool { return len(l.targets) >= MaxTargets }

// Len returns the number of committed targets.
func (l *List) Len() int { return len(l.targets) }

// All returns the targets in insertion order.
func (l *List) All() []*Target { return l.targets }

// Get returns the target at the given menu index.
func (l *List) Get(i int) (*Target, error) {
	if i < 0 || i >= len(l.targets) {
		return nil, fmt.Errorf("no target with index %d", i)
	}
	return l.targets[i], nil
}

// Default returns the default target, or the first one when none is marked.
func (l *List) Default() (*Target, error) {
	if len(l.targets) == 0 {
		return nil, errors.New("empty target list")
	}
	for _, t := range l.targets {
		if t.IsDefault {
			return t, nil
		}
	}
	return l.targets[0], nil
}
