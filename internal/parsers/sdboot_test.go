package parsers

import (
	"sort"
	"strings"
	"testing"

	"github.com/acer51-doctom/superboot/internal/blockdev"
	"github.com/acer51-doctom/superboot/internal/boottarget"
	"github.com/acer51-doctom/superboot/internal/vfs"
)

// fakeFS serves in-memory files keyed by backslash path.
type fakeFS struct {
	files map[string]string
}

func (f *fakeFS) ReadFile(dev *blockdev.Device, path string) ([]byte, error) {
	content, ok := f.files[path]
	if !ok {
		return nil, vfs.ErrNotFound
	}
	return []byte(content), nil
}

func (f *fakeFS) ReadDir(dev *blockdev.Device, path string) ([]string, error) {
	prefix := path + `\`
	var names []string
	for p := range f.files {
		if rest, ok := strings.CutPrefix(p, prefix); ok && !strings.Contains(rest, `\`) {
			names = append(names, rest)
		}
	}
	if len(names) == 0 {
		return nil, vfs.ErrNotFound
	}
	sort.Strings(names)
	return names, nil
}

func parseSdbootConfig(t *testing.T, files map[string]string) ([]*boottarget.Target, Hints) {
	t.Helper()
	loader := files[`\loader\loader.conf`]
	targets, hints, err := SystemdBootParser().Parse(Input{
		Content:    []byte(loader),
		Device:     testDevice(),
		ConfigPath: `\loader\loader.conf`,
		VFS:        &fakeFS{files: files},
	})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	return targets, hints
}

func TestSdbootMinimal(t *testing.T) {
	targets, hints := parseSdbootConfig(t, map[string]string{
		`\loader\loader.conf`:       "default arch\ntimeout 3\n",
		`\loader\entries\arch.conf`: "title Arch\nlinux /vmlinuz-linux\ninitrd /initramfs.img\noptions root=UUID=X rw\n",
	})

	if hints.TimeoutSeconds != 3 {
		t.Errorf("timeout = %d, want 3", hints.TimeoutSeconds)
	}
	if len(targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(targets))
	}
	e := targets[0]
	if e.Title != "Arch" {
		t.Errorf("title = %q", e.Title)
	}
	if e.KernelPath != `\vmlinuz-linux` {
		t.Errorf("kernel = %q", e.KernelPath)
	}
	if len(e.InitrdPaths) != 1 || e.InitrdPaths[0] != `\initramfs.img` {
		t.Errorf("initrds = %v", e.InitrdPaths)
	}
	if e.Cmdline != "root=UUID=X rw" {
		t.Errorf("cmdline = %q", e.Cmdline)
	}
	if !e.IsDefault {
		t.Error("entry matching the default pattern should be default")
	}
}

func TestSdbootDefaultSubstringFirstWins(t *testing.T) {
	targets, _ := parseSdbootConfig(t, map[string]string{
		`\loader\loader.conf`:           "default arch*\n",
		`\loader\entries\arch-lts.conf`: "title LTS\nlinux /vmlinuz-lts\n",
		`\loader\entries\arch.conf`:     "title Arch\nlinux /vmlinuz-linux\n",
		`\loader\entries\other.conf`:    "title Other\nlinux /vmlinuz-other\n",
	})
	if len(targets) != 3 {
		t.Fatalf("expected 3 targets, got %d", len(targets))
	}
	// Entries come back in enumeration (sorted) order; the first stem
	// containing "arch" takes the default.
	var defaults []string
	for _, e := range targets {
		if e.IsDefault {
			defaults = append(defaults, e.Title)
		}
	}
	if len(defaults) != 1 || defaults[0] != "LTS" {
		t.Errorf("defaults = %v, want [LTS]", defaults)
	}
}

func TestSdbootEFIChainload(t *testing.T) {
	targets, _ := parseSdbootConfig(t, map[string]string{
		`\loader\loader.conf`:          "timeout 0\n",
		`\loader\entries\windows.conf`: "title Windows\nefi /EFI/Microsoft/Boot/bootmgfw.efi\n",
	})
	if len(targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(targets))
	}
	e := targets[0]
	if !e.IsChainload || e.EFIPath != `\EFI\Microsoft\Boot\bootmgfw.efi` {
		t.Errorf("chainload = %v, efi = %q", e.IsChainload, e.EFIPath)
	}
}

func TestSdbootEntriesWithoutPayloadDropped(t *testing.T) {
	targets, _ := parseSdbootConfig(t, map[string]string{
		`\loader\loader.conf`:        "timeout 1\n",
		`\loader\entries\empty.conf`: "title Broken\noptions quiet\n",
		`\loader\entries\ok.conf`:    "title OK\nlinux /vmlinuz\ndevicetree /dtb\narchitecture x64\n",
		`\loader\entries\README`:     "not an entry file\n",
	})
	if len(targets) != 1 || targets[0].Title != "OK" {
		t.Fatalf("expected only the OK entry, got %d", len(targets))
	}
}

func TestSdbootRepeatedInitrdAndOptions(t *testing.T) {
	targets, _ := parseSdbootConfig(t, map[string]string{
		`\loader\loader.conf`: "",
		`\loader\entries\arch.conf`: "title Arch\nlinux /vmlinuz\n" +
			"initrd /intel-ucode.img\ninitrd /initramfs.img\n" +
			"options root=/dev/sda2\noptions rw quiet\n",
	})
	if len(targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(targets))
	}
	e := targets[0]
	if len(e.InitrdPaths) != 2 || e.InitrdPaths[0] != `\intel-ucode.img` || e.InitrdPaths[1] != `\initramfs.img` {
		t.Errorf("initrds = %v", e.InitrdPaths)
	}
	if e.Cmdline != "root=/dev/sda2 rw quiet" {
		t.Errorf("cmdline = %q", e.Cmdline)
	}
}
