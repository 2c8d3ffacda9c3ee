package parsers

import (
	"bytes"
	"testing"

	"github.com/acer51-doctom/superboot/internal/blockdev"
	"github.com/acer51-doctom/superboot/internal/boottarget"
)

func testDevice() *blockdev.Device {
	disk := blockdev.NewSyntheticDisk("disk0", bytes.NewReader(nil), 0, 512)
	return disk.AddPartition(1, "root", "0FC63DAF-8483-4772-8E79-3D69D8477DE4", 2048, 4095)
}

func parseGrubConfig(t *testing.T, content string) ([]*boottarget.Target, Hints) {
	t.Helper()
	targets, hints, err := GrubParser().Parse(Input{
		Content:    []byte(content),
		Device:     testDevice(),
		ConfigPath: `\boot\grub\grub.cfg`,
	})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	out := make([]*boottarget.Target, 0, len(targets))
	for _, tt := range targets {
		out = append(out, tt)
	}
	return out, hints
}

func TestGrubMenuEntryWithVariables(t *testing.T) {
	cfg := `set root=(hd0,1)
set kver=6.6
menuentry 'Linux' {
	linux /vmlinuz-$kver ro quiet
	initrd /initrd-$kver.img
}
`
	targets, _ := parseGrubConfig(t, cfg)
	if len(targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(targets))
	}
	e := targets[0]
	if e.Title != "Linux" {
		t.Errorf("title = %q", e.Title)
	}
	if e.KernelPath != `\vmlinuz-6.6` {
		t.Errorf("kernel = %q", e.KernelPath)
	}
	if len(e.InitrdPaths) != 1 || e.InitrdPaths[0] != `\initrd-6.6.img` {
		t.Errorf("initrds = %v", e.InitrdPaths)
	}
	if e.Cmdline != "ro quiet" {
		t.Errorf("cmdline = %q", e.Cmdline)
	}
}

func TestGrubSkipsControlFlow(t *testing.T) {
	cfg := `if [ -f /foo ]; then menuentry 'A' { linux /a } fi
menuentry 'B' {
	linux /b
}
`
	targets, _ := parseGrubConfig(t, cfg)
	if len(targets) != 1 {
		t.Fatalf("expected exactly 1 target, got %d", len(targets))
	}
	if targets[0].Title != "B" || targets[0].KernelPath != `\b` {
		t.Errorf("got %q -> %q, want B -> \\b", targets[0].Title, targets[0].KernelPath)
	}
}

func TestGrubNestedControlFlowSkipped(t *testing.T) {
	cfg := `if [ x = y ]; then
  if [ a = b ]; then
    menuentry 'inner' {
      linux /inner
    }
  fi
fi
menuentry 'outer' {
	linux /outer
}
`
	targets, _ := parseGrubConfig(t, cfg)
	if len(targets) != 1 || targets[0].Title != "outer" {
		t.Fatalf("nested skip failed: %+v", titles(targets))
	}
}

func TestGrubDevicePrefixStripped(t *testing.T) {
	cfg := `menuentry 'SUSE' {
	linux (hd0,gpt2)/boot/vmlinuz root=/dev/sda2 splash=silent
	initrd (hd0,gpt2)/boot/initrd
}
`
	targets, _ := parseGrubConfig(t, cfg)
	if len(targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(targets))
	}
	if targets[0].KernelPath != `\boot\vmlinuz` {
		t.Errorf("kernel = %q", targets[0].KernelPath)
	}
	if targets[0].InitrdPaths[0] != `\boot\initrd` {
		t.Errorf("initrd = %q", targets[0].InitrdPaths[0])
	}
	if targets[0].Cmdline != "root=/dev/sda2 splash=silent" {
		t.Errorf("cmdline = %q", targets[0].Cmdline)
	}
}

func TestGrubSearchSetRoot(t *testing.T) {
	cfg := `search --no-floppy --fs-uuid --set=root 01234567-89ab-cdef-0123-456789abcdef
menuentry 'Arch' {
	linux ($root)/vmlinuz-linux rw
	initrd ($root)/initramfs-linux.img
}
`
	targets, _ := parseGrubConfig(t, cfg)
	if len(targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(targets))
	}
	if targets[0].KernelPath != `\vmlinuz-linux` {
		t.Errorf("kernel = %q", targets[0].KernelPath)
	}
	if targets[0].InitrdPaths[0] != `\initramfs-linux.img` {
		t.Errorf("initrd = %q", targets[0].InitrdPaths[0])
	}
}

func TestGrubChainloader(t *testing.T) {
	cfg := `menuentry 'Windows Boot Manager' {
	chainloader /EFI/Microsoft/Boot/bootmgfw.efi
}
`
	targets, _ := parseGrubConfig(t, cfg)
	if len(targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(targets))
	}
	e := targets[0]
	if !e.IsChainload {
		t.Fatal("expected chainload target")
	}
	if e.EFIPath != `\EFI\Microsoft\Boot\bootmgfw.efi` {
		t.Errorf("efi path = %q", e.EFIPath)
	}
}

func TestGrubDefaultSelection(t *testing.T) {
	base := `menuentry 'one' {
	linux /one
}
menuentry 'two' {
	linux /two
}
`
	cases := []struct {
		name    string
		prelude string
		want    string
	}{
		{"by index", "set default=\"1\"\n", "two"},
		{"by title", "set default=\"one\"\n", "one"},
		{"saved falls back to first", "set default=\"${saved_entry}\"\n", "one"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			targets, _ := parseGrubConfig(t, tc.prelude+base)
			if len(targets) != 2 {
				t.Fatalf("expected 2 targets, got %d", len(targets))
			}
			var def string
			for _, e := range targets {
				if e.IsDefault {
					def = e.Title
				}
			}
			if def != tc.want {
				t.Errorf("default = %q, want %q", def, tc.want)
			}
		})
	}
}

func TestGrubTimeoutHint(t *testing.T) {
	_, hints := parseGrubConfig(t, "set timeout=5\nmenuentry 'x' {\n linux /x\n}\n")
	if hints.TimeoutSeconds != 5 {
		t.Errorf("timeout = %d, want 5", hints.TimeoutSeconds)
	}
}

func TestGrubEmptyEntryDiscarded(t *testing.T) {
	cfg := `menuentry 'broken' {
	echo 'no kernel here'
}
menuentry 'good' {
	linux /vmlinuz
}
`
	targets, _ := parseGrubConfig(t, cfg)
	if len(targets) != 1 || targets[0].Title != "good" {
		t.Fatalf("expected only the good entry, got %v", titles(targets))
	}
}

func TestGrubCommentsAndMalformedLinesTolerated(t *testing.T) {
	cfg := `# header comment
this is not a directive
menuentry 'ok' {   # trailing comment
	linux /k quiet # not part of cmdline
}
`
	targets, _ := parseGrubConfig(t, cfg)
	if len(targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(targets))
	}
	if targets[0].Cmdline != "quiet" {
		t.Errorf("cmdline = %q", targets[0].Cmdline)
	}
}

func TestGrubMultipleInitrds(t *testing.T) {
	cfg := `menuentry 'ucode' {
	linux /vmlinuz
	initrd /intel-ucode.img /initramfs.img
}
`
	targets, _ := parseGrubConfig(t, cfg)
	if len(targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(targets))
	}
	want := []string{`\intel-ucode.img`, `\initramfs.img`}
	got := targets[0].InitrdPaths
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("initrds = %v, want %v", got, want)
	}
}

func titles(ts []*boottarget.Target) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Title)
	}
	return out
}
