package boottarget

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/acer51-doctom/superboot/internal/blockdev"
)

func testDevice() *blockdev.Device {
	disk := blockdev.NewSyntheticDisk("disk0", bytes.NewReader(nil), 0, 512)
	return disk.AddPartition(1, "root", "0FC63DAF-8483-4772-8E79-3D69D8477DE4", 2048, 4095)
}

func validTarget() *Target {
	return &Target{
		Title:      "Linux",
		KernelPath: `\vmlinuz`,
		ConfigType: ConfigGrub,
		Device:     testDevice(),
	}
}

func TestTargetValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Target)
		ok     bool
	}{
		{"valid kernel target", func(*Target) {}, true},
		{"kernel path required", func(tg *Target) { tg.KernelPath = "" }, false},
		{"chainload needs efi path", func(tg *Target) { tg.IsChainload = true; tg.KernelPath = "" }, false},
		{"chainload with efi path", func(tg *Target) {
			tg.IsChainload = true
			tg.KernelPath = ""
			tg.EFIPath = `\EFI\Boot\bootx64.efi`
		}, true},
		{"device required", func(tg *Target) { tg.Device = nil }, false},
		{"title too long", func(tg *Target) { tg.Title = strings.Repeat("x", MaxTitle+1) }, false},
		{"kernel path too long", func(tg *Target) { tg.KernelPath = `\` + strings.Repeat("k", MaxPath) }, false},
		{"empty initrd path", func(tg *Target) { tg.InitrdPaths = []string{""} }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tg := validTarget()
			tc.mutate(tg)
			err := tg.Validate()
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected validation failure")
			}
		})
	}
}

func TestTargetInitrdBound(t *testing.T) {
	tg := validTarget()
	for i := 0; i < MaxInitrds; i++ {
		if err := tg.AddInitrd(fmt.Sprintf(`\initrd-%d.img`, i)); err != nil {
			t.Fatalf("initrd %d rejected: %v", i, err)
		}
	}
	if err := tg.AddInitrd(`\one-too-many.img`); err == nil {
		t.Errorf("initrd %d should exceed the bound", MaxInitrds)
	}
	if len(tg.InitrdPaths) != MaxInitrds {
		t.Errorf("initrd count = %d", len(tg.InitrdPaths))
	}
	for i, p := range tg.InitrdPaths {
		if p == "" {
			t.Errorf("initrd %d is empty", i)
		}
	}
}

func TestTargetCmdlineBound(t *testing.T) {
	tg := validTarget()
	if err := tg.SetCmdline(strings.Repeat("a", MaxCmdline-1)); err != nil {
		t.Errorf("cmdline of %d bytes plus NUL should fit: %v", MaxCmdline-1, err)
	}
	if err := tg.SetCmdline(strings.Repeat("a", MaxCmdline)); err == nil {
		t.Error("cmdline that leaves no room for the NUL should be rejected")
	}
}

func TestListBoundsAndOrdering(t *testing.T) {
	var l List
	for i := 0; i < MaxTargets; i++ {
		tg := validTarget()
		tg.Title = fmt.Sprintf("entry %d", i)
		if err := l.Add(tg); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
		if tg.Index != i {
			t.Fatalf("index = %d, want %d", tg.Index, i)
		}
	}
	if !l.Full() {
		t.Error("list should be full")
	}
	if err := l.Add(validTarget()); err == nil {
		t.Error("add past the cap should fail")
	}
}

func TestListSingleDefault(t *testing.T) {
	var l List
	a, b := validTarget(), validTarget()
	a.IsDefault = true
	b.IsDefault = true
	if err := l.Add(a); err != nil {
		t.Fatal(err)
	}
	if err := l.Add(b); err != nil {
		t.Fatal(err)
	}

	count := 0
	for _, tg := range l.All() {
		if tg.IsDefault {
			count++
		}
	}
	if count != 1 {
		t.Errorf("defaults = %d, want exactly 1", count)
	}
	def, err := l.Default()
	if err != nil || def != b {
		t.Errorf("latest default should win")
	}
}

func TestListDefaultFallsBackToFirst(t *testing.T) {
	var l List
	first := validTarget()
	if err := l.Add(first); err != nil {
		t.Fatal(err)
	}
	if err := l.Add(validTarget()); err != nil {
		t.Fatal(err)
	}
	def, err := l.Default()
	if err != nil || def != first {
		t.Error("with no marked default the first entry should be returned")
	}
}
