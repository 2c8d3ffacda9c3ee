package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/acer51-doctom/superboot/internal/boottarget"
	"github.com/acer51-doctom/superboot/internal/chainload"
	"github.com/acer51-doctom/superboot/internal/firmware"
	"github.com/acer51-doctom/superboot/internal/linuxboot"
	"github.com/acer51-doctom/superboot/internal/utils/logger"
	"github.com/acer51-doctom/superboot/internal/vfs"
)

var (
	bootEntry   int
	bootCmdline string
	bootFormat  string
)

// bootReport describes where the simulated handoff ended up.
type bootReport struct {
	Target  string `json:"target" yaml:"target"`
	Mode    string `json:"mode" yaml:"mode"`
	Entry   uint64 `json:"entry,omitempty" yaml:"entry,omitempty"`
	Image   string `json:"image,omitempty" yaml:"image,omitempty"`
	Cmdline string `json:"cmdline,omitempty" yaml:"cmdline,omitempty"`

	ProtocolVersion  string `json:"protocolVersion,omitempty" yaml:"protocolVersion,omitempty"`
	Relocatable      bool   `json:"relocatable,omitempty" yaml:"relocatable,omitempty"`
	PrefAddress      uint64 `json:"prefAddress,omitempty" yaml:"prefAddress,omitempty"`
	HandoverOffset   uint32 `json:"handoverOffset,omitempty" yaml:"handoverOffset,omitempty"`
	E820Entries      int    `json:"e820Entries,omitempty" yaml:"e820Entries,omitempty"`
	BootParamsCopied bool   `json:"bootParamsCopied" yaml:"bootParamsCopied"`
}

func newBootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "boot [flags] DISK_IMAGE",
		Short: "run the boot pipeline against a disk image (simulated handoff)",
		Long: `Boot scans the image, picks an entry (the default one unless --entry
is given), and drives the full boot pipeline against the simulated
firmware: kernel and initrd loading, boot_params construction, E820
synthesis, ExitBootServices sequencing. The handoff itself is captured
and reported instead of executed.`,
		Args: cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			switch bootFormat {
			case "text", "json", "yaml":
				return nil
			default:
				return fmt.Errorf("unsupported --format %q (supported: text, json, yaml)", bootFormat)
			}
		},
		RunE: executeBoot,
	}
	cmd.Flags().IntVar(&bootEntry, "entry", -1, "menu index of the entry to boot (default: the config's default entry)")
	cmd.Flags().StringVar(&bootCmdline, "cmdline", "", "replace the entry's kernel command line")
	cmd.Flags().StringVar(&bootFormat, "format", "text", "output format for the boot report")
	return cmd
}

func executeBoot(cmd *cobra.Command, args []string) error {
	log := logger.Logger()

	_, res, v, cleanup, err := runScan(args[0])
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		return err
	}

	var target *boottarget.Target
	if bootEntry >= 0 {
		target, err = res.Targets.Get(bootEntry)
	} else {
		target, err = res.Targets.Default()
	}
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("cmdline") {
		if err := target.SetCmdline(bootCmdline); err != nil {
			return err
		}
	}
	log.Infof("booting entry %d: %s", target.Index, target.Title)

	sim := firmware.NewSim()
	report := &bootReport{Target: target.Title, Cmdline: target.Cmdline}

	if target.IsChainload {
		if err := chainload.Run(sim, v, target); err != nil {
			return fmt.Errorf("chainload failed: %w", err)
		}
	} else {
		hdr, herr := kernelHeader(v, target)
		if herr == nil {
			report.ProtocolVersion = fmt.Sprintf("%d.%02d", hdr.Version>>8, hdr.Version&0xFF)
			report.Relocatable = hdr.RelocatableKernel
			report.PrefAddress = hdr.PrefAddress
			report.HandoverOffset = hdr.HandoverOffset
		}
		if err := linuxboot.New(sim, v).Boot(target); err != nil {
			return fmt.Errorf("boot failed: %w", err)
		}
	}

	if n := len(sim.Handoffs); n > 0 {
		h := sim.Handoffs[n-1]
		report.Mode = h.Mode
		report.Entry = h.Entry
		report.Image = h.ImagePath
		if len(h.BootParams) == linuxboot.BootParamsSize {
			report.BootParamsCopied = true
			if bp, err := linuxboot.WrapBootParams(h.BootParams); err == nil {
				report.E820Entries = bp.E820Count()
			}
		}
	}
	return writeBootReport(cmd.OutOrStdout(), report, bootFormat)
}

func kernelHeader(v *vfs.VFS, t *boottarget.Target) (*linuxboot.SetupHeader, error) {
	kernel, err := v.ReadFile(t.Device, t.KernelPath)
	if err != nil {
		return nil, err
	}
	return linuxboot.ParseSetupHeader(kernel)
}

func writeBootReport(out io.Writer, r *bootReport, format string) error {
	switch format {
	case "text":
		fmt.Fprintf(out, "Target:  %s\n", r.Target)
		fmt.Fprintf(out, "Mode:    %s\n", r.Mode)
		if r.Mode == "chainload" {
			fmt.Fprintf(out, "Image:   %s\n", r.Image)
			return nil
		}
		fmt.Fprintf(out, "Entry:   %#x\n", r.Entry)
		if r.ProtocolVersion != "" {
			fmt.Fprintf(out, "Boot protocol: %s (relocatable=%v, pref=%#x, handover=%#x)\n",
				r.ProtocolVersion, r.Relocatable, r.PrefAddress, r.HandoverOffset)
		}
		if r.E820Entries > 0 {
			fmt.Fprintf(out, "E820:    %d entries\n", r.E820Entries)
		}
		if r.Cmdline != "" {
			fmt.Fprintf(out, "Cmdline: %s\n", r.Cmdline)
		}
		return nil

	case "json":
		b, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal json: %w", err)
		}
		_, _ = fmt.Fprintln(out, string(b))
		return nil

	case "yaml":
		j, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		b, err := sigsyaml.JSONToYAML(j)
		if err != nil {
			return fmt.Errorf("marshal yaml: %w", err)
		}
		_, _ = fmt.Fprint(out, string(b))
		return nil

	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}
