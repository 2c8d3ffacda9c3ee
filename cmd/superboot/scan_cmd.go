package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/acer51-doctom/superboot/internal/blockdev"
	"github.com/acer51-doctom/superboot/internal/boottarget"
	"github.com/acer51-doctom/superboot/internal/scanner"
	"github.com/acer51-doctom/superboot/internal/utils/logger"
	"github.com/acer51-doctom/superboot/internal/vfs"
)

var (
	scanFormat string
	scanPretty bool
	scanLive   bool
)

// scanSummary is the printable shape of one scan.
type scanSummary struct {
	Image          string       `json:"image" yaml:"image"`
	TimeoutSeconds int          `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	Targets        []scanTarget `json:"targets" yaml:"targets"`
}

type scanTarget struct {
	boottarget.Target `yaml:",inline"`
	DeviceRef         string `json:"device" yaml:"device"`
	ESP               bool   `json:"esp,omitempty" yaml:"esp,omitempty"`
}

func newScanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan [flags] DISK_IMAGE",
		Short: "list the boot targets found on a disk image",
		Long: `Scan enumerates the partitions of a disk image, mounts each one
through the firmware FAT reader or the built-in drivers, and runs every
config parser over its probe paths. The discovered boot targets are
printed in menu order.`,
		Args: cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			switch scanFormat {
			case "text", "json", "yaml":
			default:
				return fmt.Errorf("unsupported --format %q (supported: text, json, yaml)", scanFormat)
			}
			if !scanLive && len(args) == 0 {
				return fmt.Errorf("either a disk image or --live is required")
			}
			return nil
		},
		RunE: executeScan,
	}
	cmd.Flags().StringVar(&scanFormat, "format", "text", "output format for the scan results")
	cmd.Flags().BoolVar(&scanPretty, "pretty", false, "pretty-print JSON output (only for --format json)")
	cmd.Flags().BoolVar(&scanLive, "live", false, "scan the running system's block devices instead of an image")
	return cmd
}

func executeScan(cmd *cobra.Command, args []string) error {
	log := logger.Logger()

	var (
		summary *scanSummary
		cleanup func()
		err     error
	)
	if scanLive {
		log.Infof("scanning live block devices")
		summary, _, _, cleanup, err = runLiveScan()
	} else {
		log.Infof("scanning image: %s", args[0])
		summary, _, _, cleanup, err = runScan(args[0])
	}
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		return err
	}
	return writeScanResult(cmd.OutOrStdout(), summary, scanFormat, scanPretty)
}

// runScan opens the image, scans it and builds the summary. The returned
// cleanup shuts the VFS down and closes the disk; callers that keep using
// the scan result must defer it.
func runScan(imageFile string) (*scanSummary, *scanner.Result, *vfs.VFS, func(), error) {
	disk, devs, err := blockdev.OpenImage(imageFile)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return scanDevices(imageFile, devs, []*blockdev.Disk{disk})
}

// runLiveScan is runScan over the running system's disks.
func runLiveScan() (*scanSummary, *scanner.Result, *vfs.VFS, func(), error) {
	disks, devs, err := blockdev.EnumerateLive()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return scanDevices("live", devs, disks)
}

func scanDevices(label string, devs []*blockdev.Device, disks []*blockdev.Disk) (*scanSummary, *scanner.Result, *vfs.VFS, func(), error) {
	v := vfs.New()
	cleanup := func() {
		v.Shutdown()
		for _, d := range disks {
			_ = d.Close()
		}
	}

	res, err := scanner.New(v, nil).ScanAll(devs)
	if err != nil {
		return nil, nil, nil, cleanup, fmt.Errorf("scan failed: %w", err)
	}
	if res.Problems != nil {
		logger.Logger().Warnf("scan finished with problems: %v", res.Problems)
	}

	summary := &scanSummary{
		Image:          label,
		TimeoutSeconds: res.TimeoutSeconds,
	}
	for _, t := range res.Targets.All() {
		summary.Targets = append(summary.Targets, scanTarget{
			Target:    *t,
			DeviceRef: t.Device.String(),
			ESP:       t.Device.IsESP(),
		})
	}
	return summary, res, v, cleanup, nil
}

func writeScanResult(out io.Writer, summary *scanSummary, format string, pretty bool) error {
	switch format {
	case "text":
		printScanSummary(out, summary)
		return nil

	case "json":
		var (
			b   []byte
			err error
		)
		if pretty {
			b, err = json.MarshalIndent(summary, "", "  ")
		} else {
			b, err = json.Marshal(summary)
		}
		if err != nil {
			return fmt.Errorf("marshal json: %w", err)
		}
		_, _ = fmt.Fprintln(out, string(b))
		return nil

	case "yaml":
		b, err := yaml.Marshal(summary)
		if err != nil {
			return fmt.Errorf("marshal yaml: %w", err)
		}
		_, _ = fmt.Fprint(out, string(b))
		return nil

	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

func printScanSummary(out io.Writer, s *scanSummary) {
	fmt.Fprintf(out, "Image: %s\n", s.Image)
	if s.TimeoutSeconds >= 0 {
		fmt.Fprintf(out, "Menu timeout: %ds\n", s.TimeoutSeconds)
	}
	fmt.Fprintf(out, "Boot targets: %d\n", len(s.Targets))
	for _, t := range s.Targets {
		marker := " "
		if t.IsDefault {
			marker = "*"
		}
		fmt.Fprintf(out, "%s [%d] %s  (%s, %s on %s)\n", marker, t.Index, t.Title, t.ConfigType, t.ConfigPath, t.DeviceRef)
		if t.IsChainload {
			fmt.Fprintf(out, "      efi:     %s\n", t.EFIPath)
			continue
		}
		fmt.Fprintf(out, "      kernel:  %s\n", t.KernelPath)
		for _, ird := range t.InitrdPaths {
			fmt.Fprintf(out, "      initrd:  %s\n", ird)
		}
		if t.Cmdline != "" {
			fmt.Fprintf(out, "      cmdline: %s\n", t.Cmdline)
		}
	}
}
