// Package scanner walks block devices, mounts each partition through the
// VFS and drives the config parsers over their probe paths. Partition-level
// and parser-level failures are local; the scan only fails when it produces
// nothing at all.
package scanner

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/acer51-doctom/superboot/internal/blockdev"
	"github.com/acer51-doctom/superboot/internal/boottarget"
	"github.com/acer51-doctom/superboot/internal/parsers"
	"github.com/acer51-doctom/superboot/internal/utils/logger"
	"github.com/acer51-doctom/superboot/internal/vfs"
)

// Result is what one scan produced. Problems collects the non-fatal errors
// hit along the way; they are reported, not raised.
type Result struct {
	Targets        *boottarget.List
	TimeoutSeconds int
	Problems       error
}

// Scanner ties the VFS to the parser set.
type Scanner struct {
	vfs     *vfs.VFS
	parsers []*parsers.Parser
	log     *zap.SugaredLogger
}

// New builds a scanner. A nil parser set means the default one.
func New(v *vfs.VFS, ps []*parsers.Parser) *Scanner {
	if ps == nil {
		ps = parsers.Default()
	}
	return &Scanner{vfs: v, parsers: ps, log: logger.Logger()}
}

// ScanAll visits the device handles in discovery order. Target order is
// (device order, parser order, in-config order) and is stable for a given
// device set.
func (s *Scanner) ScanAll(devs []*blockdev.Device) (*Result, error) {
	res := &Result{Targets: &boottarget.List{}, TimeoutSeconds: -1}
	var problems *multierror.Error

	for _, dev := range devs {
		if res.Targets.Full() {
			break
		}
		if dev.IsWholeDisk() || !dev.MediaPresent {
			continue
		}
		if err := s.vfs.OpenDevice(dev); err != nil {
			s.log.Debugf("scan: skipping %s: %v", dev, err)
			problems = multierror.Append(problems, fmt.Errorf("%s: %w", dev, err))
			continue
		}
		s.scanPartition(dev, res, &problems)
	}

	res.Problems = problems.ErrorOrNil()
	if res.Targets.Len() == 0 {
		return res, fmt.Errorf("no boot targets found: %w", vfs.ErrNotFound)
	}
	return res, nil
}

// scanPartition tries every parser against its probe paths. A partition
// contributes at most one config per parser: the first probe path that
// exists wins, whether or not it yields entries.
func (s *Scanner) scanPartition(dev *blockdev.Device, res *Result, problems **multierror.Error) {
	for _, p := range s.parsers {
		if res.Targets.Full() {
			return
		}
		for _, path := range p.ProbePaths {
			if !s.vfs.FileExists(dev, path) {
				continue
			}
			content, err := s.vfs.ReadFile(dev, path)
			if err != nil {
				s.log.Warnf("scan: read %s on %s: %v", path, dev, err)
				*problems = multierror.Append(*problems, fmt.Errorf("%s %s: %w", dev, path, err))
				break
			}

			targets, hints, err := p.Parse(parsers.Input{
				Content:    content,
				Device:     dev,
				ConfigPath: path,
				VFS:        s.vfs,
			})
			if err != nil {
				// A parser hard failure is logged and discarded.
				s.log.Warnf("scan: %s parse of %s on %s: %v", p.Name, path, dev, err)
				*problems = multierror.Append(*problems, fmt.Errorf("%s %s: %w", p.Name, path, err))
				break
			}

			if hints.TimeoutSeconds >= 0 && res.TimeoutSeconds < 0 {
				res.TimeoutSeconds = hints.TimeoutSeconds
			}
			for _, t := range targets {
				if res.Targets.Full() {
					break
				}
				if err := res.Targets.Add(t); err != nil {
					s.log.Warnf("scan: dropping entry %q from %s: %v", t.Title, path, err)
				}
			}
			s.log.Infof("scan: %s on %s: %d entries", p.Name, dev, len(targets))
			break
		}
	}
}
