//go:build !linux

package blockdev

import "errors"

// EnumerateLive requires sysfs; only the Linux build can scan the running
// system. Disk images work everywhere.
func EnumerateLive() ([]*Disk, []*Device, error) {
	return nil, nil, errors.New("live block device scan is only supported on linux")
}
