package parsers

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/acer51-doctom/superboot/internal/boottarget"
	"github.com/acer51-doctom/superboot/internal/utils/logger"
)

const sdbootEntriesDir = `\loader\entries`

// SystemdBootParser reads loader/loader.conf for the default pattern and
// timeout, then enumerates loader/entries/*.conf on the same partition.
func SystemdBootParser() *Parser {
	return &Parser{
		Name:       "systemd-boot",
		Type:       boottarget.ConfigSystemdBoot,
		ProbePaths: []string{`\loader\loader.conf`},
		Parse:      parseSystemdBoot,
	}
}

func parseSystemdBoot(in Input) ([]*boottarget.Target, Hints, error) {
	hints := noHints()
	for _, line := range strings.Split(string(in.Content), "\n") {
		key, value := sdbootKeyValue(line)
		switch key {
		case "default":
			// The glob intent is matched as a substring of the entry stem.
			hints.DefaultPattern = strings.ReplaceAll(value, "*", "")
		case "timeout":
			if n, err := strconv.Atoi(value); err == nil {
				hints.TimeoutSeconds = n
			}
		}
	}

	if in.VFS == nil {
		return nil, hints, nil
	}
	names, err := in.VFS.ReadDir(in.Device, sdbootEntriesDir)
	if err != nil {
		return nil, hints, fmt.Errorf("enumerate %s: %w", sdbootEntriesDir, err)
	}
	sort.Strings(names)

	log := logger.Logger()
	var targets []*boottarget.Target
	defaultTaken := false

	for _, name := range names {
		if !strings.HasSuffix(strings.ToLower(name), ".conf") {
			continue
		}
		entryPath := sdbootEntriesDir + `\` + name
		content, err := in.VFS.ReadFile(in.Device, entryPath)
		if err != nil {
			log.Warnf("systemd-boot: read %s: %v", entryPath, err)
			continue
		}

		t := parseSdbootEntry(content, in, entryPath)
		if t == nil {
			log.Debugf("systemd-boot: %s has neither kernel nor efi, dropped", entryPath)
			continue
		}

		stem := strings.TrimSuffix(name, ".conf")
		if !defaultTaken && hints.DefaultPattern != "" && strings.Contains(stem, hints.DefaultPattern) {
			t.IsDefault = true
			defaultTaken = true
		}
		targets = append(targets, t)
	}
	return targets, hints, nil
}

// parseSdbootEntry lowers one entry file. The key is the first whitespace
// delimited token; the value is the trimmed remainder of the line.
func parseSdbootEntry(content []byte, in Input, entryPath string) *boottarget.Target {
	t := &boottarget.Target{
		ConfigType: boottarget.ConfigSystemdBoot,
		ConfigPath: entryPath,
		Device:     in.Device,
	}
	log := logger.Logger()

	var options []string
	for _, line := range strings.Split(string(content), "\n") {
		key, value := sdbootKeyValue(line)
		if key == "" || value == "" {
			continue
		}
		switch key {
		case "title":
			t.Title = value
		case "linux":
			t.KernelPath = normalizePath(value)
		case "initrd":
			if err := t.AddInitrd(normalizePath(value)); err != nil {
				log.Warnf("systemd-boot %s: %v", entryPath, err)
			}
		case "options":
			options = append(options, value)
		case "efi":
			t.EFIPath = normalizePath(value)
			t.IsChainload = true
		case "devicetree", "architecture", "version", "machine-id", "sort-key":
			log.Debugf("systemd-boot %s: ignoring %s", entryPath, key)
		}
	}
	if err := t.SetCmdline(strings.Join(options, " ")); err != nil {
		log.Warnf("systemd-boot %s: %v", entryPath, err)
	}

	if t.KernelPath == "" && !t.IsChainload {
		return nil
	}
	return t
}

func sdbootKeyValue(line string) (string, string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", ""
	}
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimSpace(line[i+1:])
}
