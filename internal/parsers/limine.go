package parsers

import (
	"strconv"
	"strings"

	"github.com/acer51-doctom/superboot/internal/boottarget"
	"github.com/acer51-doctom/superboot/internal/utils/logger"
)

// LimineParser reads limine.cfg: sections opened by an unindented line
// starting with '/', with key: value pairs inside.
func LimineParser() *Parser {
	return &Parser{
		Name: "limine",
		Type: boottarget.ConfigLimine,
		ProbePaths: []string{
			`\limine.cfg`,
			`\boot\limine\limine.cfg`,
			`\EFI\BOOT\limine.cfg`,
		},
		Parse: parseLimine,
	}
}

func parseLimine(in Input) ([]*boottarget.Target, Hints, error) {
	hints := noHints()
	var targets []*boottarget.Target
	var cur *boottarget.Target

	commit := func() {
		if cur == nil {
			return
		}
		t := cur
		cur = nil
		if t.KernelPath == "" && !t.IsChainload {
			logger.Logger().Debugf("limine %s: dropping section %q without kernel or efi path", in.ConfigPath, t.Title)
			return
		}
		targets = append(targets, t)
	}

	for _, raw := range strings.Split(string(in.Content), "\n") {
		if raw == "" || strings.HasPrefix(strings.TrimSpace(raw), "#") {
			continue
		}

		// Section header: an unindented '/' followed by the section name.
		if raw[0] == '/' && len(strings.TrimLeft(raw, "/")) > 0 {
			commit()
			cur = &boottarget.Target{
				Title:      strings.TrimSpace(strings.TrimLeft(raw, "/")),
				ConfigType: boottarget.ConfigLimine,
				ConfigPath: in.ConfigPath,
				Device:     in.Device,
			}
			continue
		}

		key, value, ok := strings.Cut(strings.TrimSpace(raw), ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}

		if cur == nil {
			if key == "timeout" {
				if n, err := strconv.Atoi(value); err == nil {
					hints.TimeoutSeconds = n
				}
			}
			continue
		}

		switch key {
		case "kernel_path":
			cur.KernelPath = liminePath(value)
		case "module_path":
			if err := cur.AddInitrd(liminePath(value)); err != nil {
				logger.Logger().Warnf("limine %s: %v", in.ConfigPath, err)
			}
		case "kernel_cmdline", "cmdline":
			if err := cur.SetCmdline(value); err != nil {
				logger.Logger().Warnf("limine %s: %v", in.ConfigPath, err)
			}
		case "protocol":
			if strings.EqualFold(value, "chainload") {
				cur.IsChainload = true
			}
		case "path", "image_path":
			cur.EFIPath = liminePath(value)
			cur.IsChainload = true
		}
	}
	commit()
	return targets, hints, nil
}

// liminePath strips the boot():/guid(...): device prefix and converts to
// the VFS path form. The scanned partition is authoritative either way.
func liminePath(p string) string {
	lower := strings.ToLower(p)
	switch {
	case strings.HasPrefix(lower, "boot():"):
		p = p[len("boot():"):]
	case strings.HasPrefix(lower, "guid("), strings.HasPrefix(lower, "uuid("):
		if i := strings.Index(p, "):"); i >= 0 {
			p = p[i+2:]
		}
	}
	return normalizePath(p)
}
