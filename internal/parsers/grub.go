package parsers

import (
	"strconv"
	"strings"

	"github.com/acer51-doctom/superboot/internal/boottarget"
	"github.com/acer51-doctom/superboot/internal/utils/logger"
)

// GrubParser extracts menuentry blocks from grub.cfg. This is selective
// extraction, not interpretation: control flow is skipped wholesale, and
// variables only exist so that kernel and initrd paths expand.
func GrubParser() *Parser {
	return &Parser{
		Name: "grub",
		Type: boottarget.ConfigGrub,
		ProbePaths: []string{
			`\boot\grub\grub.cfg`,
			`\grub\grub.cfg`,
			`\grub2\grub.cfg`,
			`\boot\grub2\grub.cfg`,
			`\EFI\grub\grub.cfg`,
		},
		Parse: parseGrub,
	}
}

// grubOpeners maps each skipped construct to the token that closes it.
// Bodies are not interpreted; an entry defined under a condition never
// reaches the menu, which is the documented behavior.
var grubOpeners = map[string]string{
	"if":       "fi",
	"for":      "done",
	"while":    "done",
	"until":    "done",
	"case":     "esac",
	"function": "}",
}

type grubParse struct {
	in      Input
	vars    grubVarTable
	targets []*boottarget.Target
	cur     *boottarget.Target

	// skip is the stack of closers we are waiting for while inside
	// non-interpreted constructs.
	skip []string

	defaultSpec string
	haveDefault bool
	hints       Hints
}

func parseGrub(in Input) ([]*boottarget.Target, Hints, error) {
	p := &grubParse{in: in, hints: noHints()}
	for _, line := range strings.Split(string(in.Content), "\n") {
		p.line(line)
	}
	p.endEntry()
	p.applyDefault()
	return p.targets, p.hints, nil
}

func (p *grubParse) line(raw string) {
	line := stripGrubComment(raw)
	tokens := splitFields(line)
	if len(tokens) == 0 {
		return
	}

	for i, tok := range tokens {
		key := strings.TrimRight(tok, ";")
		if len(p.skip) > 0 {
			if closer, ok := grubOpeners[key]; ok {
				p.skip = append(p.skip, closer)
			} else if key == p.skip[len(p.skip)-1] {
				p.skip = p.skip[:len(p.skip)-1]
			}
			continue
		}
		if closer, ok := grubOpeners[key]; ok {
			p.skip = append(p.skip, closer)
			continue
		}
		p.command(key, tokens[i:], line)
		return
	}
}

func (p *grubParse) command(key string, tokens []string, line string) {
	switch key {
	case "set":
		p.cmdSet(tokens)
	case "menuentry", "submenu":
		p.beginEntry(tokens, line)
	case "}":
		p.endEntry()
	case "linux", "linux16", "linuxefi":
		p.cmdLinux(tokens)
	case "initrd", "initrd16", "initrdefi":
		p.cmdInitrd(tokens)
	case "chainloader":
		p.cmdChain(tokens)
	case "search":
		p.cmdSearch(tokens)
	case "source", "configfile":
		// Deliberately not followed; entries behind another script never
		// reach the menu.
		logger.Logger().Debugf("grub %s: %s directive ignored", p.in.ConfigPath, key)
	default:
		// insmod, echo, terminal_output, gfxmode, ... — irrelevant here.
	}
}

func (p *grubParse) cmdSet(tokens []string) {
	if len(tokens) < 2 {
		return
	}
	name, value, ok := strings.Cut(tokens[1], "=")
	if !ok {
		return
	}
	value = strings.Trim(value, `"'`)
	switch name {
	case "default":
		p.defaultSpec = value
		p.haveDefault = true
	case "timeout":
		if n, err := strconv.Atoi(value); err == nil {
			p.hints.TimeoutSeconds = n
		}
	}
	p.vars.set(name, value)
}

func (p *grubParse) beginEntry(tokens []string, line string) {
	p.endEntry()

	title := firstQuoted(line)
	if title == "" && len(tokens) > 1 && tokens[1] != "{" {
		title = tokens[1]
	}
	p.cur = &boottarget.Target{
		Title:      title,
		ConfigType: boottarget.ConfigGrub,
		ConfigPath: p.in.ConfigPath,
		Device:     p.in.Device,
	}
}

// endEntry commits the open menuentry. An entry with neither a kernel nor a
// chainloader is discarded.
func (p *grubParse) endEntry() {
	if p.cur == nil {
		return
	}
	t := p.cur
	p.cur = nil
	if t.KernelPath == "" && !t.IsChainload {
		if t.Title != "" {
			logger.Logger().Debugf("grub %s: dropping entry %q without kernel or chainloader", p.in.ConfigPath, t.Title)
		}
		return
	}
	p.targets = append(p.targets, t)
}

func (p *grubParse) cmdLinux(tokens []string) {
	if p.cur == nil || len(tokens) < 2 {
		return
	}
	p.cur.KernelPath = p.grubPath(tokens[1])

	args := make([]string, 0, len(tokens)-2)
	for _, a := range tokens[2:] {
		args = append(args, p.vars.expand(a))
	}
	if err := p.cur.SetCmdline(strings.Join(args, " ")); err != nil {
		logger.Logger().Warnf("grub %s: %v", p.in.ConfigPath, err)
	}
}

func (p *grubParse) cmdInitrd(tokens []string) {
	if p.cur == nil {
		return
	}
	for _, raw := range tokens[1:] {
		if err := p.cur.AddInitrd(p.grubPath(raw)); err != nil {
			logger.Logger().Warnf("grub %s: %v", p.in.ConfigPath, err)
			return
		}
	}
}

func (p *grubParse) cmdChain(tokens []string) {
	if p.cur == nil || len(tokens) < 2 {
		return
	}
	p.cur.EFIPath = p.grubPath(tokens[1])
	p.cur.IsChainload = true
}

// cmdSearch records the --set variable as already resolved: we always boot
// from the scanned partition, so the value is empty and any device prefix
// built from it vanishes during expansion.
func (p *grubParse) cmdSearch(tokens []string) {
	name := "root"
	for i := 1; i < len(tokens); i++ {
		tok := tokens[i]
		if v, ok := strings.CutPrefix(tok, "--set="); ok {
			name = v
			break
		}
		if tok == "--set" && i+1 < len(tokens) && !strings.HasPrefix(tokens[i+1], "--") {
			name = tokens[i+1]
			break
		}
	}
	p.vars.set(name, "")
}

// grubPath expands variables, strips a device prefix and converts to the
// VFS path form.
func (p *grubParse) grubPath(raw string) string {
	return normalizePath(stripDevicePrefix(p.vars.expand(raw)))
}

// applyDefault marks the default entry once all entries are collected.
// A numeric spec selects by position, "saved" (or an unset saved_entry
// expansion) falls back to the first entry, anything else matches titles.
func (p *grubParse) applyDefault() {
	if !p.haveDefault || len(p.targets) == 0 {
		return
	}
	p.hints.DefaultPattern = p.defaultSpec

	spec := p.vars.expand(p.defaultSpec)
	if spec == "" || spec == "saved" {
		p.targets[0].IsDefault = true
		return
	}
	if n, err := strconv.Atoi(spec); err == nil {
		if n >= 0 && n < len(p.targets) {
			p.targets[n].IsDefault = true
		}
		return
	}
	for _, t := range p.targets {
		if t.Title == spec {
			t.IsDefault = true
			return
		}
	}
}

// stripGrubComment removes a trailing comment, keeping '#' inside quotes.
func stripGrubComment(line string) string {
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '#':
			return line[:i]
		}
	}
	return line
}
