// Package parsers lowers foreign bootloader configuration formats to boot
// targets. A parser never fails on a malformed line; it extracts what it can
// and discards entries that end up with neither a kernel nor an EFI payload.
package parsers

import (
	"strings"

	"github.com/acer51-doctom/superboot/internal/blockdev"
	"github.com/acer51-doctom/superboot/internal/boottarget"
)

// Hints are the non-entry facts a config file carries.
type Hints struct {
	// TimeoutSeconds is the menu countdown, -1 when the config has none.
	TimeoutSeconds int
	// DefaultPattern is the raw default-entry selector, format-specific.
	DefaultPattern string
}

func noHints() Hints { return Hints{TimeoutSeconds: -1} }

// FS is the slice of the VFS a parser may use to fan out to further files
// on the same partition.
type FS interface {
	ReadFile(dev *blockdev.Device, path string) ([]byte, error)
	ReadDir(dev *blockdev.Device, path string) ([]string, error)
}

// Input is everything a parse invocation sees: the raw config bytes, the
// partition they came from, and filesystem access for formats that fan out
// to further files on the same partition.
type Input struct {
	Content    []byte
	Device     *blockdev.Device
	ConfigPath string
	VFS        FS
}

// Parser is a stateless descriptor for one config format.
type Parser struct {
	Name       string
	Type       boottarget.ConfigType
	ProbePaths []string
	Parse      func(in Input) ([]*boottarget.Target, Hints, error)
}

// Default returns the parsers in their declaration order, which is also
// their scan priority.
func Default() []*Parser {
	return []*Parser{GrubParser(), SystemdBootParser(), LimineParser()}
}

// stripDevicePrefix removes a leading "(hd0,gpt2)"-style device reference.
// The scanned partition is authoritative, so the reference is dropped, not
// resolved. Parens are matched, since an expanded $root may itself contain
// a parenthesized device name.
func stripDevicePrefix(p string) string {
	if !strings.HasPrefix(p, "(") {
		return p
	}
	depth := 0
	for i := 0; i < len(p); i++ {
		switch p[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return p[i+1:]
			}
		}
	}
	return p
}

// normalizePath turns a config-file path into the VFS form: backslash
// separated, absolute.
func normalizePath(p string) string {
	p = strings.TrimSpace(strings.Trim(p, `"'`))
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, "/", `\`)
	if !strings.HasPrefix(p, `\`) {
		p = `\` + p
	}
	return p
}

// splitFields tokenizes one config line, honoring single and double quotes.
// Quotes are stripped from the produced tokens.
func splitFields(line string) []string {
	var out []string
	var cur strings.Builder
	var quote byte
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ' ' || c == '\t':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}

// firstQuoted returns the first quoted span of a line, or "" when none.
func firstQuoted(line string) string {
	start := strings.IndexAny(line, `'"`)
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(line[start+1:], line[start])
	if end < 0 {
		return ""
	}
	return line[start+1 : start+1+end]
}
