package memory

import (
	"regexp"
	"strings"
)

type (
	// codeDigest is the structural summary of one fenced code block. The
	// extractor is regex based and tuned for the JS/TS output the
	// generation agents emit; Degraded marks blocks where no structure
	// could be recovered.
	codeDigest struct {
		Exports    []string
		Functions  []string
		Interfaces []string
		Mocks      []string
		Comment    string
		Degraded   bool
	}
)

var (
	exportRE    = regexp.MustCompile(`(?m)^\s*export\s+(?:default\s+)?(?:const|let|var|function|class|interface|type|enum)?\s*(\w+)`)
	functionRE  = regexp.MustCompile(`(?m)(?:function\s+(\w+)\s*\(([^)\n]*)\)|(?:const|let|var)\s+(\w+)\s*=\s*(?:async\s*)?\(([^)\n]*)\)\s*=>)`)
	interfaceRE = regexp.MustCompile(`(?m)\binterface\s+(\w+)`)
	mockRE      = regexp.MustCompile(`(?m)\b(?:const|let|var)\s+(mock\w+)`)
	commentRE   = regexp.MustCompile(`(?m)^\s*(?://\s*(.+)|/\*+\s*([^*\n]+))`)
)

// codeDigests extracts structural digests from up to max fenced code blocks
// in content.
func codeDigests(content string, max int) []codeDigest {
	blocks := codeBlockRE.FindAllStringSubmatch(content, max)
	out := make([]codeDigest, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, digestBlock(b[1]))
	}
	return out
}

// digestBlock summarizes one code block body.
func digestBlock(code string) codeDigest {
	var d codeDigest

	for _, m := range exportRE.FindAllStringSubmatch(code, -1) {
		if m[1] != "" {
			d.Exports = appendUnique(d.Exports, m[1])
		}
	}
	for _, m := range functionRE.FindAllStringSubmatch(code, -1) {
		name, args := m[1], m[2]
		if name == "" {
			name, args = m[3], m[4]
		}
		if name == "" {
			continue
		}
		d.Functions = appendUnique(d.Functions, name+"("+condenseArgs(args)+")")
	}
	for _, m := range interfaceRE.FindAllStringSubmatch(code, -1) {
		d.Interfaces = appendUnique(d.Interfaces, m[1])
	}
	for _, m := range mockRE.FindAllStringSubmatch(code, -1) {
		d.Mocks = appendUnique(d.Mocks, m[1])
	}
	if m := commentRE.FindStringSubmatch(code); m != nil {
		c := m[1]
		if c == "" {
			c = m[2]
		}
		d.Comment = strings.TrimSpace(c)
	}

	d.Degraded = len(d.Exports) == 0 && len(d.Functions) == 0 &&
		len(d.Interfaces) == 0 && len(d.Mocks) == 0
	return d
}

// String renders the digest on one line for the truncation body.
func (d codeDigest) String() string {
	var parts []string
	if len(d.Exports) > 0 {
		parts = append(parts, "exports "+strings.Join(d.Exports, ", "))
	}
	if len(d.Functions) > 0 {
		parts = append(parts, "funcs "+strings.Join(d.Functions, ", "))
	}
	if len(d.Interfaces) > 0 {
		parts = append(parts, "interfaces "+strings.Join(d.Interfaces, ", "))
	}
	if len(d.Mocks) > 0 {
		parts = append(parts, "mocks "+strings.Join(d.Mocks, ", "))
	}
	if d.Comment != "" {
		parts = append(parts, "// "+d.Comment)
	}
	if d.Degraded {
		parts = append(parts, "(degraded)")
	}
	return strings.Join(parts, "; ")
}

// condenseArgs strips default values and type annotations from an argument
// list, keeping bare parameter names.
func condenseArgs(args string) string {
	fields := strings.Split(args, ",")
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if i := strings.IndexAny(f, ":="); i >= 0 {
			f = strings.TrimSpace(f[:i])
		}
		names = append(names, f)
	}
	return strings.Join(names, ", ")
}

func appendUnique(list []string, v string) []string {
	for _, e := range list {
		if e == v {
			return list
		}
	}
	return append(list, v)
}
