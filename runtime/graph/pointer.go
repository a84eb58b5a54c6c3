package graph

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrForbiddenToken reports a pointer token that names a prototype-pollution
// vector. Any operation whose path or from pointer contains such a token is
// aborted before it touches the document.
var ErrForbiddenToken = errors.New("forbidden pointer token")

// forbiddenTokens are rejected wherever they appear in a pointer. The
// vocabulary matches the JavaScript pollution vectors so envelopes shared
// with non-Go consumers stay safe on both sides.
var forbiddenTokens = map[string]struct{}{
	"__proto__":   {},
	"prototype":   {},
	"constructor": {},
}

// EscapeToken encodes one reference token for embedding in an RFC 6901
// pointer: ~ becomes ~0, / becomes ~1.
func EscapeToken(token string) string {
	token = strings.ReplaceAll(token, "~", "~0")
	return strings.ReplaceAll(token, "/", "~1")
}

// parsePointer splits an RFC 6901 pointer into decoded reference tokens.
// The empty pointer addresses the whole document and yields a nil slice.
// Escapes decode in RFC order, ~1 before ~0, so "~01" round-trips to "~1".
func parsePointer(p string) ([]string, error) {
	if p == "" {
		return nil, nil
	}
	if !strings.HasPrefix(p, "/") {
		return nil, fmt.Errorf("pointer %q must start with /", p)
	}
	raw := strings.Split(p[1:], "/")
	tokens := make([]string, len(raw))
	for i, t := range raw {
		t = strings.ReplaceAll(t, "~1", "/")
		t = strings.ReplaceAll(t, "~0", "~")
		if _, bad := forbiddenTokens[t]; bad {
			return nil, fmt.Errorf("%w %q in pointer %q", ErrForbiddenToken, t, p)
		}
		tokens[i] = t
	}
	return tokens, nil
}

// arrayIndex parses token as an index into an array of the given length.
// allowAppend admits the "-" token and an index equal to length, the add
// positions; reads and removals require an existing element.
func arrayIndex(token string, length int, allowAppend bool) (int, error) {
	if token == "-" {
		if !allowAppend {
			return 0, fmt.Errorf("token %q only valid when appending", token)
		}
		return length, nil
	}
	// Reject leading zeros and signs per RFC 6901.
	if token == "" || (len(token) > 1 && token[0] == '0') {
		return 0, fmt.Errorf("invalid array index %q", token)
	}
	idx, err := strconv.Atoi(token)
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("invalid array index %q", token)
	}
	max := length - 1
	if allowAppend {
		max = length
	}
	if idx > max {
		return 0, fmt.Errorf("array index %d out of bounds (length %d)", idx, length)
	}
	return idx, nil
}

// isPrefix reports whether prefix addresses an ancestor of path. Used to
// reject moving a subtree into itself.
func isPrefix(prefix, path []string) bool {
	if len(prefix) >= len(path) {
		return false
	}
	for i, t := range prefix {
		if path[i] != t {
			return false
		}
	}
	return true
}
