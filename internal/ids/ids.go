// Package ids generates the prefixed opaque identifiers used by every
// entity in the store (wf_..., tk_..., msg_...). Consumers never parse
// the suffix; the prefix exists only so a human reading a log can tell
// what kind of record an id names.
package ids

import (
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

// Prefix identifies an entity kind.
type Prefix string

const (
	PrefixWorkflow   Prefix = "wf"
	PrefixTask       Prefix = "tk"
	PrefixCheckpoint Prefix = "cp"
	PrefixWorkspace  Prefix = "ws"
	PrefixRepository Prefix = "rp"
	PrefixTemplate   Prefix = "tmpl"
	PrefixAgent      Prefix = "ag"
	PrefixMessage    Prefix = "msg"
	PrefixSession    Prefix = "ss"
	PrefixMemory     Prefix = "mem"
	PrefixThread     Prefix = "thr"
)

// suffixLen is the number of base32 characters after the prefix.
const suffixLen = 12

// encoding is lowercase base32 without padding. Lowercase keeps ids
// shell-friendly and visually distinct from git SHAs.
var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// New returns a fresh id of the form <prefix>_<12 base32 chars>.
// The suffix is derived from a random UUID, so collisions are not a
// practical concern at the scale of a single store.
func New(p Prefix) string {
	u := uuid.New()
	suffix := strings.ToLower(encoding.EncodeToString(u[:]))[:suffixLen]
	return string(p) + "_" + suffix
}

// HasPrefix reports whether id carries the given prefix tag.
func HasPrefix(id string, p Prefix) bool {
	return strings.HasPrefix(id, string(p)+"_")
}
