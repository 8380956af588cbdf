// Package identifier derives and validates canonical module identifiers.
// All functions are pure - same input always produces same output.
//
// A canonical id is a dot-separated sequence of lowercase segments, each
// matching [a-z][a-z0-9_]*, with a bounded total length. Hosts map file
// paths or native symbols onto canonical ids at discovery time; the
// engine itself never walks a filesystem.
package identifier

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxLength bounds the total length of a canonical id.
const MaxLength = 128

// Separator joins the segments of a canonical id.
const Separator = "."

// External is the sentinel caller id assigned to calls that originate
// outside the engine (no registered caller).
const External = "external"

var segmentRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// reserved segments: engine sentinels plus keywords that collide with
// symbol names in common host ecosystems.
var reserved = map[string]bool{
	"external": true,
	"engine":   true,
	"system":   true,
	"class":    true,
	"func":     true,
	"import":   true,
	"module":   true,
	"package":  true,
	"return":   true,
	"type":     true,
}

// InvalidPathError reports a raw path from which no id can be derived.
type InvalidPathError struct {
	Path   string
	Reason string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid module path %q: %s", e.Path, e.Reason)
}

// InvalidSegmentError reports a segment that violates the id grammar.
type InvalidSegmentError struct {
	Source  string // raw path or candidate id the segment came from
	Segment string
}

func (e *InvalidSegmentError) Error() string {
	return fmt.Sprintf("invalid segment %q in %q: segments must match [a-z][a-z0-9_]*", e.Segment, e.Source)
}

// TooLongError reports an id exceeding MaxLength.
type TooLongError struct {
	ID     string
	Length int
}

func (e *TooLongError) Error() string {
	return fmt.Sprintf("id %q is %d chars, limit is %d", e.ID, e.Length, MaxLength)
}

// DeriveOptions controls how Derive maps a raw path onto an id.
type DeriveOptions struct {
	RootPrefix string // stripped from the front of the path when present
	Separator  string // path separator, "/" when empty
	Namespace  string // canonical-id prefix prepended to the result, may be dotted
}

// Derive maps a raw path-like string to a canonical id: the root prefix
// and file extension are stripped, the remainder is split on the path
// separator, every segment is checked against the grammar, and the
// segments are joined with dots under the optional namespace.
func Derive(rawPath string, opts DeriveOptions) (string, error) {
	sep := opts.Separator
	if sep == "" {
		sep = "/"
	}

	path := rawPath
	if opts.RootPrefix != "" {
		path = strings.TrimPrefix(path, opts.RootPrefix)
		path = strings.TrimPrefix(path, sep)
	}
	path = strings.Trim(path, sep)
	if path == "" {
		return "", &InvalidPathError{Path: rawPath, Reason: "no segments after stripping root prefix"}
	}

	parts := strings.Split(path, sep)
	// Extension strip applies to the final element only. A leading dot
	// (dotfile) is not an extension.
	last := parts[len(parts)-1]
	if i := strings.LastIndex(last, "."); i > 0 {
		parts[len(parts)-1] = last[:i]
	}

	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		segments = append(segments, p)
	}
	if len(segments) == 0 {
		return "", &InvalidPathError{Path: rawPath, Reason: "no segments after stripping root prefix"}
	}
	for _, s := range segments {
		if !segmentRe.MatchString(s) {
			return "", &InvalidSegmentError{Source: rawPath, Segment: s}
		}
	}

	id := strings.Join(segments, Separator)
	if opts.Namespace != "" {
		if err := Validate(opts.Namespace); err != nil {
			return "", err
		}
		id = opts.Namespace + Separator + id
	}
	if len(id) > MaxLength {
		return "", &TooLongError{ID: id, Length: len(id)}
	}
	return id, nil
}

// Validate checks a complete canonical id against the grammar and the
// length bound.
func Validate(id string) error {
	if id == "" {
		return &InvalidPathError{Path: id, Reason: "empty id"}
	}
	if len(id) > MaxLength {
		return &TooLongError{ID: id, Length: len(id)}
	}
	for _, s := range strings.Split(id, Separator) {
		if !segmentRe.MatchString(s) {
			return &InvalidSegmentError{Source: id, Segment: s}
		}
	}
	return nil
}

// ConflictKind classifies a registration conflict.
type ConflictKind string

// Conflict kinds.
const (
	ConflictDuplicate ConflictKind = "duplicate" // exact id already taken
	ConflictReserved  ConflictKind = "reserved"  // id contains a reserved segment
	ConflictCase      ConflictKind = "case"      // differs from an existing id only by case
)

// Conflict describes one collision found for a candidate id. Fatal
// conflicts block registration; non-fatal ones are surfaced as warnings.
type Conflict struct {
	Candidate string
	Existing  string // colliding id, empty for reserved-segment conflicts
	Segment   string // offending segment, reserved-segment conflicts only
	Kind      ConflictKind
	Fatal     bool
}

func (c Conflict) String() string {
	switch c.Kind {
	case ConflictReserved:
		return fmt.Sprintf("id %q uses reserved segment %q", c.Candidate, c.Segment)
	case ConflictCase:
		return fmt.Sprintf("id %q collides with %q ignoring case", c.Candidate, c.Existing)
	default:
		return fmt.Sprintf("id %q is already registered", c.Candidate)
	}
}

// CheckConflicts inspects a candidate id against the set of existing
// ids. Exact duplicates and reserved segments are fatal; a collision
// with a different existing id under case folding is a warning only.
func CheckConflicts(candidate string, existing []string) []Conflict {
	var out []Conflict
	for _, s := range strings.Split(candidate, Separator) {
		if reserved[s] {
			out = append(out, Conflict{Candidate: candidate, Segment: s, Kind: ConflictReserved, Fatal: true})
		}
	}
	for _, e := range existing {
		if e == candidate {
			out = append(out, Conflict{Candidate: candidate, Existing: e, Kind: ConflictDuplicate, Fatal: true})
			continue
		}
		if strings.EqualFold(e, candidate) {
			out = append(out, Conflict{Candidate: candidate, Existing: e, Kind: ConflictCase, Fatal: false})
		}
	}
	return out
}

// CheckBatch runs the conflict check for a whole discovery batch:
// each candidate is checked against the existing set and against the
// candidates before it, so intra-batch duplicates are caught in one
// pass.
func CheckBatch(candidates []string, existing []string) []Conflict {
	var out []Conflict
	seen := make([]string, 0, len(existing)+len(candidates))
	seen = append(seen, existing...)
	for _, c := range candidates {
		out = append(out, CheckConflicts(c, seen)...)
		seen = append(seen, c)
	}
	return out
}

// HasFatal reports whether any conflict in the list blocks registration.
func HasFatal(conflicts []Conflict) bool {
	for _, c := range conflicts {
		if c.Fatal {
			return true
		}
	}
	return false
}
