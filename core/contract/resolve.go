package contract

import (
	"fmt"
	"strings"
)

// DefaultMaxRefDepth bounds how many reference hops one resolution
// chain may take before it is rejected.
const DefaultMaxRefDepth = 32

// ResolveError reports a reference that cannot be followed.
type ResolveError struct {
	Ref    string
	Reason string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("cannot resolve reference %q: %s", e.Ref, e.Reason)
}

// Resolver indexes contract documents so schema nodes can reference
// each other locally ("#/defs/x"), across documents ("doc#/defs/x"),
// or by bare id. Documents are added up front; lookups are read-only
// and safe for concurrent use afterwards.
type Resolver struct {
	docs map[string]*Schema
	ids  map[string]*Schema
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		docs: make(map[string]*Schema),
		ids:  make(map[string]*Schema),
	}
}

// AddDocument registers a named contract document and indexes every
// node in it that carries an id. Re-adding a name replaces the
// document; its ids are re-indexed.
func (r *Resolver) AddDocument(name string, s *Schema) {
	r.docs[name] = s
	r.indexIDs(s)
}

// Document returns a registered document root.
func (r *Resolver) Document(name string) (*Schema, bool) {
	s, ok := r.docs[name]
	return s, ok
}

func (r *Resolver) indexIDs(s *Schema) {
	if s == nil {
		return
	}
	if s.ID != "" {
		r.ids[s.ID] = s
	}
	for _, p := range s.Properties {
		r.indexIDs(p)
	}
	for _, d := range s.Defs {
		r.indexIDs(d)
	}
	r.indexIDs(s.Items)
}

// resolveOnce follows a single reference. root is the document the
// referencing node belongs to; local references resolve against it.
// Returns the target node and the document root the target lives in.
func (r *Resolver) resolveOnce(ref string, root *Schema) (*Schema, *Schema, error) {
	if ref == "" {
		return nil, nil, &ResolveError{Ref: ref, Reason: "empty reference"}
	}

	// Bare id reference.
	if !strings.Contains(ref, "#") {
		if r == nil {
			return nil, nil, &ResolveError{Ref: ref, Reason: "no resolver configured"}
		}
		if s, ok := r.ids[ref]; ok {
			return s, root, nil
		}
		return nil, nil, &ResolveError{Ref: ref, Reason: "unknown id"}
	}

	docName, fragment, _ := strings.Cut(ref, "#")
	base := root
	if docName != "" {
		if r == nil {
			return nil, nil, &ResolveError{Ref: ref, Reason: "no resolver configured"}
		}
		doc, ok := r.docs[docName]
		if !ok {
			return nil, nil, &ResolveError{Ref: ref, Reason: fmt.Sprintf("unknown document %q", docName)}
		}
		base = doc
	}
	if base == nil {
		return nil, nil, &ResolveError{Ref: ref, Reason: "no document context for local reference"}
	}

	node, err := walkPointer(base, fragment)
	if err != nil {
		return nil, nil, &ResolveError{Ref: ref, Reason: err.Error()}
	}
	return node, base, nil
}

// walkPointer follows a "/defs/x/properties/y" style fragment from a
// document root.
func walkPointer(root *Schema, fragment string) (*Schema, error) {
	node := root
	fragment = strings.TrimPrefix(fragment, "/")
	if fragment == "" {
		return node, nil
	}
	parts := strings.Split(fragment, "/")
	for i := 0; i < len(parts); i++ {
		switch parts[i] {
		case "defs":
			i++
			if i >= len(parts) {
				return nil, fmt.Errorf("pointer ends at defs without a name")
			}
			next, ok := node.Defs[parts[i]]
			if !ok {
				return nil, fmt.Errorf("no def named %q", parts[i])
			}
			node = next
		case "properties":
			i++
			if i >= len(parts) {
				return nil, fmt.Errorf("pointer ends at properties without a name")
			}
			next, ok := node.Properties[parts[i]]
			if !ok {
				return nil, fmt.Errorf("no property named %q", parts[i])
			}
			node = next
		case "items":
			if node.Items == nil {
				return nil, fmt.Errorf("node has no items")
			}
			node = node.Items
		default:
			return nil, fmt.Errorf("unsupported pointer step %q", parts[i])
		}
		if node == nil {
			return nil, fmt.Errorf("pointer step %q leads nowhere", parts[i])
		}
	}
	return node, nil
}

// deref follows a chain of references until it reaches a concrete
// node, carrying a visited set so cyclic chains are rejected, and a
// hop bound so runaway chains cannot recurse unbounded.
func (r *Resolver) deref(s, root *Schema, maxDepth int) (*Schema, *Schema, error) {
	visited := make(map[string]bool)
	for hops := 0; s != nil && s.Ref != ""; hops++ {
		if hops >= maxDepth {
			return nil, nil, &ResolveError{Ref: s.Ref, Reason: fmt.Sprintf("chain exceeds %d hops", maxDepth)}
		}
		if visited[s.Ref] {
			return nil, nil, &ResolveError{Ref: s.Ref, Reason: "reference cycle"}
		}
		visited[s.Ref] = true
		next, nextRoot, err := r.resolveOnce(s.Ref, root)
		if err != nil {
			return nil, nil, err
		}
		s, root = next, nextRoot
	}
	return s, root, nil
}
