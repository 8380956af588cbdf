package contract

import "sort"

// Strict derives the strict-export variant of a contract: every object
// node forbids additional properties and requires all declared
// properties, and properties that were previously optional are widened
// to accept null. The input tree is never modified. External tools
// that reject open-ended object shapes consume this variant.
func Strict(s *Schema) *Schema {
	out := s.Clone()
	strictify(out)
	return out
}

func strictify(s *Schema) {
	if s == nil {
		return
	}
	if s.Type == TypeObject || len(s.Properties) > 0 {
		forbid := false
		s.AdditionalProperties = &forbid

		wasRequired := make(map[string]bool, len(s.Required))
		for _, name := range s.Required {
			wasRequired[name] = true
		}

		names := make([]string, 0, len(s.Properties))
		for name := range s.Properties {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			if !wasRequired[name] {
				s.Properties[name].Nullable = true
			}
		}
		s.Required = names
	}

	for _, p := range s.Properties {
		strictify(p)
	}
	strictify(s.Items)
	for _, d := range s.Defs {
		strictify(d)
	}
}
