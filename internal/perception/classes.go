package perception

import "strings"

// classSet is a normalized set of detector class labels; nil means empty.
type classSet map[string]struct{}

func buildClassSet(values []string) classSet {
	if len(values) == 0 {
		return nil
	}
	set := make(classSet, len(values))
	for _, v := range values {
		c := normalizeClass(v)
		if c == "" {
			continue
		}
		set[c] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

func (s classSet) has(class string) bool {
	if s == nil {
		return false
	}
	_, ok := s[class]
	return ok
}

func normalizeClass(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
