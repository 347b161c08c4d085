package main

import (
	"fmt"
	"slices"
	"strings"
)

// foldName makes "Guest Bathroom", "guest-bathroom" and "guest_bathroom"
// compare equal.
func foldName(name string) string {
	fields := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	})
	return strings.Join(fields, "_")
}

// matchEntry resolves user input against the configured entry names. An
// exact (folded) match wins, otherwise a unique prefix is accepted.
func matchEntry(input string, names []string) (string, error) {
	needle := foldName(input)
	var prefixed []string
	for _, name := range names {
		folded := foldName(name)
		if folded == needle {
			return name, nil
		}
		if needle != "" && strings.HasPrefix(folded, needle) {
			prefixed = append(prefixed, name)
		}
	}
	if len(prefixed) == 1 {
		return prefixed[0], nil
	}

	available := slices.Clone(names)
	slices.Sort(available)
	if len(prefixed) > 1 {
		slices.Sort(prefixed)
		return "", fmt.Errorf("entry %q is ambiguous: %s", input, strings.Join(prefixed, ", "))
	}
	return "", fmt.Errorf("entry %q not found. Available: %s", input, strings.Join(available, ", "))
}
