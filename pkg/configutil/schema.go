package configutil

import (
	"sort"
	"strings"
)

// Schema lists the keys a provider accepts in its settings map. Secrets are
// accepted keys whose values must never reach a log line.
type Schema struct {
	Required     []string
	Optional     []string
	Secrets      []string
	AllowUnknown bool
}

// SettingsError reports every bad key at once so a config can be fixed in
// a single pass.
type SettingsError struct {
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	return strings.Join(parts, "; ")
}

// ValidateSettings checks input against schema. Key matching ignores case,
// underscores and hyphens; a blank string counts as missing.
func ValidateSettings(input map[string]any, schema Schema) error {
	allowed := keySet(schema.Required, schema.Optional, schema.Secrets)
	present := make(map[string]bool, len(input))
	e := &SettingsError{}
	for k, v := range input {
		nk := normalizeKey(k)
		if !allowed[nk] && !schema.AllowUnknown {
			e.Unknown = append(e.Unknown, k)
		}
		if !blank(v) {
			present[nk] = true
		}
	}
	for _, k := range schema.Required {
		if !present[normalizeKey(k)] {
			e.Missing = append(e.Missing, k)
		}
	}
	if len(e.Missing) == 0 && len(e.Unknown) == 0 {
		return nil
	}
	sort.Strings(e.Missing)
	sort.Strings(e.Unknown)
	return e
}

// Redact returns a copy of input that is safe to log.
func Redact(input map[string]any, schema Schema) map[string]any {
	secret := keySet(schema.Secrets)
	out := make(map[string]any, len(input))
	for k, v := range input {
		if secret[normalizeKey(k)] && !blank(v) {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v
	}
	return out
}

func keySet(lists ...[]string) map[string]bool {
	set := make(map[string]bool)
	for _, list := range lists {
		for _, k := range list {
			set[normalizeKey(k)] = true
		}
	}
	return set
}

func blank(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
