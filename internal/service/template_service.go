package service

import (
	"sort"
	"strings"
)

// RenderTemplate replaces {key} placeholders with values from data.
// Unknown placeholders are left as written. Substituted values are not
// scanned again, so a value containing "{x}" stays literal.
func RenderTemplate(template string, data map[string]string) string {
	if len(data) == 0 {
		return template
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(data)*2)
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", data[k])
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
