package reference

import (
	"fmt"
	"regexp"
	"strings"
)

// templatePattern matches {{key}} / {{a.b.c}} placeholders.
var templatePattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// substituteVariables replaces every {{path}} placeholder in template with
// its stringified lookup in vars, leaving unresolved placeholders intact.
func substituteVariables(template string, vars map[string]any) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	return templatePattern.ReplaceAllStringFunc(template, func(match string) string {
		path := strings.TrimSpace(templatePattern.FindStringSubmatch(match)[1])
		value := getNestedValue(vars, path)
		if value == nil {
			return match
		}
		return fmt.Sprint(value)
	})
}

// getNestedValue resolves a dotted path ("a.b.c") against a nested
// map[string]any, returning nil if any segment is missing or not itself a
// map.
func getNestedValue(data map[string]any, path string) any {
	var current any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}
