package executor

import (
	"fmt"
	"strings"
)

// shellMetacharacters are stripped from every parameter value before
// it is substituted into a command template (spec.md 4.H.4). This is
// applied uniformly across all three backends, unlike the original
// implementation which omitted it from the remote Docker path.
const shellMetacharacters = ";|&`$(){}!><\n\r"

// Sanitize strips shell metacharacters from a single parameter value.
func Sanitize(value string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(shellMetacharacters, r) {
			return -1
		}
		return r
	}, value)
}

// BuildCommand substitutes {name} and ${name} placeholders in template
// with the sanitized string form of each resolved parameter. Any
// placeholder with no matching key is left as a literal (spec.md
// 4.H.4).
func BuildCommand(template string, params map[string]any) string {
	command := template
	for key, value := range params {
		sanitized := Sanitize(stringify(value))
		// ${name} must be replaced before {name}: "{name}" is a literal
		// substring of "${name}", so the opposite order leaves a stray "$".
		command = strings.ReplaceAll(command, fmt.Sprintf("${%s}", key), sanitized)
		command = strings.ReplaceAll(command, fmt.Sprintf("{%s}", key), sanitized)
	}
	return command
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
