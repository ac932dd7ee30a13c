package conversation

import (
	"strings"
)

// FormatTemplate resolves {name} placeholders in content against vars.
// Doubled braces escape literal braces ("{{" -> "{", "}}" -> "}").
// A placeholder with no matching variable is an error: scripted templates
// reference only variables the environment config promises to provide.
func FormatTemplate(content string, vars map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(content))

	i := 0
	for i < len(content) {
		c := content[i]
		switch c {
		case '{':
			if i+1 < len(content) && content[i+1] == '{' {
				b.WriteByte('{')
				i += 2
				continue
			}
			end := strings.IndexByte(content[i+1:], '}')
			if end < 0 {
				return "", NewTemplateError(content, "unclosed '{' in template")
			}
			name := content[i+1 : i+1+end]
			value, ok := vars[name]
			if !ok {
				return "", NewMissingFormatVarError(name)
			}
			b.WriteString(value)
			i += end + 2
		case '}':
			if i+1 < len(content) && content[i+1] == '}' {
				b.WriteByte('}')
				i += 2
				continue
			}
			return "", NewTemplateError(content, "single '}' in template")
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), nil
}

// CountTemplateFields counts unresolved {name} placeholders in content.
// Escaped braces do not count. Used for the initial-state precondition:
// its scripted messages must arrive fully resolved.
func CountTemplateFields(content string) int {
	count := 0
	i := 0
	for i < len(content) {
		if content[i] == '{' {
			if i+1 < len(content) && content[i+1] == '{' {
				i += 2
				continue
			}
			end := strings.IndexByte(content[i+1:], '}')
			if end < 0 {
				return count
			}
			count++
			i += end + 2
			continue
		}
		if content[i] == '}' && i+1 < len(content) && content[i+1] == '}' {
			i += 2
			continue
		}
		i++
	}
	return count
}
