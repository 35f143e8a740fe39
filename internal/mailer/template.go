package mailer

import "strings"

// Render substitutes {{key}} placeholders in a template with the
// recipient's personalization fields. Unknown placeholders are replaced
// with the empty string so a sparse recipient row never leaks raw
// template syntax into a delivered message.
func Render(template string, fields map[string]string) string {
	if template == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(template))

	for {
		start := strings.Index(template, "{{")
		if start < 0 {
			b.WriteString(template)
			return b.String()
		}
		end := strings.Index(template[start:], "}}")
		if end < 0 {
			b.WriteString(template)
			return b.String()
		}
		end += start

		b.WriteString(template[:start])
		key := strings.TrimSpace(template[start+2 : end])
		if v, ok := fields[key]; ok {
			b.WriteString(v)
		}
		template = template[end+2:]
	}
}
