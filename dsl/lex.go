package dsl

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"flowcore"
)

// tokenizeLine splits on whitespace. Double quotes group words and a
// backslash escapes the next rune; `key="a b"` yields the single token `key=a b`.
func tokenizeLine(line string) ([]string, error) {
	var tokens []string
	var buf strings.Builder
	inQuote := false
	escaping := false
	quoted := false

	for _, r := range line {
		switch {
		case escaping:
			buf.WriteRune(r)
			escaping = false
		case r == '\\':
			escaping = true
		case r == '"':
			inQuote = !inQuote
			quoted = true
		case unicode.IsSpace(r) && !inQuote:
			if buf.Len() > 0 || quoted {
				tokens = append(tokens, buf.String())
				buf.Reset()
				quoted = false
			}
		default:
			buf.WriteRune(r)
		}
	}

	if escaping {
		return nil, errors.New("unfinished escape sequence")
	}
	if inQuote {
		return nil, errors.New("unterminated quoted string")
	}
	if buf.Len() > 0 || quoted {
		tokens = append(tokens, buf.String())
	}
	return tokens, nil
}

func splitArgs(args []string) (positional []string, named map[string]string) {
	named = make(map[string]string)
	for _, arg := range args {
		if idx := strings.Index(arg, "="); idx > 0 {
			named[arg[:idx]] = arg[idx+1:]
			continue
		}
		positional = append(positional, arg)
	}
	return positional, named
}

// takeToken returns the first word of line, or the first quoted string.
func takeToken(line string) (string, string) {
	line = strings.TrimLeftFunc(line, unicode.IsSpace)
	if line == "" {
		return "", ""
	}

	if line[0] == '"' {
		var builder strings.Builder
		escaping := false
		for i := 1; i < len(line); i++ {
			ch := line[i]
			switch {
			case escaping:
				builder.WriteByte(ch)
				escaping = false
			case ch == '\\':
				escaping = true
			case ch == '"':
				return builder.String(), line[i+1:]
			default:
				builder.WriteByte(ch)
			}
		}
		return builder.String(), ""
	}

	i := strings.IndexFunc(line, unicode.IsSpace)
	if i < 0 {
		return line, ""
	}
	return line[:i], line[i:]
}

func parseStringArgument(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", errors.New("expected a value")
	}
	if value[0] == '"' {
		return strconv.Unquote(value)
	}
	return value, nil
}

// renderTemplate replaces {{key}} with fmt.Sprint(shared[key]). Unknown keys
// are left in place.
func renderTemplate(template string, shared flowcore.Shared) string {
	if shared == nil || !strings.Contains(template, "{{") {
		return template
	}

	var builder strings.Builder
	for i := 0; i < len(template); {
		if strings.HasPrefix(template[i:], "{{") {
			if end := strings.Index(template[i+2:], "}}"); end >= 0 {
				key := strings.TrimSpace(template[i+2 : i+2+end])
				if val, ok := shared[key]; ok {
					builder.WriteString(fmt.Sprint(val))
				} else {
					builder.WriteString("{{" + key + "}}")
				}
				i += end + 4
				continue
			}
		}
		builder.WriteByte(template[i])
		i++
	}
	return builder.String()
}
