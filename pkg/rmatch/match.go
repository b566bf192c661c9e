package rmatch

import (
	"regexp"
	"strings"
)

// Matcher is a compiled glob pattern.
type Matcher struct {
	pattern string
	re      *regexp.Regexp
}

// Compile translates a Redis glob pattern into an anchored matcher.
// Every pattern compiles: a class that the regexp engine rejects, such
// as an inverted range in [z-a], yields a matcher that matches nothing.
func Compile(pattern string) *Matcher {
	var sb strings.Builder
	sb.WriteString("\\A")

	i := 0
	for i < len(pattern) {
		c := pattern[i]
		switch c {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		case '\\':
			if i+1 < len(pattern) {
				i++
				sb.WriteString(regexp.QuoteMeta(string(pattern[i])))
			} else {
				sb.WriteString(regexp.QuoteMeta("\\"))
			}
		case '[':
			end := classEnd(pattern, i)
			if end == -1 {
				// Unterminated class matches literally, like Redis does.
				sb.WriteString(regexp.QuoteMeta(pattern[i:]))
				i = len(pattern)
				continue
			}
			sb.WriteString(translateClass(pattern[i+1 : end]))
			i = end
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
		i++
	}

	sb.WriteString("\\z")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return &Matcher{pattern: pattern}
	}
	return &Matcher{pattern: pattern, re: re}
}

// classEnd returns the index of the closing ']' of a class starting at
// open, or -1 if the class is unterminated. A ']' directly after the
// opening bracket (or after negation) is part of the class.
func classEnd(pattern string, open int) int {
	i := open + 1
	if i < len(pattern) && (pattern[i] == '^' || pattern[i] == '!') {
		i++
	}
	if i < len(pattern) && pattern[i] == ']' {
		i++
	}
	for i < len(pattern) {
		if pattern[i] == '\\' {
			i += 2
			continue
		}
		if pattern[i] == ']' {
			return i
		}
		i++
	}
	return -1
}

// translateClass renders the inside of a glob character class as a
// regexp class, preserving ranges and negation.
func translateClass(body string) string {
	var sb strings.Builder
	sb.WriteString("[")

	i := 0
	if i < len(body) && (body[i] == '^' || body[i] == '!') {
		sb.WriteString("^")
		i++
	}

	for i < len(body) {
		c := body[i]
		switch c {
		case '\\':
			if i+1 < len(body) {
				i++
				sb.WriteString(escapeInClass(body[i]))
			}
		case '-':
			sb.WriteString("-")
		default:
			sb.WriteString(escapeInClass(c))
		}
		i++
	}

	sb.WriteString("]")
	return sb.String()
}

func escapeInClass(c byte) string {
	switch c {
	case '\\', ']', '^', '-':
		return "\\" + string(c)
	}
	return string(c)
}

// Match reports whether s matches the pattern.
func (m *Matcher) Match(s string) bool {
	return m.re != nil && m.re.MatchString(s)
}

// Pattern returns the original pattern text.
func (m *Matcher) Pattern() string {
	return m.pattern
}

// Match compiles pattern and tests s against it in one step.
func Match(pattern, s string) bool {
	return Compile(pattern).Match(s)
}
