package workload

import "strings"

type lexState int

const (
	stateCode lexState = iota
	stateSingle
	stateDouble
	stateBacktick
	stateDollar
	stateLineComment
	stateBlockComment
)

// SplitStatements splits a SQL script on top-level semicolons. Semicolons
// inside quotes, backticks, PostgreSQL dollar quotes and comments do not
// split. Fragments holding nothing but comments are dropped.
func SplitStatements(input string) []string {
	var (
		out      []string
		buf      strings.Builder
		state    = stateCode
		dollar   string
		escaped  bool
		hasCode  bool
		prevByte byte
	)
	flush := func() {
		if stmt := strings.TrimSpace(buf.String()); stmt != "" && hasCode {
			out = append(out, stmt)
		}
		buf.Reset()
		hasCode = false
	}
	for i := 0; i < len(input); i++ {
		ch := input[i]
		var next byte
		if i+1 < len(input) {
			next = input[i+1]
		}
		switch state {
		case stateLineComment:
			if ch == '\n' {
				state = stateCode
			}
		case stateBlockComment:
			if ch == '*' && next == '/' {
				buf.WriteByte(ch)
				ch = next
				i++
				state = stateCode
			}
		case stateSingle, stateDouble:
			quote := byte('\'')
			if state == stateDouble {
				quote = '"'
			}
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == quote:
				state = stateCode
			}
		case stateBacktick:
			if ch == '`' {
				state = stateCode
			}
		case stateDollar:
			if ch == '$' && strings.HasPrefix(input[i:], dollar) {
				buf.WriteString(dollar)
				i += len(dollar) - 1
				prevByte = '$'
				state = stateCode
				continue
			}
		default:
			switch {
			case ch == '-' && next == '-' && (i == 0 || isSpace(prevByte)):
				state = stateLineComment
			case ch == '#':
				state = stateLineComment
			case ch == '/' && next == '*':
				state = stateBlockComment
				buf.WriteByte(ch)
				ch = next
				i++
			case ch == '\'':
				state = stateSingle
			case ch == '"':
				state = stateDouble
			case ch == '`':
				state = stateBacktick
			case ch == '$':
				if tag, ok := dollarTag(input[i:]); ok {
					state = stateDollar
					dollar = tag
					buf.WriteString(tag)
					i += len(tag) - 1
					prevByte = '$'
					hasCode = true
					continue
				}
			case ch == ';':
				flush()
				prevByte = ch
				continue
			}
			if state != stateLineComment && state != stateBlockComment && !isSpace(ch) {
				hasCode = true
			}
		}
		buf.WriteByte(ch)
		prevByte = ch
	}
	flush()
	return out
}

// dollarTag matches a PostgreSQL dollar-quote opener such as $$ or $body$.
func dollarTag(s string) (string, bool) {
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '$':
			return s[:i+1], true
		case c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || (i > 1 && c >= '0' && c <= '9'):
		default:
			return "", false
		}
	}
	return "", false
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r'
}
