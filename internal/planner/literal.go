package planner

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// findArray returns the items of the first balanced [...] span of s that
// reads as a list. Brackets inside quoted strings are ignored. A list cut
// off before its closing bracket is accepted when it parses once closed.
func findArray(s string) ([]string, bool) {
	start := strings.IndexByte(s, '[')
	for start >= 0 {
		next := start + 1
		if end, ok := matchBracket(s, start); ok {
			candidate := s[start : end+1]
			if items, err := parseStringList(candidate); err == nil {
				return items, true
			}
			if items, ok := rawActionItems(candidate); ok {
				return items, true
			}
			next = end + 1
		} else if items, err := parseStringList(strings.TrimRight(s[start:], " \t\r\n,") + "]"); err == nil {
			return items, true
		}
		if next >= len(s) {
			break
		}
		i := strings.IndexByte(s[next:], '[')
		if i < 0 {
			break
		}
		start = next + i
	}
	return nil, false
}

// rawActionItems accepts a list whose items were left unquoted, such as
// [SQL: ['q1'], PLOT: ['p1']]. Every item must start with a known action.
func rawActionItems(candidate string) ([]string, bool) {
	inner := strings.TrimSpace(candidate[1 : len(candidate)-1])
	if inner == "" {
		return nil, false
	}
	var items []string
	depth, last := 0, 0
	var quote byte
	for i := 0; i < len(inner); i++ {
		c := inner[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				items = append(items, strings.TrimSpace(inner[last:i]))
				last = i + 1
			}
		}
	}
	if tail := strings.TrimSpace(inner[last:]); tail != "" {
		items = append(items, tail)
	}
	for _, it := range items {
		colon := strings.IndexByte(it, ':')
		if colon < 0 || NormalizeAction(it[:colon]) == ActionUnknown {
			return nil, false
		}
	}
	return items, len(items) > 0
}

// matchBracket finds the index of the ']' closing the '[' at open.
func matchBracket(s string, open int) (int, bool) {
	depth := 0
	var quote byte
	for i := open; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// parseStringList reads a list literal of quoted strings. Single or double
// quotes, backslash escapes, trailing commas and surrounding whitespace are
// accepted.
func parseStringList(s string) ([]string, error) {
	p := &literalParser{src: strings.TrimSpace(s)}
	items, err := p.list()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, fmt.Errorf("unexpected trailing text at %d", p.pos)
	}
	return items, nil
}

// parsePayload reads a step payload: a list literal, one quoted string, or
// bare text taken as a single item.
func parsePayload(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty payload")
	}
	switch s[0] {
	case '[':
		return parseStringList(s)
	case '"', '\'':
		p := &literalParser{src: s}
		v, err := p.str()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.pos != len(p.src) {
			return nil, fmt.Errorf("unexpected trailing text at %d", p.pos)
		}
		return []string{v}, nil
	default:
		return []string{s}, nil
	}
}

type literalParser struct {
	src string
	pos int
}

func (p *literalParser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *literalParser) list() ([]string, error) {
	p.skipSpace()
	if p.pos >= len(p.src) || p.src[p.pos] != '[' {
		return nil, errors.New("expected '['")
	}
	p.pos++
	items := []string{}
	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			return nil, errors.New("unterminated list")
		}
		if p.src[p.pos] == ']' {
			p.pos++
			return items, nil
		}
		v, err := p.str()
		if err != nil {
			return nil, err
		}
		items = append(items, v)
		p.skipSpace()
		if p.pos >= len(p.src) {
			return nil, errors.New("unterminated list")
		}
		switch p.src[p.pos] {
		case ',':
			p.pos++
		case ']':
		default:
			return nil, fmt.Errorf("expected ',' or ']' at %d", p.pos)
		}
	}
}

func (p *literalParser) str() (string, error) {
	if p.pos >= len(p.src) {
		return "", errors.New("expected string")
	}
	quote := p.src[p.pos]
	if quote != '"' && quote != '\'' {
		return "", fmt.Errorf("expected quoted string at %d", p.pos)
	}
	p.pos++
	var b strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch {
		case c == quote:
			p.pos++
			return b.String(), nil
		case c == '\\' && p.pos+1 < len(p.src):
			p.pos++
			if err := p.escape(&b); err != nil {
				return "", err
			}
		default:
			r, size := utf8.DecodeRuneInString(p.src[p.pos:])
			b.WriteRune(r)
			p.pos += size
		}
	}
	return "", errors.New("unterminated string")
}

func (p *literalParser) escape(b *strings.Builder) error {
	c := p.src[p.pos]
	p.pos++
	switch c {
	case 'n':
		b.WriteByte('\n')
	case 't':
		b.WriteByte('\t')
	case 'r':
		b.WriteByte('\r')
	case 'u':
		if p.pos+4 > len(p.src) {
			return errors.New("short unicode escape")
		}
		v, err := strconv.ParseUint(p.src[p.pos:p.pos+4], 16, 32)
		if err != nil {
			return fmt.Errorf("bad unicode escape: %w", err)
		}
		b.WriteRune(rune(v))
		p.pos += 4
	default:
		r, size := utf8.DecodeRuneInString(p.src[p.pos-1:])
		b.WriteRune(r)
		p.pos += size - 1
	}
	return nil
}
