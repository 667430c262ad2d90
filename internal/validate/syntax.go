package validate

import "fmt"

// SyntaxError is a parse failure found without running the code.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

var closerFor = map[byte]byte{'(': ')', '[': ']', '{': '}'}

var bracketName = map[byte]string{
	'(': "parenthesis", ')': "parenthesis",
	'[': "bracket", ']': "bracket",
	'{': "brace", '}': "brace",
}

type opener struct {
	ch   byte
	line int
}

// scanPython tokenizes Python source far enough to catch the errors the
// interpreter would report before executing anything: unterminated
// strings, unbalanced brackets and broken indentation.
//
// It also returns a copy of src of the same length in which string
// contents and comments are blanked out, so later pattern checks only see
// code.
func scanPython(src string) (string, *SyntaxError) {
	code := []byte(src)
	var (
		stack        []opener
		indents      = []int{0}
		line         = 1
		atLineStart  = true
		continuation bool
		expectIndent bool
		blockLine    int
		lastSig      byte
	)

	blank := func(from, to int) {
		for k := from; k < to; k++ {
			if code[k] != '\n' {
				code[k] = ' '
			}
		}
	}

	i := 0
	for i < len(src) {
		if atLineStart {
			atLineStart = false
			if len(stack) == 0 && !continuation {
				j, width := i, 0
				sawTab, sawSpace := false, false
				for j < len(src) && (src[j] == ' ' || src[j] == '\t' || src[j] == '\f') {
					switch src[j] {
					case '\t':
						sawTab = true
						width = (width/8 + 1) * 8
					case ' ':
						sawSpace = true
						width++
					}
					j++
				}
				if j >= len(src) || src[j] == '\n' || src[j] == '\r' || src[j] == '#' {
					i = j
					continue
				}
				if sawTab && sawSpace {
					return string(code), &SyntaxError{line, "inconsistent use of tabs and spaces in indentation"}
				}
				cur := indents[len(indents)-1]
				switch {
				case expectIndent:
					if width <= cur {
						return string(code), &SyntaxError{line, fmt.Sprintf("expected an indented block after line %d", blockLine)}
					}
					indents = append(indents, width)
				case width > cur:
					return string(code), &SyntaxError{line, "unexpected indent"}
				case width < cur:
					for len(indents) > 1 && indents[len(indents)-1] > width {
						indents = indents[:len(indents)-1]
					}
					if indents[len(indents)-1] != width {
						return string(code), &SyntaxError{line, "unindent does not match any outer indentation level"}
					}
				}
				expectIndent = false
				i = j
				continue
			}
			continuation = false
		}

		c := src[i]
		switch {
		case c == '\n':
			if len(stack) == 0 {
				if lastSig == ':' {
					expectIndent = true
					blockLine = line
				}
				lastSig = 0
			}
			line++
			atLineStart = true
			i++

		case c == '\\':
			if i+1 < len(src) && src[i+1] == '\n' {
				continuation = true
				line++
				atLineStart = true
				i += 2
				continue
			}
			if i+2 < len(src) && src[i+1] == '\r' && src[i+2] == '\n' {
				continuation = true
				line++
				atLineStart = true
				i += 3
				continue
			}
			return string(code), &SyntaxError{line, "unexpected character after line continuation character"}

		case c == '#':
			j := i
			for j < len(src) && src[j] != '\n' {
				j++
			}
			blank(i, j)
			i = j

		case c == '\'' || c == '"':
			end, nl, err := scanString(src, i, line)
			if err != nil {
				return string(code), err
			}
			blank(i+1, end-1)
			line += nl
			lastSig = c
			i = end

		case c == '(' || c == '[' || c == '{':
			stack = append(stack, opener{c, line})
			lastSig = c
			i++

		case c == ')' || c == ']' || c == '}':
			if len(stack) == 0 {
				return string(code), &SyntaxError{line, fmt.Sprintf("unmatched '%c'", c)}
			}
			top := stack[len(stack)-1]
			if closerFor[top.ch] != c {
				msg := fmt.Sprintf("closing %s '%c' does not match opening %s '%c'", bracketName[c], c, bracketName[top.ch], top.ch)
				return string(code), &SyntaxError{line, msg}
			}
			stack = stack[:len(stack)-1]
			lastSig = c
			i++

		case c == ' ' || c == '\t' || c == '\r' || c == '\f':
			i++

		default:
			lastSig = c
			i++
		}
	}

	if len(stack) > 0 {
		top := stack[len(stack)-1]
		return string(code), &SyntaxError{top.line, fmt.Sprintf("'%c' was never closed", top.ch)}
	}
	if continuation {
		return string(code), &SyntaxError{line, "unexpected EOF while parsing"}
	}
	if expectIndent || lastSig == ':' {
		if lastSig == ':' {
			blockLine = line
		}
		return string(code), &SyntaxError{blockLine, fmt.Sprintf("expected an indented block after line %d", blockLine)}
	}
	return string(code), nil
}

// scanString returns the index just past the string literal starting at
// start and the number of newlines it spans.
func scanString(src string, start, line int) (int, int, *SyntaxError) {
	q := src[start]
	triple := start+2 < len(src) && src[start+1] == q && src[start+2] == q
	j := start + 1
	if triple {
		j = start + 3
	}
	nl := 0
	for j < len(src) {
		switch c := src[j]; {
		case c == '\\':
			if j+1 < len(src) && src[j+1] == '\n' {
				nl++
			}
			j += 2
			continue
		case c == '\n':
			if !triple {
				return 0, 0, &SyntaxError{line, "unterminated string literal"}
			}
			nl++
		case c == q:
			if !triple {
				return j + 1, nl, nil
			}
			if j+2 < len(src) && src[j+1] == q && src[j+2] == q {
				return j + 3, nl, nil
			}
		}
		j++
	}
	if triple {
		return 0, 0, &SyntaxError{line, "unterminated triple-quoted string literal"}
	}
	return 0, 0, &SyntaxError{line, "unterminated string literal"}
}
