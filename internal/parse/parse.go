// Package parse implements the incremental parser continuation used by the
// session coordinator. Raw input chunks are folded into a Buffer until they
// form a complete expression, need more input, or fail with a syntax error.
package parse

import (
	"fmt"
	"regexp"
	"strings"
)

// BreakToken abandons a pending multi-line form when typed on its own line.
const BreakToken = "#break"

// FormClass classifies the previously completed form. Assignments are
// tracked separately because the operator-continuation shorthand is not
// allowed directly after them.
type FormClass int

const (
	ClassNone FormClass = iota
	ClassMatch
	ClassOther
)

// Buffer carries partial input across chunks. The zero value is an empty
// buffer with no preceding form.
type Buffer struct {
	acc  string
	last FormClass
}

// Empty reports whether the buffer holds no partial input.
func (b Buffer) Empty() bool { return b.acc == "" }

// LastClass returns the class of the most recently completed form.
func (b Buffer) LastClass() FormClass { return b.last }

// Clear drops any partial input while keeping the last form class.
func (b Buffer) Clear() Buffer { return Buffer{last: b.last} }

// SyntaxError is a fatal parse failure with the location and token that
// triggered it.
type SyntaxError struct {
	Line    int
	Col     int
	Message string
	Token   string
}

func (e *SyntaxError) Error() string {
	if e.Token != "" {
		return fmt.Sprintf("line %d, column %d: %s (token: %q)", e.Line, e.Col, e.Message, e.Token)
	}
	return fmt.Sprintf("line %d, column %d: %s", e.Line, e.Col, e.Message)
}

// Status is the outcome of folding a chunk into a buffer.
type Status int

const (
	// Complete means Forms holds a full expression ready to evaluate.
	Complete Status = iota
	// Incomplete means more input is needed; Buffer carries the partial form.
	Incomplete
	// Fatal means the accumulated input can never complete; Err describes why.
	Fatal
)

// Result of one Fold call. Buffer is always the state the caller should
// store next: partial input on Incomplete, cleared otherwise.
type Result struct {
	Status Status
	Forms  string
	Class  FormClass
	Buffer Buffer
	Err    *SyntaxError
}

var (
	declPattern   = regexp.MustCompile(`^\s*(let|const|var)\b`)
	assignPattern = regexp.MustCompile(`^\s*[A-Za-z_$][\w$]*(\s*(\.\s*[A-Za-z_$][\w$]*|\[[^\]]*\]))*\s*(=|\+=|-=|\*=|/=|%=)([^=>]|$)`)
)

// Binary operators eligible for the continuation shorthand, longest first.
var continuationOps = []string{
	"===", "!==", "&&", "||", "??", "==", "!=", "<=", ">=", "<<", ">>",
	"<", ">", "*", "/", "%", "+", "-", "&", "|", "^",
}

// Fold appends chunk to the buffered input and decides whether the result is
// a complete form, still incomplete, or fatally malformed. A chunk is a raw
// line as delivered by the input owner, newline included.
func Fold(buf Buffer, chunk string) Result {
	if strings.TrimSpace(chunk) == BreakToken {
		return Result{
			Status: Fatal,
			Buffer: buf.Clear(),
			Err: &SyntaxError{
				Line:    countLines(buf.acc) + 1,
				Col:     1,
				Message: "incomplete expression, input abandoned",
				Token:   BreakToken,
			},
		}
	}

	acc := buf.acc + chunk
	if buf.Empty() {
		lead := strings.TrimLeft(chunk, " \t")
		if op, ok := leadingOperator(lead); ok {
			if buf.last == ClassMatch {
				return Result{
					Status: Fatal,
					Buffer: buf.Clear(),
					Err: &SyntaxError{
						Line:    1,
						Col:     1,
						Message: "operator shorthand cannot follow an assignment; wrap the assignment in parentheses to continue from its value",
						Token:   op,
					},
				}
			}
			acc = "_ " + lead
		}
	}

	state, serr := scan(acc)
	if serr != nil {
		return Result{Status: Fatal, Buffer: buf.Clear(), Err: serr}
	}
	if state.pending() {
		return Result{Status: Incomplete, Buffer: Buffer{acc: acc, last: buf.last}}
	}
	if len(state.cont) > 0 {
		acc = spliceContinuations(acc, state.cont)
	}
	if strings.TrimSpace(acc) == "" {
		return Result{Status: Complete, Forms: "", Class: buf.last, Buffer: buf.Clear()}
	}

	class := classify(acc)
	return Result{Status: Complete, Forms: acc, Class: class, Buffer: Buffer{last: class}}
}

// leadingOperator reports the continuation operator chunk starts with, if
// any. Plus and minus only count when followed by whitespace, so negative
// literals are left alone.
func leadingOperator(s string) (string, bool) {
	if strings.HasPrefix(s, "//") || strings.HasPrefix(s, "/*") {
		return "", false
	}
	for _, op := range continuationOps {
		if !strings.HasPrefix(s, op) {
			continue
		}
		rest := s[len(op):]
		if op == "+" || op == "-" {
			if rest == "" || (rest[0] != ' ' && rest[0] != '\t') {
				return "", false
			}
		}
		// Reject when a longer operator run follows, e.g. "=>" after "=".
		if rest != "" && isOpByte(rest[0]) && len(op) == 1 && op != "*" {
			continue
		}
		return op, true
	}
	return "", false
}

func isOpByte(b byte) bool {
	return strings.IndexByte("=<>&|+-*/%^?", b) >= 0
}

func classify(src string) FormClass {
	if declPattern.MatchString(src) || assignPattern.MatchString(src) {
		return ClassMatch
	}
	return ClassOther
}

func countLines(s string) int {
	return strings.Count(s, "\n")
}

// spliceContinuations drops the explicit line-continuation backslashes, at
// the rune indices recorded by scan, so the evaluator sees joined source.
func spliceContinuations(src string, idx []int) string {
	runes := []rune(src)
	out := make([]rune, 0, len(runes))
	j := 0
	for i, r := range runes {
		if j < len(idx) && i == idx[j] {
			j++
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

type delim struct {
	ch   rune
	line int
	col  int
}

type scanState struct {
	stack      []delim
	inBlock    bool // inside /* */
	inTemplate bool // inside a backtick string
	lineCont   bool // last significant token is a line-continuation backslash
	cont       []int
	lastSig    rune
	prevSig    rune
}

// pending reports whether the scanned input still needs more chunks.
func (st *scanState) pending() bool {
	if len(st.stack) > 0 || st.inBlock || st.inTemplate || st.lineCont {
		return true
	}
	// ++ and -- are postfix, not a dangling operator.
	if (st.lastSig == '+' && st.prevSig == '+') || (st.lastSig == '-' && st.prevSig == '-') {
		return false
	}
	return st.lastSig != 0 && strings.ContainsRune("+-*/%<>=&|,.?:", st.lastSig)
}

// scan walks the accumulated source tracking delimiter balance, strings and
// comments. It returns a fatal error for unbalanced closers and strings left
// open at end of line.
func scan(src string) (*scanState, *SyntaxError) {
	st := &scanState{}
	line, col := 1, 0
	var quote rune
	var quoteLine, quoteCol int
	var inLineComment, escaped bool
	var blockOpen int

	runes := []rune(src)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '\n' {
			if quote != 0 && quote != '`' {
				return nil, &SyntaxError{
					Line:    quoteLine,
					Col:     quoteCol,
					Message: "unterminated string literal",
					Token:   string(quote),
				}
			}
			line++
			col = 0
			inLineComment = false
			escaped = false
			continue
		}
		col++

		switch {
		case inLineComment:
			continue
		case st.inBlock:
			// The closing * must come after the opener, so /*/ stays open.
			if r == '/' && runes[i-1] == '*' && i-1 > blockOpen {
				st.inBlock = false
			}
			continue
		case quote != 0:
			if escaped {
				escaped = false
				continue
			}
			switch r {
			case '\\':
				escaped = true
			case quote:
				quote = 0
				st.inTemplate = false
				st.prevSig, st.lastSig = st.lastSig, 'x' // a string counts as a value
			}
			continue
		}

		if r == '\\' && (i+1 >= len(runes) || runes[i+1] == '\n') {
			st.lineCont = true
			st.cont = append(st.cont, i)
			continue
		}

		switch r {
		case '\'', '"', '`':
			quote = r
			quoteLine, quoteCol = line, col
			st.inTemplate = r == '`'
			st.lineCont = false
			continue
		case '/':
			if i+1 < len(runes) {
				switch runes[i+1] {
				case '/':
					inLineComment = true
					continue
				case '*':
					st.inBlock = true
					blockOpen = i + 1
					i++
					col++
					continue
				}
			}
		case '(', '[', '{':
			st.stack = append(st.stack, delim{ch: r, line: line, col: col})
			st.prevSig, st.lastSig = st.lastSig, r
			st.lineCont = false
			continue
		case ')', ']', '}':
			if len(st.stack) == 0 {
				return nil, &SyntaxError{Line: line, Col: col, Message: "unexpected closing delimiter", Token: string(r)}
			}
			open := st.stack[len(st.stack)-1]
			if closerFor(open.ch) != r {
				return nil, &SyntaxError{
					Line:    line,
					Col:     col,
					Message: fmt.Sprintf("mismatched delimiter, expected %q to close %q opened at line %d", string(closerFor(open.ch)), string(open.ch), open.line),
					Token:   string(r),
				}
			}
			st.stack = st.stack[:len(st.stack)-1]
			st.prevSig, st.lastSig = st.lastSig, r
			st.lineCont = false
			continue
		}

		if r != ' ' && r != '\t' {
			st.prevSig, st.lastSig = st.lastSig, r
			st.lineCont = false
		}
	}

	if quote != 0 && quote != '`' {
		return nil, &SyntaxError{Line: quoteLine, Col: quoteCol, Message: "unterminated string literal", Token: string(quote)}
	}
	return st, nil
}

func closerFor(open rune) rune {
	switch open {
	case '(':
		return ')'
	case '[':
		return ']'
	default:
		return '}'
	}
}
