package rules

import (
	"errors"
	"strings"
	"unicode"

	"github.com/John-Robertt/policy-compiler/internal/model"
)

type Op string

const (
	OpAnd Op = "AND"
	OpOr  Op = "OR"
	OpNot Op = "NOT"
)

func parseOp(s string) (Op, bool) {
	switch Op(strings.ToUpper(strings.TrimSpace(s))) {
	case OpAnd:
		return OpAnd, true
	case OpOr:
		return OpOr, true
	case OpNot:
		return OpNot, true
	}
	return "", false
}

// Node is a LOGIC expression tree. Leaf nodes carry a primitive; inner nodes
// carry an operator and at least one child.
type Node struct {
	Op       Op
	Children []*Node
	Leaf     *Primitive
}

// String renders the canonical kernel form, e.g.
// AND,((DST-PORT,443),(NETWORK,udp)).
func (n *Node) String() string {
	if n.Leaf != nil {
		return n.Leaf.String()
	}
	var b strings.Builder
	b.WriteString(string(n.Op))
	b.WriteString(",(")
	for i, c := range n.Children {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('(')
		b.WriteString(c.String())
		b.WriteByte(')')
	}
	b.WriteByte(')')
	return b.String()
}

func (n *Node) Match(md *model.Metadata, env Env) bool {
	if n.Leaf != nil {
		return n.Leaf.Match(md, env)
	}
	switch n.Op {
	case OpAnd:
		for _, c := range n.Children {
			if !c.Match(md, env) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range n.Children {
			if c.Match(md, env) {
				return true
			}
		}
		return false
	case OpNot:
		return !n.Children[0].Match(md, env)
	}
	return false
}

type segment struct {
	text string
	off  int
}

// ParseLogic parses a LOGIC payload. The top level must be an AND, OR or NOT
// expression; operands are parenthesized and may nest.
func ParseLogic(payload string) (*Node, error) {
	if err := checkBalanced(payload); err != nil {
		return nil, err
	}
	seg := trimSegment(segment{text: payload, off: 0})
	if seg.text == "" {
		return nil, &LogicError{Message: "LOGIC 表达式为空", Offset: 0, Substring: payload}
	}
	head, _ := splitHead(seg)
	if _, ok := parseOp(head.text); !ok {
		return nil, &LogicError{Message: "未知的逻辑运算符", Offset: head.off, Substring: head.text}
	}
	return parseExpr(seg)
}

func checkBalanced(s string) error {
	var open []int
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			open = append(open, i)
		case ')':
			if len(open) == 0 {
				return &LogicError{Message: "括号不匹配：多余的 ')'", Offset: i, Substring: excerpt(s, i)}
			}
			open = open[:len(open)-1]
		}
	}
	if len(open) > 0 {
		i := open[len(open)-1]
		return &LogicError{Message: "括号不匹配：缺少 ')'", Offset: i, Substring: excerpt(s, i)}
	}
	return nil
}

func excerpt(s string, i int) string {
	end := i + 32
	if end > len(s) {
		end = len(s)
	}
	return s[i:end]
}

func trimSegment(s segment) segment {
	lead := len(s.text) - len(strings.TrimLeftFunc(s.text, unicode.IsSpace))
	return segment{text: strings.TrimSpace(s.text), off: s.off + lead}
}

// splitTop splits s at commas outside parentheses.
func splitTop(s segment) []segment {
	var out []segment
	depth, start := 0, 0
	for i := 0; i < len(s.text); i++ {
		switch s.text[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, trimSegment(segment{text: s.text[start:i], off: s.off + start}))
				start = i + 1
			}
		}
	}
	return append(out, trimSegment(segment{text: s.text[start:], off: s.off + start}))
}

// splitHead returns the text before the first top-level comma and the rest.
func splitHead(s segment) (segment, segment) {
	depth := 0
	for i := 0; i < len(s.text); i++ {
		switch s.text[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				return trimSegment(segment{text: s.text[:i], off: s.off}),
					trimSegment(segment{text: s.text[i+1:], off: s.off + i + 1})
			}
		}
	}
	return s, segment{off: s.off + len(s.text)}
}

// unwrap strips one pair of parentheses enclosing the whole segment.
func unwrap(s segment) (segment, bool) {
	if len(s.text) < 2 || s.text[0] != '(' || s.text[len(s.text)-1] != ')' {
		return s, false
	}
	depth := 0
	for i := 0; i < len(s.text); i++ {
		switch s.text[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 && i != len(s.text)-1 {
				return s, false
			}
		}
	}
	return trimSegment(segment{text: s.text[1 : len(s.text)-1], off: s.off + 1}), true
}

func parseExpr(s segment) (*Node, error) {
	head, rest := splitHead(s)
	if op, ok := parseOp(head.text); ok {
		return parseOperator(op, head, rest)
	}
	if strings.HasPrefix(rest.text, "(") {
		return nil, &LogicError{Message: "未知的逻辑运算符", Offset: head.off, Substring: head.text}
	}
	return parseLeaf(s)
}

func parseOperator(op Op, head, rest segment) (*Node, error) {
	inner, ok := unwrap(rest)
	if !ok {
		return nil, &LogicError{
			Message:   "运算符的操作数必须用括号包裹",
			Offset:    rest.off,
			Substring: rest.text,
		}
	}
	n := &Node{Op: op}
	if inner.text == "" {
		return nil, &LogicError{Message: "缺少操作数", Offset: head.off, Substring: head.text}
	}
	for _, operand := range splitTop(inner) {
		body, ok := unwrap(operand)
		if !ok {
			return nil, &LogicError{Message: "操作数必须用括号包裹", Offset: operand.off, Substring: operand.text}
		}
		if body.text == "" {
			return nil, &LogicError{Message: "操作数为空", Offset: operand.off, Substring: operand.text}
		}
		child, err := parseExpr(body)
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, child)
	}
	if op == OpNot && len(n.Children) != 1 {
		return nil, &LogicError{Message: "NOT 只能有一个操作数", Offset: inner.off, Substring: inner.text}
	}
	return n, nil
}

func parseLeaf(s segment) (*Node, error) {
	parts := splitTop(s)
	typ := model.RuleType(strings.ToUpper(parts[0].text))
	if !PrimitiveType(typ) {
		return nil, &LogicError{Message: "未知的匹配类型", Offset: parts[0].off, Substring: parts[0].text}
	}
	if len(parts) < 2 || parts[1].text == "" {
		return nil, &LogicError{Message: "匹配条件缺少 payload", Offset: s.off, Substring: s.text}
	}
	noResolve := false
	switch {
	case len(parts) == 3 && strings.EqualFold(parts[2].text, "no-resolve"):
		noResolve = true
	case len(parts) > 2:
		return nil, &LogicError{Message: "匹配条件字段过多", Offset: parts[2].off, Substring: parts[2].text}
	}
	p, err := ParsePrimitive(typ, parts[1].text)
	if err != nil {
		msg := "匹配条件不合法"
		var re *RuleError
		if errors.As(err, &re) {
			msg = re.Message
		}
		return nil, &LogicError{Message: msg, Offset: parts[1].off, Substring: parts[1].text, Cause: err}
	}
	p.NoResolve = noResolve
	return &Node{Leaf: p}, nil
}
