package rules

import (
	"errors"
	"strings"

	"github.com/John-Robertt/policy-compiler/internal/model"
)

// Line is one kernel rule line, e.g. "DOMAIN,example.com,Proxy" or
// "AND,((DST-PORT,443),(NETWORK,udp)),Reject". LOGIC lines carry the whole
// expression in Payload.
type Line struct {
	Type      model.RuleType
	Payload   string
	Target    string
	NoResolve bool
}

func (l Line) String() string {
	var s string
	switch l.Type {
	case model.RuleMatch:
		return string(l.Type) + "," + l.Target
	case model.RuleLogic:
		s = l.Payload + "," + l.Target
	default:
		s = string(l.Type) + "," + l.Payload + "," + l.Target
	}
	if l.NoResolve {
		s += ",no-resolve"
	}
	return s
}

func lineError(msg, hint, line string) *RuleError {
	return &RuleError{Code: "RULE_PARSE_ERROR", Message: msg, Hint: hint, Snippet: truncate(line)}
}

func truncate(s string) string {
	s = strings.ReplaceAll(s, "\n", "")
	if len(s) > 200 {
		return s[:200]
	}
	return s
}

// ParseInlineRule parses a kernel rule line. The target is required.
func ParseInlineRule(line string) (Line, error) {
	line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
	if line == "" {
		return Line{}, lineError("规则行为空", "", line)
	}
	if strings.HasPrefix(line, "#") {
		return Line{}, lineError("规则行是注释", "", line)
	}
	if err := checkBalanced(line); err != nil {
		return Line{}, &RuleError{Code: "LOGIC_PARSE_ERROR", Message: "规则括号不匹配", Snippet: truncate(line), Cause: err}
	}

	parts := splitTop(segment{text: line})
	head := parts[0].text
	if head == "" {
		return Line{}, lineError("规则类型不能为空", "", line)
	}

	if _, ok := parseOp(head); ok {
		if len(parts) != 3 || parts[2].text == "" {
			return Line{}, lineError("LOGIC 规则必须是 OP,(...),TARGET", "", line)
		}
		expr := parts[0].text + "," + parts[1].text
		n, err := ParseLogic(expr)
		if err != nil {
			return Line{}, &RuleError{Code: "LOGIC_PARSE_ERROR", Message: "LOGIC 表达式不合法", Snippet: truncate(expr), Cause: err}
		}
		return Line{Type: model.RuleLogic, Payload: n.String(), Target: parts[2].text}, nil
	}

	typ := model.RuleType(strings.ToUpper(head))
	switch typ {
	case model.RuleMatch:
		if len(parts) != 2 || parts[1].text == "" {
			return Line{}, lineError("MATCH 规则必须是 MATCH,TARGET", "", line)
		}
		return Line{Type: typ, Target: parts[1].text}, nil
	case model.RuleRuleSet:
	default:
		if !PrimitiveType(typ) || typ == model.RuleNetwork {
			return Line{}, &RuleError{Code: "UNSUPPORTED_RULE_TYPE", Message: "不支持的规则类型：" + head, Snippet: truncate(line)}
		}
	}

	var l Line
	switch {
	case len(parts) == 3:
		l = Line{Type: typ, Payload: parts[1].text, Target: parts[2].text}
	case len(parts) == 4 && strings.EqualFold(parts[3].text, "no-resolve"):
		l = Line{Type: typ, Payload: parts[1].text, Target: parts[2].text, NoResolve: true}
	case len(parts) == 4:
		return Line{}, lineError("规则的可选项仅支持 no-resolve", "expected: TYPE,PAYLOAD,TARGET[,no-resolve]", line)
	default:
		return Line{}, lineError("规则字段数量不合法", "expected: TYPE,PAYLOAD,TARGET[,no-resolve]", line)
	}
	if l.Payload == "" || l.Target == "" {
		return Line{}, lineError("规则 PAYLOAD/TARGET 不能为空", "", line)
	}
	if typ != model.RuleRuleSet {
		p, err := ParsePrimitive(typ, l.Payload)
		if err != nil {
			return Line{}, err
		}
		l.Payload = p.Payload
	}
	return l, nil
}

// ParseClassicalLine parses one entry of a classical ruleset, which has no
// target: "DOMAIN-SUFFIX,example.com", "IP-CIDR,1.0.0.0/8,no-resolve" or a
// LOGIC expression.
func ParseClassicalLine(line string) (*Node, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, lineError("规则行为空", "", line)
	}
	if err := checkBalanced(line); err != nil {
		return nil, &RuleError{Code: "LOGIC_PARSE_ERROR", Message: "规则括号不匹配", Snippet: truncate(line), Cause: err}
	}
	head, _ := splitHead(segment{text: line})
	if _, ok := parseOp(head.text); ok {
		n, err := ParseLogic(line)
		if err != nil {
			return nil, &RuleError{Code: "LOGIC_PARSE_ERROR", Message: "LOGIC 表达式不合法", Snippet: truncate(line), Cause: err}
		}
		return n, nil
	}
	n, err := parseLeaf(segment{text: line})
	if err != nil {
		var le *LogicError
		if errors.As(err, &le) {
			if re, ok := le.Cause.(*RuleError); ok {
				return nil, re
			}
			return nil, &RuleError{Code: "UNSUPPORTED_RULE_TYPE", Message: le.Message, Snippet: truncate(line), Cause: err}
		}
		return nil, err
	}
	return n, nil
}
