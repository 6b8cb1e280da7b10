// Package rules parses and evaluates routing rule matchers: primitive
// conditions, LOGIC expression trees and kernel rule lines.
package rules

import "fmt"

type RuleError struct {
	Code    string
	Message string
	Hint    string
	Snippet string
	Cause   error
}

func (e *RuleError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *RuleError) Unwrap() error { return e.Cause }

// LogicError reports a malformed LOGIC expression. Offset is the byte offset
// of Substring within the payload.
type LogicError struct {
	Message   string
	Offset    int
	Substring string
	Cause     error
}

func (e *LogicError) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := fmt.Sprintf("%s (offset %d: %q)", e.Message, e.Offset, e.Substring)
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *LogicError) Unwrap() error { return e.Cause }
