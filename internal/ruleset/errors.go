package ruleset

import (
	"fmt"

	"github.com/John-Robertt/policy-compiler/internal/model"
)

const (
	CodeParse            = "RULESET_PARSE_ERROR"
	CodeBehaviorMismatch = "RULESET_BEHAVIOR_MISMATCH"
)

// ParseError reports malformed ruleset bytes, or entries that do not fit
// the declared behavior.
type ParseError struct {
	AppError model.AppError
	Cause    error
}

func (e *ParseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

func parseErr(code, msg string, line int, snippet string, cause error) *ParseError {
	return &ParseError{
		AppError: model.AppError{
			Code:    code,
			Message: msg,
			Stage:   model.StageParse,
			Line:    line,
			Snippet: model.TruncateSnippet(snippet),
		},
		Cause: cause,
	}
}
