package model

import "fmt"

// Stages reported in AppError.Stage.
const (
	StageValidate = "validate"
	StageCompile  = "compile"
	StageFetch    = "fetch_ruleset"
	StageParse    = "parse_ruleset"
	StageEmit     = "emit"
	StageProfile  = "profile"
)

// AppError is the error payload shared by every stage of the pipeline.
// Validation and compile problems are reported as a list of these.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage"`

	Path    string `json:"path,omitempty"`  // entity id or field path, e.g. proxy-groups[s].proxies[0]
	Index   *int   `json:"index,omitempty"` // 0-based rule index
	URL     string `json:"url,omitempty"`
	Line    int    `json:"line,omitempty"`    // 1-based; 0 means "not set"
	Snippet string `json:"snippet,omitempty"` // <= 200 chars
	Hint    string `json:"hint,omitempty"`
}

func (e AppError) String() string {
	s := e.Code + ": " + e.Message
	if e.Index != nil {
		s = fmt.Sprintf("%s (rule %d)", s, *e.Index)
	}
	if e.Path != "" {
		s += " [" + e.Path + "]"
	}
	if e.Snippet != "" {
		s += fmt.Sprintf(" %q", e.Snippet)
	}
	return s
}

// At returns a copy of e bound to rule index i.
func (e AppError) At(i int) AppError {
	e.Index = &i
	return e
}

type ErrorResponse struct {
	Error AppError `json:"error"`
}

// DiagnosticsResponse is returned when a profile fails to compile.
type DiagnosticsResponse struct {
	Errors   []AppError `json:"errors"`
	Warnings []AppError `json:"warnings,omitempty"`
}

// TruncateSnippet keeps snippets bounded for error payloads.
func TruncateSnippet(s string) string {
	const max = 200
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
