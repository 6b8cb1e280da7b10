// Package sub turns fetched subscription content into proxies. It accepts
// Clash YAML documents with a top-level proxies list and plain or base64
// encoded ss:// URI lists.
package sub

import (
	"fmt"
	"strings"

	"github.com/John-Robertt/policy-compiler/internal/model"
)

const (
	stageParseSub = "parse_sub"
	utf8BOM       = "\uFEFF"
)

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

// Parse detects the subscription format and decodes every proxy in it.
// Returned proxies carry no id yet; see Merge.
func Parse(sourceURL, content string) ([]model.Proxy, error) {
	s := strings.TrimSpace(strings.TrimPrefix(content, utf8BOM))
	if s == "" {
		return nil, newParseError(sourceURL, 0, "", "SUB_PARSE_ERROR", "订阅内容为空", "", nil)
	}
	if looksLikeClashYAML(s) {
		return parseClashYAML(sourceURL, s)
	}
	return parseSSList(sourceURL, s)
}

func looksLikeClashYAML(s string) bool {
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimRight(line, "\r"), "proxies:") {
			return true
		}
	}
	return false
}

func newParseError(sourceURL string, lineNo int, snippet, code, message, hint string, cause error) error {
	return &ParseError{
		AppError: model.AppError{
			Code:    code,
			Message: message,
			Stage:   stageParseSub,
			URL:     sourceURL,
			Line:    lineNo,
			Snippet: snippet,
			Hint:    hint,
		},
		Cause: cause,
	}
}

func snippetOf(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return model.TruncateSnippet(s)
}
