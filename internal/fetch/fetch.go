// Package fetch retrieves subscription and ruleset sources over http(s) or
// from the local filesystem, with size, redirect and time limits.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"
	"unicode/utf8"

	"github.com/John-Robertt/policy-compiler/internal/model"
)

type Kind int

const (
	KindSubscription Kind = iota
	KindRuleset
	KindProfile
)

func (k Kind) stage() string {
	switch k {
	case KindSubscription:
		return "fetch_sub"
	case KindRuleset:
		return model.StageFetch
	case KindProfile:
		return "fetch_profile"
	default:
		return "fetch"
	}
}

func (k Kind) defaultMaxBytes() int64 {
	switch k {
	case KindSubscription:
		return 5 * 1024 * 1024
	case KindRuleset:
		// geosite/cn style rulesets run to a few MiB.
		return 32 * 1024 * 1024
	default:
		return 1 * 1024 * 1024
	}
}

type Options struct {
	Timeout      time.Duration // default 15s
	MaxBytes     int64         // default per kind
	MaxRedirects int           // default 5

	// Transport carries the request, e.g. through a proxy. Defaults to
	// http.DefaultTransport.
	Transport http.RoundTripper
	UserAgent string
}

type FetchError struct {
	Status   int
	AppError model.AppError
	Cause    error
}

func (e *FetchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

var (
	errTooManyRedirects   = errors.New("too many redirects")
	errRedirectBadScheme  = errors.New("redirect target scheme is not http/https")
	errInvalidURLOrScheme = errors.New("invalid url or scheme")
)

// FetchText fetches a UTF-8 text resource.
func FetchText(ctx context.Context, kind Kind, rawURL string, opt Options) (string, error) {
	body, err := FetchBytes(ctx, kind, rawURL, opt)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(body) {
		return "", &FetchError{
			Status: http.StatusUnprocessableEntity,
			AppError: model.AppError{
				Code:    "FETCH_INVALID_UTF8",
				Message: "远程资源不是合法 UTF-8 文本",
				Stage:   kind.stage(),
				URL:     rawURL,
			},
		}
	}
	return string(body), nil
}

// FetchBytes fetches a resource without interpreting its content.
func FetchBytes(ctx context.Context, kind Kind, rawURL string, opt Options) ([]byte, error) {
	stage := kind.stage()
	fail := func(status int, code, msg string, cause error) error {
		return &FetchError{
			Status:   status,
			AppError: model.AppError{Code: code, Message: msg, Stage: stage, URL: rawURL},
			Cause:    cause,
		}
	}

	timeout := opt.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	maxRedirects := opt.MaxRedirects
	if maxRedirects == 0 {
		maxRedirects = 5
	}
	maxBytes := opt.MaxBytes
	if maxBytes == 0 {
		maxBytes = kind.defaultMaxBytes()
	}
	if maxBytes <= 0 {
		return nil, fail(http.StatusBadRequest, "INVALID_ARGUMENT", "响应大小上限必须大于 0", nil)
	}
	transport := opt.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	u, err := url.Parse(rawURL)
	if err != nil || u == nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fail(http.StatusBadRequest, "INVALID_ARGUMENT", "仅允许 http/https URL", errors.Join(errInvalidURLOrScheme, err))
	}

	client := &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// 1st redirect => len(via)==1.
			if len(via) > maxRedirects {
				return errTooManyRedirects
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return errRedirectBadScheme
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fail(http.StatusBadRequest, "INVALID_ARGUMENT", "请求 URL 不合法", err)
	}
	if opt.UserAgent != "" {
		req.Header.Set("User-Agent", opt.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		switch {
		case errors.Is(err, errTooManyRedirects):
			return nil, fail(http.StatusBadGateway, "FETCH_FAILED", fmt.Sprintf("重定向次数超过上限（>%d）", maxRedirects), err)
		case errors.Is(err, errRedirectBadScheme):
			return nil, fail(http.StatusBadRequest, "INVALID_ARGUMENT", "重定向目标仅允许 http/https", err)
		case isTimeout(err):
			return nil, fail(http.StatusGatewayTimeout, "FETCH_TIMEOUT", "拉取远程资源超时", err)
		case errors.Is(err, context.Canceled):
			return nil, fail(http.StatusServiceUnavailable, "FETCH_CANCELED", "拉取已取消", err)
		}
		return nil, fail(http.StatusBadGateway, "FETCH_FAILED", "拉取远程资源失败", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fail(http.StatusBadGateway, "FETCH_FAILED", fmt.Sprintf("上游返回非 2xx 状态码：%d", resp.StatusCode), nil)
	}

	// Read at most maxBytes+1 to detect overflow deterministically.
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		if isTimeout(err) {
			return nil, fail(http.StatusGatewayTimeout, "FETCH_TIMEOUT", "拉取远程资源超时", err)
		}
		return nil, fail(http.StatusBadGateway, "FETCH_FAILED", "读取上游响应失败", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, fail(http.StatusUnprocessableEntity, "TOO_LARGE", fmt.Sprintf("远程资源过大（>%d bytes）", maxBytes), nil)
	}
	return body, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// ReadFile reads a local source with the same size limit as remote ones.
func ReadFile(kind Kind, path string, maxBytes int64) ([]byte, error) {
	if maxBytes == 0 {
		maxBytes = kind.defaultMaxBytes()
	}
	fail := func(code, msg string, cause error) error {
		return &FetchError{
			Status:   http.StatusUnprocessableEntity,
			AppError: model.AppError{Code: code, Message: msg, Stage: kind.stage(), Path: path},
			Cause:    cause,
		}
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fail("FILE_NOT_FOUND", "本地文件不存在", err)
		}
		return nil, fail("FILE_READ_FAILED", "无法读取本地文件", err)
	}
	defer f.Close()

	body, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return nil, fail("FILE_READ_FAILED", "无法读取本地文件", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, fail("TOO_LARGE", fmt.Sprintf("本地文件过大（>%d bytes）", maxBytes), nil)
	}
	return body, nil
}
