package profile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/policy-compiler/internal/model"
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

// ParseProfileYAML decodes a profile document. Settings blocks missing from
// the document keep their defaults; groups and rules are taken as written.
// Semantic validation happens in the compiler.
func ParseProfileYAML(sourceURL string, content string) (*model.Profile, error) {
	p := &model.Profile{
		General:  model.DefaultGeneralConfig(),
		Advanced: model.DefaultAdvancedConfig(""),
		Tun:      model.DefaultTunConfig(),
		DNS:      model.DefaultDNSConfig(),
		Mixin:    model.DefaultMixinConfig(),
		Script:   model.DefaultScriptConfig(),
	}
	if err := yamlDecodeStrict(content, p); err != nil {
		return nil, &ParseError{
			AppError: model.AppError{
				Code:    "PROFILE_PARSE_ERROR",
				Message: "profile YAML 解析失败",
				Stage:   model.StageProfile,
				URL:     sourceURL,
				Line:    yamlErrorLine(err),
				Snippet: truncateSnippet(content, 200),
			},
			Cause: err,
		}
	}

	if p.ProxyGroups == nil {
		p.ProxyGroups = []model.ProxyGroup{}
	}
	if p.Rules == nil {
		p.Rules = []model.Rule{}
	}
	for i := range p.ProxyGroups {
		g := &p.ProxyGroups[i]
		g.ID = strings.TrimSpace(g.ID)
		g.Name = strings.TrimSpace(g.Name)
		if g.Proxies == nil {
			g.Proxies = []model.MemberRef{}
		}
		if g.Use == nil {
			g.Use = []string{}
		}
	}
	for i := range p.Rules {
		r := &p.Rules[i]
		r.ID = strings.TrimSpace(r.ID)
		r.Type = model.RuleType(strings.ToUpper(strings.TrimSpace(string(r.Type))))
		r.Payload = strings.TrimSpace(r.Payload)
	}
	return p, nil
}

// MarshalProfileYAML encodes a profile in the same layout ParseProfileYAML
// accepts.
func MarshalProfileYAML(p *model.Profile) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type rawSubscriptions struct {
	Subscriptions []model.Subscription `yaml:"subscriptions"`
}

// ParseSubscriptionsYAML decodes the subscription registry:
//
//	subscriptions:
//	  - {id: sub1, name: Provider, url: https://...}
//	  - {id: sub2, name: Local, path: ./nodes.yaml}
func ParseSubscriptionsYAML(sourceURL string, content string) ([]model.Subscription, error) {
	var raw rawSubscriptions
	if err := yamlDecodeStrict(content, &raw); err != nil {
		return nil, &ParseError{
			AppError: model.AppError{
				Code:    "SUBSCRIPTIONS_PARSE_ERROR",
				Message: "订阅列表 YAML 解析失败",
				Stage:   model.StageProfile,
				URL:     sourceURL,
				Line:    yamlErrorLine(err),
				Snippet: truncateSnippet(content, 200),
			},
			Cause: err,
		}
	}

	seen := make(map[string]struct{}, len(raw.Subscriptions))
	for i, s := range raw.Subscriptions {
		path := fmt.Sprintf("subscriptions[%d]", i)
		if strings.TrimSpace(s.ID) == "" {
			return nil, subscriptionError(sourceURL, path, "订阅 id 不能为空")
		}
		if _, ok := seen[s.ID]; ok {
			return nil, subscriptionError(sourceURL, path, fmt.Sprintf("订阅 id 重复：%s", s.ID))
		}
		seen[s.ID] = struct{}{}
		switch {
		case s.URL != "" && s.Path != "":
			return nil, subscriptionError(sourceURL, path, "url 与 path 只能二选一")
		case s.URL != "":
			if err := validateHTTPURL(s.URL); err != nil {
				return nil, subscriptionError(sourceURL, path, "订阅 url 仅允许 http/https")
			}
		case s.Path == "":
			return nil, subscriptionError(sourceURL, path, "订阅必须提供 url 或 path")
		}
	}
	return raw.Subscriptions, nil
}

func subscriptionError(sourceURL, path, msg string) *ParseError {
	return &ParseError{
		AppError: model.AppError{
			Code:    "SUBSCRIPTIONS_VALIDATE_ERROR",
			Message: msg,
			Stage:   model.StageProfile,
			URL:     sourceURL,
			Path:    path,
		},
	}
}

func yamlDecodeStrict(content string, out any) error {
	dec := yaml.NewDecoder(strings.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return err
	}

	// Reject multi-document YAML to keep behavior deterministic.
	var extra any
	if err := dec.Decode(&extra); err == nil {
		return errors.New("multiple YAML documents are not allowed")
	} else if !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

var yamlLineRE = regexp.MustCompile(`line (\d+)`)

func yamlErrorLine(err error) int {
	m := yamlLineRE.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func validateHTTPURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func truncateSnippet(s string, max int) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max]
}
