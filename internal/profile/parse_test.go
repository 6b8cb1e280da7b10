package profile

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/John-Robertt/policy-compiler/internal/model"
)

func TestParseProfileYAML_OK(t *testing.T) {
	yml := `
id: p1
name: home
generalConfig:
  mode: global
  mixed-port: 7890
proxyGroupsConfig:
  - id: s
    name: Select
    type: select
    proxies:
      - {id: DIRECT, type: Built-In, name: DIRECT}
rulesConfig:
  - id: r1
    type: match
    proxy: s
`
	p, err := ParseProfileYAML("file://profile.yaml", yml)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.General.Mode != "global" || p.General.MixedPort != 7890 {
		t.Fatalf("general=%+v", p.General)
	}
	// Missing keys inside a present block keep their defaults.
	if p.General.LogLevel != "silent" {
		t.Fatalf("log-level=%q, want=%q", p.General.LogLevel, "silent")
	}
	// Missing blocks keep their defaults.
	if p.Tun.Device != "utun_clash" || p.DNS.EnhancedMode != "fake-ip" {
		t.Fatalf("tun/dns defaults lost: %+v %+v", p.Tun, p.DNS)
	}
	if len(p.ProxyGroups) != 1 || p.ProxyGroups[0].Use == nil {
		t.Fatalf("groups=%+v", p.ProxyGroups)
	}
	if p.Rules[0].Type != model.RuleMatch {
		t.Fatalf("rule type=%q, want=%q", p.Rules[0].Type, model.RuleMatch)
	}
}

func TestParseProfileYAML_UnknownField(t *testing.T) {
	_, err := ParseProfileYAML("x", "id: p1\nbogus: 1\n")
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %T: %v", err, err)
	}
	if pe.AppError.Code != "PROFILE_PARSE_ERROR" {
		t.Fatalf("code=%q", pe.AppError.Code)
	}
	if pe.AppError.Line != 2 {
		t.Fatalf("line=%d, want=2", pe.AppError.Line)
	}
}

func TestParseProfileYAML_MultiDocument(t *testing.T) {
	_, err := ParseProfileYAML("x", "id: a\n---\nid: b\n")
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %T: %v", err, err)
	}
}

func TestMarshalProfileYAML_RoundTrip(t *testing.T) {
	seq := 0
	gen := func() string {
		seq++
		return "id" + string(rune('a'+seq))
	}
	want := model.NewProfile("default", gen)

	b, err := MarshalProfileYAML(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := ParseProfileYAML("mem", string(b))
	if err != nil {
		t.Fatalf("parse: %v\n%s", err, b)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParseSubscriptionsYAML(t *testing.T) {
	subs, err := ParseSubscriptionsYAML("x", `
subscriptions:
  - {id: a, name: A, url: "https://example.com/a.yaml"}
  - {id: b, name: B, path: ./b.txt}
`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(subs) != 2 || subs[1].Path != "./b.txt" {
		t.Fatalf("subs=%+v", subs)
	}

	cases := []string{
		"subscriptions:\n  - {id: a, url: \"ftp://x\"}\n",
		"subscriptions:\n  - {id: a}\n",
		"subscriptions:\n  - {id: a, path: x}\n  - {id: a, path: y}\n",
		"subscriptions:\n  - {id: a, path: x, url: \"https://x\"}\n",
	}
	for _, c := range cases {
		_, err := ParseSubscriptionsYAML("x", c)
		var pe *ParseError
		if !errors.As(err, &pe) || pe.AppError.Code != "SUBSCRIPTIONS_VALIDATE_ERROR" {
			t.Fatalf("input %q: err=%v, want SUBSCRIPTIONS_VALIDATE_ERROR", c, err)
		}
	}
}
