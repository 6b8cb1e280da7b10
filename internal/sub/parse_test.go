package sub

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestParse_RawSSList(t *testing.T) {
	raw := strings.Join([]string{
		"# comment",
		"  ",
		"ss://YWVzLTEyOC1nY206cGFzcw==@Example.com:8388#Node%201",
		"ss://YWVzLTEyOC1nY206cDI=@example.com:8389#Node%202",
		"",
	}, "\n")

	proxies, err := Parse("https://example.com/sub.txt", raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(proxies) != 2 {
		t.Fatalf("len=%d, want=2", len(proxies))
	}
	p := proxies[0]
	if p.Type != "ss" || p.Name != "Node 1" || !p.UDP {
		t.Fatalf("proxy=%+v", p)
	}
	if p.Options["server"] != "example.com" || p.Options["port"] != 8388 {
		t.Fatalf("server/port=%v/%v, want example.com/8388", p.Options["server"], p.Options["port"])
	}
	if p.Options["cipher"] != "aes-128-gcm" || p.Options["password"] != "pass" {
		t.Fatalf("cipher/password=%v/%v", p.Options["cipher"], p.Options["password"])
	}
}

func TestParse_Base64SSList(t *testing.T) {
	raw := "ss://YWVzLTEyOC1nY206cGFzcw==@example.com:8388#Node%201\n"
	b64 := base64.StdEncoding.EncodeToString([]byte(raw))

	proxies, err := Parse("https://example.com/sub.b64", b64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(proxies) != 1 || proxies[0].Name != "Node 1" {
		t.Fatalf("proxies=%+v", proxies)
	}
}

func TestParse_LegacyBase64Form(t *testing.T) {
	b64 := base64.StdEncoding.EncodeToString([]byte("aes-128-gcm:pass@ex.com:443"))
	proxies, err := Parse("https://example.com/sub.txt", "ss://"+b64+"#old\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if proxies[0].Options["server"] != "ex.com" || proxies[0].Options["port"] != 443 {
		t.Fatalf("server/port=%v/%v, want ex.com/443", proxies[0].Options["server"], proxies[0].Options["port"])
	}
}

func TestParse_SIP002Plugin(t *testing.T) {
	raw := "ss://YWVzLTEyOC1nY206cGFzcw==@example.com:8388/?plugin=simple-obfs%3Bobfs%3Dtls%3Bobfs-host%3Dexample.com#obfs\n"
	proxies, err := Parse("https://example.com/sub.txt", raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if proxies[0].Options["plugin"] != "obfs" {
		t.Fatalf("plugin=%v, want=obfs", proxies[0].Options["plugin"])
	}
	opts, _ := proxies[0].Options["plugin-opts"].(map[string]any)
	if opts["mode"] != "tls" || opts["host"] != "example.com" {
		t.Fatalf("plugin-opts=%v", opts)
	}
}

func TestParse_UnknownQueryParam(t *testing.T) {
	raw := "ss://YWVzLTEyOC1nY206cGFzcw==@example.com:8388/?foo=bar#x\n"
	_, err := Parse("https://example.com/sub.txt", raw)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %T: %v", err, err)
	}
	if pe.AppError.Code != "SUB_PARSE_ERROR" {
		t.Fatalf("code=%q, want=%q", pe.AppError.Code, "SUB_PARSE_ERROR")
	}
	if pe.AppError.Stage != "parse_sub" {
		t.Fatalf("stage=%q, want=%q", pe.AppError.Stage, "parse_sub")
	}
	if pe.AppError.Line != 1 {
		t.Fatalf("line=%d, want=1", pe.AppError.Line)
	}
	if pe.AppError.Hint != "only allow: plugin" {
		t.Fatalf("hint=%q", pe.AppError.Hint)
	}
	if pe.AppError.Snippet == "" {
		t.Fatalf("snippet should not be empty")
	}
}

func TestParse_UnsupportedScheme(t *testing.T) {
	_, err := Parse("u", "ss://YWVzLTEyOC1nY206cGFzcw==@example.com:8388#a\nvmess://abc\n")
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if pe.AppError.Code != "SUB_UNSUPPORTED_SCHEME" || pe.AppError.Line != 2 {
		t.Fatalf("code=%q line=%d", pe.AppError.Code, pe.AppError.Line)
	}
}

func TestParse_ClashYAML(t *testing.T) {
	doc := `mixed-port: 7890
proxies:
  - name: HK 01
    type: trojan
    server: HK.example.com
    port: 443
    password: p
    udp: true
  - {name: JP, type: ss, server: jp.example.com, port: 8388, cipher: aes-128-gcm, password: x}
proxy-groups: []
`
	proxies, err := Parse("https://example.com/clash.yaml", doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(proxies) != 2 {
		t.Fatalf("len=%d, want=2", len(proxies))
	}
	if proxies[0].Type != "trojan" || !proxies[0].UDP || proxies[0].Options["server"] != "hk.example.com" {
		t.Fatalf("proxy0=%+v", proxies[0])
	}
	if proxies[1].UDP {
		t.Fatalf("proxy1 udp=true, want=false")
	}
}

func TestParse_ClashYAMLErrors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		line int
	}{
		{"bad type", "proxies:\n  - {name: a, type: foo, server: s, port: 1}\n", 2},
		{"bad port", "proxies:\n  - {name: a, type: ss, server: s, port: 0}\n", 2},
		{"no server", "proxies:\n  - {name: a, type: ss, port: 1}\n", 2},
		{"not a list", "proxies: 1\n", 0},
		{"empty", "proxies: []\n", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse("u", tc.doc)
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ParseError, got %T: %v", err, err)
			}
			if pe.AppError.Line != tc.line {
				t.Fatalf("line=%d, want=%d", pe.AppError.Line, tc.line)
			}
		})
	}
}
