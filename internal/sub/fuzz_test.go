package sub

import "testing"

func FuzzParse(f *testing.F) {
	for _, s := range []string{
		"",
		"   \n",
		"# comment\nss://YWVzLTEyOC1nY206cGFzcw==@example.com:8388#Node%201\n",
		"ss://YWVzLTEyOC1nY206cGFzcw==@example.com:8388/?plugin=simple-obfs%3Bobfs%3Dtls%3Bobfs-host%3Dexample.com#obfs\n",
		"ss://YWVzLTEyOC1nY206cGFzcw==@[::1]:8388#ipv6\n",
		"proxies:\n  - {name: a, type: ss, server: s, port: 1}\n",
	} {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, content string) {
		proxies, err := Parse("https://example.com/sub", content)
		if err != nil {
			return
		}
		if len(proxies) == 0 {
			t.Fatalf("proxies is empty on nil error")
		}
		for _, p := range proxies {
			if _, ok := kernelProxyTypes[p.Type]; !ok {
				t.Fatalf("unexpected proxy type: %q", p.Type)
			}
			if s, _ := p.Options["server"].(string); s == "" {
				t.Fatalf("empty server")
			}
			port, _ := p.Options["port"].(int)
			if port < 1 || port > 65535 {
				t.Fatalf("port out of range: %v", p.Options["port"])
			}
		}
	})
}
