package ruleset

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net/netip"
	"slices"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/John-Robertt/policy-compiler/internal/model"
)

func host(h string) *model.Metadata { return &model.Metadata{Host: h} }

func dst(ip string) *model.Metadata { return &model.Metadata{DstIP: netip.MustParseAddr(ip)} }

func TestParse_DomainYAML(t *testing.T) {
	raw := []byte(`payload:
  - example.com
  - '+.google.com'
  - .cn.example.org
  - '*.wild.net'
`)
	m, n, err := Parse(raw, model.FormatYAML, model.BehaviorDomain)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 4 {
		t.Fatalf("entries=%d, want=4", n)
	}
	cases := []struct {
		host string
		want bool
	}{
		{"example.com", true},
		{"EXAMPLE.com.", true},
		{"a.example.com", false},
		{"google.com", true},
		{"mail.google.com", true},
		{"cn.example.org", false},
		{"x.cn.example.org", true},
		{"a.wild.net", true},
		{"a.b.wild.net", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := m.Match(host(tc.host), nil); got != tc.want {
			t.Fatalf("match(%q)=%v, want=%v", tc.host, got, tc.want)
		}
	}
}

func TestParse_IPCIDRBareList(t *testing.T) {
	raw := []byte("- 10.0.0.0/8\n- 2001:db8::/32\n- 1.1.1.1\n")
	m, n, err := Parse(raw, model.FormatYAML, model.BehaviorIPCIDR)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Fatalf("entries=%d, want=3", n)
	}
	for ip, want := range map[string]bool{
		"10.2.3.4":    true,
		"11.0.0.1":    false,
		"2001:db8::1": true,
		"1.1.1.1":     true,
		"1.1.1.2":     false,
	} {
		if got := m.Match(dst(ip), nil); got != want {
			t.Fatalf("match(%s)=%v, want=%v", ip, got, want)
		}
	}
	if m.Match(host("example.com"), nil) {
		t.Fatalf("ipcidr matched a bare host")
	}
}

func TestParse_ClassicalPlainLines(t *testing.T) {
	raw := []byte("# inline\nDOMAIN-SUFFIX,example.com\nAND,((DST-PORT,443),(NETWORK,udp))\n")
	m, n, err := Parse(raw, model.FormatYAML, model.BehaviorClassical)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("entries=%d, want=2", n)
	}
	if !m.Match(host("www.example.com"), nil) {
		t.Fatalf("domain-suffix entry did not match")
	}
	if !m.Match(&model.Metadata{Network: model.NetworkUDP, DstPort: 443}, nil) {
		t.Fatalf("logic entry did not match")
	}
	if m.Match(&model.Metadata{Network: model.NetworkTCP, DstPort: 443}, nil) {
		t.Fatalf("logic entry matched tcp")
	}
}

func TestParse_Errors(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		behavior model.RulesetBehavior
		code     string
		line     int
	}{
		{"ip in domain set", "payload:\n  - example.com\n  - 1.2.3.0/24\n", model.BehaviorDomain, CodeBehaviorMismatch, 3},
		{"classical in domain set", "payload:\n  - DOMAIN,example.com\n", model.BehaviorDomain, CodeBehaviorMismatch, 2},
		{"domain in ipcidr set", "payload:\n  - example.com\n", model.BehaviorIPCIDR, CodeBehaviorMismatch, 2},
		{"bad classical", "payload:\n  - FOO,bar\n", model.BehaviorClassical, CodeParse, 2},
		{"missing payload", "rules: []\n", model.BehaviorDomain, CodeParse, 0},
		{"payload not list", "payload: 3\n", model.BehaviorDomain, CodeParse, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Parse([]byte(tc.raw), model.FormatYAML, tc.behavior)
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ParseError, got %T: %v", err, err)
			}
			if pe.AppError.Code != tc.code {
				t.Fatalf("code=%q, want=%q", pe.AppError.Code, tc.code)
			}
			if pe.AppError.Line != tc.line {
				t.Fatalf("line=%d, want=%d", pe.AppError.Line, tc.line)
			}
			if pe.AppError.Stage != model.StageParse {
				t.Fatalf("stage=%q, want=%q", pe.AppError.Stage, model.StageParse)
			}
		})
	}
}

func TestParse_EmptyPayload(t *testing.T) {
	m, n, err := Parse([]byte("payload:\n"), model.FormatYAML, model.BehaviorDomain)
	if err != nil || n != 0 {
		t.Fatalf("Parse=(_, %d, %v), want (_, 0, nil)", n, err)
	}
	if m.Match(host("example.com"), nil) {
		t.Fatalf("empty set matched")
	}
}

// encodeMRSIPCIDR writes an ipcidr MRS file with the given ranges.
func encodeMRSIPCIDR(t testing.TB, behavior byte, ranges [][2]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	w := func(v any) {
		if err := binary.Write(zw, binary.BigEndian, v); err != nil {
			t.Fatal(err)
		}
	}
	w(mrsMagic)
	w(behavior)
	w(int64(len(ranges)))
	w(int64(3))
	w([]byte("ext"))
	w(byte(1))
	w(int64(len(ranges)))
	for _, r := range ranges {
		w(netip.MustParseAddr(r[0]).As16())
		w(netip.MustParseAddr(r[1]).As16())
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestParse_MRSIPCIDR(t *testing.T) {
	raw := encodeMRSIPCIDR(t, mrsIPCIDR, [][2]string{
		{"192.168.0.0", "192.168.255.255"},
		{"2001:db8::", "2001:db8::ffff"},
	})
	m, n, err := Parse(raw, model.FormatMRS, model.BehaviorIPCIDR)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("entries=%d, want=2", n)
	}
	for ip, want := range map[string]bool{
		"192.168.1.1":        true,
		"192.169.0.1":        false,
		"2001:db8::1":        true,
		"2001:db8::1:0":      false,
		"::ffff:192.168.0.9": true,
	} {
		if got := m.Match(dst(ip), nil); got != want {
			t.Fatalf("match(%s)=%v, want=%v", ip, got, want)
		}
	}
}

func TestParse_MRSBehaviorMismatch(t *testing.T) {
	raw := encodeMRSIPCIDR(t, mrsIPCIDR, [][2]string{{"1.0.0.0", "1.0.0.255"}})
	_, _, err := Parse(raw, model.FormatMRS, model.BehaviorDomain)
	var pe *ParseError
	if !errors.As(err, &pe) || pe.AppError.Code != CodeBehaviorMismatch {
		t.Fatalf("err=%v, want %s", err, CodeBehaviorMismatch)
	}
}

func TestParse_MRSGarbage(t *testing.T) {
	_, _, err := Parse([]byte("not zstd"), model.FormatMRS, model.BehaviorDomain)
	var pe *ParseError
	if !errors.As(err, &pe) || pe.AppError.Code != CodeParse {
		t.Fatalf("err=%v, want %s", err, CodeParse)
	}
}

// zstdFields compresses the big-endian encoding of fields.
func zstdFields(t testing.TB, fields ...any) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range fields {
		if err := binary.Write(zw, binary.BigEndian, v); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// encodeMRSDomain builds the LOUDS trie over reversed domains the way the
// kernel's converter does.
func encodeMRSDomain(t testing.TB, domains []string) []byte {
	t.Helper()
	keys := make([]string, 0, len(domains))
	for _, d := range domains {
		b := []byte(d)
		slices.Reverse(b)
		keys = append(keys, string(b))
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)

	var leaves, bitmap []uint64
	var labels []byte
	setBit := func(bm *[]uint64, i int) {
		for i>>6 >= len(*bm) {
			*bm = append(*bm, 0)
		}
		(*bm)[i>>6] |= 1 << uint(i&63)
	}
	type span struct{ from, to, col int }
	queue := []span{{0, len(keys), 0}}
	pos := 0
	for i := 0; i < len(queue); i++ {
		q := queue[i]
		if q.col == len(keys[q.from]) {
			q.from++
			setBit(&leaves, i)
		}
		for j := q.from; j < q.to; {
			first := j
			for j < q.to && keys[j][q.col] == keys[first][q.col] {
				j++
			}
			queue = append(queue, span{first, j, q.col + 1})
			labels = append(labels, keys[first][q.col])
			pos++ // zero bit: one child
		}
		setBit(&bitmap, pos)
		pos++
	}
	return zstdFields(t, mrsMagic, mrsDomain, int64(len(domains)), int64(0), byte(1),
		int64(len(leaves)), leaves, int64(len(bitmap)), bitmap, int64(len(labels)), labels)
}

func TestParse_MRSDomain(t *testing.T) {
	raw := encodeMRSDomain(t, []string{"example.com", "+.google.com", "api.github.com"})
	m, n, err := Parse(raw, model.FormatMRS, model.BehaviorDomain)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Fatalf("entries=%d, want=3", n)
	}
	for h, want := range map[string]bool{
		"example.com":      true,
		"EXAMPLE.com.":     true,
		"www.example.com":  false,
		"www.google.com":   true,
		"a.b.google.com":   true,
		"api.github.com":   true,
		"github.com":       false,
		"a.api.github.com": false,
		"other.org":        false,
	} {
		if got := m.Match(host(h), nil); got != want {
			t.Fatalf("match(%s)=%v, want=%v", h, got, want)
		}
	}
}

// Lengths in a corrupt file must fail parsing instead of driving allocations.
func TestParse_MRSCorruptLengths(t *testing.T) {
	const huge = int64(1) << 62
	head := func(behavior byte) []any {
		return []any{mrsMagic, behavior, int64(1), int64(0), byte(1)}
	}
	tests := []struct {
		name     string
		behavior model.RulesetBehavior
		raw      []byte
	}{
		{"leaves", model.BehaviorDomain, zstdFields(t, append(head(mrsDomain), huge)...)},
		{"bitmap", model.BehaviorDomain, zstdFields(t, append(head(mrsDomain), int64(1), uint64(1), huge)...)},
		{"labels", model.BehaviorDomain, zstdFields(t, append(head(mrsDomain), int64(1), uint64(1), int64(1), uint64(2), huge)...)},
		{"negative leaves", model.BehaviorDomain, zstdFields(t, append(head(mrsDomain), int64(-1))...)},
		{"ranges", model.BehaviorIPCIDR, zstdFields(t, append(head(mrsIPCIDR), huge)...)},
		{"extra", model.BehaviorDomain, zstdFields(t, mrsMagic, mrsDomain, int64(1), huge)},
	}
	for _, tt := range tests {
		_, _, err := Parse(tt.raw, model.FormatMRS, tt.behavior)
		var pe *ParseError
		if !errors.As(err, &pe) || pe.AppError.Code != CodeParse {
			t.Fatalf("%s: err=%v, want %s", tt.name, err, CodeParse)
		}
	}
}

func FuzzParseMRS(f *testing.F) {
	f.Add(encodeMRSDomain(f, []string{"example.com", "+.google.com"}), true)
	f.Add(encodeMRSIPCIDR(f, mrsIPCIDR, [][2]string{{"10.0.0.0", "10.255.255.255"}}), false)
	f.Add([]byte("MRS\x01"), true)

	f.Fuzz(func(t *testing.T, raw []byte, domain bool) {
		behavior := model.BehaviorIPCIDR
		if domain {
			behavior = model.BehaviorDomain
		}
		m, _, err := Parse(raw, model.FormatMRS, behavior)
		if err != nil {
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("error type %T", err)
			}
			return
		}
		m.Match(host("a.example.com"), nil)
		m.Match(dst("10.1.2.3"), nil)
	})
}
