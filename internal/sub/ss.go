package sub

import (
	"encoding/base64"
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/John-Robertt/policy-compiler/internal/model"
)

// parseSSList reads a raw or base64 encoded list of ss:// URIs. A body that
// contains "ss://" is taken as raw; anything else is base64 decoded first.
func parseSSList(sourceURL, s string) ([]model.Proxy, error) {
	if !strings.Contains(s, "ss://") {
		decoded, err := decodeB64(removeSpaceTabCRLF(s))
		if err != nil {
			return nil, newParseError(sourceURL, 0, snippetOf(s), "SUB_BASE64_DECODE_ERROR", "订阅 base64 解码失败", "", err)
		}
		if !utf8.Valid(decoded) {
			return nil, newParseError(sourceURL, 0, "", "SUB_BASE64_DECODE_ERROR", "订阅 base64 解码结果不是合法 UTF-8", "", nil)
		}
		s = strings.TrimSpace(strings.TrimPrefix(string(decoded), utf8BOM))
		if s == "" {
			return nil, newParseError(sourceURL, 0, "", "SUB_PARSE_ERROR", "订阅内容为空", "", nil)
		}
	}

	lines := strings.Split(s, "\n")
	out := make([]model.Proxy, 0, len(lines))
	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "ss://") {
			return nil, newParseError(sourceURL, i+1, snippetOf(raw), "SUB_UNSUPPORTED_SCHEME", "仅支持 ss:// 协议", "expected: ss://...", nil)
		}
		p, err := parseSSURI(line)
		if err != nil {
			var le *lineError
			if errors.As(err, &le) {
				return nil, newParseError(sourceURL, i+1, snippetOf(line), "SUB_PARSE_ERROR", le.msg, le.hint, le.cause)
			}
			return nil, err
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, newParseError(sourceURL, 0, "", "SUB_PARSE_ERROR", "订阅中没有任何可用节点", "", nil)
	}
	return out, nil
}

type lineError struct {
	msg   string
	hint  string
	cause error
}

func (e *lineError) Error() string { return e.msg }

func lineErr(msg string, cause error) error { return &lineError{msg: msg, cause: cause} }

// parseSSURI accepts both SIP002 (ss://b64(method:password)@host:port) and
// the legacy ss://b64(method:password@host:port) form.
func parseSSURI(s string) (model.Proxy, error) {
	withoutFrag, frag, hasFrag := strings.Cut(s, "#")
	name := ""
	if hasFrag {
		decoded, err := url.PathUnescape(frag)
		if err != nil {
			return model.Proxy{}, lineErr("节点名称 URL 解码失败", err)
		}
		name = strings.TrimSpace(decoded)
		if strings.ContainsAny(name, "\r\n\x00") {
			return model.Proxy{}, &lineError{msg: "节点名称包含非法控制字符", hint: "forbidden: \\r \\n \\0"}
		}
	}

	withoutQuery, query, _ := strings.Cut(withoutFrag, "?")
	plugin, pluginOpts, err := parsePluginQuery(query)
	if err != nil {
		return model.Proxy{}, err
	}

	rest := strings.TrimPrefix(withoutQuery, "ss://")
	if rest == "" {
		return model.Proxy{}, lineErr("ss:// 后缺少内容", nil)
	}

	var method, password, hostPort string
	if userB64, hostPart, ok := strings.Cut(rest, "@"); ok {
		if userB64 == "" || hostPart == "" {
			return model.Proxy{}, lineErr("ss uri 格式不合法", nil)
		}
		if idx := strings.IndexByte(hostPart, '/'); idx >= 0 {
			if hostPart[idx:] != "/" {
				return model.Proxy{}, lineErr("ss uri path 不支持（仅允许空或 /）", nil)
			}
			hostPart = hostPart[:idx]
		}
		cred, err := decodeB64(userB64)
		if err != nil {
			return model.Proxy{}, lineErr("ss userinfo base64 解码失败", err)
		}
		method, password, err = splitCredentials(string(cred))
		if err != nil {
			return model.Proxy{}, lineErr("ss userinfo 不合法", err)
		}
		hostPort = hostPart
	} else {
		decoded, err := decodeB64(rest)
		if err != nil {
			return model.Proxy{}, lineErr("ss base64 解码失败", err)
		}
		at := strings.LastIndexByte(string(decoded), '@')
		if at < 0 {
			return model.Proxy{}, lineErr("ss base64 解码结果缺少 @ 分隔符", nil)
		}
		method, password, err = splitCredentials(string(decoded[:at]))
		if err != nil {
			return model.Proxy{}, lineErr("ss base64 解码结果缺少 cipher:password", err)
		}
		hostPort = string(decoded[at+1:])
	}

	server, port, err := parseHostPort(hostPort)
	if err != nil {
		return model.Proxy{}, lineErr("服务器地址或端口不合法", err)
	}

	opts := map[string]any{
		"name":     name,
		"type":     "ss",
		"server":   strings.ToLower(server),
		"port":     port,
		"cipher":   strings.ToLower(method),
		"password": password,
		"udp":      true,
	}
	if plugin != "" {
		opts["plugin"] = plugin
		if len(pluginOpts) > 0 {
			opts["plugin-opts"] = pluginOpts
		}
	}
	return model.Proxy{Name: name, Type: "ss", UDP: true, Options: opts}, nil
}

// parsePluginQuery reads the SIP002 plugin parameter. net/url.ParseQuery
// rejects the raw semicolons plugin values carry, so the query is split by
// hand and only '&' separates parameters.
func parsePluginQuery(query string) (string, map[string]any, error) {
	var value *string
	for _, part := range strings.Split(query, "&") {
		if part == "" {
			continue
		}
		kRaw, vRaw, hasEq := strings.Cut(part, "=")
		if !hasEq {
			return "", nil, lineErr("query 参数必须是 key=value 形式", nil)
		}
		k, err := url.PathUnescape(kRaw)
		if err != nil {
			return "", nil, lineErr("query 参数解码失败", err)
		}
		v, err := url.PathUnescape(vRaw)
		if err != nil {
			return "", nil, lineErr("query 参数解码失败", err)
		}
		if k != "plugin" {
			return "", nil, &lineError{msg: "出现未知 query 参数（仅支持 plugin）", hint: "only allow: plugin"}
		}
		if value != nil {
			return "", nil, lineErr("重复的 plugin 参数", nil)
		}
		value = &v
	}
	if value == nil {
		return "", nil, nil
	}

	segs := strings.Split(*value, ";")
	name := strings.TrimSpace(segs[0])
	if name == "" {
		return "", nil, lineErr("plugin 名称不能为空", nil)
	}
	raw := make(map[string]string, len(segs)-1)
	for _, seg := range segs[1:] {
		if seg == "" {
			continue
		}
		k, v, ok := strings.Cut(seg, "=")
		k = strings.TrimSpace(k)
		if k == "" {
			return "", nil, lineErr("plugin 选项 key 不能为空", nil)
		}
		if !ok {
			// bare flags such as "tls" in v2ray-plugin.
			v = "true"
		}
		raw[k] = strings.TrimSpace(v)
	}
	plugin, opts := clashPlugin(name, raw)
	return plugin, opts, nil
}

// clashPlugin maps SIP003 plugin names and options to the kernel's
// plugin/plugin-opts keys.
func clashPlugin(name string, raw map[string]string) (string, map[string]any) {
	opts := make(map[string]any, len(raw))
	switch name {
	case "obfs-local", "simple-obfs":
		if v, ok := raw["obfs"]; ok {
			opts["mode"] = v
		}
		if v, ok := raw["obfs-host"]; ok {
			opts["host"] = v
		}
		return "obfs", opts
	case "v2ray-plugin":
		for k, v := range raw {
			switch k {
			case "tls", "mux":
				opts[k] = v == "true" || v == "1"
			default:
				opts[k] = v
			}
		}
		return name, opts
	}
	for k, v := range raw {
		opts[k] = v
	}
	return name, opts
}

func splitCredentials(s string) (string, string, error) {
	if !utf8.ValidString(s) {
		return "", "", errors.New("credentials are not valid utf-8")
	}
	method, password, ok := strings.Cut(s, ":")
	method = strings.TrimSpace(method)
	password = strings.TrimSpace(password)
	if !ok || method == "" || password == "" {
		return "", "", errors.New("empty method or password")
	}
	if strings.ContainsAny(method, "\r\n\x00") || strings.ContainsAny(password, "\r\n\x00") {
		return "", "", errors.New("control chars in method/password")
	}
	return method, password, nil
}

func parseHostPort(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "", 0, errors.New("empty host")
	}
	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil {
		return "", 0, err
	}
	if port < 1 || port > 65535 {
		return "", 0, errors.New("port out of range")
	}
	return host, port, nil
}

// decodeB64 tries the padded standard, padded URL-safe and both raw
// alphabets in turn.
func decodeB64(s string) ([]byte, error) {
	var lastErr error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	} {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func removeSpaceTabCRLF(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
}
