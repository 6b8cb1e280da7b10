package sub

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/policy-compiler/internal/model"
)

var kernelProxyTypes = map[string]struct{}{
	"ss": {}, "ssr": {}, "vmess": {}, "vless": {}, "trojan": {}, "snell": {},
	"http": {}, "socks5": {}, "hysteria": {}, "hysteria2": {}, "tuic": {},
	"wireguard": {}, "anytls": {}, "ssh": {}, "mieru": {},
}

// parseClashYAML reads the proxies list of a Clash config. Other top-level
// keys are ignored.
func parseClashYAML(sourceURL, s string) ([]model.Proxy, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(s), &doc); err != nil {
		return nil, newParseError(sourceURL, 0, "", "SUB_PARSE_ERROR", "订阅 YAML 解析失败", "", err)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, newParseError(sourceURL, 0, "", "SUB_PARSE_ERROR", "订阅 YAML 顶层必须是映射", "", nil)
	}

	var list *yaml.Node
	root := doc.Content[0]
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "proxies" {
			list = root.Content[i+1]
			break
		}
	}
	if list == nil || list.Kind != yaml.SequenceNode {
		return nil, newParseError(sourceURL, 0, "", "SUB_PARSE_ERROR", "proxies 必须是列表", "", nil)
	}

	out := make([]model.Proxy, 0, len(list.Content))
	for _, item := range list.Content {
		var opts map[string]any
		if err := item.Decode(&opts); err != nil {
			return nil, newParseError(sourceURL, item.Line, "", "SUB_PARSE_ERROR", "节点必须是映射", "", err)
		}
		p, err := clashProxy(opts)
		if err != nil {
			return nil, newParseError(sourceURL, item.Line, snippetOf(fmt.Sprint(opts["name"])), "SUB_PARSE_ERROR", err.Error(), "", nil)
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, newParseError(sourceURL, 0, "", "SUB_PARSE_ERROR", "订阅中没有任何可用节点", "", nil)
	}
	return out, nil
}

func clashProxy(opts map[string]any) (model.Proxy, error) {
	name, _ := opts["name"].(string)
	name = strings.TrimSpace(name)
	if strings.ContainsAny(name, "\r\n\x00") {
		return model.Proxy{}, fmt.Errorf("节点名称包含非法控制字符")
	}
	typ, _ := opts["type"].(string)
	typ = strings.ToLower(strings.TrimSpace(typ))
	if _, ok := kernelProxyTypes[typ]; !ok {
		return model.Proxy{}, fmt.Errorf("不支持的节点类型：%q", typ)
	}
	server, _ := opts["server"].(string)
	if strings.TrimSpace(server) == "" {
		return model.Proxy{}, fmt.Errorf("节点缺少 server")
	}
	port, ok := opts["port"].(int)
	if !ok || port < 1 || port > 65535 {
		return model.Proxy{}, fmt.Errorf("节点端口不合法：%v", opts["port"])
	}
	udp, _ := opts["udp"].(bool)

	opts["name"] = name
	opts["type"] = typ
	opts["server"] = strings.ToLower(strings.TrimSpace(server))
	return model.Proxy{Name: name, Type: typ, UDP: udp, Options: opts}, nil
}
