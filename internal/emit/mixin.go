package emit

import (
	"bytes"
	"fmt"

	"github.com/muhammadmuzzammil1998/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/policy-compiler/internal/model"
)

// Keys owned by the compiler. A mixin cannot replace them.
var protectedKeys = map[string]bool{
	"proxies":        true,
	"proxy-groups":   true,
	"rule-providers": true,
	"rules":          true,
}

// parseMixin reads a mixin document written as YAML or as JSON with
// comments.
func parseMixin(text string) (*yaml.Node, error) {
	raw := bytes.TrimSpace([]byte(text))
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == '{' {
		raw = jsonc.ToJSON(raw)
		if !jsonc.Valid(raw) {
			return nil, fmt.Errorf("invalid JSONC document")
		}
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("mixin must be a mapping, got %s", kindName(root.Kind))
	}
	return root, nil
}

// mergeMixin deep-merges the mixin into root. With priority "mixin" the
// mixin wins on conflicting scalars and sequences; with "gui" the generated
// value wins and the mixin only adds missing keys.
func mergeMixin(root *yaml.Node, mc model.MixinConfig) ([]model.AppError, error) {
	mix, err := parseMixin(mc.Config)
	if err != nil {
		return nil, serErr("MIXIN_INVALID", "mixin 配置无法解析", "mixinConfig.config", err)
	}
	if mix == nil {
		return nil, nil
	}
	mixinWins := mc.Priority != model.MixinPriorityGUI

	var warnings []model.AppError
	for i := 0; i+1 < len(mix.Content); i += 2 {
		k, v := mix.Content[i], mix.Content[i+1]
		if protectedKeys[k.Value] {
			warnings = append(warnings, model.AppError{
				Code:    "MIXIN_KEY_IGNORED",
				Message: fmt.Sprintf("mixin 不能覆盖 %s，已忽略", k.Value),
				Stage:   model.StageEmit,
				Path:    "mixinConfig.config." + k.Value,
			})
			continue
		}
		mergeKey(root, k, v, mixinWins)
	}
	return warnings, nil
}

func mergeKey(dst, k, v *yaml.Node, mixinWins bool) {
	cur, idx := lookup(dst, k.Value)
	switch {
	case cur == nil:
		dst.Content = append(dst.Content, str(k.Value), v)
	case cur.Kind == yaml.MappingNode && v.Kind == yaml.MappingNode:
		for i := 0; i+1 < len(v.Content); i += 2 {
			mergeKey(cur, v.Content[i], v.Content[i+1], mixinWins)
		}
	case mixinWins:
		dst.Content[idx+1] = v
	}
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.SequenceNode:
		return "sequence"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	}
	return "document"
}
