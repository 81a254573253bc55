package schema

import (
	"fmt"
	"sort"
	"strings"
)

// nativeFormats are the format values partial-support providers accept;
// anything else is moved into the field description.
var nativeFormats = map[string]bool{
	"date-time": true,
	"date":      true,
	"time":      true,
	"duration":  true,
	"int32":     true,
	"int64":     true,
	"float":     true,
	"double":    true,
}

// Prepare rewrites a schema for providers with partial JSON-Schema
// support: $ref pointers are inlined and $defs dropped, a root-level
// oneOf is collapsed into a single object, unsupported format values move
// into the field description, additionalProperties is forced to false,
// and every property is promoted to required with its original
// optionality noted in the description. The input is never mutated, and
// preparing an already prepared schema is a fixed point.
func Prepare(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	p := preparer{root: schema}
	out := p.inline(schema, 0)
	delete(out, "$defs")
	delete(out, "definitions")
	out = p.collapseRootOneOf(out)
	p.rewrite(out)
	return out
}

type preparer struct {
	root map[string]any
}

// inline deep-copies node, replacing local $ref pointers with their
// definitions. Reference chains deeper than 16 hops (cycles, in practice)
// truncate to a plain object.
func (p preparer) inline(node map[string]any, depth int) map[string]any {
	if ref, ok := node["$ref"].(string); ok {
		if target := (validator{root: p.root}).lookupRef(ref); target != nil {
			if depth >= 16 {
				return map[string]any{
					"type":        "object",
					"description": "Recursive structure; nesting truncated here.",
				}
			}
			return p.inline(target, depth+1)
		}
	}
	out := make(map[string]any, len(node))
	for k, v := range node {
		if k == "$ref" {
			continue
		}
		out[k] = p.inlineValue(v, depth)
	}
	return out
}

func (p preparer) inlineValue(v any, depth int) any {
	switch x := v.(type) {
	case map[string]any:
		return p.inline(x, depth)
	case []any:
		out := make([]any, len(x))
		for i, el := range x {
			out[i] = p.inlineValue(el, depth)
		}
		return out
	default:
		return v
	}
}

// collapseRootOneOf merges a root-level oneOf into one object schema.
// Partial-support providers cannot express top-level alternatives, so the
// variant shapes are preserved in the description and their properties
// unioned.
func (p preparer) collapseRootOneOf(root map[string]any) map[string]any {
	alts, ok := root["oneOf"].([]any)
	if !ok || len(alts) == 0 {
		return root
	}
	merged := make(map[string]any, len(root))
	for k, v := range root {
		if k != "oneOf" {
			merged[k] = v
		}
	}
	merged["type"] = "object"

	props := make(map[string]any)
	variants := make([]string, 0, len(alts))
	for i, a := range alts {
		as, ok := a.(map[string]any)
		if !ok {
			continue
		}
		variants = append(variants, fmt.Sprintf("variant %d: %s", i+1, compact(as)))
		if vprops, ok := as["properties"].(map[string]any); ok {
			for name, ps := range vprops {
				if _, exists := props[name]; !exists {
					props[name] = ps
				}
			}
		}
	}
	if len(props) > 0 {
		merged["properties"] = props
	}
	note := "The response must match exactly one of: " + strings.Join(variants, "; ") + "."
	merged["description"] = appendNote(strDefault(merged["description"]), note)
	return merged
}

func (p preparer) rewrite(node map[string]any) {
	if f, ok := node["format"].(string); ok && !nativeFormats[f] {
		node["description"] = appendNote(strDefault(node["description"]), "Format: "+f+".")
		delete(node, "format")
	}

	t, _ := node["type"].(string)
	if t == "object" || node["properties"] != nil {
		props, _ := node["properties"].(map[string]any)

		switch ap := node["additionalProperties"].(type) {
		case bool:
			if ap {
				node["description"] = appendNote(strDefault(node["description"]),
					"The source schema allowed extra properties; emit only the declared ones.")
			}
		case map[string]any:
			node["description"] = appendNote(strDefault(node["description"]),
				"The source schema allowed extra properties of the form "+compact(ap)+"; emit only the declared ones.")
		}
		node["additionalProperties"] = false

		if len(props) > 0 {
			promoteRequired(node, props)
		}

		for _, name := range sortedKeys(props) {
			if ps, ok := props[name].(map[string]any); ok {
				p.rewrite(ps)
			}
		}
	}

	if items, ok := node["items"].(map[string]any); ok {
		p.rewrite(items)
	}
	for _, key := range []string{"oneOf", "anyOf", "allOf"} {
		if alts, ok := node[key].([]any); ok {
			for _, a := range alts {
				if as, ok := a.(map[string]any); ok {
					p.rewrite(as)
				}
			}
		}
	}
}

// promoteRequired marks every property required, keeping the original
// required order first and noting promoted fields as optional in their
// descriptions.
func promoteRequired(node map[string]any, props map[string]any) {
	seen := make(map[string]bool)
	var order []string
	if req, ok := node["required"].([]any); ok {
		for _, r := range req {
			if name, ok := r.(string); ok && !seen[name] {
				seen[name] = true
				order = append(order, name)
			}
		}
	}

	var promoted []string
	for name := range props {
		if !seen[name] {
			promoted = append(promoted, name)
		}
	}
	sort.Strings(promoted)
	for _, name := range promoted {
		if ps, ok := props[name].(map[string]any); ok {
			ps["description"] = appendNote(strDefault(ps["description"]), "Optional in the source schema.")
		}
		order = append(order, name)
	}

	req := make([]any, len(order))
	for i, name := range order {
		req[i] = name
	}
	node["required"] = req
}

func appendNote(desc, note string) string {
	if strings.Contains(desc, note) {
		return desc
	}
	if desc == "" {
		return note
	}
	return strings.TrimRight(desc, " ") + " " + note
}

func strDefault(v any) string {
	s, _ := v.(string)
	return s
}
