package providers

import "strings"

// Schema keywords that at least one provider rejects outright. Anthropic and
// OpenAI tolerate them, Gemini-compatible endpoints and several local
// runtimes return HTTP 400 when they appear anywhere in the tree.
var schemaMetaKeys = []string{"$schema", "$id", "$comment"}

// CleanSchemaForProvider normalizes a tool parameter schema for the named
// provider's function-calling endpoint. The input map is never mutated; a
// cleaned deep copy is returned. A nil or empty schema becomes the minimal
// valid object schema, which every provider accepts.
func CleanSchemaForProvider(name string, params map[string]interface{}) map[string]interface{} {
	cleaned := cleanSchemaNode(name, params)
	if cleaned == nil {
		cleaned = map[string]interface{}{}
	}
	if _, ok := cleaned["type"]; !ok {
		cleaned["type"] = "object"
	}
	if cleaned["type"] == "object" {
		if _, ok := cleaned["properties"]; !ok {
			cleaned["properties"] = map[string]interface{}{}
		}
	}
	return cleaned
}

// CleanToolSchemas converts tool definitions to the OpenAI-compatible wire
// shape with per-provider parameter cleaning applied.
func CleanToolSchemas(name string, tools []ToolDefinition) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  CleanSchemaForProvider(name, t.Function.Parameters),
			},
		})
	}
	return out
}

func cleanSchemaNode(name string, node map[string]interface{}) map[string]interface{} {
	if node == nil {
		return nil
	}
	strictFormats := isGeminiLike(name)
	out := make(map[string]interface{}, len(node))
	for k, v := range node {
		if isMetaKey(k) {
			continue
		}
		if strictFormats {
			// Gemini's OpenAI shim only understands a narrow keyword set.
			switch k {
			case "additionalProperties", "default", "examples", "pattern",
				"minLength", "maxLength", "minimum", "maximum", "exclusiveMinimum",
				"exclusiveMaximum", "multipleOf", "minItems", "maxItems", "uniqueItems":
				continue
			case "format":
				if s, ok := v.(string); !ok || (s != "enum" && s != "date-time") {
					continue
				}
			}
		}
		out[k] = cleanSchemaValue(name, v)
	}
	return out
}

func cleanSchemaValue(name string, v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cleanSchemaNode(name, val)
	case []interface{}:
		items := make([]interface{}, len(val))
		for i, item := range val {
			items[i] = cleanSchemaValue(name, item)
		}
		return items
	default:
		return v
	}
}

func isMetaKey(k string) bool {
	for _, m := range schemaMetaKeys {
		if k == m {
			return true
		}
	}
	return false
}

func isGeminiLike(name string) bool {
	return strings.Contains(strings.ToLower(name), "gemini")
}
