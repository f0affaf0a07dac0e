package tools

import (
	"fmt"
	"strings"
)

// ValidateArgs checks a tool-call argument map against the tool's parameter
// schema. It covers the subset of JSON Schema the tools actually declare:
// required fields, primitive types, enums and basic array/object shapes.
func ValidateArgs(schema map[string]interface{}, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	props, _ := schema["properties"].(map[string]interface{})

	if required, ok := schema["required"].([]string); ok {
		for _, name := range required {
			if _, present := args[name]; !present {
				return fmt.Errorf("missing required parameter %q", name)
			}
		}
	} else if required, ok := schema["required"].([]interface{}); ok {
		for _, rv := range required {
			name, _ := rv.(string)
			if _, present := args[name]; name != "" && !present {
				return fmt.Errorf("missing required parameter %q", name)
			}
		}
	}

	for name, value := range args {
		spec, ok := props[name].(map[string]interface{})
		if !ok {
			// Unknown parameters pass through; models add extras freely.
			continue
		}
		if err := checkValue(name, spec, value); err != nil {
			return err
		}
	}
	return nil
}

func checkValue(name string, spec map[string]interface{}, value interface{}) error {
	if value == nil {
		return nil
	}
	wantType, _ := spec["type"].(string)
	switch wantType {
	case "string":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("parameter %q must be a string", name)
		}
		if err := checkEnum(name, spec, s); err != nil {
			return err
		}
	case "number", "integer":
		switch value.(type) {
		case float64, float32, int, int64:
		default:
			return fmt.Errorf("parameter %q must be a number", name)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("parameter %q must be a boolean", name)
		}
	case "array":
		if _, ok := value.([]interface{}); !ok {
			return fmt.Errorf("parameter %q must be an array", name)
		}
	case "object":
		if _, ok := value.(map[string]interface{}); !ok {
			return fmt.Errorf("parameter %q must be an object", name)
		}
	}
	return nil
}

func checkEnum(name string, spec map[string]interface{}, got string) error {
	var allowed []string
	switch enum := spec["enum"].(type) {
	case []string:
		allowed = enum
	case []interface{}:
		for _, e := range enum {
			if s, ok := e.(string); ok {
				allowed = append(allowed, s)
			}
		}
	default:
		return nil
	}
	for _, a := range allowed {
		if got == a {
			return nil
		}
	}
	return fmt.Errorf("parameter %q must be one of [%s]", name, strings.Join(allowed, ", "))
}
