package config

// GenerateSchema builds a JSON Schema (draft 2020-12 shaped, but kept
// deliberately minimal) describing Config, for `kubef schema` and
// other external tooling. Hand-rolled: nothing in the dependency set
// this module draws from offers a schema-from-struct generator, and
// Config's shape is small and stable enough that reflecting over tags
// isn't worth a new dependency (see DESIGN.md).
func GenerateSchema() map[string]interface{} {
	ports := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"remote": map[string]interface{}{"type": "integer", "minimum": 0, "maximum": 65535},
			"local":  map[string]interface{}{"type": "integer", "minimum": 0, "maximum": 65535},
		},
		"required":             []string{"remote"},
		"additionalProperties": false,
	}

	selector := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"type": map[string]interface{}{
				"type": "string",
				"enum": []string{"label", "deployment", "service", "hostname"},
			},
			"match": map[string]interface{}{
				"description": "a string for deployment/service/hostname selectors, or a list of {key, value} pairs for label selectors",
			},
		},
		"required":             []string{"type", "match"},
		"additionalProperties": false,
	}

	resource := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"alias":     map[string]interface{}{"type": "string", "minLength": 1},
			"namespace": map[string]interface{}{"type": "string"},
			"context":   map[string]interface{}{"type": "string"},
			"policy":    map[string]interface{}{"type": "string", "enum": []string{"sticky", "roundrobin"}},
			"selector":  selector,
			"ports":     ports,
		},
		"required":             []string{"alias", "namespace", "selector", "ports"},
		"additionalProperties": false,
	}

	return map[string]interface{}{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"title":   "kubef config",
		"type":    "object",
		"properties": map[string]interface{}{
			"context":  map[string]interface{}{"type": "string"},
			"loopback": map[string]interface{}{"type": "string", "description": "CIDR, e.g. 127.0.0.0/8"},
			"groups": map[string]interface{}{
				"type": "object",
				"additionalProperties": map[string]interface{}{
					"type":  "array",
					"items": resource,
				},
			},
		},
		"required":             []string{"groups"},
		"additionalProperties": false,
	}
}
