package tools

// Common JSON Schema building blocks

// StringSchema creates a JSON schema for a string field
func StringSchema(description string) map[string]any {
	return map[string]any{
		"type":        "string",
		"description": description,
	}
}

// IntegerSchema creates a JSON schema for an integer field with optional min/max
func IntegerSchema(description string, min, max *int) map[string]any {
	schema := map[string]any{
		"type":        "integer",
		"description": description,
	}
	if min != nil {
		schema["minimum"] = *min
	}
	if max != nil {
		schema["maximum"] = *max
	}
	return schema
}

// BooleanSchema creates a JSON schema for a boolean field
func BooleanSchema(description string) map[string]any {
	return map[string]any{
		"type":        "boolean",
		"description": description,
	}
}

// ObjectSchema creates a JSON schema for an object with arbitrary properties
func ObjectSchema(description string) map[string]any {
	return map[string]any{
		"type":        "object",
		"description": description,
	}
}

// EnumSchema creates a JSON schema for an enum field
func EnumSchema(description string, values []string) map[string]any {
	return map[string]any{
		"type":        "string",
		"description": description,
		"enum":        values,
	}
}

// ArraySchema creates a JSON schema for an array field
func ArraySchema(description string, items map[string]any) map[string]any {
	return map[string]any{
		"type":        "array",
		"description": description,
		"items":       items,
	}
}

// BuildSchema creates a complete JSON schema object with properties and required fields
func BuildSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// RefSchema describes an entity reference: by id, name, or email.
func RefSchema(description string) map[string]any {
	return map[string]any{
		"type":        "object",
		"description": description,
		"properties": map[string]any{
			"id":       StringSchema("Entity id"),
			"name":     StringSchema("Entity name (resolved upstream)"),
			"email_id": StringSchema("Email address, for user references"),
		},
	}
}

// CriteriaSchema describes one node of a search criteria tree.
func CriteriaSchema() map[string]any {
	node := map[string]any{
		"type":        "object",
		"description": "A filter condition; nest further conditions under children",
		"properties": map[string]any{
			"field":     StringSchema("Field to filter on, e.g. status.name or subject"),
			"condition": StringSchema("Comparison: is, is not, contains, starts with, greater than, between, ..."),
			"value":     map[string]any{"description": "Single comparison value"},
			"values": map[string]any{
				"type":        "array",
				"description": "Multiple comparison values",
			},
			"logical_operator": EnumSchema("How this node combines with its parent (required on children)", []string{"AND", "OR"}),
		},
		"required": []string{"field", "condition"},
	}
	node["properties"].(map[string]any)["children"] = map[string]any{
		"type":        "array",
		"description": "Nested conditions combined via their logical_operator",
		"items":       map[string]any{"type": "object"},
	}
	return node
}

// pageProperties are the shared pagination fields of list tools.
func pageProperties() map[string]any {
	min1 := 1
	max100 := 100
	return map[string]any{
		"row_count":   IntegerSchema("Rows per page (1-100, default 25)", &min1, &max100),
		"start_index": IntegerSchema("1-based index of the first row", &min1, nil),
		"sort_field":  StringSchema("Field to sort by, e.g. created_time"),
		"sort_order":  EnumSchema("Sort direction", []string{"asc", "desc"}),
	}
}

// ListSchema builds a list-tool schema from the shared pagination
// fields plus tool-specific extras.
func ListSchema(extra map[string]any, required []string) map[string]any {
	props := pageProperties()
	for k, v := range extra {
		props[k] = v
	}
	return BuildSchema(props, required)
}
