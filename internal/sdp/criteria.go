package sdp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Conditions accepted in search criteria. The service desk is strict
// about spelling, so they are validated before any call goes out.
var validConditions = map[string]bool{
	"is":               true,
	"is not":           true,
	"greater than":     true,
	"lesser than":      true,
	"greater or equal": true,
	"lesser or equal":  true,
	"contains":         true,
	"not contains":     true,
	"starts with":      true,
	"ends with":        true,
	"between":          true,
	"not between":      true,
}

var validLogicalOps = map[string]bool{"AND": true, "OR": true}

// Criteria is one node of a search filter tree. A leaf carries a field
// comparison; a branch combines children with a logical operator.
// Children attach to their parent's result with their own operator, the
// way the v3 API nests them.
type Criteria struct {
	Field           string      `json:"field,omitempty"`
	Condition       string      `json:"condition,omitempty"`
	Values          []any       `json:"values,omitempty"`
	Value           any         `json:"value,omitempty"`
	LogicalOperator string      `json:"logical_operator,omitempty"`
	Children        []*Criteria `json:"children,omitempty"`
}

// Validate walks the tree checking fields, conditions, and operators.
// depth guards against adversarial nesting from tool input.
func (c *Criteria) Validate() error {
	return c.validate(0)
}

const maxCriteriaDepth = 8

func (c *Criteria) validate(depth int) error {
	if depth > maxCriteriaDepth {
		return fmt.Errorf("search criteria nested deeper than %d levels", maxCriteriaDepth)
	}
	if c.Field == "" {
		return fmt.Errorf("search criteria node missing field")
	}
	if !validConditions[strings.ToLower(c.Condition)] {
		return fmt.Errorf("unknown search condition %q", c.Condition)
	}
	if c.Value == nil && len(c.Values) == 0 {
		return fmt.Errorf("search criteria for %q has no value", c.Field)
	}
	if c.LogicalOperator != "" && !validLogicalOps[strings.ToUpper(c.LogicalOperator)] {
		return fmt.Errorf("unknown logical operator %q", c.LogicalOperator)
	}
	for _, child := range c.Children {
		if child.LogicalOperator == "" {
			return fmt.Errorf("child criteria for %q missing logical_operator", child.Field)
		}
		if err := child.validate(depth + 1); err != nil {
			return err
		}
	}
	return nil
}

// normalize canonicalizes condition and operator case in place.
func (c *Criteria) normalize() {
	c.Condition = strings.ToLower(c.Condition)
	if c.LogicalOperator != "" {
		c.LogicalOperator = strings.ToUpper(c.LogicalOperator)
	}
	for _, child := range c.Children {
		child.normalize()
	}
}

// ParseCriteria decodes and validates a criteria tree from tool input.
func ParseCriteria(raw json.RawMessage) (*Criteria, error) {
	var c Criteria
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("parsing search criteria: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

const (
	defaultRowCount = 25
	maxRowCount     = 100
)

// ListOptions shape the list_info block of collection calls.
type ListOptions struct {
	RowCount   int
	StartIndex int
	SortField  string
	SortOrder  string
	Criteria   *Criteria
}

// listInfo is the wire form.
type listInfo struct {
	RowCount       int       `json:"row_count"`
	StartIndex     int       `json:"start_index,omitempty"`
	SortField      string    `json:"sort_field,omitempty"`
	SortOrder      string    `json:"sort_order,omitempty"`
	SearchCriteria *Criteria `json:"search_criteria,omitempty"`
}

// wire clamps and converts. Row counts above the API maximum are
// capped; a zero or negative start index becomes the first page, since
// the API indexes from 1.
func (o ListOptions) wire() (*listInfo, error) {
	li := &listInfo{
		RowCount:       o.RowCount,
		StartIndex:     o.StartIndex,
		SortField:      o.SortField,
		SearchCriteria: o.Criteria,
	}
	if li.RowCount <= 0 {
		li.RowCount = defaultRowCount
	}
	if li.RowCount > maxRowCount {
		li.RowCount = maxRowCount
	}
	if li.StartIndex <= 0 {
		li.StartIndex = 1
	}
	switch strings.ToLower(o.SortOrder) {
	case "":
	case "asc", "desc":
		li.SortOrder = strings.ToLower(o.SortOrder)
	default:
		return nil, fmt.Errorf("sort_order must be asc or desc, got %q", o.SortOrder)
	}
	if li.SearchCriteria != nil {
		li.SearchCriteria.normalize()
		if err := li.SearchCriteria.Validate(); err != nil {
			return nil, err
		}
	}
	return li, nil
}

// Page describes the slice of a collection a response covered.
type Page struct {
	RowCount   int  `json:"row_count"`
	StartIndex int  `json:"start_index"`
	HasMore    bool `json:"has_more_rows"`
	TotalCount int  `json:"total_count,omitempty"`
}
