package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sdpbridge/sdpbridge/internal/sdp"
)

// pageParams are the pagination fields shared by list tools.
type pageParams struct {
	RowCount   int    `json:"row_count,omitempty"`
	StartIndex int    `json:"start_index,omitempty"`
	SortField  string `json:"sort_field,omitempty"`
	SortOrder  string `json:"sort_order,omitempty"`
}

func (p *pageParams) validatePage() error {
	if p.RowCount < 0 {
		return fmt.Errorf("row_count cannot be negative")
	}
	if p.RowCount > 100 {
		return fmt.Errorf("row_count must be at most 100")
	}
	switch strings.ToLower(p.SortOrder) {
	case "", "asc", "desc":
	default:
		return fmt.Errorf("sort_order must be asc or desc")
	}
	return nil
}

func (p *pageParams) listOptions() sdp.ListOptions {
	return sdp.ListOptions{
		RowCount:   p.RowCount,
		StartIndex: p.StartIndex,
		SortField:  p.SortField,
		SortOrder:  p.SortOrder,
	}
}

type ListRequestsParams struct {
	pageParams
	// Filter is an optional criteria tree applied to the listing.
	Filter json.RawMessage `json:"filter,omitempty"`
}

func (p *ListRequestsParams) Validate() error {
	return p.validatePage()
}

type SearchRequestsParams struct {
	pageParams
	Criteria json.RawMessage `json:"criteria"`
}

func (p *SearchRequestsParams) Validate() error {
	if len(p.Criteria) == 0 {
		return fmt.Errorf("criteria is required")
	}
	return p.validatePage()
}

type GetRequestParams struct {
	RequestID string `json:"request_id"`
}

func (p *GetRequestParams) Validate() error {
	if p.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	return nil
}

type CreateRequestParams struct {
	Subject     string `json:"subject"`
	Description string `json:"description,omitempty"`
	// References accept {"id": ...}, {"name": ...}, or a bare name
	// string; requester additionally accepts {"email_id": ...}.
	Requester   any            `json:"requester,omitempty"`
	Priority    any            `json:"priority,omitempty"`
	Status      any            `json:"status,omitempty"`
	Category    any            `json:"category,omitempty"`
	Subcategory any            `json:"subcategory,omitempty"`
	Technician  any            `json:"technician,omitempty"`
	Template    any            `json:"template,omitempty"`
	UDFFields   map[string]any `json:"udf_fields,omitempty"`
}

func (p *CreateRequestParams) Validate() error {
	if strings.TrimSpace(p.Subject) == "" {
		return fmt.Errorf("subject is required")
	}
	return nil
}

// Fields assembles the upstream request object, skipping absent fields.
func (p *CreateRequestParams) Fields() map[string]any {
	fields := map[string]any{"subject": p.Subject}
	if p.Description != "" {
		fields["description"] = p.Description
	}
	for name, v := range map[string]any{
		"requester":   p.Requester,
		"priority":    p.Priority,
		"status":      p.Status,
		"category":    p.Category,
		"subcategory": p.Subcategory,
		"technician":  p.Technician,
		"template":    p.Template,
	} {
		if v != nil {
			fields[name] = v
		}
	}
	if len(p.UDFFields) > 0 {
		fields["udf_fields"] = p.UDFFields
	}
	return fields
}

type UpdateRequestParams struct {
	RequestID string `json:"request_id"`
	// Fields is a partial request object, passed through to the update.
	Fields map[string]any `json:"fields"`
}

func (p *UpdateRequestParams) Validate() error {
	if p.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if len(p.Fields) == 0 {
		return fmt.Errorf("fields is required and cannot be empty")
	}
	return nil
}

type CloseRequestParams struct {
	RequestID              string `json:"request_id"`
	ClosureCode            any    `json:"closure_code,omitempty"`
	ClosureComments        string `json:"closure_comments,omitempty"`
	RequesterAckResolution bool   `json:"requester_ack_resolution,omitempty"`
	RequesterAckComments   string `json:"requester_ack_comments,omitempty"`
}

func (p *CloseRequestParams) Validate() error {
	if p.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	return nil
}
