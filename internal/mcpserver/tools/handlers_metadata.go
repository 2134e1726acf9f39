package tools

import (
	"context"
	"encoding/json"

	"github.com/sdpbridge/sdpbridge/internal/sdp"
)

// Metadata tool handlers

// entityView is the shape metadata rows take in tool results.
type entityView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Inactive bool   `json:"inactive,omitempty"`
}

func entityViews(ents []sdp.Entity, includeInactive bool) []entityView {
	views := make([]entityView, 0, len(ents))
	for _, e := range ents {
		if e.Inactive && !includeInactive {
			continue
		}
		views = append(views, entityView{ID: e.ID, Name: e.Name, Inactive: e.Inactive})
	}
	return views
}

func HandleListMetadata(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var params ListMetadataParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, NewToolError(ErrCodeInvalidParams, "Invalid parameters: "+err.Error(), nil)
	}
	if err := params.Validate(); err != nil {
		return nil, NewToolError(ErrCodeInvalidParams, err.Error(), nil)
	}

	ents, err := tc.SDP.Metadata(ctx, tc.TenantID, params.Kind)
	if err != nil {
		return nil, tc.wrapErr(err)
	}
	return map[string]any{
		"kind":    params.Kind,
		"entries": entityViews(ents, true),
	}, nil
}

func HandleListSubcategories(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var params ListSubcategoriesParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, NewToolError(ErrCodeInvalidParams, "Invalid parameters: "+err.Error(), nil)
	}
	if err := params.Validate(); err != nil {
		return nil, NewToolError(ErrCodeInvalidParams, err.Error(), nil)
	}

	categoryID := params.CategoryID
	if categoryID == "" {
		id, err := tc.SDP.LookupID(ctx, tc.TenantID, sdp.MetaCategories, params.CategoryName)
		if err != nil {
			return nil, tc.wrapErr(err)
		}
		categoryID = id
	}

	ents, err := tc.SDP.Subcategories(ctx, tc.TenantID, categoryID)
	if err != nil {
		return nil, tc.wrapErr(err)
	}
	return map[string]any{
		"category_id":   categoryID,
		"subcategories": entityViews(ents, true),
	}, nil
}

func HandleListTechnicians(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var params ListTechniciansParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, NewToolError(ErrCodeInvalidParams, "Invalid parameters: "+err.Error(), nil)
		}
	}
	if err := params.Validate(); err != nil {
		return nil, NewToolError(ErrCodeInvalidParams, err.Error(), nil)
	}

	ents, err := tc.SDP.Metadata(ctx, tc.TenantID, sdp.MetaTechnicians)
	if err != nil {
		return nil, tc.wrapErr(err)
	}
	return map[string]any{
		"technicians": entityViews(ents, params.IncludeInactive),
	}, nil
}
