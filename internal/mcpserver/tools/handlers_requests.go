package tools

import (
	"context"
	"encoding/json"

	"github.com/sdpbridge/sdpbridge/internal/sdp"
)

// Request tool handlers

func HandleListRequests(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var params ListRequestsParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, NewToolError(ErrCodeInvalidParams, "Invalid parameters: "+err.Error(), nil)
		}
	}
	if err := params.Validate(); err != nil {
		return nil, NewToolError(ErrCodeInvalidParams, err.Error(), nil)
	}

	opts := params.listOptions()
	if len(params.Filter) > 0 {
		criteria, err := sdp.ParseCriteria(params.Filter)
		if err != nil {
			return nil, NewToolError(ErrCodeInvalidParams, err.Error(), nil)
		}
		opts.Criteria = criteria
	}

	result, err := tc.SDP.ListRequests(ctx, tc.TenantID, opts)
	if err != nil {
		return nil, tc.wrapErr(err)
	}
	return result, nil
}

func HandleSearchRequests(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var params SearchRequestsParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, NewToolError(ErrCodeInvalidParams, "Invalid parameters: "+err.Error(), nil)
	}
	if err := params.Validate(); err != nil {
		return nil, NewToolError(ErrCodeInvalidParams, err.Error(), nil)
	}

	criteria, err := sdp.ParseCriteria(params.Criteria)
	if err != nil {
		return nil, NewToolError(ErrCodeInvalidParams, err.Error(), nil)
	}

	result, err := tc.SDP.SearchRequests(ctx, tc.TenantID, criteria, params.listOptions())
	if err != nil {
		return nil, tc.wrapErr(err)
	}
	return result, nil
}

func HandleGetRequest(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var params GetRequestParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, NewToolError(ErrCodeInvalidParams, "Invalid parameters: "+err.Error(), nil)
	}
	if err := params.Validate(); err != nil {
		return nil, NewToolError(ErrCodeInvalidParams, err.Error(), nil)
	}

	req, err := tc.SDP.GetRequest(ctx, tc.TenantID, params.RequestID)
	if err != nil {
		return nil, tc.wrapErr(err)
	}
	return req, nil
}

func HandleCreateRequest(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var params CreateRequestParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, NewToolError(ErrCodeInvalidParams, "Invalid parameters: "+err.Error(), nil)
	}
	if err := params.Validate(); err != nil {
		return nil, NewToolError(ErrCodeInvalidParams, err.Error(), nil)
	}

	created, err := tc.SDP.CreateRequest(ctx, tc.TenantID, params.Fields())
	if err != nil {
		return nil, tc.wrapErr(err)
	}
	return created, nil
}

func HandleUpdateRequest(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var params UpdateRequestParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, NewToolError(ErrCodeInvalidParams, "Invalid parameters: "+err.Error(), nil)
	}
	if err := params.Validate(); err != nil {
		return nil, NewToolError(ErrCodeInvalidParams, err.Error(), nil)
	}

	updated, err := tc.SDP.UpdateRequest(ctx, tc.TenantID, params.RequestID, params.Fields)
	if err != nil {
		return nil, tc.wrapErr(err)
	}
	return updated, nil
}

func HandleCloseRequest(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var params CloseRequestParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, NewToolError(ErrCodeInvalidParams, "Invalid parameters: "+err.Error(), nil)
	}
	if err := params.Validate(); err != nil {
		return nil, NewToolError(ErrCodeInvalidParams, err.Error(), nil)
	}

	closed, err := tc.SDP.CloseRequest(ctx, tc.TenantID, params.RequestID, sdp.CloseParams{
		ClosureCode:            sdp.RefFrom(params.ClosureCode),
		ClosureComments:        params.ClosureComments,
		RequesterAckResolution: params.RequesterAckResolution,
		RequesterAckComments:   params.RequesterAckComments,
	})
	if err != nil {
		return nil, tc.wrapErr(err)
	}
	return closed, nil
}
