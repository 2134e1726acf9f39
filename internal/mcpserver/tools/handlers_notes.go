package tools

import (
	"context"
	"encoding/json"

	"github.com/sdpbridge/sdpbridge/internal/sdp"
)

// Note tool handlers

func HandleAddNote(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var params AddNoteParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, NewToolError(ErrCodeInvalidParams, "Invalid parameters: "+err.Error(), nil)
	}
	if err := params.Validate(); err != nil {
		return nil, NewToolError(ErrCodeInvalidParams, err.Error(), nil)
	}

	note, err := tc.SDP.AddNote(ctx, tc.TenantID, params.RequestID, sdp.NoteParams{
		Description:       params.Description,
		ShowToRequester:   params.ShowToRequester,
		NotifyTechnician:  params.NotifyTechnician,
		MarkFirstResponse: params.MarkFirstResponse,
	})
	if err != nil {
		return nil, tc.wrapErr(err)
	}
	return note, nil
}

func HandleListNotes(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var params ListNotesParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, NewToolError(ErrCodeInvalidParams, "Invalid parameters: "+err.Error(), nil)
	}
	if err := params.Validate(); err != nil {
		return nil, NewToolError(ErrCodeInvalidParams, err.Error(), nil)
	}

	notes, err := tc.SDP.ListNotes(ctx, tc.TenantID, params.RequestID, params.listOptions())
	if err != nil {
		return nil, tc.wrapErr(err)
	}
	return notes, nil
}

func HandleReplyToRequester(ctx context.Context, tc *ToolContext, raw json.RawMessage) (interface{}, error) {
	var params ReplyToRequesterParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, NewToolError(ErrCodeInvalidParams, "Invalid parameters: "+err.Error(), nil)
	}
	if err := params.Validate(); err != nil {
		return nil, NewToolError(ErrCodeInvalidParams, err.Error(), nil)
	}

	note, err := tc.SDP.ReplyToRequester(ctx, tc.TenantID, params.RequestID, params.Message, params.MarkFirstResponse)
	if err != nil {
		return nil, tc.wrapErr(err)
	}
	return replyResult(note), nil
}

// replyResult reduces the created note to what the caller acts on: the
// note's id and the fact that the requester was emailed.
func replyResult(note json.RawMessage) map[string]any {
	var created struct {
		ID json.Number `json:"id"`
	}
	json.Unmarshal(note, &created)
	return map[string]any{
		"note_id":    created.ID.String(),
		"email_sent": true,
	}
}
