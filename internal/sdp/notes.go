package sdp

import (
	"context"
	"encoding/json"
	"net/http"
)

// NoteParams shape a note added to a request.
type NoteParams struct {
	Description string
	// ShowToRequester makes the note visible to the requester instead
	// of technician-only.
	ShowToRequester bool
	// NotifyTechnician emails the assigned technician about the note.
	NotifyTechnician bool
	// MarkFirstResponse records the note as the first response for SLA
	// accounting.
	MarkFirstResponse bool
}

// AddNote attaches a note to a request.
func (c *Client) AddNote(ctx context.Context, tenantID, requestID string, p NoteParams) (json.RawMessage, error) {
	if requestID == "" {
		return nil, &Error{Kind: KindValidation, Message: "request id is required"}
	}
	if p.Description == "" {
		return nil, &Error{Kind: KindValidation, Message: "note description is required"}
	}

	input := map[string]any{"request_note": map[string]any{
		"description":         p.Description,
		"show_to_requester":   p.ShowToRequester,
		"notify_technician":   p.NotifyTechnician,
		"mark_first_response": p.MarkFirstResponse,
	}}
	env, err := c.do(ctx, tenantID, http.MethodPost, "requests/"+requestID+"/notes", input)
	if err != nil {
		return nil, err
	}
	var note json.RawMessage
	if err := env.entity("request_note", &note); err != nil {
		return nil, err
	}
	return note, nil
}

// NoteList is one page of notes on a request.
type NoteList struct {
	Notes []json.RawMessage `json:"notes"`
	Page  Page              `json:"page"`
}

// ListNotes returns a page of a request's notes.
func (c *Client) ListNotes(ctx context.Context, tenantID, requestID string, opts ListOptions) (*NoteList, error) {
	if requestID == "" {
		return nil, &Error{Kind: KindValidation, Message: "request id is required"}
	}
	li, err := opts.wire()
	if err != nil {
		return nil, &Error{Kind: KindValidation, Message: err.Error()}
	}

	env, err := c.do(ctx, tenantID, http.MethodGet, "requests/"+requestID+"/notes", map[string]any{"list_info": li})
	if err != nil {
		return nil, err
	}
	var notes []json.RawMessage
	if err := env.entity("request_notes", &notes); err != nil {
		return nil, err
	}
	return &NoteList{Notes: notes, Page: env.page()}, nil
}

// ReplyToRequester posts a requester-visible note, optionally counted
// as the first response. It is the conversational counterpart to
// AddNote's technician-only default.
func (c *Client) ReplyToRequester(ctx context.Context, tenantID, requestID, message string, markFirstResponse bool) (json.RawMessage, error) {
	return c.AddNote(ctx, tenantID, requestID, NoteParams{
		Description:       message,
		ShowToRequester:   true,
		NotifyTechnician:  false,
		MarkFirstResponse: markFirstResponse,
	})
}
