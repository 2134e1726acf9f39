package tools

import (
	"fmt"
	"strings"
)

type AddNoteParams struct {
	RequestID         string `json:"request_id"`
	Description       string `json:"description"`
	ShowToRequester   bool   `json:"show_to_requester,omitempty"`
	NotifyTechnician  bool   `json:"notify_technician,omitempty"`
	MarkFirstResponse bool   `json:"mark_first_response,omitempty"`
}

func (p *AddNoteParams) Validate() error {
	if p.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if strings.TrimSpace(p.Description) == "" {
		return fmt.Errorf("description is required")
	}
	return nil
}

type ListNotesParams struct {
	pageParams
	RequestID string `json:"request_id"`
}

func (p *ListNotesParams) Validate() error {
	if p.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	return p.validatePage()
}

type ReplyToRequesterParams struct {
	RequestID         string `json:"request_id"`
	Message           string `json:"message"`
	MarkFirstResponse bool   `json:"mark_first_response,omitempty"`
}

func (p *ReplyToRequesterParams) Validate() error {
	if p.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if strings.TrimSpace(p.Message) == "" {
		return fmt.Errorf("message is required")
	}
	return nil
}
