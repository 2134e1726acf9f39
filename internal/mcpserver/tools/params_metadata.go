package tools

import (
	"fmt"

	"github.com/sdpbridge/sdpbridge/internal/sdp"
)

type ListMetadataParams struct {
	Kind string `json:"kind"`
}

func (p *ListMetadataParams) Validate() error {
	if p.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	for _, k := range sdp.MetaKinds() {
		if k == p.Kind {
			return nil
		}
	}
	return fmt.Errorf("unknown metadata kind %q", p.Kind)
}

type ListSubcategoriesParams struct {
	CategoryID string `json:"category_id,omitempty"`
	// CategoryName is resolved to an id via metadata when no id is
	// given.
	CategoryName string `json:"category_name,omitempty"`
}

func (p *ListSubcategoriesParams) Validate() error {
	if p.CategoryID == "" && p.CategoryName == "" {
		return fmt.Errorf("either category_id or category_name is required")
	}
	return nil
}

type ListTechniciansParams struct {
	// IncludeInactive keeps retired technicians in the listing.
	IncludeInactive bool `json:"include_inactive,omitempty"`
}

func (p *ListTechniciansParams) Validate() error { return nil }
