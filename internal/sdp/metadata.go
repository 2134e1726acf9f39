package sdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Metadata kinds exposed to tools.
const (
	MetaPriorities   = "priorities"
	MetaStatuses     = "statuses"
	MetaCategories   = "categories"
	MetaTechnicians  = "technicians"
	MetaClosureCodes = "closure_codes"
	MetaImpacts      = "impacts"
	MetaUrgencies    = "urgencies"
	MetaLevels       = "levels"
	MetaModes        = "modes"
	MetaRequestTypes = "request_types"
)

var metaKinds = map[string]bool{
	MetaPriorities:   true,
	MetaStatuses:     true,
	MetaCategories:   true,
	MetaTechnicians:  true,
	MetaClosureCodes: true,
	MetaImpacts:      true,
	MetaUrgencies:    true,
	MetaLevels:       true,
	MetaModes:        true,
	MetaRequestTypes: true,
}

// MetaKinds lists the supported metadata kinds, for tool schemas.
func MetaKinds() []string {
	return []string{
		MetaPriorities, MetaStatuses, MetaCategories, MetaTechnicians,
		MetaClosureCodes, MetaImpacts, MetaUrgencies, MetaLevels,
		MetaModes, MetaRequestTypes,
	}
}

// Entity is one metadata row: a priority, status, technician, and so
// on. Raw preserves the upstream object for passthrough to tools.
type Entity struct {
	ID       string
	Name     string
	Inactive bool
	Raw      json.RawMessage
}

func (e *Entity) UnmarshalJSON(data []byte) error {
	var v struct {
		ID       json.Number `json:"id"`
		Name     string      `json:"name"`
		EmailID  string      `json:"email_id"`
		Deleted  bool        `json:"deleted"`
		Inactive bool        `json:"inactive"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	e.ID = v.ID.String()
	e.Name = v.Name
	if e.Name == "" {
		e.Name = v.EmailID
	}
	e.Inactive = v.Deleted || v.Inactive
	e.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Ref marshals an entity reference the way the API wants writes
// phrased: by id when known, otherwise by name or email.
type Ref struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email_id,omitempty"`
}

// IsZero reports an empty reference.
func (r Ref) IsZero() bool { return r.ID == "" && r.Name == "" && r.Email == "" }

const (
	metaTTL      = 10 * time.Minute
	metaCacheCap = 512
	metaRowCount = 100
)

// metadataCache serves metadata lists from a TTL'd LRU, with
// single-flight population so a cold kind costs one upstream call no
// matter how many tools ask at once.
type metadataCache struct {
	client *Client
	lru    *expirable.LRU[string, []Entity]
	flight singleflight.Group
}

func newMetadataCache(c *Client) *metadataCache {
	return &metadataCache{
		client: c,
		lru:    expirable.NewLRU[string, []Entity](metaCacheCap, nil, metaTTL),
	}
}

func (mc *metadataCache) list(ctx context.Context, tenantID, apiPath string) ([]Entity, error) {
	key := tenantID + "|" + apiPath
	if ents, ok := mc.lru.Get(key); ok {
		return ents, nil
	}

	v, err, _ := mc.flight.Do(key, func() (any, error) {
		if ents, ok := mc.lru.Get(key); ok {
			return ents, nil
		}
		input := map[string]any{"list_info": &listInfo{RowCount: metaRowCount, StartIndex: 1}}
		env, err := mc.client.do(ctx, tenantID, http.MethodGet, apiPath, input)
		if err != nil {
			return nil, err
		}

		// The entity key is the path's last segment.
		name := apiPath
		if i := strings.LastIndexByte(apiPath, '/'); i >= 0 {
			name = apiPath[i+1:]
		}
		var ents []Entity
		if err := env.entity(name, &ents); err != nil {
			return nil, err
		}
		mc.lru.Add(key, ents)
		return ents, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Entity), nil
}

// Metadata lists entities of one kind for a tenant.
func (c *Client) Metadata(ctx context.Context, tenantID, kind string) ([]Entity, error) {
	if !metaKinds[kind] {
		return nil, &Error{Kind: KindValidation, Message: fmt.Sprintf("unknown metadata kind %q", kind)}
	}
	return c.meta.list(ctx, tenantID, kind)
}

// Subcategories lists the subcategories of one category.
func (c *Client) Subcategories(ctx context.Context, tenantID, categoryID string) ([]Entity, error) {
	if categoryID == "" {
		return nil, &Error{Kind: KindValidation, Message: "category id is required"}
	}
	return c.meta.list(ctx, tenantID, "categories/"+categoryID+"/subcategories")
}

// LookupID resolves a metadata name to its id, case-insensitively.
func (c *Client) LookupID(ctx context.Context, tenantID, kind, name string) (string, error) {
	ents, err := c.Metadata(ctx, tenantID, kind)
	if err != nil {
		return "", err
	}
	for _, e := range ents {
		if strings.EqualFold(e.Name, name) {
			return e.ID, nil
		}
	}
	return "", &Error{Kind: KindValidation, Message: fmt.Sprintf("no %s named %q", strings.TrimSuffix(kind, "s"), name)}
}

// FirstActiveClosureCode returns a usable closure code, for recovering
// a close that failed on a retired or missing code.
func (c *Client) FirstActiveClosureCode(ctx context.Context, tenantID string) (*Entity, error) {
	ents, err := c.Metadata(ctx, tenantID, MetaClosureCodes)
	if err != nil {
		return nil, err
	}
	for i := range ents {
		if !ents[i].Inactive {
			return &ents[i], nil
		}
	}
	return nil, &Error{Kind: KindValidation, Message: "no active closure codes configured"}
}

// resolveSubcategoryParent finds which category owns the named
// subcategory, scanning cached category trees.
func (c *Client) resolveSubcategoryParent(ctx context.Context, tenantID, subName string) (category, subcategory *Entity, err error) {
	cats, err := c.Metadata(ctx, tenantID, MetaCategories)
	if err != nil {
		return nil, nil, err
	}
	for i := range cats {
		if cats[i].Inactive {
			continue
		}
		subs, err := c.Subcategories(ctx, tenantID, cats[i].ID)
		if err != nil {
			return nil, nil, err
		}
		for j := range subs {
			if strings.EqualFold(subs[j].Name, subName) {
				return &cats[i], &subs[j], nil
			}
		}
	}
	return nil, nil, &Error{Kind: KindValidation, Message: fmt.Sprintf("no subcategory named %q in any category", subName)}
}
