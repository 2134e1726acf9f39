package tools

import "github.com/sdpbridge/sdpbridge/internal/sdp"

// RegisterAllTools registers all available tools with the registry
func RegisterAllTools(r *Registry) {
	registerRequestTools(r)
	registerNoteTools(r)
	registerMetadataTools(r)
}

func registerRequestTools(r *Registry) {
	// list_requests
	r.MustRegister(ToolDefinition{
		Name:        "list_requests",
		Description: "List service desk requests with optional filtering, sorting, and pagination",
		InputSchema: ListSchema(map[string]any{
			"filter": CriteriaSchema(),
		}, nil),
		RequiredScopes: []string{ScopeRequestsRead},
	}, HandleListRequests)

	// search_requests
	r.MustRegister(ToolDefinition{
		Name:        "search_requests",
		Description: "Search requests by a criteria tree, e.g. status, technician, or free text on the subject",
		InputSchema: ListSchema(map[string]any{
			"criteria": CriteriaSchema(),
		}, []string{"criteria"}),
		RequiredScopes: []string{ScopeRequestsRead},
	}, HandleSearchRequests)

	// get_request
	r.MustRegister(ToolDefinition{
		Name:        "get_request",
		Description: "Retrieve one request by id, including its full detail",
		InputSchema: BuildSchema(map[string]any{
			"request_id": StringSchema("Request id"),
		}, []string{"request_id"}),
		RequiredScopes: []string{ScopeRequestsRead},
	}, HandleGetRequest)

	// create_request
	r.MustRegister(ToolDefinition{
		Name:        "create_request",
		Description: "Create a request. References (requester, priority, category, ...) may be given by id, by name, or for people by email",
		InputSchema: BuildSchema(map[string]any{
			"subject":     StringSchema("Request subject"),
			"description": StringSchema("Request description, may contain HTML"),
			"requester":   RefSchema("Requester, by id, name, or email_id"),
			"priority":    RefSchema("Priority, by id or name"),
			"status":      RefSchema("Status, by id or name"),
			"category":    RefSchema("Category, by id or name"),
			"subcategory": RefSchema("Subcategory, by id or name; the owning category is resolved automatically"),
			"technician":  RefSchema("Assigned technician, by id, name, or email_id"),
			"template":    RefSchema("Request template, by id or name"),
			"udf_fields":  ObjectSchema("User-defined fields, keyed by their api names"),
		}, []string{"subject"}),
		RequiredScopes: []string{ScopeRequestsCreate},
	}, HandleCreateRequest)

	// update_request
	r.MustRegister(ToolDefinition{
		Name:        "update_request",
		Description: "Apply a partial update to a request; fields is a partial request object",
		InputSchema: BuildSchema(map[string]any{
			"request_id": StringSchema("Request id"),
			"fields":     ObjectSchema("Fields to change, shaped like the request object"),
		}, []string{"request_id", "fields"}),
		RequiredScopes: []string{ScopeRequestsUpdate},
	}, HandleUpdateRequest)

	// close_request
	r.MustRegister(ToolDefinition{
		Name:        "close_request",
		Description: "Close a request. If the instance requires a closure code and none is given, an active one is applied automatically",
		InputSchema: BuildSchema(map[string]any{
			"request_id":               StringSchema("Request id"),
			"closure_code":             RefSchema("Closure code, by id or name"),
			"closure_comments":         StringSchema("Closing comments"),
			"requester_ack_resolution": BooleanSchema("Whether the requester acknowledged the resolution"),
			"requester_ack_comments":   StringSchema("Requester acknowledgement comments"),
		}, []string{"request_id"}),
		RequiredScopes: []string{ScopeRequestsUpdate},
	}, HandleCloseRequest)
}

func registerNoteTools(r *Registry) {
	// add_note
	r.MustRegister(ToolDefinition{
		Name:        "add_note",
		Description: "Attach a note to a request, technician-only unless show_to_requester is set",
		InputSchema: BuildSchema(map[string]any{
			"request_id":          StringSchema("Request id"),
			"description":         StringSchema("Note body, may contain HTML"),
			"show_to_requester":   BooleanSchema("Make the note visible to the requester"),
			"notify_technician":   BooleanSchema("Email the assigned technician about the note"),
			"mark_first_response": BooleanSchema("Count the note as the first response for SLA purposes"),
		}, []string{"request_id", "description"}),
		RequiredScopes: []string{ScopeRequestsCreate},
	}, HandleAddNote)

	// list_notes
	r.MustRegister(ToolDefinition{
		Name:        "list_notes",
		Description: "List the notes on a request",
		InputSchema: ListSchema(map[string]any{
			"request_id": StringSchema("Request id"),
		}, []string{"request_id"}),
		RequiredScopes: []string{ScopeRequestsRead},
	}, HandleListNotes)

	// reply_to_requester
	r.MustRegister(ToolDefinition{
		Name:        "reply_to_requester",
		Description: "Post a requester-visible reply on a request",
		InputSchema: BuildSchema(map[string]any{
			"request_id":          StringSchema("Request id"),
			"message":             StringSchema("Reply body, may contain HTML"),
			"mark_first_response": BooleanSchema("Count the reply as the first response for SLA purposes"),
		}, []string{"request_id", "message"}),
		RequiredScopes: []string{ScopeRequestsCreate},
	}, HandleReplyToRequester)
}

func registerMetadataTools(r *Registry) {
	// list_metadata
	r.MustRegister(ToolDefinition{
		Name:        "list_metadata",
		Description: "List configuration entities of one kind: priorities, statuses, categories, closure codes, and so on",
		InputSchema: BuildSchema(map[string]any{
			"kind": EnumSchema("Which entities to list", sdp.MetaKinds()),
		}, []string{"kind"}),
		RequiredScopes: []string{ScopeSetupRead},
	}, HandleListMetadata)

	// list_subcategories
	r.MustRegister(ToolDefinition{
		Name:        "list_subcategories",
		Description: "List the subcategories of a category, identified by id or name",
		InputSchema: BuildSchema(map[string]any{
			"category_id":   StringSchema("Category id"),
			"category_name": StringSchema("Category name, resolved case-insensitively"),
		}, nil),
		RequiredScopes: []string{ScopeSetupRead},
	}, HandleListSubcategories)

	// list_technicians
	r.MustRegister(ToolDefinition{
		Name:        "list_technicians",
		Description: "List technicians who can be assigned to requests",
		InputSchema: BuildSchema(map[string]any{
			"include_inactive": BooleanSchema("Include retired technicians"),
		}, nil),
		RequiredScopes: []string{ScopeSetupRead},
	}, HandleListTechnicians)
}
