package assistant

import (
	"context"
	"errors"
	"fmt"

	"github.com/atriumhq/atrium/pkg/audit"
	"github.com/atriumhq/atrium/pkg/crm"
	"github.com/atriumhq/atrium/pkg/memory"
	"github.com/atriumhq/atrium/pkg/rbac"
)

// crmToolkit gives the built-in tools the same collaborators the HTTP
// handlers use. Every tool resolves permissions, guards records, and
// projects fields exactly like a request from the UI would.
type crmToolkit struct {
	store    *crm.Store
	search   *crm.SearchService
	resolver *rbac.Resolver
	auditor  *audit.Writer
}

// crmTool adapts a closure to the Tool interface
type crmTool struct {
	name        string
	description string
	schema      map[string]interface{}
	run         func(ctx context.Context, req ToolRequest) (*ToolResult, error)
}

func (t *crmTool) Name() string                        { return t.name }
func (t *crmTool) Description() string                 { return t.description }
func (t *crmTool) InputSchema() map[string]interface{} { return t.schema }
func (t *crmTool) Execute(ctx context.Context, req ToolRequest) (*ToolResult, error) {
	return t.run(ctx, req)
}

// NewCRMTools builds the built-in tool set over the record store.
func NewCRMTools(store *crm.Store, search *crm.SearchService, resolver *rbac.Resolver, auditor *audit.Writer) []Tool {
	if auditor == nil {
		auditor = audit.NopWriter()
	}
	kit := &crmToolkit{store: store, search: search, resolver: resolver, auditor: auditor}

	return []Tool{
		&crmTool{
			name:        "create_lead",
			description: "Create a new lead. Requires a name; email, phone, company, source and notes are optional.",
			schema: objectSchema(map[string]interface{}{
				"name":    stringProp("Lead name"),
				"email":   stringProp("Contact email"),
				"phone":   stringProp("Contact phone"),
				"company": stringProp("Company name"),
				"source":  stringProp("Where the lead came from"),
				"notes":   stringProp("Free-form notes"),
			}, "name"),
			run: func(ctx context.Context, req ToolRequest) (*ToolResult, error) {
				return kit.createTool(ctx, req, "leads", "LEAD", "name")
			},
		},
		&crmTool{
			name:        "update_lead",
			description: "Update fields on an existing lead by ID.",
			schema: objectSchema(map[string]interface{}{
				"id":      stringProp("Lead ID"),
				"name":    stringProp("Lead name"),
				"email":   stringProp("Contact email"),
				"phone":   stringProp("Contact phone"),
				"company": stringProp("Company name"),
				"status":  stringProp("Lead status"),
				"notes":   stringProp("Free-form notes"),
			}, "id"),
			run: func(ctx context.Context, req ToolRequest) (*ToolResult, error) {
				return kit.updateTool(ctx, req, "leads", "LEAD", "name")
			},
		},
		&crmTool{
			name:        "search_leads",
			description: "Search leads by name, company, or any text field.",
			schema: objectSchema(map[string]interface{}{
				"query": stringProp("Search text"),
			}, "query"),
			run: func(ctx context.Context, req ToolRequest) (*ToolResult, error) {
				return kit.searchTool(ctx, req, "leads")
			},
		},
		&crmTool{
			name:        "get_record",
			description: "Fetch a single record from any module by ID.",
			schema: objectSchema(map[string]interface{}{
				"module": stringProp("Module name, e.g. leads or deals"),
				"id":     stringProp("Record ID"),
			}, "module", "id"),
			run: kit.getRecord,
		},
		&crmTool{
			name:        "create_contact",
			description: "Create a new contact. Requires a name.",
			schema: objectSchema(map[string]interface{}{
				"name":        stringProp("Contact name"),
				"email":       stringProp("Email address"),
				"phone":       stringProp("Phone number"),
				"title":       stringProp("Job title"),
				"accountName": stringProp("Account the contact belongs to"),
				"notes":       stringProp("Free-form notes"),
			}, "name"),
			run: func(ctx context.Context, req ToolRequest) (*ToolResult, error) {
				return kit.createTool(ctx, req, "contacts", "CONTACT", "name")
			},
		},
		&crmTool{
			name:        "create_deal",
			description: "Create a new deal. Requires a name; stage, amount, closeDate and contactId are optional.",
			schema: objectSchema(map[string]interface{}{
				"name":      stringProp("Deal name"),
				"stage":     stringProp("Pipeline stage"),
				"amount":    map[string]interface{}{"type": "number", "description": "Deal amount"},
				"closeDate": stringProp("Expected close date, RFC3339"),
				"contactId": stringProp("Related contact ID"),
				"notes":     stringProp("Free-form notes"),
			}, "name"),
			run: func(ctx context.Context, req ToolRequest) (*ToolResult, error) {
				return kit.createTool(ctx, req, "deals", "DEAL", "name")
			},
		},
		&crmTool{
			name:        "update_deal_stage",
			description: "Move a deal to another pipeline stage.",
			schema: objectSchema(map[string]interface{}{
				"id":    stringProp("Deal ID"),
				"stage": stringProp("Target stage"),
			}, "id", "stage"),
			run: func(ctx context.Context, req ToolRequest) (*ToolResult, error) {
				return kit.updateTool(ctx, req, "deals", "DEAL", "name")
			},
		},
		&crmTool{
			name:        "create_task",
			description: "Create a task. Requires a subject; dueDate, priority, relatedTo and notes are optional.",
			schema: objectSchema(map[string]interface{}{
				"subject":   stringProp("Task subject"),
				"dueDate":   stringProp("Due date, RFC3339"),
				"priority":  stringProp("LOW, MEDIUM or HIGH"),
				"relatedTo": stringProp("Related record ID"),
				"notes":     stringProp("Free-form notes"),
			}, "subject"),
			run: func(ctx context.Context, req ToolRequest) (*ToolResult, error) {
				return kit.createTool(ctx, req, "tasks", "TASK", "subject")
			},
		},
		&crmTool{
			name:        "search_records",
			description: "Search any module by text.",
			schema: objectSchema(map[string]interface{}{
				"module": stringProp("Module name"),
				"query":  stringProp("Search text"),
			}, "module", "query"),
			run: func(ctx context.Context, req ToolRequest) (*ToolResult, error) {
				module, err := requireString(req.Args, "module")
				if err != nil {
					return nil, err
				}
				return kit.searchTool(ctx, req, module)
			},
		},
	}
}

// permission resolves the caller's permission context and denies with a
// tool error instead of an HTTP status.
func (k *crmToolkit) permission(ctx context.Context, req ToolRequest, module string, action rbac.Action) (*rbac.PermissionContext, error) {
	if req.Principal == nil {
		return nil, fmt.Errorf("%w: no acting user", ErrPermissionDenied)
	}
	perm, err := k.resolver.GetPermissionContext(ctx, req.Principal.UserID, req.OrgID, module, action)
	if err != nil {
		return nil, err
	}
	if !perm.Allowed {
		return nil, fmt.Errorf("%w: cannot %s %s", ErrPermissionDenied, action, module)
	}
	return perm, nil
}

// fetchGuarded loads a record through the visibility guard. The denial
// does not say whether the record exists.
func (k *crmToolkit) fetchGuarded(ctx context.Context, req ToolRequest, module, recordID string, perm *rbac.PermissionContext) (*crm.Record, error) {
	record, err := k.store.Get(ctx, req.OrgID, module, recordID)
	if errors.Is(err, crm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: record %s", ErrNotFound, recordID)
	}
	if err != nil {
		return nil, err
	}
	if !perm.Filter.Matches(record.OwnerID) {
		return nil, fmt.Errorf("%w: no access to this record", ErrPermissionDenied)
	}
	return record, nil
}

func (k *crmToolkit) createTool(ctx context.Context, req ToolRequest, module, entityType, nameField string) (*ToolResult, error) {
	spec := crm.Module(module)
	perm, err := k.permission(ctx, req, module, rbac.ActionCreate)
	if err != nil {
		return nil, err
	}

	fields := specFields(spec, req.Args)
	if violations := spec.ValidateCreate(fields); len(violations) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidArgs, violations[0].Message)
	}
	if err := rbac.ValidateEditFields(fields, perm.EditFields, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	record := &crm.Record{
		OrgID:     req.OrgID,
		Module:    module,
		OwnerID:   &req.Principal.UserID,
		Fields:    fields,
		CreatedBy: req.Principal.UserID,
	}
	if err := k.store.Create(ctx, record); err != nil {
		return nil, err
	}
	k.search.Invalidate(req.OrgID, module)

	k.auditor.LogChange(ctx, audit.ChangeParams{
		OrgID:       req.OrgID,
		Action:      audit.ActionRecordCreate,
		Module:      module,
		RecordID:    record.ID,
		ActorType:   audit.ActorAIAgent,
		ActorID:     req.Principal.UserID,
		NewState:    record.AsMap(),
		ParentLogID: req.ParentLogID,
	})

	name, _ := fields[nameField].(string)
	return &ToolResult{
		Message: fmt.Sprintf("Created %s %q (ID: %s)", entityType, name, record.ID),
		Data:    rbac.FilterToAllowedFields(record.AsMap(), perm.ViewFields),
		Entity:  &memory.EntityRef{Type: entityType, ID: record.ID, Name: name},
	}, nil
}

func (k *crmToolkit) updateTool(ctx context.Context, req ToolRequest, module, entityType, nameField string) (*ToolResult, error) {
	spec := crm.Module(module)
	recordID, err := requireString(req.Args, "id")
	if err != nil {
		return nil, err
	}

	perm, err := k.permission(ctx, req, module, rbac.ActionEdit)
	if err != nil {
		return nil, err
	}
	record, err := k.fetchGuarded(ctx, req, module, recordID, perm)
	if err != nil {
		return nil, err
	}

	fields := specFields(spec, req.Args)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no updatable fields given", ErrInvalidArgs)
	}
	if violations := spec.ValidateUpdate(fields); len(violations) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidArgs, violations[0].Message)
	}
	if err := rbac.ValidateEditFields(fields, perm.EditFields, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	previous := record.AsMap()
	for key, value := range fields {
		record.Fields[key] = value
	}
	if err := k.store.Update(ctx, record); err != nil {
		return nil, err
	}
	k.search.Invalidate(req.OrgID, module)

	k.auditor.LogChange(ctx, audit.ChangeParams{
		OrgID:         req.OrgID,
		Action:        audit.ActionRecordUpdate,
		Module:        module,
		RecordID:      record.ID,
		ActorType:     audit.ActorAIAgent,
		ActorID:       req.Principal.UserID,
		PreviousState: previous,
		NewState:      record.AsMap(),
		ParentLogID:   req.ParentLogID,
	})

	name, _ := record.Fields[nameField].(string)
	return &ToolResult{
		Message: fmt.Sprintf("Updated %s %q (ID: %s)", entityType, name, record.ID),
		Data:    rbac.FilterToAllowedFields(record.AsMap(), perm.ViewFields),
		Entity:  &memory.EntityRef{Type: entityType, ID: record.ID, Name: name},
	}, nil
}

func (k *crmToolkit) searchTool(ctx context.Context, req ToolRequest, module string) (*ToolResult, error) {
	if crm.Module(module) == nil {
		return nil, fmt.Errorf("%w: unknown module %s", ErrNotFound, module)
	}
	query, err := requireString(req.Args, "query")
	if err != nil {
		return nil, err
	}

	perm, err := k.permission(ctx, req, module, rbac.ActionView)
	if err != nil {
		return nil, err
	}

	records, err := k.search.Search(ctx, req.OrgID, module, query, perm.Filter)
	if err != nil {
		return nil, err
	}

	projected := make([]map[string]interface{}, len(records))
	for i, record := range records {
		projected[i] = rbac.FilterToAllowedFields(record.AsMap(), perm.ViewFields)
	}

	return &ToolResult{
		Message: fmt.Sprintf("Found %d %s matching %q", len(projected), module, query),
		Data: map[string]interface{}{
			"records": projected,
			"count":   len(projected),
		},
	}, nil
}

func (k *crmToolkit) getRecord(ctx context.Context, req ToolRequest) (*ToolResult, error) {
	module, err := requireString(req.Args, "module")
	if err != nil {
		return nil, err
	}
	recordID, err := requireString(req.Args, "id")
	if err != nil {
		return nil, err
	}
	if crm.Module(module) == nil {
		return nil, fmt.Errorf("%w: unknown module %s", ErrNotFound, module)
	}

	perm, err := k.permission(ctx, req, module, rbac.ActionView)
	if err != nil {
		return nil, err
	}
	record, err := k.fetchGuarded(ctx, req, module, recordID, perm)
	if err != nil {
		return nil, err
	}

	return &ToolResult{
		Message: fmt.Sprintf("Fetched %s record %s", module, record.ID),
		Data:    rbac.FilterToAllowedFields(record.AsMap(), perm.ViewFields),
	}, nil
}

// specFields keeps only args the module schema knows. Tool plumbing keys
// like "id" never leak into record fields.
func specFields(spec *crm.ModuleSpec, args map[string]interface{}) map[string]interface{} {
	fields := make(map[string]interface{})
	for key, value := range args {
		if spec.Field(key) != nil {
			fields[key] = value
		}
	}
	return fields
}

func requireString(args map[string]interface{}, key string) (string, error) {
	value, ok := args[key].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidArgs, key)
	}
	return value, nil
}

func stringProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

func objectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
