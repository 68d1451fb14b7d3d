package crm

import "time"

// Document is a file attached to a record. The bytes live in blob
// storage; the record carries only this descriptor.
type Document struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	StorageKey  string    `json:"storageKey"`
	UploadedBy  string    `json:"uploadedBy"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// Record is one CRM row. Schema fields live in Fields; CustomFields is an
// unvalidated sub-object the org shapes itself.
type Record struct {
	ID           string                 `json:"id"`
	OrgID        string                 `json:"orgId"`
	Module       string                 `json:"module"`
	OwnerID      *string                `json:"assignedToId"`
	Fields       map[string]interface{} `json:"fields"`
	CustomFields map[string]interface{} `json:"customFields,omitempty"`
	Documents    []Document             `json:"documents,omitempty"`
	CreatedBy    string                 `json:"createdBy"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

// AsMap flattens the record to its wire shape: envelope keys plus schema
// fields at the top level. This is the form field masks filter.
func (r *Record) AsMap() map[string]interface{} {
	out := make(map[string]interface{}, len(r.Fields)+8)
	for key, value := range r.Fields {
		out[key] = value
	}
	out["id"] = r.ID
	out["module"] = r.Module
	if r.OwnerID != nil {
		out[OwnerField] = *r.OwnerID
	} else {
		out[OwnerField] = nil
	}
	if len(r.CustomFields) > 0 {
		out["customFields"] = r.CustomFields
	}
	if len(r.Documents) > 0 {
		out["documents"] = r.Documents
	}
	out["createdBy"] = r.CreatedBy
	out["createdAt"] = r.CreatedAt
	out["updatedAt"] = r.UpdatedAt
	return out
}
