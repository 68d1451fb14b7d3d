package rbac

import (
	"fmt"
	"sort"
	"strings"
)

// FieldPermissionError reports a write touching fields outside the caller's
// edit mask. Surfaced as 403 with the offending fields enumerated.
type FieldPermissionError struct {
	Fields []string
}

func (e *FieldPermissionError) Error() string {
	return fmt.Sprintf("no permission to edit fields: %s", strings.Join(e.Fields, ", "))
}

// FilterToAllowedFields masks a record down to the viewable fields. The open
// mask returns the record unchanged. A closed mask keeps only masked keys,
// plus "id" when present — identity is never hidden from a permitted viewer.
func FilterToAllowedFields(record map[string]interface{}, mask FieldMask) map[string]interface{} {
	if mask.AllowsAll() || record == nil {
		return record
	}

	filtered := make(map[string]interface{}, len(mask.fields)+1)
	if id, ok := record["id"]; ok {
		filtered["id"] = id
	}
	for key, value := range record {
		if mask.Allows(key) {
			filtered[key] = value
		}
	}
	return filtered
}

// FilterArrayToAllowedFields applies the view mask element-wise, preserving
// order
func FilterArrayToAllowedFields(records []map[string]interface{}, mask FieldMask) []map[string]interface{} {
	if mask.AllowsAll() || records == nil {
		return records
	}
	filtered := make([]map[string]interface{}, len(records))
	for i, record := range records {
		filtered[i] = FilterToAllowedFields(record, mask)
	}
	return filtered
}

// ValidateEditFields rejects payloads containing fields outside the edit
// mask. alwaysAllowed keys (sub-object stores like customFields) are exempt
// from masking. The open mask accepts everything. Idempotent: a payload
// already reduced to its allowed subset always passes.
func ValidateEditFields(payload map[string]interface{}, mask FieldMask, alwaysAllowed []string) error {
	if mask.AllowsAll() {
		return nil
	}

	exempt := make(map[string]struct{}, len(alwaysAllowed))
	for _, key := range alwaysAllowed {
		exempt[key] = struct{}{}
	}

	var disallowed []string
	for key := range payload {
		if _, ok := exempt[key]; ok {
			continue
		}
		if !mask.Allows(key) {
			disallowed = append(disallowed, key)
		}
	}

	if len(disallowed) > 0 {
		sort.Strings(disallowed)
		return &FieldPermissionError{Fields: disallowed}
	}
	return nil
}
