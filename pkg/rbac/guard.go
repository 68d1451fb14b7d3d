package rbac

import "fmt"

// CanAccessRecord applies a visibility rule to a single record's owner field.
// ownerID is nil for unassigned records.
func CanAccessRecord(visibility RecordVisibility, userID string, ownerID *string) bool {
	switch visibility {
	case VisibilityOwnOnly:
		return ownerID != nil && *ownerID == userID
	case VisibilityUnassigned:
		return ownerID == nil || *ownerID == userID
	default:
		// VisibilityAll and the zero value
		return true
	}
}

// VisibilityFilter is the record visibility rule in a form both access paths
// share: Matches for single-record checks and SQL for list queries. Keeping
// them on one struct is what guarantees list and single-record results agree
// on every record.
type VisibilityFilter struct {
	Visibility RecordVisibility
	UserID     string
}

// BuildVisibilityFilter creates the filter for one visibility rule and caller
func BuildVisibilityFilter(visibility RecordVisibility, userID string) VisibilityFilter {
	if visibility == "" {
		visibility = VisibilityAll
	}
	return VisibilityFilter{Visibility: visibility, UserID: userID}
}

// Matches reports whether a record with the given owner passes the filter
func (f VisibilityFilter) Matches(ownerID *string) bool {
	return CanAccessRecord(f.Visibility, f.UserID, ownerID)
}

// SQL renders the filter as a WHERE-clause fragment over the given owner
// column. argOffset is the index of the last placeholder already emitted by
// the caller; returned args continue from there. An empty clause means the
// filter matches everything.
func (f VisibilityFilter) SQL(column string, argOffset int) (string, []interface{}) {
	switch f.Visibility {
	case VisibilityOwnOnly:
		return fmt.Sprintf("%s = $%d", column, argOffset+1), []interface{}{f.UserID}
	case VisibilityUnassigned:
		return fmt.Sprintf("(%s = $%d OR %s IS NULL)", column, argOffset+1, column), []interface{}{f.UserID}
	default:
		return "", nil
	}
}
