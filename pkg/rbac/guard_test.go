package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func strPtr(s string) *string { return &s }

func TestCanAccessRecord(t *testing.T) {
	tests := []struct {
		name       string
		visibility RecordVisibility
		ownerID    *string
		want       bool
	}{
		{"all sees owned", VisibilityAll, strPtr("other"), true},
		{"all sees unassigned", VisibilityAll, nil, true},
		{"own sees own", VisibilityOwnOnly, strPtr("me"), true},
		{"own blocked from other", VisibilityOwnOnly, strPtr("other"), false},
		{"own blocked from unassigned", VisibilityOwnOnly, nil, false},
		{"unassigned sees own", VisibilityUnassigned, strPtr("me"), true},
		{"unassigned sees unassigned", VisibilityUnassigned, nil, true},
		{"unassigned blocked from other", VisibilityUnassigned, strPtr("other"), false},
		{"zero value behaves as all", RecordVisibility(""), strPtr("other"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanAccessRecord(tt.visibility, "me", tt.ownerID))
		})
	}
}

// The SQL fragment and the in-memory check must agree on every record;
// otherwise a record could appear in a list but 403 when fetched directly.
func TestVisibilityFilterSQLAgreesWithMatches(t *testing.T) {
	owners := []*string{nil, strPtr("me"), strPtr("other")}

	for _, visibility := range []RecordVisibility{VisibilityAll, VisibilityOwnOnly, VisibilityUnassigned} {
		filter := BuildVisibilityFilter(visibility, "me")
		clause, args := filter.SQL("assigned_to_id", 2)

		for _, owner := range owners {
			matches := filter.Matches(owner)
			passes := evalOwnerClause(clause, args, owner)
			assert.Equal(t, matches, passes, "visibility=%s owner=%v", visibility, owner)
		}
	}
}

// evalOwnerClause interprets the tiny clause language SQL() can emit
func evalOwnerClause(clause string, args []interface{}, owner *string) bool {
	switch clause {
	case "":
		return true
	case "assigned_to_id = $3":
		return owner != nil && *owner == args[0].(string)
	case "(assigned_to_id = $3 OR assigned_to_id IS NULL)":
		return owner == nil || *owner == args[0].(string)
	default:
		panic("unexpected clause: " + clause)
	}
}

func TestVisibilityFilterSQLPlaceholderOffset(t *testing.T) {
	filter := BuildVisibilityFilter(VisibilityOwnOnly, "usr_1")

	clause, args := filter.SQL("assigned_to_id", 0)
	assert.Equal(t, "assigned_to_id = $1", clause)
	assert.Equal(t, []interface{}{"usr_1"}, args)

	clause, args = filter.SQL("assigned_to_id", 4)
	assert.Equal(t, "assigned_to_id = $5", clause)
	assert.Len(t, args, 1)
}

func TestVisibilityFilterAllEmitsNoClause(t *testing.T) {
	clause, args := BuildVisibilityFilter(VisibilityAll, "usr_1").SQL("assigned_to_id", 0)
	assert.Empty(t, clause)
	assert.Nil(t, args)
}

func TestBuildVisibilityFilterZeroValue(t *testing.T) {
	filter := BuildVisibilityFilter("", "usr_1")
	assert.Equal(t, VisibilityAll, filter.Visibility)
}
