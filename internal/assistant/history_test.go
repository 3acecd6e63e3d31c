package assistant

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRoleValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		role Role
		want bool
	}{
		{RoleUser, true},
		{RoleModel, true},
		{RoleSystem, true},
		{RoleTool, true},
		{Role("assistant"), false},
		{Role("USER"), false},
		{Role(""), false},
	}

	for _, tt := range tests {
		if got := tt.role.Valid(); got != tt.want {
			t.Errorf("Role(%q).Valid() = %v, want %v", tt.role, got, tt.want)
		}
	}
}

func TestAppendMessagesRejectsInvalidRole(t *testing.T) {
	t.Parallel()

	// Role validation runs before any database work, so a zero Store is
	// enough here.
	s := &Store{}

	err := s.AppendMessages(context.Background(), uuid.New(), []Message{
		{Role: RoleUser, Content: "fine"},
		{Role: Role("narrator"), Content: "not fine"},
	})
	if err == nil {
		t.Fatal("want error for invalid role, got nil")
	}
	if !strings.Contains(err.Error(), "invalid role") {
		t.Errorf("error = %v, want mention of invalid role", err)
	}
}

func TestAppendMessagesEmptyIsNoop(t *testing.T) {
	t.Parallel()

	s := &Store{}

	if err := s.AppendMessages(context.Background(), uuid.New(), nil); err != nil {
		t.Errorf("AppendMessages(nil) = %v, want nil", err)
	}
}

func TestNewStoreRequiresPool(t *testing.T) {
	t.Parallel()

	if _, err := NewStore(nil, nil); err == nil {
		t.Fatal("want error for nil pool, got nil")
	}
}
