package evidence

import (
	"strings"
	"testing"
)

func TestTypeValid(t *testing.T) {
	valid := []Type{TypeDocument, TypeImage, TypeVideo, TypeAudio, TypeLink, TypeTestimony, TypePhysical}
	for _, typ := range valid {
		if !typ.Valid() {
			t.Errorf("Type(%q).Valid() = false, want true", typ)
		}
	}
	for _, typ := range []Type{"", "file", "Document", "exhibit"} {
		if typ.Valid() {
			t.Errorf("Type(%q).Valid() = true, want false", typ)
		}
	}
}

func TestTypeIndexable(t *testing.T) {
	tests := []struct {
		typ  Type
		want bool
	}{
		{TypeDocument, true},
		{TypeLink, true},
		{TypeTestimony, true},
		{TypeImage, false},
		{TypeVideo, false},
		{TypeAudio, false},
		{TypePhysical, false},
	}
	for _, tt := range tests {
		if got := tt.typ.Indexable(); got != tt.want {
			t.Errorf("Type(%q).Indexable() = %v, want %v", tt.typ, got, tt.want)
		}
	}
}

func TestNewStoreRequiresPool(t *testing.T) {
	_, err := NewStore(nil, nil)
	if err == nil {
		t.Fatal("NewStore(nil) error = nil, want error")
	}
	if !strings.Contains(err.Error(), "pool is required") {
		t.Errorf("NewStore(nil) error = %q, want pool message", err)
	}
}
