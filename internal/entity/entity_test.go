package entity

import "testing"

func TestParseKind(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Kind
		wantErr bool
	}{
		{"offices", "offices", Offices, false},
		{"orders", "orders", Orders, false},
		{"order items", "order_items", OrderItems, false},
		{"unknown", "invoices", 0, true},
		{"empty", "", 0, true},
		{"case sensitive", "Orders", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseKind(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseKind(%q) expected error, got %v", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseKind(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseKind(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseKindsEmptySelectsAll(t *testing.T) {
	kinds, err := ParseKinds(nil)
	if err != nil {
		t.Fatalf("ParseKinds(nil) error: %v", err)
	}
	if len(kinds) != len(Kinds) {
		t.Errorf("ParseKinds(nil) returned %d kinds, want %d", len(kinds), len(Kinds))
	}
}

func TestParseKindsFailsOnUnknown(t *testing.T) {
	if _, err := ParseKinds([]string{"orders", "widgets"}); err == nil {
		t.Error("expected error for unknown entity in list")
	}
}

func TestKindTables(t *testing.T) {
	for _, k := range Kinds {
		if k.SourceTable() == "" {
			t.Errorf("%s: empty source table", k)
		}
		if k.DestTable() == "" {
			t.Errorf("%s: empty destination table", k)
		}
		if k.Complexity() <= 0 {
			t.Errorf("%s: non-positive complexity %v", k, k.Complexity())
		}
	}
}

func TestUnknownKindComplexityDefault(t *testing.T) {
	k := Kind(99)
	if k.Valid() {
		t.Fatal("Kind(99) should not be valid")
	}
	if got := k.Complexity(); got != 1.5 {
		t.Errorf("unlisted kind complexity = %v, want 1.5", got)
	}
}
