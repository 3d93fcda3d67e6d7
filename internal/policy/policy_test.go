package policy

import (
	"testing"

	"github.com/localnerve/menusync/internal/menu"
)

func TestDefaultClassification(t *testing.T) {
	p := Default()

	tests := []struct {
		kind  menu.Kind
		field menu.Field
		want  Classification
	}{
		{menu.KindItemAdded, "", Auto},
		{menu.KindItemRemoved, "", Auto},
		{menu.KindCategoryAdded, "", Auto},
		{menu.KindCategoryRemoved, "", Auto},
		{menu.KindItemFieldChanged, menu.FieldPrice, Manual},
		{menu.KindItemFieldChanged, menu.FieldDescription, Manual},
		{menu.KindItemFieldChanged, menu.FieldAvailability, Auto},
		{menu.KindItemFieldChanged, menu.FieldName, Auto},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+string(tt.field), func(t *testing.T) {
			if got := p.Classify(tt.kind, tt.field); got != tt.want {
				t.Errorf("Classify(%s, %s) = %s, want %s", tt.kind, tt.field, got, tt.want)
			}
		})
	}
}

func TestNeverSyncWinsOverFieldRule(t *testing.T) {
	p := Default().Merge(Policy{
		Fields:    map[menu.Field]Classification{menu.FieldName: Auto},
		NeverSync: []menu.Field{menu.FieldName},
	})
	if got := p.Classify(menu.KindItemFieldChanged, menu.FieldName); got != Never {
		t.Errorf("Expected never, got %s", got)
	}
}

func TestMisconfigurationFallsBackToManual(t *testing.T) {
	p := Policy{
		ChangeTypes: map[menu.Kind]Classification{
			menu.KindItemAdded:    "sometimes",
			menu.Kind("teleport"): Auto,
		},
		Fields: map[menu.Field]Classification{
			menu.Field("calories"): Auto,
		},
	}

	if got := p.Classify(menu.KindItemAdded, ""); got != Manual {
		t.Errorf("Expected manual for bad bucket, got %s", got)
	}
	if got := p.Classify(menu.Kind("teleport"), ""); got != Manual {
		t.Errorf("Expected manual for unknown kind, got %s", got)
	}
	if got := p.Classify(menu.KindItemFieldChanged, menu.Field("calories")); got != Manual {
		t.Errorf("Expected manual for unknown field, got %s", got)
	}

	problems := p.Validate()
	if len(problems) != 3 {
		t.Fatalf("Expected 3 problems, got %d: %v", len(problems), problems)
	}
}

func TestPoliciesArePerMenu(t *testing.T) {
	aggressive := Default().Merge(Policy{Fields: map[menu.Field]Classification{menu.FieldPrice: Auto}})
	cautious := Default().Merge(Policy{ChangeTypes: map[menu.Kind]Classification{menu.KindItemRemoved: Manual}})

	if aggressive.Classify(menu.KindItemFieldChanged, menu.FieldPrice) != Auto {
		t.Error("Expected aggressive franchise to auto-sync prices")
	}
	if cautious.Classify(menu.KindItemFieldChanged, menu.FieldPrice) != Manual {
		t.Error("Expected cautious franchise to keep prices manual")
	}
	if cautious.Classify(menu.KindItemRemoved, "") != Manual {
		t.Error("Expected cautious franchise to gate removals")
	}
	if aggressive.Classify(menu.KindItemRemoved, "") != Auto {
		t.Error("Expected aggressive franchise to auto-remove")
	}
}

func TestParseYAML(t *testing.T) {
	doc := []byte(`
change_types:
  item_removed: manual
fields:
  price: auto
never_sync:
  - description
`)
	p, err := ParseYAML(doc)
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if p.Classify(menu.KindItemRemoved, "") != Manual {
		t.Error("Expected item_removed manual")
	}
	if p.Classify(menu.KindItemFieldChanged, menu.FieldPrice) != Auto {
		t.Error("Expected price auto")
	}
	if p.Classify(menu.KindItemFieldChanged, menu.FieldDescription) != Never {
		t.Error("Expected description never")
	}
	if len(p.Validate()) != 0 {
		t.Errorf("Expected no problems, got %v", p.Validate())
	}
}
