package protocol

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/ironmill-erp/decision-engine/internal/domain"
)

func integrityOf(t *testing.T, inv *fakeInventory, data map[string]any) *domain.LayerResult {
	t.Helper()
	p := New(Options{Inventory: inv})
	in := Input{Decision: domain.AgentDecision{Agent: domain.RolePurchase, Action: domain.ActionApproveOrder, Data: data}}
	return p.integrity(context.Background(), in, &domain.ProtocolResult{})
}

func TestIntegrity_NestedBOM(t *testing.T) {
	inv := newInventory()
	// bike = 1 frame + 2 wheels; wheel = 1 steel.
	inv.bom["bike"] = []domain.BOMLine{
		{ProductID: "bike", MaterialID: "frame", QtyPerUnit: 1},
		{ProductID: "bike", MaterialID: "wheel", QtyPerUnit: 2},
	}
	inv.bom["wheel"] = []domain.BOMLine{{ProductID: "wheel", MaterialID: "steel", QtyPerUnit: 1}}

	// 10 bikes: steel 10*2 + 10*2*1 = 40, bolts 40.
	lr := integrityOf(t, inv, map[string]any{"product_id": "bike", "quantity": 10})
	if !lr.IsValid {
		t.Fatalf("IsValid = false, errors = %v", lr.Errors)
	}

	// 18 bikes need 72 steel against 70 available.
	lr = integrityOf(t, inv, map[string]any{"product_id": "bike", "quantity": 18})
	if lr.IsValid {
		t.Fatal("IsValid = true, want shortfall")
	}
	if !strings.Contains(lr.Errors[0], "material steel: need 72") {
		t.Errorf("error = %q", lr.Errors[0])
	}
}

func TestIntegrity_ItemsAccumulate(t *testing.T) {
	inv := newInventory()
	data := map[string]any{"items": []any{
		map[string]any{"product_id": "frame", "quantity": 20.0},
		map[string]any{"material_id": "steel", "quantity": 31.0},
	}}

	lr := integrityOf(t, inv, data)
	if lr.IsValid {
		t.Fatal("IsValid = true, want 71 steel to exceed 70")
	}
}

func TestIntegrity_Cycle(t *testing.T) {
	inv := newInventory()
	inv.bom["a"] = []domain.BOMLine{{ProductID: "a", MaterialID: "b", QtyPerUnit: 1}}
	inv.bom["b"] = []domain.BOMLine{{ProductID: "b", MaterialID: "a", QtyPerUnit: 1}}

	lr := integrityOf(t, inv, map[string]any{"product_id": "a", "quantity": 1})
	if lr.IsValid {
		t.Fatal("IsValid = true, want cycle error")
	}
	if !strings.Contains(lr.Errors[0], "cycle: a -> b -> a") {
		t.Errorf("error = %q", lr.Errors[0])
	}
}

func TestIntegrity_UnknownMaterial(t *testing.T) {
	lr := integrityOf(t, newInventory(), map[string]any{"material_id": "unobtainium", "quantity": 1})
	if lr.IsValid {
		t.Fatal("IsValid = true, want unknown material error")
	}
	if !strings.Contains(lr.Errors[0], "unobtainium is not stocked") {
		t.Errorf("error = %q", lr.Errors[0])
	}
}

func TestIntegrity_BadData(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want string
	}{
		{"no id", map[string]any{"quantity": 1}, "neither product_id nor material_id"},
		{"no quantity", map[string]any{"product_id": "frame"}, "must be positive"},
		{"negative", map[string]any{"product_id": "frame", "quantity": -1}, "must be positive"},
		{"nan string", map[string]any{"product_id": "frame", "quantity": "NaN"}, "finite number"},
		{"inf string", map[string]any{"product_id": "frame", "quantity": "+Inf"}, "finite number"},
		{"nan float", map[string]any{"material_id": "steel", "quantity": math.NaN()}, "finite number"},
		{"nan item", map[string]any{"items": []any{map[string]any{"product_id": "frame", "quantity": "nan"}}}, "finite number"},
		{"bad items", map[string]any{"items": "frame"}, "non-empty list"},
		{"bad entry", map[string]any{"items": []any{"frame"}}, "items[0] is not an object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lr := integrityOf(t, newInventory(), tt.data)
			if lr.IsValid {
				t.Fatal("IsValid = true, want error")
			}
			if !strings.Contains(lr.Errors[0], tt.want) {
				t.Errorf("error = %q, want it to contain %q", lr.Errors[0], tt.want)
			}
		})
	}
}

func TestIntegrity_SkipsNonCommittingActions(t *testing.T) {
	p := New(Options{})
	in := Input{Decision: domain.AgentDecision{Action: domain.ActionMoveStock}}

	lr := p.integrity(context.Background(), in, &domain.ProtocolResult{})
	if !lr.IsValid || !lr.Skipped {
		t.Errorf("IsValid=%v Skipped=%v, want both true", lr.IsValid, lr.Skipped)
	}
}

func TestIntegrity_DepthLimit(t *testing.T) {
	inv := newInventory()
	for i := 0; i < 20; i++ {
		id := string(rune('a' + i))
		next := string(rune('a' + i + 1))
		inv.bom[id] = []domain.BOMLine{{ProductID: id, MaterialID: next, QtyPerUnit: 1}}
	}

	lr := integrityOf(t, inv, map[string]any{"product_id": "a", "quantity": 1})
	if lr.IsValid {
		t.Fatal("IsValid = true, want depth error")
	}
	if !strings.Contains(lr.Errors[0], "deeper than 16 levels") {
		t.Errorf("error = %q", lr.Errors[0])
	}
}
