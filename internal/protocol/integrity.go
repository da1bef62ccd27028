package protocol

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/ironmill-erp/decision-engine/internal/agent"
	"github.com/ironmill-erp/decision-engine/internal/domain"
)

// demand is one requested product or material.
type demand struct {
	id  string
	qty float64
}

// integrity recomputes the material demand of a resource-committing
// decision from the bill of materials and compares it with available
// stock. It never consults the oracle.
func (p *Protocol) integrity(ctx context.Context, in Input, _ *domain.ProtocolResult) *domain.LayerResult {
	lr := &domain.LayerResult{}
	if !domain.CommitsResources(in.Decision.Action) {
		lr.IsValid = true
		lr.Skipped = true
		return lr
	}
	if p.inventory == nil {
		lr.Errors = append(lr.Errors, "integrity check: no inventory is configured")
		return lr
	}

	items, err := demandItems(in.Decision.Data)
	if err != nil {
		lr.Errors = append(lr.Errors, "integrity check: "+err.Error())
		return lr
	}

	need := make(map[string]float64)
	for _, it := range items {
		if err := p.expand(ctx, it.id, it.qty, nil, need); err != nil {
			lr.Errors = append(lr.Errors, "integrity check: "+err.Error())
			return lr
		}
	}

	materials := make([]string, 0, len(need))
	for m := range need {
		materials = append(materials, m)
	}
	sort.Strings(materials)

	for _, m := range materials {
		stock, err := p.inventory.StockLevel(ctx, m)
		if err != nil {
			if errors.Is(err, domain.ErrMaterialUnknown) {
				lr.Errors = append(lr.Errors, fmt.Sprintf("integrity check: material %s is not stocked", m))
				continue
			}
			lr.Errors = append(lr.Errors, fmt.Sprintf("integrity check: read stock for material %s: %v", m, err))
			continue
		}
		if need[m] > stock.Available() {
			lr.Errors = append(lr.Errors, fmt.Sprintf(
				"insufficient stock for material %s: need %g, available %g (on hand %g, reserved %g)",
				m, need[m], stock.Available(), stock.OnHand, stock.Reserved))
		}
	}

	lr.IsValid = len(lr.Errors) == 0
	return lr
}

// expand adds the raw-material demand of qty units of id to need. An id
// with no bill of materials is itself a raw material.
func (p *Protocol) expand(ctx context.Context, id string, qty float64, path []string, need map[string]float64) error {
	if slices.Contains(path, id) {
		return fmt.Errorf("bill of materials cycle: %s", strings.Join(append(path, id), " -> "))
	}
	if len(path) >= p.cfg.MaxBOMDepth {
		return fmt.Errorf("bill of materials of %s is deeper than %d levels", path[0], p.cfg.MaxBOMDepth)
	}

	lines, err := p.inventory.BOM(ctx, id)
	if err != nil {
		return fmt.Errorf("read bill of materials for %s: %w", id, err)
	}
	if len(lines) == 0 {
		need[id] += qty
		return nil
	}

	next := append(path[:len(path):len(path)], id)
	for _, l := range lines {
		if err := p.expand(ctx, l.MaterialID, qty*l.QtyPerUnit, next, need); err != nil {
			return err
		}
	}
	return nil
}

// demandItems reads the requested quantities from decision data: either an
// "items" list or a single product_id/material_id with a quantity.
func demandItems(data map[string]any) ([]demand, error) {
	raw, ok := data["items"]
	if !ok {
		d, err := demandOf(data)
		if err != nil {
			return nil, err
		}
		return []demand{d}, nil
	}

	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, errors.New("items must be a non-empty list")
	}
	out := make([]demand, 0, len(list))
	for i, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("items[%d] is not an object", i)
		}
		d, err := demandOf(m)
		if err != nil {
			return nil, fmt.Errorf("items[%d]: %w", i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func demandOf(m map[string]any) (demand, error) {
	id, ok := agent.Text(m, "product_id")
	if !ok {
		id, ok = agent.Text(m, "material_id")
	}
	if !ok {
		return demand{}, errors.New("decision data names neither product_id nor material_id")
	}
	qty, ok, err := agent.Number(m, "quantity")
	if err != nil {
		return demand{}, err
	}
	if !ok || !(qty > 0) {
		return demand{}, fmt.Errorf("quantity for %s must be positive", id)
	}
	return demand{id: id, qty: qty}, nil
}
