package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/ironmill-erp/decision-engine/internal/domain"
)

// Inventory is the read side of the authoritative datastore.
type Inventory interface {
	// StockLevel returns domain.ErrMaterialUnknown for an unknown material.
	StockLevel(ctx context.Context, materialID string) (*domain.StockLevel, error)
	BOM(ctx context.Context, productID string) ([]domain.BOMLine, error)
}

// check inspects a payload and returns the problems it found. A non-nil
// error means the ground truth could not be read.
type check func(ctx context.Context, inv Inventory, data map[string]any) ([]string, error)

var roleChecks = map[domain.Role][]check{
	domain.RolePlanning:   {checkQuantity, checkProduct},
	domain.RoleWarehouse:  {checkQuantity, checkMaterialAvailable},
	domain.RoleProduction: {checkQuantity, checkProduct},
	domain.RolePurchase:   {checkQuantity, checkMaterialKnown},
	domain.RoleSales:      {checkQuantity, checkPrice},
	domain.RoleQuality:    {checkDefectRate},
}

// groundTruth runs every check registered for role.
func groundTruth(ctx context.Context, role domain.Role, inv Inventory, data map[string]any) ([]string, error) {
	var issues []string
	for _, c := range roleChecks[role] {
		found, err := c(ctx, inv, data)
		if err != nil {
			return nil, err
		}
		issues = append(issues, found...)
	}
	return issues, nil
}

func checkQuantity(_ context.Context, _ Inventory, data map[string]any) ([]string, error) {
	qty, ok, err := Number(data, "quantity")
	if err != nil {
		return []string{err.Error()}, nil
	}
	if ok && !(qty > 0) {
		return []string{fmt.Sprintf("quantity must be positive, got %g", qty)}, nil
	}
	return nil, nil
}

func checkProduct(ctx context.Context, inv Inventory, data map[string]any) ([]string, error) {
	product, ok := Text(data, "product_id")
	if !ok || inv == nil {
		return nil, nil
	}
	lines, err := inv.BOM(ctx, product)
	if err != nil {
		return nil, fmt.Errorf("read BOM for %s: %w", product, err)
	}
	if len(lines) == 0 {
		return []string{fmt.Sprintf("product %s has no bill of materials", product)}, nil
	}
	return nil, nil
}

func checkMaterialKnown(ctx context.Context, inv Inventory, data map[string]any) ([]string, error) {
	material, ok := Text(data, "material_id")
	if !ok || inv == nil {
		return nil, nil
	}
	if _, err := inv.StockLevel(ctx, material); err != nil {
		if errors.Is(err, domain.ErrMaterialUnknown) {
			return []string{fmt.Sprintf("material %s does not exist", material)}, nil
		}
		return nil, fmt.Errorf("read stock for %s: %w", material, err)
	}
	return nil, nil
}

func checkMaterialAvailable(ctx context.Context, inv Inventory, data map[string]any) ([]string, error) {
	material, ok := Text(data, "material_id")
	if !ok || inv == nil {
		return nil, nil
	}
	level, err := inv.StockLevel(ctx, material)
	if err != nil {
		if errors.Is(err, domain.ErrMaterialUnknown) {
			return []string{fmt.Sprintf("material %s does not exist", material)}, nil
		}
		return nil, fmt.Errorf("read stock for %s: %w", material, err)
	}
	qty, ok, err := Number(data, "quantity")
	if err != nil || !ok {
		return nil, nil
	}
	if avail := level.Available(); qty > avail {
		return []string{fmt.Sprintf("material %s: requested %g exceeds available %g", material, qty, avail)}, nil
	}
	return nil, nil
}

func checkPrice(_ context.Context, _ Inventory, data map[string]any) ([]string, error) {
	price, ok, err := Number(data, "price")
	if err != nil {
		return []string{err.Error()}, nil
	}
	if ok && price < 0 {
		return []string{fmt.Sprintf("price must not be negative, got %g", price)}, nil
	}
	return nil, nil
}

func checkDefectRate(_ context.Context, _ Inventory, data map[string]any) ([]string, error) {
	rate, ok, err := Number(data, "defect_rate")
	if err != nil {
		return []string{err.Error()}, nil
	}
	if ok && (rate < 0 || rate > 1) {
		return []string{fmt.Sprintf("defect_rate %g out of range [0, 1]", rate)}, nil
	}
	return nil, nil
}

// Number reads a finite numeric field. ok is false when the key is absent.
func Number(data map[string]any, key string) (float64, bool, error) {
	f, ok, err := number(data, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false, fmt.Errorf("%s must be a finite number, got %g", key, f)
	}
	return f, true, nil
}

func number(data map[string]any, key string) (float64, bool, error) {
	v, present := data[key]
	if !present || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case float64:
		return n, true, nil
	case float32:
		return float64(n), true, nil
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false, fmt.Errorf("%s is not a number: %q", key, n)
		}
		return f, true, nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false, fmt.Errorf("%s is not a number: %q", key, n)
		}
		return f, true, nil
	}
	return 0, false, fmt.Errorf("%s has unsupported type %T", key, v)
}

// Text reads a non-empty string field.
func Text(data map[string]any, key string) (string, bool) {
	s, ok := data[key].(string)
	return s, ok && s != ""
}
