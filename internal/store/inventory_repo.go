package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ironmill-erp/decision-engine/internal/domain"
)

// InventoryRepo reads and seeds the materials, stock, and BOM tables.
type InventoryRepo struct{}

// UpsertMaterial creates or replaces a material and its stock row.
func (r *InventoryRepo) UpsertMaterial(ctx context.Context, db *sql.DB, s domain.StockLevel) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const qm = `INSERT INTO materials (material_id, name) VALUES (?, ?)
ON CONFLICT(material_id) DO UPDATE SET name = excluded.name`
	if _, err := tx.ExecContext(ctx, qm, s.MaterialID, s.Name); err != nil {
		return fmt.Errorf("upsert material: %w", err)
	}

	const qs = `INSERT INTO stock (material_id, on_hand, reserved) VALUES (?, ?, ?)
ON CONFLICT(material_id) DO UPDATE SET on_hand = excluded.on_hand, reserved = excluded.reserved`
	if _, err := tx.ExecContext(ctx, qs, s.MaterialID, s.OnHand, s.Reserved); err != nil {
		return fmt.Errorf("upsert stock: %w", err)
	}
	return tx.Commit()
}

// SetBOMLine creates or replaces one bill-of-materials line.
func (r *InventoryRepo) SetBOMLine(ctx context.Context, db *sql.DB, line domain.BOMLine) error {
	const q = `INSERT INTO bom (product_id, material_id, qty_per_unit) VALUES (?, ?, ?)
ON CONFLICT(product_id, material_id) DO UPDATE SET qty_per_unit = excluded.qty_per_unit`
	if _, err := db.ExecContext(ctx, q, line.ProductID, line.MaterialID, line.QtyPerUnit); err != nil {
		return fmt.Errorf("set bom line: %w", err)
	}
	return nil
}

// GetStock returns the stock level of a material, or ErrMaterialUnknown.
func (r *InventoryRepo) GetStock(ctx context.Context, db *sql.DB, materialID string) (*domain.StockLevel, error) {
	const q = `SELECT m.material_id, m.name, COALESCE(s.on_hand, 0), COALESCE(s.reserved, 0)
FROM materials m LEFT JOIN stock s ON s.material_id = m.material_id
WHERE m.material_id = ?`

	var s domain.StockLevel
	err := db.QueryRowContext(ctx, q, materialID).Scan(&s.MaterialID, &s.Name, &s.OnHand, &s.Reserved)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewEngineError(domain.ErrMaterialUnknown.Code, fmt.Sprintf("material not found: %s", materialID))
		}
		return nil, fmt.Errorf("get stock: %w", err)
	}
	return &s, nil
}

// ListBOM returns the direct components of a product.
func (r *InventoryRepo) ListBOM(ctx context.Context, db *sql.DB, productID string) ([]domain.BOMLine, error) {
	const q = `SELECT product_id, material_id, qty_per_unit FROM bom WHERE product_id = ? ORDER BY material_id ASC`

	rows, err := db.QueryContext(ctx, q, productID)
	if err != nil {
		return nil, fmt.Errorf("list bom: %w", err)
	}
	defer rows.Close()

	var lines []domain.BOMLine
	for rows.Next() {
		var l domain.BOMLine
		if err := rows.Scan(&l.ProductID, &l.MaterialID, &l.QtyPerUnit); err != nil {
			return nil, fmt.Errorf("scan bom line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}
