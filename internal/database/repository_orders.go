package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// =====================================================
// PRODUCT OPERATIONS
// =====================================================

// ListProducts returns store products. When activeOnly is set, disabled
// products are excluded.
func (r *Repository) ListProducts(ctx context.Context, activeOnly bool) ([]*Product, error) {
	query := `
		SELECT id, name, price, active, created_at, updated_at
		FROM products
		WHERE ($1 = FALSE OR active = TRUE)
		ORDER BY name
	`
	rows, err := r.db.Pool.Query(ctx, query, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var products []*Product
	for rows.Next() {
		p := &Product{}
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// GetProduct retrieves a product by id, or nil when unknown
func (r *Repository) GetProduct(ctx context.Context, productID string) (*Product, error) {
	query := `SELECT id, name, price, active, created_at, updated_at FROM products WHERE id = $1`
	p := &Product{}
	err := r.db.Pool.QueryRow(ctx, query, productID).Scan(
		&p.ID, &p.Name, &p.Price, &p.Active, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return p, nil
}

// UpsertProduct creates or updates a product
func (r *Repository) UpsertProduct(ctx context.Context, p *Product) error {
	query := `
		INSERT INTO products (id, name, price, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			price = EXCLUDED.price,
			active = EXCLUDED.active,
			updated_at = CURRENT_TIMESTAMP
		RETURNING created_at, updated_at
	`
	err := r.db.Pool.QueryRow(ctx, query, p.ID, p.Name, p.Price, p.Active).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert product: %w", err)
	}
	return nil
}

// =====================================================
// ORDER OPERATIONS
// =====================================================

// insertOrderTx writes an order and its items inside an existing transaction.
// The primary key carries the payment reference, so a second delivery of the
// same payment event conflicts and maps to ErrDuplicateOrder.
func insertOrderTx(ctx context.Context, tx pgx.Tx, order *Order) error {
	tag, err := tx.Exec(ctx,
		`INSERT INTO store_orders (id, user_id, payment_method, total, currency, status, shipping_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		order.ID, order.UserID, order.PaymentMethod, order.Total, order.Currency, order.Status, order.ShippingAddress,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateOrder
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		err := tx.QueryRow(ctx,
			`INSERT INTO order_items (order_id, product_id, product_name, unit_price, quantity, color)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			item.OrderID, item.ProductID, item.ProductName, item.UnitPrice, item.Quantity, item.Color,
		).Scan(&item.ID)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}
	return nil
}

// CreateOrder persists a Stripe-funded order. Safe to call again for the
// same payment reference.
func (r *Repository) CreateOrder(ctx context.Context, order *Order) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertOrderTx(ctx, tx, order); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateBalanceOrder debits the buyer's affiliate balance and creates the
// order in one transaction. Either both happen or neither does.
func (r *Repository) CreateBalanceOrder(ctx context.Context, order *Order) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	entry := &BalanceTransaction{
		UserID:      order.UserID,
		Type:        TxPurchase,
		Amount:      -order.Total,
		Reference:   order.ID,
		Description: "Store purchase paid from balance",
	}
	if err := applyBalanceTx(ctx, tx, entry, 0, 0); err != nil {
		return err
	}

	if err := insertOrderTx(ctx, tx, order); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetOrder retrieves an order with its items. Unknown ids map to ErrNotFound.
func (r *Repository) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	query := `
		SELECT id, user_id, payment_method, total, currency, status, shipping_address, created_at, updated_at
		FROM store_orders WHERE id = $1
	`
	order := &Order{}
	err := r.db.Pool.QueryRow(ctx, query, orderID).Scan(
		&order.ID, &order.UserID, &order.PaymentMethod, &order.Total,
		&order.Currency, &order.Status, &order.ShippingAddress, &order.CreatedAt, &order.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	items, err := r.listOrderItems(ctx, orderID)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return order, nil
}

func (r *Repository) listOrderItems(ctx context.Context, orderID string) ([]OrderItem, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, order_id, product_id, product_name, unit_price, quantity, color
		FROM order_items WHERE order_id = $1 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list order items: %w", err)
	}
	defer rows.Close()

	var items []OrderItem
	for rows.Next() {
		var item OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.ProductName, &item.UnitPrice, &item.Quantity, &item.Color); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListOrders returns a user's orders without items, newest first
func (r *Repository) ListOrders(ctx context.Context, userID string, limit int) ([]*Order, error) {
	query := `
		SELECT id, user_id, payment_method, total, currency, status, shipping_address, created_at, updated_at
		FROM store_orders
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o := &Order{}
		if err := rows.Scan(&o.ID, &o.UserID, &o.PaymentMethod, &o.Total, &o.Currency, &o.Status, &o.ShippingAddress, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// UpdateOrderStatus transitions an order's fulfilment status
func (r *Repository) UpdateOrderStatus(ctx context.Context, orderID string, status OrderStatus) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE store_orders SET status = $2 WHERE id = $1`,
		orderID, status,
	)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
