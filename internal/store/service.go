// Package store implements the digital product catalog and checkout flows.
// Purchases are funded either by a Stripe checkout session or directly from
// an affiliate's commission balance.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/leogray15-maker/arcane-archives/internal/billing"
	"github.com/leogray15-maker/arcane-archives/internal/database"
	"github.com/leogray15-maker/arcane-archives/internal/logging"
)

// Catalog reads and writes store products and orders.
type Catalog interface {
	ListProducts(ctx context.Context, activeOnly bool) ([]*database.Product, error)
	GetProduct(ctx context.Context, id string) (*database.Product, error)
	CreateBalanceOrder(ctx context.Context, order *database.Order) error
	GetOrder(ctx context.Context, id string) (*database.Order, error)
	ListOrders(ctx context.Context, userID string, limit int) ([]*database.Order, error)
}

// CheckoutClient creates Stripe checkout sessions for card-funded purchases.
type CheckoutClient interface {
	IsConfigured() bool
	CreatePaymentCheckout(ctx context.Context, currency string, items []billing.CheckoutLineItem, p billing.CheckoutParams) (string, error)
}

var (
	// ErrEmptyCart is returned when a checkout is attempted with no items.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrUnknownProduct is returned when a cart references a product that
	// does not exist or is inactive.
	ErrUnknownProduct = errors.New("unknown product")
	// ErrCheckoutUnavailable is returned when card checkout is requested but
	// no payment provider is configured.
	ErrCheckoutUnavailable = errors.New("card checkout is not configured")
)

// CartItem is a single line of a checkout request. Prices are never taken
// from the client; only the product id, quantity and variant color are.
type CartItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Color     string `json:"color,omitempty"`
}

// Service coordinates catalog reads and the two checkout paths.
type Service struct {
	catalog  Catalog
	checkout CheckoutClient
	currency string
	logger   *logging.Logger
}

// NewService creates a store service.
func NewService(catalog Catalog, checkout CheckoutClient, currency string, logger *logging.Logger) *Service {
	return &Service{
		catalog:  catalog,
		checkout: checkout,
		currency: currency,
		logger:   logger.WithComponent("store"),
	}
}

// Products returns the purchasable catalog.
func (s *Service) Products(ctx context.Context) ([]*database.Product, error) {
	return s.catalog.ListProducts(ctx, true)
}

// Order returns a single order.
func (s *Service) Order(ctx context.Context, id string) (*database.Order, error) {
	return s.catalog.GetOrder(ctx, id)
}

// Orders returns a user's order history, newest first.
func (s *Service) Orders(ctx context.Context, userID string, limit int) ([]*database.Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.catalog.ListOrders(ctx, userID, limit)
}

// priceCart resolves cart items against the catalog and returns the order
// lines with server-side prices. Quantities below one are normalized to one.
func (s *Service) priceCart(ctx context.Context, items []CartItem) ([]database.OrderItem, int64, error) {
	if len(items) == 0 {
		return nil, 0, ErrEmptyCart
	}

	lines := make([]database.OrderItem, 0, len(items))
	var total int64
	for _, item := range items {
		product, err := s.catalog.GetProduct(ctx, item.ProductID)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to load product %s: %w", item.ProductID, err)
		}
		if product == nil || !product.Active {
			return nil, 0, fmt.Errorf("%w: %s", ErrUnknownProduct, item.ProductID)
		}

		qty := item.Quantity
		if qty < 1 {
			qty = 1
		}

		lines = append(lines, database.OrderItem{
			ProductID:   product.ID,
			ProductName: product.Name,
			UnitPrice:   product.Price,
			Quantity:    qty,
			Color:       item.Color,
		})
		total += product.Price * int64(qty)
	}

	return lines, total, nil
}

// PurchaseWithBalance places an order funded from the user's affiliate
// balance. The ledger debit and the order insert commit in one transaction,
// so a failed debit leaves no order and a failed insert leaves no debit.
func (s *Service) PurchaseWithBalance(ctx context.Context, userID string, items []CartItem, shippingAddress string) (*database.Order, error) {
	lines, total, err := s.priceCart(ctx, items)
	if err != nil {
		return nil, err
	}

	order := &database.Order{
		ID:              "bal_" + uuid.New().String(),
		UserID:          userID,
		Total:           total,
		Currency:        s.currency,
		PaymentMethod:   database.PaymentBalance,
		Status:          database.OrderPending,
		ShippingAddress: shippingAddress,
		Items:           lines,
		CreatedAt:       time.Now().UTC(),
	}

	if err := s.catalog.CreateBalanceOrder(ctx, order); err != nil {
		if errors.Is(err, database.ErrInsufficientBalance) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to place balance order: %w", err)
	}

	s.logger.Info("Balance purchase completed",
		"order_id", order.ID,
		"user_id", userID,
		"total", total)

	return order, nil
}

// checkoutItemMeta mirrors the items metadata attached to Stripe checkout
// sessions so the webhook can rebuild the cart on completion.
type checkoutItemMeta struct {
	ID    string `json:"id"`
	Qty   int    `json:"qty"`
	Color string `json:"color,omitempty"`
}

// CreateCardCheckout creates a Stripe checkout session for a card-funded
// purchase and returns its redirect URL. The order itself is materialized
// later by the webhook reconciler when the session completes.
func (s *Service) CreateCardCheckout(ctx context.Context, user *database.User, items []CartItem, successURL, cancelURL string) (string, error) {
	if s.checkout == nil || !s.checkout.IsConfigured() {
		return "", ErrCheckoutUnavailable
	}

	lines, total, err := s.priceCart(ctx, items)
	if err != nil {
		return "", err
	}

	lineItems := make([]billing.CheckoutLineItem, 0, len(lines))
	meta := make([]checkoutItemMeta, 0, len(lines))
	for _, line := range lines {
		lineItems = append(lineItems, billing.CheckoutLineItem{
			Name:      line.ProductName,
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
		})
		meta = append(meta, checkoutItemMeta{ID: line.ProductID, Qty: line.Quantity, Color: line.Color})
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to encode cart metadata: %w", err)
	}

	checkoutURL, err := s.checkout.CreatePaymentCheckout(ctx, s.currency, lineItems, billing.CheckoutParams{
		CustomerEmail:     user.Email,
		ClientReferenceID: user.ID,
		SuccessURL:        successURL,
		CancelURL:         cancelURL,
		Metadata:          map[string]string{"items": string(metaJSON)},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	s.logger.Info("Card checkout session created",
		"user_id", user.ID,
		"items", len(lines),
		"total", total)

	return checkoutURL, nil
}
