package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/leogray15-maker/arcane-archives/internal/database"
	"github.com/leogray15-maker/arcane-archives/internal/logging"
)

// UserStore is the slice of the repository the reconciler needs for users
type UserStore interface {
	GetUserByID(ctx context.Context, userID string) (*database.User, error)
	GetUserByEmail(ctx context.Context, email string) (*database.User, error)
	GetUserByStripeCustomerID(ctx context.Context, customerID string) (*database.User, error)
	UpdateUserSubscription(ctx context.Context, userID string, status database.SubscriptionStatus, isPaid bool, stripeCustomerID, stripeSubscriptionID string) error
}

// OrderStore is the slice of the repository the reconciler needs for orders
type OrderStore interface {
	CreateOrder(ctx context.Context, order *database.Order) error
	GetProduct(ctx context.Context, productID string) (*database.Product, error)
}

// CommissionLedger is the affiliate ledger surface the reconciler drives
type CommissionLedger interface {
	CreditCommission(ctx context.Context, referrerID, subscriptionRef string) error
	ReverseCommission(ctx context.Context, subscriptionRef string) error
}

// Reconciler turns verified Stripe webhook events into local state:
// subscription status on users, materialized store orders, and commission
// credits/reversals on the affiliate ledger. Every write it triggers is
// keyed by an id from the event, so redelivery converges instead of
// duplicating.
type Reconciler struct {
	users         UserStore
	orders        OrderStore
	ledger        CommissionLedger
	webhookSecret string
	logger        *logging.Logger
}

// NewReconciler creates a webhook reconciler
func NewReconciler(users UserStore, orders OrderStore, ledger CommissionLedger, webhookSecret string, logger *logging.Logger) *Reconciler {
	return &Reconciler{
		users:         users,
		orders:        orders,
		ledger:        ledger,
		webhookSecret: webhookSecret,
		logger:        logger.WithComponent("billing-reconciler"),
	}
}

// HandleWebhook verifies and processes one webhook delivery. An
// ErrInvalidSignature return means nothing was read from or written to the
// store; any other error is transient and the delivery should be retried.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if !VerifySignature(payload, signature, r.webhookSecret) {
		return ErrInvalidSignature
	}

	event, err := ParseEvent(payload)
	if err != nil {
		return err
	}

	r.logger.Info("Processing webhook event", "event_id", event.ID, "type", event.Type)

	switch event.Type {
	case EventCheckoutCompleted:
		session, err := event.CheckoutSession()
		if err != nil {
			return err
		}
		return r.handleCheckoutCompleted(ctx, session)
	case EventSubscriptionUpdated:
		sub, err := event.Subscription()
		if err != nil {
			return err
		}
		return r.handleSubscriptionUpdated(ctx, sub)
	case EventSubscriptionDeleted:
		sub, err := event.Subscription()
		if err != nil {
			return err
		}
		return r.handleSubscriptionDeleted(ctx, sub)
	default:
		r.logger.Debug("Ignoring webhook event type", "type", event.Type)
	}
	return nil
}

func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, session *CheckoutSession) error {
	switch session.Mode {
	case "subscription":
		return r.handleSubscriptionCheckout(ctx, session)
	case "payment":
		return r.handlePaymentCheckout(ctx, session)
	default:
		r.logger.Warn("Checkout session with unexpected mode", "session_id", session.ID, "mode", session.Mode)
		return nil
	}
}

// handleSubscriptionCheckout activates the buyer's subscription and credits
// the referrer, if any. The commission reference is the subscription id, so
// the credit survives redelivery and the deletion event can find it later.
func (r *Reconciler) handleSubscriptionCheckout(ctx context.Context, session *CheckoutSession) error {
	user, err := r.resolveUser(ctx, session)
	if err != nil {
		return err
	}
	if user == nil {
		// A data gap, not a transient fault. Acknowledge so Stripe stops
		// redelivering; resync tooling picks these up from the logs.
		r.logger.Warn("No user for completed checkout",
			"session_id", session.ID, "customer", session.Customer, "email", session.Email())
		return nil
	}

	err = r.users.UpdateUserSubscription(ctx, user.ID, database.StatusActive, true, session.Customer, session.Subscription)
	if err != nil {
		return fmt.Errorf("failed to activate subscription: %w", err)
	}

	if user.ReferredBy != nil && r.ledger != nil {
		ref := session.Subscription
		if ref == "" {
			ref = session.ID
		}
		if err := r.ledger.CreditCommission(ctx, *user.ReferredBy, ref); err != nil {
			return fmt.Errorf("failed to credit referral commission: %w", err)
		}
	}

	r.logger.Info("Subscription activated", "user_id", user.ID, "subscription", session.Subscription)
	return nil
}

// checkoutItemsMeta is the items payload our own checkout creation writes
// into session metadata: [{"id":"...","qty":1,"color":"..."}, ...]
type checkoutItemsMeta []struct {
	ID    string `json:"id"`
	Qty   int    `json:"qty"`
	Color string `json:"color"`
}

// handlePaymentCheckout materializes a store order from a paid checkout.
// The order id is derived from the session id; a redelivered event hits the
// primary key and is dropped.
func (r *Reconciler) handlePaymentCheckout(ctx context.Context, session *CheckoutSession) error {
	user, err := r.resolveUser(ctx, session)
	if err != nil {
		return err
	}
	if user == nil {
		r.logger.Warn("No user for completed store checkout", "session_id", session.ID)
		return nil
	}

	order := &database.Order{
		ID:              "ord_" + session.ID,
		UserID:          user.ID,
		PaymentMethod:   database.PaymentStripe,
		Total:           session.AmountTotal,
		Currency:        session.Currency,
		Status:          database.OrderPending,
		ShippingAddress: session.ShippingAddress(),
	}

	if itemsJSON := session.Metadata["items"]; itemsJSON != "" {
		var meta checkoutItemsMeta
		if err := json.Unmarshal([]byte(itemsJSON), &meta); err != nil {
			r.logger.Warn("Unparseable items metadata on session", "session_id", session.ID, "error", err)
		} else {
			for _, m := range meta {
				product, err := r.orders.GetProduct(ctx, m.ID)
				if err != nil {
					return err
				}
				if product == nil {
					r.logger.Warn("Checkout references unknown product", "session_id", session.ID, "product_id", m.ID)
					continue
				}
				qty := m.Qty
				if qty < 1 {
					qty = 1
				}
				order.Items = append(order.Items, database.OrderItem{
					ProductID:   product.ID,
					ProductName: product.Name,
					UnitPrice:   product.Price,
					Quantity:    qty,
					Color:       m.Color,
				})
			}
		}
	}

	err = r.orders.CreateOrder(ctx, order)
	if errors.Is(err, database.ErrDuplicateOrder) {
		r.logger.Debug("Order already materialized, skipping", "order_id", order.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	r.logger.Info("Store order materialized", "order_id", order.ID, "user_id", user.ID, "total", order.Total)
	return nil
}

func (r *Reconciler) handleSubscriptionUpdated(ctx context.Context, sub *Subscription) error {
	user, err := r.users.GetUserByStripeCustomerID(ctx, sub.Customer)
	if err != nil {
		return err
	}
	if user == nil {
		r.logger.Warn("No user for subscription update", "customer", sub.Customer)
		return nil
	}

	status := MapSubscriptionStatus(sub.Status)
	isPaid := status == database.StatusActive

	err = r.users.UpdateUserSubscription(ctx, user.ID, status, isPaid, sub.Customer, sub.ID)
	if err != nil {
		return fmt.Errorf("failed to update subscription status: %w", err)
	}

	r.logger.Info("Subscription status updated", "user_id", user.ID, "status", string(status), "is_paid", isPaid)
	return nil
}

// handleSubscriptionDeleted marks the user cancelled and reverses the
// commission that was credited for this subscription, if one was.
func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, sub *Subscription) error {
	user, err := r.users.GetUserByStripeCustomerID(ctx, sub.Customer)
	if err != nil {
		return err
	}
	if user != nil {
		err = r.users.UpdateUserSubscription(ctx, user.ID, database.StatusCancelled, false, sub.Customer, sub.ID)
		if err != nil {
			return fmt.Errorf("failed to cancel subscription: %w", err)
		}
	} else {
		r.logger.Warn("No user for subscription deletion", "customer", sub.Customer)
	}

	// Reverse regardless of user resolution: the ledger looks the credit up
	// by subscription reference and no-ops when there is none
	if r.ledger != nil {
		if err := r.ledger.ReverseCommission(ctx, sub.ID); err != nil {
			return fmt.Errorf("failed to reverse referral commission: %w", err)
		}
	}
	return nil
}

// resolveUser finds the local user a checkout session belongs to, preferring
// the explicit client reference over customer id over email.
func (r *Reconciler) resolveUser(ctx context.Context, session *CheckoutSession) (*database.User, error) {
	if session.ClientReferenceID != "" {
		user, err := r.users.GetUserByID(ctx, session.ClientReferenceID)
		if err != nil || user != nil {
			return user, err
		}
	}
	if session.Customer != "" {
		user, err := r.users.GetUserByStripeCustomerID(ctx, session.Customer)
		if err != nil || user != nil {
			return user, err
		}
	}
	if email := session.Email(); email != "" {
		return r.users.GetUserByEmail(ctx, email)
	}
	return nil, nil
}

// MapSubscriptionStatus maps a Stripe subscription status onto the local
// enum. Anything not active or trialing loses paid access.
func MapSubscriptionStatus(stripeStatus string) database.SubscriptionStatus {
	switch stripeStatus {
	case "active", "trialing":
		return database.StatusActive
	case "past_due":
		return database.StatusPastDue
	case "canceled", "incomplete_expired":
		return database.StatusCancelled
	case "unpaid":
		return database.StatusSuspended
	default:
		return database.StatusCancelled
	}
}
