package database

import (
	"time"
)

// SubscriptionStatus represents the status of a subscription
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusPastDue   SubscriptionStatus = "past_due"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusSuspended SubscriptionStatus = "suspended"
)

// User represents a platform user
type User struct {
	ID                   string             `json:"id"`
	Email                string             `json:"email"`
	PasswordHash         string             `json:"-"` // Never serialize
	Name                 string             `json:"name,omitempty"`
	SubscriptionStatus   SubscriptionStatus `json:"subscription_status"`
	IsPaid               bool               `json:"is_paid"`
	StripeCustomerID     string             `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string             `json:"stripe_subscription_id,omitempty"`
	ReferralCode         string             `json:"referral_code,omitempty"`
	ReferredBy           *string            `json:"referred_by,omitempty"`
	IsAdmin              bool               `json:"is_admin"`
	LastLoginAt          *time.Time         `json:"last_login_at,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// UserSession represents an active user session with refresh token
type UserSession struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	RefreshTokenHash string     `json:"-"` // Never serialize
	ExpiresAt        time.Time  `json:"expires_at"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Affiliate holds the aggregate view of a referrer's account. All money
// fields are pence. The aggregates are derived from balance_transactions
// and only ever change alongside a ledger row, inside one transaction.
type Affiliate struct {
	UserID           string    `json:"user_id"`
	AvailableBalance int64     `json:"available_balance"`
	TotalEarned      int64     `json:"total_earned"`
	TotalWithdrawn   int64     `json:"total_withdrawn"`
	TotalReferrals   int       `json:"total_referrals"`
	ActiveReferrals  int       `json:"active_referrals"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TransactionType classifies a ledger entry
type TransactionType string

const (
	TxReferralCommission TransactionType = "referral_commission"
	TxCommissionReversal TransactionType = "commission_reversal"
	TxPurchase           TransactionType = "purchase"
	TxWithdrawal         TransactionType = "withdrawal"
)

// BalanceTransaction is an immutable ledger entry. Amount is signed pence:
// positive for credits, negative for debits. (type, reference) is unique,
// which is what makes webhook redelivery harmless.
type BalanceTransaction struct {
	ID          int64           `json:"id"`
	UserID      string          `json:"user_id"`
	Type        TransactionType `json:"type"`
	Amount      int64           `json:"amount"`
	Reference   string          `json:"reference"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Product is a store item. Price is pence and is the only price the
// checkout flow will honour.
type Product struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Price     int64     `json:"price"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PaymentMethod identifies how an order was funded
type PaymentMethod string

const (
	PaymentStripe  PaymentMethod = "stripe"
	PaymentBalance PaymentMethod = "balance"
)

// OrderStatus represents fulfilment state
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderFulfilled OrderStatus = "fulfilled"
	OrderRefunded  OrderStatus = "refunded"
)

// Order represents a store order. The id encodes the payment reference
// (ord_<session> for Stripe, bal_<uuid> for balance purchases). Orders are
// created pending and an admin moves them to fulfilled or refunded.
type Order struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id"`
	PaymentMethod   PaymentMethod `json:"payment_method"`
	Total           int64         `json:"total"`
	Currency        string        `json:"currency"`
	Status          OrderStatus   `json:"status"`
	ShippingAddress string        `json:"shipping_address,omitempty"`
	Items           []OrderItem   `json:"items,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// OrderItem is one line of an order. UnitPrice is the server-side price at
// purchase time.
type OrderItem struct {
	ID          int64  `json:"id"`
	OrderID     string `json:"order_id"`
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	UnitPrice   int64  `json:"unit_price"`
	Quantity    int    `json:"quantity"`
	Color       string `json:"color,omitempty"`
}

// AlertDirection is the trade side of an alert
type AlertDirection string

const (
	DirectionBuy  AlertDirection = "Buy"
	DirectionSell AlertDirection = "Sell"
)

// AlertStatus tracks an open alert's progress
type AlertStatus string

const (
	AlertOpen   AlertStatus = "open"
	AlertTP1Hit AlertStatus = "tp1_hit"
	AlertTP2Hit AlertStatus = "tp2_hit"
)

// Alert is a live trade alert on the board
type Alert struct {
	ID         string         `json:"id"`
	Pair       string         `json:"pair"`
	Direction  AlertDirection `json:"direction"`
	EntryPrice float64        `json:"entry_price"`
	StopLoss   float64        `json:"stop_loss"`
	TP1        *float64       `json:"tp1,omitempty"`
	TP2        *float64       `json:"tp2,omitempty"`
	TP3        *float64       `json:"tp3,omitempty"`
	Status     AlertStatus    `json:"status"`
	TargetsHit []string       `json:"targets_hit"`
	Notes      string         `json:"notes,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// AlertResult classifies a closed alert
type AlertResult string

const (
	ResultWin        AlertResult = "win"
	ResultPartialWin AlertResult = "partial_win"
	ResultLoss       AlertResult = "loss"
	ResultBreakEven  AlertResult = "be"
)

// AlertHistoryEntry is a closed alert moved off the live board
type AlertHistoryEntry struct {
	ID         string         `json:"id"`
	AlertID    string         `json:"alert_id"`
	Pair       string         `json:"pair"`
	Direction  AlertDirection `json:"direction"`
	EntryPrice float64        `json:"entry_price"`
	ExitPrice  float64        `json:"exit_price"`
	Result     AlertResult    `json:"result"`
	TargetsHit []string       `json:"targets_hit"`
	Pips       int            `json:"pips"`
	Notes      string         `json:"notes,omitempty"`
	OpenedAt   time.Time      `json:"opened_at"`
	ClosedAt   time.Time      `json:"closed_at"`
}

// WithdrawalStatus tracks payout fulfilment
type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "pending"
	WithdrawalPaid     WithdrawalStatus = "paid"
	WithdrawalRejected WithdrawalStatus = "rejected"
)

// WithdrawalRequest records a payout request. The matching ledger debit is
// written in the same transaction that creates the request.
type WithdrawalRequest struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	Amount         int64            `json:"amount"`
	Status         WithdrawalStatus `json:"status"`
	PaymentDetails string           `json:"payment_details,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	ProcessedAt    *time.Time       `json:"processed_at,omitempty"`
}
