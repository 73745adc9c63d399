// Package notification delivers typed trade alert messages to Telegram and
// Discord. Delivery is fire-and-forget: a failed send never blocks or fails
// the operation that triggered it.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/leogray15-maker/arcane-archives/internal/logging"
)

// Kind is the typed event a notification announces
type Kind string

const (
	KindNewTrade Kind = "NEW_TRADE"
	KindTP1Hit   Kind = "TP1_HIT"
	KindTP2Hit   Kind = "TP2_HIT"
	KindTP3Hit   Kind = "TP3_HIT"
	KindLossHit  Kind = "LOSS_HIT"
	KindBEHit    Kind = "BE_HIT"
)

// Message is a rendered notification ready for delivery
type Message struct {
	Kind      Kind
	Title     string
	Body      string
	Pair      string
	Direction string
	Pips      *float64
	Timestamp time.Time
}

// TradeDetails carries the fields a new trade announcement renders
type TradeDetails struct {
	Pair      string
	Direction string
	Entry     float64
	StopLoss  *float64
	TP1       *float64
	TP2       *float64
	TP3       *float64
	Notes     string
}

// NewTradeMessage builds the announcement for a freshly posted alert
func NewTradeMessage(d TradeDetails) *Message {
	emoji := "🟢"
	if strings.EqualFold(d.Direction, "Sell") {
		emoji = "🔴"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s @ %s", d.Direction, d.Pair, formatPrice(d.Entry))
	if d.StopLoss != nil {
		fmt.Fprintf(&b, "\nSL: %s", formatPrice(*d.StopLoss))
	}
	for i, tp := range []*float64{d.TP1, d.TP2, d.TP3} {
		if tp != nil {
			fmt.Fprintf(&b, "\nTP%d: %s", i+1, formatPrice(*tp))
		}
	}
	if d.Notes != "" {
		fmt.Fprintf(&b, "\n\n%s", d.Notes)
	}

	return &Message{
		Kind:      KindNewTrade,
		Title:     fmt.Sprintf("%s New Trade: %s", emoji, d.Pair),
		Body:      b.String(),
		Pair:      d.Pair,
		Direction: d.Direction,
		Timestamp: time.Now(),
	}
}

// TargetHitMessage builds the announcement for a target, stop, or break-even
// outcome on an existing alert. Pips may be negative for losses.
func TargetHitMessage(kind Kind, pair, direction string, pips float64, notes string) *Message {
	var title string
	switch kind {
	case KindTP1Hit:
		title = fmt.Sprintf("🎯 TP1 Hit: %s", pair)
	case KindTP2Hit:
		title = fmt.Sprintf("🎯 TP2 Hit: %s", pair)
	case KindTP3Hit:
		title = fmt.Sprintf("🏆 TP3 Hit: %s", pair)
	case KindLossHit:
		title = fmt.Sprintf("❌ Stop Loss Hit: %s", pair)
	case KindBEHit:
		title = fmt.Sprintf("⚖️ Break Even: %s", pair)
	default:
		title = fmt.Sprintf("Update: %s", pair)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s closed leg at %+.1f pips", direction, pair, pips)
	if notes != "" {
		fmt.Fprintf(&b, "\n\n%s", notes)
	}

	p := pips
	return &Message{
		Kind:      kind,
		Title:     title,
		Body:      b.String(),
		Pair:      pair,
		Direction: direction,
		Pips:      &p,
		Timestamp: time.Now(),
	}
}

func formatPrice(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.5f", v), "0"), ".")
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(msg *Message) error
	Name() string
	IsEnabled() bool
}

// Manager fans a message out to all enabled providers
type Manager struct {
	notifiers []Notifier
	enabled   bool
	logger    *logging.Logger
}

// NewManager creates a new notification manager
func NewManager(logger *logging.Logger) *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   true,
		logger:    logger.WithComponent("notification"),
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Dispatch sends a message to all enabled providers in the background.
// Transient failures are retried with exponential backoff; exhausted
// retries are logged and dropped.
func (m *Manager) Dispatch(msg *Message) {
	if !m.enabled || msg == nil {
		return
	}

	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		go func(n Notifier) {
			op := func() error { return n.Send(msg) }
			policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
			if err := backoff.Retry(op, policy); err != nil {
				m.logger.Warn("Notification delivery failed",
					"provider", n.Name(),
					"kind", string(msg.Kind),
					"pair", msg.Pair,
					"error", err)
			}
		}(n)
	}
}

// Send delivers synchronously to all enabled providers. Used by tests and
// callers that need the delivery result.
func (m *Manager) Send(msg *Message) error {
	if !m.enabled {
		return nil
	}

	var lastErr error
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			if err := n.Send(msg); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(msg *Message) error {
	if !t.enabled {
		return nil
	}

	text := fmt.Sprintf("*%s*\n\n%s", msg.Title, msg.Body)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(msg *Message) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00 // Green
	switch msg.Kind {
	case KindLossHit:
		color = 0xFF0000 // Red
	case KindBEHit:
		color = 0xFFC400 // Amber
	}

	embed := map[string]interface{}{
		"title":       msg.Title,
		"description": msg.Body,
		"color":       color,
		"timestamp":   msg.Timestamp.Format(time.RFC3339),
	}

	if msg.Pair != "" {
		fields := []map[string]interface{}{
			{"name": "Pair", "value": msg.Pair, "inline": true},
		}
		if msg.Direction != "" {
			fields = append(fields, map[string]interface{}{
				"name": "Direction", "value": msg.Direction, "inline": true,
			})
		}
		if msg.Pips != nil {
			fields = append(fields, map[string]interface{}{
				"name": "Pips", "value": fmt.Sprintf("%+.1f", *msg.Pips), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}

	return nil
}
