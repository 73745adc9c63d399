package notification

import (
	"strings"
	"testing"

	"github.com/leogray15-maker/arcane-archives/internal/logging"
)

type mockNotifier struct {
	name    string
	enabled bool
	sent    []*Message
}

func (m *mockNotifier) Send(msg *Message) error {
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockNotifier) Name() string    { return m.name }
func (m *mockNotifier) IsEnabled() bool { return m.enabled }

func TestNewTradeMessage(t *testing.T) {
	sl := 1.0950
	tp1 := 1.1050
	msg := NewTradeMessage(TradeDetails{
		Pair:      "EURUSD",
		Direction: "Buy",
		Entry:     1.1000,
		StopLoss:  &sl,
		TP1:       &tp1,
		Notes:     "London open setup",
	})

	if msg.Kind != KindNewTrade {
		t.Errorf("expected NEW_TRADE kind, got %s", msg.Kind)
	}
	if !strings.Contains(msg.Title, "EURUSD") {
		t.Errorf("title missing pair: %s", msg.Title)
	}
	for _, want := range []string{"Buy EURUSD @ 1.1", "SL: 1.095", "TP1: 1.105", "London open setup"} {
		if !strings.Contains(msg.Body, want) {
			t.Errorf("body missing %q:\n%s", want, msg.Body)
		}
	}
}

func TestTargetHitMessageKinds(t *testing.T) {
	tests := []struct {
		kind      Kind
		pips      float64
		wantTitle string
	}{
		{KindTP1Hit, 25, "TP1 Hit"},
		{KindTP2Hit, 50, "TP2 Hit"},
		{KindTP3Hit, 80, "TP3 Hit"},
		{KindLossHit, -30, "Stop Loss Hit"},
		{KindBEHit, 0, "Break Even"},
	}

	for _, tt := range tests {
		msg := TargetHitMessage(tt.kind, "GBPUSD", "Sell", tt.pips, "")
		if !strings.Contains(msg.Title, tt.wantTitle) {
			t.Errorf("%s: title %q missing %q", tt.kind, msg.Title, tt.wantTitle)
		}
		if msg.Pips == nil || *msg.Pips != tt.pips {
			t.Errorf("%s: pips not carried through", tt.kind)
		}
	}
}

func TestManagerSendSkipsDisabled(t *testing.T) {
	logger := logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
	m := NewManager(logger)

	on := &mockNotifier{name: "on", enabled: true}
	off := &mockNotifier{name: "off", enabled: false}
	m.AddNotifier(on)
	m.AddNotifier(off)

	if err := m.Send(TargetHitMessage(KindTP1Hit, "EURUSD", "Buy", 25, "")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if len(on.sent) != 1 {
		t.Errorf("enabled notifier expected 1 message, got %d", len(on.sent))
	}
	if len(off.sent) != 0 {
		t.Errorf("disabled notifier must not receive messages")
	}
}
