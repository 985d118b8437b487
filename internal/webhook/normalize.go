// Package webhook turns the loosely-shaped PIX gateway callbacks into one
// canonical event. It knows nothing about balances or orders.
package webhook

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"ledger-api/internal/models"
	"ledger-api/internal/money"
	apperrors "ledger-api/pkg/errors"
)

// Event is a normalized gateway callback.
type Event struct {
	Kind          string
	TransactionID string
	// ExternalID is the id this service sent with the charge or payout,
	// echoed back by some gateways. It finds an order whose gateway id has
	// not been attached yet.
	ExternalID string
	RawStatus  string
	Status        models.OrderStatus
	// Recognized is false when RawStatus matched no known vocabulary. Status
	// then carries the raw value and the event must not drive a transition.
	Recognized bool
	Fee        *money.Amount
	Amount     *money.Amount
	Payload    map[string]interface{}
}

var transactionIDKeys = []string{"idTransaction", "transactionId", "transaction_id", "tx_id"}

var externalIDKeys = []string{"external_id", "externalId"}

var depositPaid = map[string]bool{
	"paid":               true,
	"approved":           true,
	"completed":          true,
	"confirmed":          true,
	"success":            true,
	"pix_cashin_success": true,
}

var depositFailed = map[string]bool{
	"failed":           true,
	"error":            true,
	"refused":          true,
	"rejected":         true,
	"expired":          true,
	"cancelled":        true,
	"canceled":         true,
	"pix_cashin_error": true,
}

var withdrawFailed = map[string]bool{
	"pix_cashout_error": true,
	"error":             true,
	"failed":            true,
	"refused":           true,
	"rejected":          true,
	"reversed":          true,
	"returned":          true,
	"cancelled":         true,
	"canceled":          true,
}

var withdrawSuccess = map[string]bool{
	"pix_cashout_success": true,
	"success":             true,
	"paid":                true,
	"completed":           true,
	"approved":            true,
}

// Intermediate gateway states that are neither success nor failure.
var withdrawInFlight = map[string]bool{
	"pending":    true,
	"processing": true,
	"in_process": true,
	"created":    true,
}

// NormalizeDeposit maps a cash-in callback. The status may arrive as
// "status" or as a "type" enum.
func NormalizeDeposit(payload map[string]interface{}) (*Event, error) {
	event, err := newEvent(models.WebhookKindDeposit, payload)
	if err != nil {
		return nil, err
	}

	raw := firstString(payload, "status", "type")
	event.RawStatus = raw
	key := strings.ToLower(strings.TrimSpace(raw))

	switch {
	case depositPaid[key]:
		event.Status = models.OrderStatusPaid
		event.Recognized = true
	case depositFailed[key]:
		event.Status = models.OrderStatusFailed
		event.Recognized = true
	default:
		event.Status = models.OrderStatus(raw)
	}

	return event, nil
}

// NormalizeWithdrawal maps a cash-out callback. The status may arrive as a
// "type" enum or as "status"; a key holding a known value wins over one that
// does not. An explicit signal that matches nothing known counts as a failure.
func NormalizeWithdrawal(payload map[string]interface{}) (*Event, error) {
	event, err := newEvent(models.WebhookKindWithdraw, payload)
	if err != nil {
		return nil, err
	}

	raw := withdrawalSignal(payload)
	event.RawStatus = raw
	key := strings.ToLower(strings.TrimSpace(raw))

	switch {
	case key == "":
		event.Status = ""
	case withdrawSuccess[key]:
		event.Status = models.OrderStatusPaid
		event.Recognized = true
	case withdrawInFlight[key]:
		event.Status = models.OrderStatus(raw)
	default:
		event.Status = models.OrderStatusFailed
		event.Recognized = true
	}

	return event, nil
}

// withdrawalSignal picks the first "type" or "status" value found in a
// vocabulary, falling back to the first non-empty one.
func withdrawalSignal(payload map[string]interface{}) string {
	candidates := allStrings(payload, "type", "status")
	for _, raw := range candidates {
		key := strings.ToLower(raw)
		if withdrawSuccess[key] || withdrawFailed[key] || withdrawInFlight[key] {
			return raw
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return ""
}

func newEvent(kind string, payload map[string]interface{}) (*Event, error) {
	txID := TransactionID(payload)
	externalID := ExternalID(payload)
	if txID == "" && externalID == "" {
		return nil, apperrors.ErrInvalidParameter.WithDetails("webhook payload has no transaction id")
	}

	event := &Event{
		Kind:          kind,
		TransactionID: txID,
		ExternalID:    externalID,
		Payload:       payload,
	}

	var err error
	if event.Fee, err = amountField(payload, "fee"); err != nil {
		return nil, err
	}
	if event.Amount, err = amountField(payload, "amount"); err != nil {
		return nil, err
	}
	return event, nil
}

// TransactionID extracts the gateway id from any of the accepted aliases,
// including the nested data.idTransaction form.
func TransactionID(payload map[string]interface{}) string {
	if id := firstString(payload, transactionIDKeys...); id != "" {
		return id
	}
	if data, ok := payload["data"].(map[string]interface{}); ok {
		return firstString(data, "idTransaction")
	}
	return ""
}

// ExternalID extracts the id this service assigned to the order, when the
// gateway echoes it back.
func ExternalID(payload map[string]interface{}) string {
	return firstString(payload, externalIDKeys...)
}

// allStrings returns the non-empty values of keys in order, top level first,
// then the nested data object.
func allStrings(payload map[string]interface{}, keys ...string) []string {
	var values []string
	scopes := []map[string]interface{}{payload}
	if data, ok := payload["data"].(map[string]interface{}); ok {
		scopes = append(scopes, data)
	}
	for _, scope := range scopes {
		for _, key := range keys {
			if s := stringValue(scope[key]); s != "" {
				values = append(values, s)
			}
		}
	}
	return values
}

func firstString(payload map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s := stringValue(payload[key]); s != "" {
			return s
		}
	}
	if data, ok := payload["data"].(map[string]interface{}); ok {
		for _, key := range keys {
			if s := stringValue(data[key]); s != "" {
				return s
			}
		}
	}
	return ""
}

func stringValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case float64:
		return decimal.NewFromFloat(val).String()
	case int, int64:
		return fmt.Sprintf("%d", val)
	}
	return ""
}

func amountField(payload map[string]interface{}, key string) (*money.Amount, error) {
	raw := firstString(payload, key)
	if raw == "" {
		return nil, nil
	}
	amount, err := money.Parse(raw)
	if err != nil {
		return nil, apperrors.ErrInvalidParameter.WithDetails("%s: %v", key, err)
	}
	if amount < 0 {
		return nil, apperrors.ErrInvalidParameter.WithDetails("%s cannot be negative", key)
	}
	return &amount, nil
}
