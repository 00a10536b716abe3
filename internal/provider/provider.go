// Package provider is the SMS carrier transport: sending, webhook parsing and
// webhook signature verification.
package provider

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/samhotchkiss/threadmask/internal/models"
)

// SendResult is the carrier's acknowledgement of an accepted message.
type SendResult struct {
	ProviderMessageID string
	Status            models.DeliveryStatus
}

// Provider sends text messages from a masked number and authenticates webhooks.
type Provider interface {
	Send(ctx context.Context, toE164, fromE164, body string) (SendResult, error)
	VerifySignature(requestURL string, params url.Values, signature string) bool
}

// InboundMessage is a normalized inbound webhook payload.
type InboundMessage struct {
	From              string
	To                string
	Body              string
	ProviderMessageID string
	NumMedia          int
}

// StatusUpdate is a normalized delivery status callback.
type StatusUpdate struct {
	ProviderMessageID string
	Status            models.DeliveryStatus
	RawStatus         string
	ErrorCode         string
	ErrorMessage      string
}

// ParseInbound reads a form-encoded inbound webhook. Both Twilio's PascalCase
// keys and lower-case keys are accepted.
func ParseInbound(form url.Values) (InboundMessage, error) {
	msg := InboundMessage{
		From:              firstValue(form, "From", "from"),
		To:                firstValue(form, "To", "to"),
		Body:              firstValue(form, "Body", "body"),
		ProviderMessageID: firstValue(form, "MessageSid", "messageSid", "SmsSid"),
	}
	if n, err := strconv.Atoi(firstValue(form, "NumMedia", "numMedia")); err == nil {
		msg.NumMedia = n
	}
	switch {
	case msg.ProviderMessageID == "":
		return InboundMessage{}, models.NewValidationError("MessageSid", "provider message id is required")
	case msg.From == "":
		return InboundMessage{}, models.NewValidationError("From", "sender is required")
	case msg.To == "":
		return InboundMessage{}, models.NewValidationError("To", "recipient is required")
	}
	return msg, nil
}

// ParseStatus reads a form-encoded delivery status callback.
func ParseStatus(form url.Values) (StatusUpdate, error) {
	raw := firstValue(form, "MessageStatus", "messageStatus", "SmsStatus")
	update := StatusUpdate{
		ProviderMessageID: firstValue(form, "MessageSid", "messageSid", "SmsSid"),
		RawStatus:         raw,
		Status:            MapStatus(raw),
		ErrorCode:         firstValue(form, "ErrorCode", "errorCode"),
		ErrorMessage:      firstValue(form, "ErrorMessage", "errorMessage"),
	}
	if update.ProviderMessageID == "" {
		return StatusUpdate{}, models.NewValidationError("MessageSid", "provider message id is required")
	}
	return update, nil
}

// MapStatus folds carrier statuses onto the delivery status set. Unknown
// statuses are treated as failures.
func MapStatus(raw string) models.DeliveryStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "accepted", "scheduled", "queued", "sending":
		return models.DeliveryQueued
	case "sent":
		return models.DeliverySent
	case "delivered", "read", "received":
		return models.DeliveryDelivered
	}
	return models.DeliveryFailed
}

func firstValue(form url.Values, keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(form.Get(key)); value != "" {
			return value
		}
	}
	return ""
}
