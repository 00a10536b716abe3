package provider

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/samhotchkiss/threadmask/internal/models"
)

// SentMessage is one message recorded by Mock.
type SentMessage struct {
	To                string
	From              string
	Body              string
	ProviderMessageID string
}

// Mock records sends in memory. It backs PROVIDER_KIND=mock and tests.
type Mock struct {
	// AuthToken signs webhooks the same way Twilio does. Empty accepts any signature.
	AuthToken string

	mu       sync.Mutex
	sent     []SentMessage
	failures []error
	seq      int
}

func NewMock(authToken string) *Mock {
	return &Mock{AuthToken: authToken}
}

// FailNext queues errors returned by the next sends, in order.
func (m *Mock) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

func (m *Mock) Send(ctx context.Context, toE164, fromE164, body string) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{}, &models.ProviderError{Op: "send", Code: "TRANSPORT", Retryable: true, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return SendResult{}, err
	}
	m.seq++
	id := fmt.Sprintf("SMmock%06d", m.seq)
	m.sent = append(m.sent, SentMessage{To: toE164, From: fromE164, Body: body, ProviderMessageID: id})
	return SendResult{ProviderMessageID: id, Status: models.DeliverySent}, nil
}

func (m *Mock) VerifySignature(requestURL string, params url.Values, signature string) bool {
	if m.AuthToken == "" {
		return true
	}
	return ValidSignature(m.AuthToken, requestURL, params, signature)
}

// Sent returns a copy of every recorded message.
func (m *Mock) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}
