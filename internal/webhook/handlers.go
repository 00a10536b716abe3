package webhook

import (
	"context"
	"errors"
	"net/http"

	"github.com/samhotchkiss/threadmask/internal/logger"
	"github.com/samhotchkiss/threadmask/internal/messaging"
	"github.com/samhotchkiss/threadmask/internal/models"
	"github.com/samhotchkiss/threadmask/internal/provider"
	"github.com/samhotchkiss/threadmask/internal/store"
)

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// Ingestor is the slice of the messaging service the webhooks drive.
type Ingestor interface {
	IngestInboundWebhook(ctx context.Context, msg provider.InboundMessage) (*messaging.InboundResult, error)
	HandleStatusCallback(ctx context.Context, update provider.StatusUpdate) (*store.MessageEvent, error)
}

// Handler serves carrier callbacks. Requests are expected to pass through
// Middleware first so the form is already parsed and verified.
type Handler struct {
	service Ingestor
	log     *logger.Logger
}

func NewHandler(service Ingestor, log *logger.Logger) *Handler {
	return &Handler{service: service, log: log.With("component", "webhook")}
}

// Inbound accepts an inbound SMS. Replies are sent through the REST API, so
// the TwiML response is always empty.
func (h *Handler) Inbound(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form payload", http.StatusBadRequest)
		return
	}
	msg, err := provider.ParseInbound(r.PostForm)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.service.IngestInboundWebhook(r.Context(), msg)
	if err != nil {
		status := statusForError(err)
		if status >= http.StatusInternalServerError {
			h.log.Error("inbound webhook failed", "provider_message_id", msg.ProviderMessageID, "error", err)
		} else {
			h.log.Warn("inbound webhook rejected", "provider_message_id", msg.ProviderMessageID, "error", err)
		}
		http.Error(w, err.Error(), status)
		return
	}

	h.log.Debug("inbound webhook handled",
		"thread_id", result.ThreadID,
		"routed_to", result.RoutedTo,
		"replay", result.Replay,
	)
	writeEmptyTwiML(w)
}

// Status accepts a delivery status callback. Unknown message ids are ignored.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form payload", http.StatusBadRequest)
		return
	}
	update, err := provider.ParseStatus(r.PostForm)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := h.service.HandleStatusCallback(r.Context(), update); err != nil {
		h.log.Error("status callback failed", "provider_message_id", update.ProviderMessageID, "error", err)
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	writeEmptyTwiML(w)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrConfiguration):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeEmptyTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(emptyTwiML))
}
