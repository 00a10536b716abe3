package messaging

import (
	"context"
	"errors"

	"github.com/samhotchkiss/threadmask/internal/events"
	"github.com/samhotchkiss/threadmask/internal/provider"
	"github.com/samhotchkiss/threadmask/internal/store"
)

// HandleStatusCallback applies a carrier delivery receipt. Receipts for unknown
// messages are ignored, and a delivered message never moves backwards.
func (s *Service) HandleStatusCallback(ctx context.Context, update provider.StatusUpdate) (*store.MessageEvent, error) {
	event, changed, err := s.Messages.ApplyStatusCallback(ctx, update.ProviderMessageID, update.Status, update.ErrorCode)
	if errors.Is(err, store.ErrNotFound) {
		s.Log.Debug("status callback for unknown message", "provider_message_id", update.ProviderMessageID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if changed {
		s.publish(ctx, events.TypeDeliveryUpdated, event.OrgID, map[string]any{
			"thread_id":        event.ThreadID,
			"message_event_id": event.ID,
			"delivery_status":  event.DeliveryStatus,
			"error_code":       update.ErrorCode,
		})
	}
	return event, nil
}
