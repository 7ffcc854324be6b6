package service

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ridepool/internal/ride/domain"
)

// notify records a notification. Failures are logged and never undo the
// transition that triggered them.
func (s *Service) notify(ctx context.Context, sender, receiver uuid.UUID, kind domain.NotificationType, message string) {
	_, err := s.notifications.CreateNotification(context.WithoutCancel(ctx), domain.Notification{
		ID:         uuid.New(),
		SenderID:   sender,
		ReceiverID: receiver,
		Type:       kind,
		Message:    message,
		CreatedAt:  s.clock.Now(),
	})
	if err != nil {
		s.logger.Warn("create notification",
			zap.String("type", string(kind)),
			zap.String("receiver_id", receiver.String()),
			zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, booking domain.Booking, kind domain.BookingEventType, payload map[string]any) {
	err := s.events.Publish(ctx, domain.BookingEvent{
		BookingID: booking.ID,
		OfferID:   booking.OfferID,
		Type:      kind,
		Payload:   payload,
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		s.logger.Warn("publish booking event", zap.String("type", string(kind)), zap.Error(err))
	}
}
