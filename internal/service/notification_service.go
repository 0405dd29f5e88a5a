package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/approval-engine/internal/config"
	"github.com/spec-kit/approval-engine/internal/events"
)

// NotificationService handles emitting notifications for domain events. The
// actual bot/webhook clients live outside this engine; deliveries here are
// logged intents carrying the channel_message_ref needed to edit a
// previously sent message in place.
type NotificationService struct {
	dispatcher events.Dispatcher
	logger     *zap.Logger
	cfg        config.NotificationConfig
}

// NewNotificationService creates the service.
func NewNotificationService(dispatcher events.Dispatcher, logger *zap.Logger, cfg config.NotificationConfig) *NotificationService {
	return &NotificationService{
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        cfg,
	}
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventRequestCreated, n.handleCreated)
	n.dispatcher.Subscribe(events.EventRequestApproved, n.handleDecision)
	n.dispatcher.Subscribe(events.EventRequestDisapproved, n.handleDecision)
	n.dispatcher.Subscribe(events.EventRequestEdited, n.handleEdited)
	n.dispatcher.Subscribe(events.EventRequestCancelled, n.handleDecision)
	n.dispatcher.Subscribe(events.EventRequestExpired, n.handleDecision)
	n.dispatcher.Subscribe(events.EventRequestResubmitted, n.handleDecision)
}

func (n *NotificationService) handleCreated(ctx context.Context, event events.Event) error {
	n.logger.Info("ApprovalRequestCreated", zap.String("request_id", event.RequestID), zap.Any("payload", event.Payload))
	n.sendWebhookNotificationStub(ctx, event)
	return nil
}

func (n *NotificationService) handleDecision(ctx context.Context, event events.Event) error {
	n.logger.Info(string(event.Type), zap.String("request_id", event.RequestID), zap.Any("payload", event.Payload))
	if payload, ok := event.Payload.(events.StatusChangedPayload); ok && payload.ChannelMessageRef != nil {
		n.logger.Debug("would edit channel message in place",
			zap.String("request_id", event.RequestID),
			zap.String("channel_message_ref", *payload.ChannelMessageRef))
	}
	n.sendWebhookNotificationStub(ctx, event)
	return nil
}

func (n *NotificationService) handleEdited(ctx context.Context, event events.Event) error {
	n.logger.Info("ApprovalRequestEdited", zap.String("request_id", event.RequestID), zap.Any("payload", event.Payload))
	if payload, ok := event.Payload.(events.RequestEditedPayload); ok && payload.ChannelMessageRef != nil {
		n.logger.Debug("would edit channel message in place",
			zap.String("request_id", event.RequestID),
			zap.String("channel_message_ref", *payload.ChannelMessageRef))
	}
	n.sendWebhookNotificationStub(ctx, event)
	return nil
}

func (n *NotificationService) sendWebhookNotificationStub(ctx context.Context, event events.Event) {
	if strings.TrimSpace(n.cfg.WebhookURL) == "" {
		return
	}
	n.logger.Debug("sendWebhookNotificationStub",
		zap.String("url", n.cfg.WebhookURL),
		zap.String("request_id", event.RequestID),
		zap.String("event_type", string(event.Type)))
}
