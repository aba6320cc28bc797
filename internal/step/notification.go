package step

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/flowrun/model"
)

// DefaultNotificationType is used when a notification step omits its type.
const DefaultNotificationType = "email"

type notificationConfig struct {
	Type       string         `mapstructure:"type"`
	Recipients []string       `mapstructure:"recipients"`
	Message    string         `mapstructure:"message"`
	Template   string         `mapstructure:"template"`
	Data       map[string]any `mapstructure:"data"`
}

// Notification is the message handed to a Gateway.
type Notification struct {
	ID          string         `json:"messageId"`
	ExecutionID string         `json:"executionId"`
	StepID      string         `json:"stepId"`
	Type        string         `json:"type"`
	Recipients  []string       `json:"recipients"`
	Message     string         `json:"message,omitempty"`
	Template    string         `json:"template,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Gateway delivers notifications.
type Gateway interface {
	Send(ctx context.Context, n Notification) error
}

// NotificationResult is the result of a notification step.
type NotificationResult struct {
	Sent           bool   `json:"sent"`
	RecipientCount int    `json:"recipientCount"`
	MessageID      string `json:"messageId"`
	Type           string `json:"type"`
}

// NotificationHandler sends notifications through a Gateway.
type NotificationHandler struct {
	gateway Gateway
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string
}

// NewNotificationHandler creates a notification step handler.
func NewNotificationHandler(gateway Gateway, logger *zap.Logger) *NotificationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationHandler{
		gateway: gateway,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Type implements Handler.
func (h *NotificationHandler) Type() model.StepType { return model.StepTypeNotification }

// Execute implements Handler.
func (h *NotificationHandler) Execute(ctx context.Context, executionID string, s model.WorkflowStep) (any, error) {
	var cfg notificationConfig
	if err := decodeConfig(s, &cfg); err != nil {
		return nil, err
	}

	recipients := make([]string, 0, len(cfg.Recipients))
	for _, r := range cfg.Recipients {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	if len(recipients) == 0 {
		return nil, errors.New("notification step requires at least one recipient")
	}
	if cfg.Message == "" && cfg.Template == "" {
		return nil, errors.New("notification step requires a message or template")
	}
	kind := strings.ToLower(cfg.Type)
	if kind == "" {
		kind = DefaultNotificationType
	}

	n := Notification{
		ID:          h.newID(),
		ExecutionID: executionID,
		StepID:      s.ID,
		Type:        kind,
		Recipients:  recipients,
		Message:     cfg.Message,
		Template:    cfg.Template,
		Data:        cfg.Data,
		CreatedAt:   h.now().UTC(),
	}
	if err := h.gateway.Send(ctx, n); err != nil {
		return nil, fmt.Errorf("send %s notification: %w", kind, err)
	}

	return NotificationResult{
		Sent:           true,
		RecipientCount: len(recipients),
		MessageID:      n.ID,
		Type:           kind,
	}, nil
}

// LogGateway writes notifications to the log instead of delivering them.
type LogGateway struct {
	logger *zap.Logger
}

// NewLogGateway creates a gateway that only logs.
func NewLogGateway(logger *zap.Logger) *LogGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogGateway{logger: logger}
}

// Send implements Gateway.
func (g *LogGateway) Send(_ context.Context, n Notification) error {
	g.logger.Info("notification sent",
		zap.String("message_id", n.ID),
		zap.String("execution_id", n.ExecutionID),
		zap.String("step_id", n.StepID),
		zap.String("type", n.Type),
		zap.Int("recipients", len(n.Recipients)),
	)
	return nil
}
