package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"
)

// AlertNotifier texts operators when a call cannot be bridged.
type AlertNotifier struct {
	messages   *MessageService
	recipients []string
	logger     *slog.Logger
}

// NewAlertNotifier returns nil when there are no recipients, so callers can
// pass the result straight through as an optional notifier.
func NewAlertNotifier(messages *MessageService, recipients []string, logger *slog.Logger) *AlertNotifier {
	if len(recipients) == 0 {
		return nil
	}
	return &AlertNotifier{
		messages:   messages,
		recipients: recipients,
		logger:     logger.With("component", "alerts"),
	}
}

// NotifyActivationFailed sends one alert per recipient. Every recipient is
// attempted; failures are joined.
func (a *AlertNotifier) NotifyActivationFailed(ctx context.Context, callControlID, destination string, cause error) error {
	if a == nil {
		return nil
	}
	text := activationFailedText(callControlID, destination, cause)

	sent, errs := a.messages.SendBroadcast(ctx, a.recipients, text)
	a.logger.Info("activation alert sent",
		"call_control_id", callControlID,
		"delivered", len(sent),
		"failed", len(errs),
	)
	return errors.Join(errs...)
}

func activationFailedText(callControlID, destination string, cause error) string {
	to := destination
	if to == "" {
		to = "unknown number"
	}
	msg := fmt.Sprintf("Voice bridge: call %s to %s was answered but media streaming could not be started", callControlID, to)
	if cause != nil {
		msg += ": " + cause.Error()
	}
	const limit = 320 // two SMS segments
	if len(msg) > limit {
		cut := limit - 3
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut] + "..."
	}
	return msg
}
