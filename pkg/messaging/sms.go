// Package messaging sends operator SMS through the telephony provider.
package messaging

import (
	"context"
	"fmt"

	"github.com/birddigital/voice-bridge/pkg/telnyx"
)

// SMSSender is the part of the telephony client that sends texts.
type SMSSender interface {
	SendSMS(ctx context.Context, from, to, text string) (*telnyx.Message, error)
}

// MessageService handles SMS messaging operations
type MessageService struct {
	sender SMSSender
	from   string
}

// NewMessageService creates a new message service. An empty from uses the
// sender's default number.
func NewMessageService(sender SMSSender, from string) *MessageService {
	return &MessageService{
		sender: sender,
		from:   from,
	}
}

// SendBroadcast sends a message to multiple recipients
func (m *MessageService) SendBroadcast(ctx context.Context, recipients []string, text string) ([]*telnyx.Message, []error) {
	var messages []*telnyx.Message
	var errs []error

	for _, to := range recipients {
		msg, err := m.sender.SendSMS(ctx, m.from, to, text)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to send to %s: %w", to, err))
			continue
		}
		messages = append(messages, msg)
	}

	return messages, errs
}
