// Package notifier delivers verification codes to recipients.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/campuslib/ebook-delivery/internal/model"
)

// ErrUnreachable is returned when a message could not be handed to the
// delivery channel.
var ErrUnreachable = errors.New("notifier: recipient unreachable")

// Message is a verification code addressed to a single recipient.
type Message struct {
	Recipient string
	Purpose   model.OTPPurpose
	Code      string
	ExpiresAt time.Time
	// Titles lists the books the code unlocks, in order.
	Titles []string
}

type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

func (m Message) Subject() string {
	switch m.Purpose {
	case model.OTPPurposeItemDownload:
		return "Your e-book download code"
	case model.OTPPurposePrivileged:
		return "Your library verification code"
	default:
		return "Your e-book bundle download code"
	}
}

func (m Message) TextBody() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your verification code is %s.\n", m.Code)
	fmt.Fprintf(&b, "It expires at %s.\n", m.ExpiresAt.UTC().Format(time.RFC1123))
	if len(m.Titles) > 0 {
		b.WriteString("\nRequested titles:\n")
		for _, title := range m.Titles {
			fmt.Fprintf(&b, "  - %s\n", title)
		}
	}
	b.WriteString("\nIf you did not request this code you can ignore this message.\n")
	return b.String()
}

func (m Message) tag() string {
	return string(m.Purpose)
}

func unreachable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
