package notifier

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/campuslib/ebook-delivery/internal/util"
)

// LogNotifier writes messages to the application log. Development only.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, msg Message) error {
	log.Info().
		Str("recipient", msg.Recipient).
		Str("purpose", string(msg.Purpose)).
		Str("code", util.MaskCode(msg.Code)).
		Time("expiresAt", msg.ExpiresAt).
		Int("titles", len(msg.Titles)).
		Msg("verification code issued")
	return nil
}
