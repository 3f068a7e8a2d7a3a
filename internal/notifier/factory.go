package notifier

import (
	"fmt"

	"github.com/campuslib/ebook-delivery/internal/config"
)

// New returns the notifier selected by cfg.Notifier.
func New(cfg *config.Config) (Notifier, error) {
	switch cfg.Notifier {
	case config.NotifierLog:
		return NewLogNotifier(), nil
	case config.NotifierPostmark:
		return NewPostmarkNotifier(PostmarkConfig{
			ServerToken:  cfg.PostmarkServerToken,
			AccountToken: cfg.PostmarkAccountToken,
			From:         cfg.MailFrom,
			ReplyTo:      cfg.MailReplyTo,
		})
	case config.NotifierSMTP:
		return NewSMTPNotifier(SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
			ReplyTo:  cfg.MailReplyTo,
		})
	default:
		return nil, fmt.Errorf("unknown notifier %q", cfg.Notifier)
	}
}
