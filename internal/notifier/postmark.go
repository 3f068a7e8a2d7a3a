package notifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrz1836/postmark"
)

type PostmarkConfig struct {
	ServerToken  string
	AccountToken string
	From         string
	ReplyTo      string
}

type PostmarkNotifier struct {
	client *postmark.Client
	config PostmarkConfig
}

func NewPostmarkNotifier(cfg PostmarkConfig) (*PostmarkNotifier, error) {
	if cfg.ServerToken == "" {
		return nil, errors.New("postmark server token is required")
	}
	if cfg.From == "" {
		return nil, errors.New("postmark sender address is required")
	}
	return &PostmarkNotifier{
		client: postmark.NewClient(cfg.ServerToken, cfg.AccountToken),
		config: cfg,
	}, nil
}

func (n *PostmarkNotifier) Send(ctx context.Context, msg Message) error {
	resp, err := n.client.SendEmail(ctx, postmark.Email{
		From:     n.config.From,
		ReplyTo:  n.config.ReplyTo,
		To:       msg.Recipient,
		Subject:  msg.Subject(),
		Tag:      msg.tag(),
		TextBody: msg.TextBody(),
	})
	if err != nil {
		return unreachable(err)
	}
	if resp.ErrorCode > 0 {
		return unreachable(fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}
	return nil
}
