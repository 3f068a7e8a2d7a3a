package notifier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"sort"
	"strconv"
	"strings"
	"time"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	ReplyTo  string
}

// SMTPNotifier sends plain text mail. smtp.SendMail upgrades to STARTTLS
// when the server offers it.
type SMTPNotifier struct {
	config   SMTPConfig
	auth     smtp.Auth
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPNotifier(cfg SMTPConfig) (*SMTPNotifier, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, errors.New("smtp port must be between 1 and 65535")
	}
	if cfg.From == "" {
		return nil, errors.New("smtp sender address is required")
	}

	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTPNotifier{config: cfg, auth: auth, sendMail: smtp.SendMail}, nil
}

func (n *SMTPNotifier) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return unreachable(err)
	}

	addr := net.JoinHostPort(n.config.Host, strconv.Itoa(n.config.Port))
	done := make(chan error, 1)
	go func() {
		done <- n.sendMail(addr, n.auth, n.config.From, []string{msg.Recipient}, n.buildMessage(msg, time.Now()))
	}()

	select {
	case err := <-done:
		if err != nil {
			return unreachable(err)
		}
		return nil
	case <-ctx.Done():
		return unreachable(ctx.Err())
	}
}

func (n *SMTPNotifier) buildMessage(msg Message, now time.Time) []byte {
	headers := map[string]string{
		"From":         n.config.From,
		"To":           msg.Recipient,
		"Subject":      msg.Subject(),
		"MIME-Version": "1.0",
		"Content-Type": `text/plain; charset="UTF-8"`,
		"Date":         now.Format(time.RFC1123Z),
		"Message-ID":   fmt.Sprintf("<%d.%s@%s>", now.UnixNano(), msg.tag(), n.config.Host),
	}
	if n.config.ReplyTo != "" {
		headers["Reply-To"] = n.config.ReplyTo
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\r\n", k, headers[k])
	}
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.TextBody(), "\n", "\r\n"))
	return []byte(b.String())
}
