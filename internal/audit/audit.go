// Package audit records security-relevant events of the download pipeline.
package audit

import (
	"context"
	"time"

	"github.com/campuslib/ebook-delivery/internal/model"
)

type Action string

const (
	ActionSessionInitiate Action = "download.initiate"
	ActionOTPIssue        Action = "otp.issue"
	ActionOTPVerify       Action = "otp.verify"
	ActionTokenIssue      Action = "download.token_issue"
	ActionDeliver         Action = "download.deliver"
	ActionTokenReuse      Action = "download.token_reuse"
	ActionSessionExpire   Action = "download.expire"
	ActionSessionFail     Action = "download.fail"
	ActionRateLimit       Action = "rate_limit.deny"
)

const (
	EntityDownloadSession = "download_session"
	EntityClient          = "client"
)

// Entry is a single audit record. Details must not carry secrets.
type Entry struct {
	Actor      string
	Action     Action
	EntityType string
	EntityID   string
	Outcome    model.AuditOutcome
	IP         string
	Details    map[string]any
	At         time.Time
}

// Sink accepts audit entries. Implementations never fail the caller; write
// errors are logged.
type Sink interface {
	Record(ctx context.Context, entry Entry)
}

type multiSink []Sink

// Multi fans an entry out to every sink in order.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

func (m multiSink) Record(ctx context.Context, entry Entry) {
	for _, s := range m {
		s.Record(ctx, entry)
	}
}

// Discard drops every entry.
var Discard Sink = multiSink(nil)
