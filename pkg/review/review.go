// Package review provides ReviewSink implementations for the manual
// contradiction policy: a slog sink for development, an in-process channel
// sink for hosts that drain conflicts themselves, and an SMTP sink that
// mails each conflict to a review inbox.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/soundprediction/chronograph/pkg/contradiction"
)

// LogSink records each conflict at warn level. Useful in development; a
// production deployment should drain conflicts somewhere durable.
type LogSink struct {
	logger *slog.Logger
}

var _ contradiction.ReviewSink = (*LogSink)(nil)

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Enqueue(_ context.Context, c contradiction.Conflict) error {
	s.logger.Warn("contradiction needs review",
		"candidate", c.Candidate.ID,
		"type", c.Candidate.Type,
		"from", c.Candidate.FromID,
		"to", c.Candidate.ToID,
		"conflicts", len(c.Existing))
	return nil
}

// ChannelSink delivers conflicts to a channel the host drains. Enqueue
// blocks while the channel is full so conflicts are never dropped; pass a
// bounded ctx to cap the wait.
type ChannelSink struct {
	ch chan contradiction.Conflict
}

var _ contradiction.ReviewSink = (*ChannelSink)(nil)

func NewChannelSink(buffer int) *ChannelSink {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelSink{ch: make(chan contradiction.Conflict, buffer)}
}

// Conflicts is the receive side.
func (s *ChannelSink) Conflicts() <-chan contradiction.Conflict {
	return s.ch
}

func (s *ChannelSink) Enqueue(ctx context.Context, c contradiction.Conflict) error {
	select {
	case s.ch <- c:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to enqueue conflict %s: %w", c.Candidate.ID, ctx.Err())
	}
}

// EmailConfig configures the SMTP sink.
type EmailConfig struct {
	SMTPHost string
	SMTPPort int
	Username string
	Password string
	From     string
	To       []string
}

// EmailSink mails one message per conflict.
type EmailSink struct {
	cfg EmailConfig
}

var _ contradiction.ReviewSink = (*EmailSink)(nil)

func NewEmailSink(cfg EmailConfig) *EmailSink {
	return &EmailSink{cfg: cfg}
}

func (s *EmailSink) Enqueue(_ context.Context, c contradiction.Conflict) error {
	subject := fmt.Sprintf("contradiction on %s (%s -> %s)",
		c.Candidate.Type, c.Candidate.FromID, c.Candidate.ToID)

	var body strings.Builder
	fmt.Fprintf(&body, "candidate %s (provenance %q, valid from %s) conflicts with:\n",
		c.Candidate.ID, c.Candidate.Provenance, c.Candidate.ValidAt.Format("2006-01-02"))
	for _, e := range c.Existing {
		fmt.Fprintf(&body, "  %s %s (provenance %q, valid from %s)\n",
			e.ID, e.Type, e.Provenance, e.ValidAt.Format("2006-01-02"))
	}

	msg := []byte(fmt.Sprintf("To: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		strings.Join(s.cfg.To, ","), subject, body.String()))

	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.SMTPHost)
	addr := fmt.Sprintf("%s:%d", s.cfg.SMTPHost, s.cfg.SMTPPort)
	if err := smtp.SendMail(addr, auth, s.cfg.From, s.cfg.To, msg); err != nil {
		return fmt.Errorf("failed to mail conflict %s: %w", c.Candidate.ID, err)
	}
	return nil
}
