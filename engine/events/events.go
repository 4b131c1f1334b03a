// Package events publishes answered-query notifications and consumes cache
// control messages over NATS.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/policyqa/engine/domain"
	"github.com/WessleyAI/policyqa/engine/rag"
	"github.com/WessleyAI/policyqa/pkg/natsutil"
)

// Default subjects.
const (
	SubjectAnswered = "policyqa.query.answered"
	SubjectPurge    = "policyqa.cache.purge"
)

// Answered is published once per answered query. It carries no search
// result text.
type Answered struct {
	RequestID        string            `json:"request_id"`
	Query            string            `json:"query"`
	FromCache        bool              `json:"from_cache"`
	Degraded         bool              `json:"degraded"`
	RerankDegraded   bool              `json:"rerank_degraded"`
	RejectedCitation int               `json:"rejected_citations"`
	Citations        []domain.Citation `json:"citations"`
	ProcessingTimeMS float64           `json:"processing_time_ms"`
	Timestamp        time.Time         `json:"timestamp"`
}

// FromOutcome builds the event for out.
func FromOutcome(out rag.Outcome) Answered {
	return Answered{
		RequestID:        out.RequestID,
		Query:            out.Response.Query,
		FromCache:        out.Response.FromCache,
		Degraded:         out.Degraded,
		RerankDegraded:   out.RerankDegraded,
		RejectedCitation: out.Rejected,
		Citations:        out.Response.Citations,
		ProcessingTimeMS: out.Response.ProcessingTimeMS,
		Timestamp:        out.Response.Timestamp,
	}
}

// Publisher emits Answered events.
type Publisher struct {
	conn    natsutil.Publisher
	subject string
	logger  *slog.Logger
}

// NewPublisher creates a Publisher. An empty subject selects SubjectAnswered.
func NewPublisher(conn natsutil.Publisher, subject string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if subject == "" {
		subject = SubjectAnswered
	}
	return &Publisher{conn: conn, subject: subject, logger: logger}
}

// Listener returns a rag.Listener that publishes every outcome. Publish
// failures are logged and dropped.
func (p *Publisher) Listener() rag.Listener {
	return func(ctx context.Context, out rag.Outcome) {
		if err := natsutil.Publish(ctx, p.conn, p.subject, FromOutcome(out)); err != nil {
			p.logger.Warn("answered event not published", "request_id", out.RequestID, "err", err)
		}
	}
}

// PurgeRequest asks every instance to drop its semantic cache.
type PurgeRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Purger is the cache surface the purge subscriber drives.
type Purger interface {
	Purge(ctx context.Context) error
}

// PurgeHandler returns the handler that purges c on request.
func PurgeHandler(c Purger, logger *slog.Logger) natsutil.Handler[PurgeRequest] {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req PurgeRequest) error {
		if err := c.Purge(ctx); err != nil {
			return err
		}
		logger.Info("semantic cache purged", "reason", req.Reason)
		return nil
	}
}

// SubscribePurge listens on subject (SubjectPurge when empty) and purges c
// for every message.
func SubscribePurge(s natsutil.Subscriber, subject string, c Purger, logger *slog.Logger) (*nats.Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if subject == "" {
		subject = SubjectPurge
	}
	return natsutil.Subscribe(s, subject, PurgeHandler(c, logger), func(subj string, err error) {
		logger.Warn("cache purge failed", "subject", subj, "kind", domain.KindCache, "err", err)
	})
}
