// Package dispatch turns rule matches into moderation events. Each match
// produces a label event followed by an acknowledge event for the same
// subject, both sent through the session manager and so through the shared
// rate limit. Dispatch never blocks the caller and never returns an error:
// failures are logged, counted and written to the audit sink.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"jetstream-labeler/internal/logging"
	"jetstream-labeler/internal/models"
	"jetstream-labeler/pkg/auth"
	"jetstream-labeler/pkg/metrics"
	"jetstream-labeler/pkg/ozone"
)

// Action kinds, used in logs, metrics and audit records.
const (
	KindLabel       = "label"
	KindAcknowledge = "acknowledge"
	KindParentLabel = "parent_label"
)

// Request is one rule match against one record.
type Request struct {
	URI   string
	CID   string
	Label string
	Rule  string

	// Set for replies when the rule also labels the parent.
	ParentURI   string
	ParentCID   string
	ParentLabel string
}

// Authenticator runs a call with a valid moderator session.
type Authenticator interface {
	Do(ctx context.Context, name string, call auth.Call) error
}

// Emitter sends one moderation event.
type Emitter interface {
	EmitEvent(ctx context.Context, s *models.Session, in ozone.EmitEventInput) (models.RateLimit, error)
}

// Sink receives an audit record for every attempted action.
type Sink interface {
	Publish(ctx context.Context, record models.ActionRecord) error
}

type Config struct {
	// CreatedBy attributes events to the moderator. Defaults to the
	// session DID.
	CreatedBy string
	Metrics   *metrics.Metrics
	Sink      Sink
	// Now stamps events and audit records. Defaults to time.Now.
	Now func() time.Time
}

type Dispatcher struct {
	auth      Authenticator
	emitter   Emitter
	createdBy string
	sink      Sink
	metrics   *metrics.Metrics
	now       func() time.Time
	log       zerolog.Logger

	wg sync.WaitGroup
}

func New(authn Authenticator, emitter Emitter, cfg Config) *Dispatcher {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		auth:      authn,
		emitter:   emitter,
		createdBy: cfg.CreatedBy,
		sink:      cfg.Sink,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
		log:       logging.For("dispatch"),
	}
}

// Dispatch sends the actions for req in the background.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error().Interface("panic", r).Str("uri", req.URI).Str("rule", req.Rule).Msg("dispatch panicked")
				if d.metrics != nil {
					d.metrics.HandlerPanics.Inc()
				}
			}
		}()
		d.run(ctx, req)
	}()
}

// Wait blocks until every dispatched request has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, req Request) {
	subject := ozone.StrongRef(req.URI, req.CID)

	// The acknowledge is attempted even when the label failed.
	d.emit(ctx, KindLabel, req, subject, req.Label,
		ozone.NewLabelEvent(req.Label, "Auto-labeled via jetstream: "+req.Label))
	d.emit(ctx, KindAcknowledge, req, subject, req.Label,
		ozone.NewAcknowledgeEvent("Auto-acked via jetstream: "+req.Label))

	if req.ParentURI == "" || req.ParentLabel == "" {
		return
	}
	d.emit(ctx, KindParentLabel, req, ozone.StrongRef(req.ParentURI, req.ParentCID), req.ParentLabel,
		ozone.NewLabelEvent(req.ParentLabel, "Auto-labeled via jetstream reply: "+req.ParentLabel))
}

func (d *Dispatcher) emit(ctx context.Context, kind string, req Request, subject ozone.Subject, label string, event any) {
	record := models.ActionRecord{
		ID:         uuid.NewString(),
		Kind:       kind,
		SubjectURI: subject.URI,
		SubjectCID: subject.CID,
		Label:      label,
		Rule:       req.Rule,
	}

	err := d.auth.Do(ctx, kind, func(ctx context.Context, s *models.Session) (models.RateLimit, error) {
		createdBy := d.createdBy
		if createdBy == "" {
			createdBy = s.DID
		}
		in := ozone.NewEmitEventInput(event, subject, createdBy, d.now())
		return d.emitter.EmitEvent(ctx, s, in)
	})
	record.Timestamp = d.now()

	outcome := "success"
	if err != nil {
		outcome = "failure"
		record.Error = err.Error()
		d.log.Error().Err(err).
			Str("action_id", record.ID).
			Str("kind", kind).
			Str("uri", subject.URI).
			Str("label", label).
			Str("rule", req.Rule).
			Msg("moderation action failed")
	} else {
		record.Success = true
		d.log.Info().
			Str("action_id", record.ID).
			Str("kind", kind).
			Str("uri", subject.URI).
			Str("label", label).
			Msg("moderation action sent")
	}
	if d.metrics != nil {
		d.metrics.Actions.WithLabelValues(kind, outcome).Inc()
	}

	if d.sink == nil {
		return
	}
	if err := d.sink.Publish(ctx, record); err != nil {
		d.log.Warn().Err(fmt.Errorf("audit %s: %w", record.ID, err)).Msg("could not publish action record")
		if d.metrics != nil {
			d.metrics.AuditErrors.Inc()
		}
	}
}
