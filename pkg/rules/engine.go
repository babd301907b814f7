package rules

import (
	"context"

	"github.com/rs/zerolog"

	"jetstream-labeler/internal/logging"
	"jetstream-labeler/internal/models"
	"jetstream-labeler/pkg/dispatch"
	"jetstream-labeler/pkg/metrics"
)

// Match is one rule that fired for a record.
type Match struct {
	Rule        string
	Label       string
	ParentLabel string
}

type Engine struct {
	watched map[string]bool
	rules   []Rule
}

// NewEngine evaluates rules against commits in the watched collections.
func NewEngine(watched []string, rules ...Rule) *Engine {
	w := make(map[string]bool, len(watched))
	for _, c := range watched {
		w[c] = true
	}
	return &Engine{watched: w, rules: rules}
}

// Classify returns the view of a commit worth evaluating, or nil. Non-commit
// events, unwatched collections, deletes and commits without a record are
// skipped. Deleted content is not unlabeled.
func (e *Engine) Classify(evt *models.StreamEvent) *models.CommitView {
	if evt == nil || evt.Kind != models.KindCommit || evt.Commit == nil {
		return nil
	}
	c := evt.Commit
	if !e.watched[c.Collection] || c.Operation == models.OperationDelete || c.Record == nil {
		return nil
	}
	return &models.CommitView{
		URI:       c.URI(evt.SubjectID),
		ContentID: c.ContentID,
		Record:    c.Record,
		Event:     evt,
	}
}

// Evaluate returns every matching rule, in rule order.
func (e *Engine) Evaluate(view *models.CommitView) []Match {
	if view == nil {
		return nil
	}
	var matches []Match
	for _, r := range e.rules {
		if !r.Matches(view.Record) {
			continue
		}
		m := Match{Rule: r.Name(), Label: r.Name()}
		if l, ok := r.(Labeled); ok {
			m.Label = l.Label()
			m.ParentLabel = l.ParentLabel()
		}
		matches = append(matches, m)
	}
	return matches
}

// Dispatcher is where matches go.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request)
}

// Processor is the subscription's event handler: classify, evaluate, dispatch.
type Processor struct {
	engine     *Engine
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

func NewProcessor(engine *Engine, dispatcher Dispatcher, m *metrics.Metrics) *Processor {
	return &Processor{
		engine:     engine,
		dispatcher: dispatcher,
		metrics:    m,
		log:        logging.For("rules"),
	}
}

func (p *Processor) HandleEvent(ctx context.Context, evt *models.StreamEvent) {
	view := p.engine.Classify(evt)
	if view == nil {
		return
	}

	for _, m := range p.engine.Evaluate(view) {
		if p.metrics != nil {
			p.metrics.RuleMatches.WithLabelValues(m.Rule).Inc()
		}
		p.log.Info().Str("rule", m.Rule).Str("uri", view.URI).Int64("cursor", evt.Sequence).Msg("rule matched")

		req := dispatch.Request{
			URI:   view.URI,
			CID:   view.ContentID,
			Label: m.Label,
			Rule:  m.Rule,
		}
		if reply := view.Record.Reply(); reply != nil && m.ParentLabel != "" && reply.Parent.URI != "" {
			req.ParentURI = reply.Parent.URI
			req.ParentCID = reply.Parent.CID
			req.ParentLabel = m.ParentLabel
		}
		p.dispatcher.Dispatch(ctx, req)
	}
}
