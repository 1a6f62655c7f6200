// Copyright 2026 © The Valiant Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Vusisean11/valiant/pkg/audit"
	"github.com/Vusisean11/valiant/pkg/errors"
	"github.com/Vusisean11/valiant/pkg/generation"
	"github.com/Vusisean11/valiant/pkg/journey"
	"github.com/Vusisean11/valiant/pkg/matcher"
	"github.com/Vusisean11/valiant/pkg/repository"
	"github.com/Vusisean11/valiant/pkg/resolver"
	"github.com/Vusisean11/valiant/pkg/session"
	"github.com/Vusisean11/valiant/pkg/telemetry"
	"github.com/Vusisean11/valiant/pkg/tools"
)

// turn is the working state of one HandleEvent call. sess is a private
// copy; the committed session is only replaced by a successful Save.
type turn struct {
	e      *Engine
	v      *repository.Version
	sess   *session.Session
	ev     Event
	turnID string
	start  time.Time

	from journey.Pointer
	mode session.Mode

	mt        *matcher.Turn
	matched   matcher.Result
	evaluated map[string]bool
	res       resolver.Resolution
	trans     journey.Transition
	outcomes  []tools.Outcome
	// folded counts the outcomes whose directives were applied.
	folded int

	utterance     string
	generated     bool
	skipped       bool
	degraded      bool
	canceled      bool
	generationErr string
}

func guidelineKey(id string) string { return "guideline:" + id }

func stepKey(node string) string { return "step:" + node }

func completionKey(node string) string { return "completion:" + node }

func exitKey(journeyID string, i int) string { return fmt.Sprintf("exit:%s#%d", journeyID, i) }

func activationKey(journeyID string, i int) string {
	return fmt.Sprintf("activation:%s#%d", journeyID, i)
}

func templateKey(id string) string { return "template:" + id }

func toolKey(cond string) string { return "tool:" + cond }

// message runs the full pipeline for a customer message.
func (t *turn) message(ctx context.Context) error {
	t.start = time.Now()
	t.sess.Append(session.Message{Source: matcher.SourceCustomer, Text: t.ev.Text, TurnID: t.turnID})
	t.matched = matcher.Result{Matches: map[string]matcher.Match{}}
	t.evaluated = map[string]bool{}
	t.mt = t.e.matcher.Begin(t.matcherContext())

	stage := time.Now()
	t.match(ctx, t.candidates())
	if p := t.sess.Journey; p.Active() && t.exitMatched() {
		// A journey switch needs the other journeys' activation verdicts.
		t.match(ctx, activationCandidates(t.v, p.JourneyID))
	}
	t.e.metrics.RecordStage(ctx, telemetry.StageMatch, time.Since(stage))

	t.resolve(ctx)

	stage = time.Now()
	obs := t.observe()
	t.sess.Journey, t.trans = t.e.tracker.Update(t.v, t.sess.Journey, obs)
	t.e.metrics.RecordStage(ctx, telemetry.StageJourney, time.Since(stage))
	if t.trans.Changed() {
		t.e.metrics.RecordJourneyTransition(ctx, t.trans.To.JourneyID, string(t.trans.Kind))
		t.reevaluate(ctx)
	}

	stage = time.Now()
	t.invokeTools(ctx)
	if t.applyDirectives(ctx) {
		t.reevaluate(ctx)
		t.invokeTools(ctx)
		t.applyDirectives(ctx)
	}
	t.e.metrics.RecordStage(ctx, telemetry.StageTools, time.Since(stage))

	t.e.metrics.RecordEvaluationErrors(ctx, t.v.AgentID, len(t.matched.Failures))

	if t.sess.Mode == session.ModeManual {
		t.skipped = true
		t.e.log.InfoContext(ctx, "engine.generation.skipped",
			slog.String("session_id", t.sess.ID),
			slog.String("turn_id", t.turnID),
			slog.String("reason", "manual mode"),
		)
	} else {
		stage = time.Now()
		t.generate(ctx)
		t.e.metrics.RecordStage(ctx, telemetry.StageGenerate, time.Since(stage))
	}
	t.markSatisfied()
	return nil
}

// control applies a directive event. Generation is never requested.
func (t *turn) control(ctx context.Context) error {
	t.start = time.Now()
	t.skipped = true
	t.trans = journey.Transition{Kind: journey.TransitionNone, From: t.from, To: t.sess.Journey}
	d := *t.ev.Directive
	if err := t.apply(ctx, d); err != nil {
		return err
	}
	t.e.log.InfoContext(ctx, "engine.directive.applied",
		slog.String("session_id", t.sess.ID),
		slog.String("turn_id", t.turnID),
		slog.String("directive", string(d.Kind)),
		slog.String("mode", string(t.sess.Mode)),
	)
	return nil
}

func (t *turn) matcherContext() matcher.Context {
	return matcher.Context{
		AgentID:    t.v.AgentID,
		SessionID:  t.sess.ID,
		CustomerID: t.sess.CustomerID,
		Transcript: t.sess.Tail(t.e.window),
		Variables:  t.sess.Variables,
		Journey:    journeyContext(t.v, t.sess.Journey),
	}
}

func journeyContext(v *repository.Version, p journey.Pointer) *matcher.JourneyContext {
	j, step, ok := journey.Current(v, p)
	if !ok {
		return nil
	}
	return &matcher.JourneyContext{
		JourneyID: j.ID,
		Title:     j.Title,
		StepID:    step.ID,
		StepIndex: p.Step,
		Action:    step.Action,
	}
}

// candidates builds the pool for the session's current position: every
// guideline not suppressed or gated by an inactive journey, the current
// step's conditions and the journey exits, or the journey activations when
// no journey is active, plus conditional templates.
func (t *turn) candidates() []matcher.Candidate {
	p := t.sess.Journey
	var pool []matcher.Candidate
	for _, g := range t.v.Guidelines() {
		if !t.eligible(&g) {
			continue
		}
		pool = append(pool, matcher.Candidate{Key: guidelineKey(g.ID), Kind: matcher.KindGuideline, Subject: g.ID, Condition: g.Condition})
	}
	if j, step, ok := journey.Current(t.v, p); ok {
		node := repository.StepNodeID(j.ID, step.ID)
		if step.Condition != "" {
			pool = append(pool, matcher.Candidate{Key: stepKey(node), Kind: matcher.KindStepCondition, Subject: node, Condition: step.Condition})
		}
		if step.Completion != "" {
			pool = append(pool, matcher.Candidate{Key: completionKey(node), Kind: matcher.KindStepCompletion, Subject: node, Condition: step.Completion})
		}
		for i, cond := range j.Exit {
			pool = append(pool, matcher.Candidate{Key: exitKey(j.ID, i), Kind: matcher.KindJourneyExit, Subject: j.ID, Condition: cond})
		}
	} else {
		pool = append(pool, activationCandidates(t.v, "")...)
	}
	for _, tpl := range t.v.Templates() {
		if tpl.Condition != "" {
			pool = append(pool, matcher.Candidate{Key: templateKey(tpl.ID), Kind: matcher.KindTemplate, Subject: tpl.ID, Condition: tpl.Condition})
		}
	}
	return pool
}

// eligible reports whether g may be a candidate at the session's position.
func (t *turn) eligible(g *repository.Guideline) bool {
	if g.Once && t.sess.IsSatisfied(g.ID) {
		return false
	}
	if len(g.Journeys) == 0 {
		return true
	}
	p := t.sess.Journey
	return p.Active() && slices.Contains(g.Journeys, p.JourneyID)
}

func activationCandidates(v *repository.Version, except string) []matcher.Candidate {
	var pool []matcher.Candidate
	for _, j := range v.Journeys() {
		if j.ID == except {
			continue
		}
		for i, cond := range j.Activation {
			pool = append(pool, matcher.Candidate{Key: activationKey(j.ID, i), Kind: matcher.KindJourneyActivation, Subject: j.ID, Condition: cond})
		}
	}
	return pool
}

// match evaluates the candidates not seen yet this turn and merges the result.
func (t *turn) match(ctx context.Context, pool []matcher.Candidate) {
	var fresh []matcher.Candidate
	for _, c := range pool {
		if !t.evaluated[c.Key] {
			t.evaluated[c.Key] = true
			fresh = append(fresh, c)
		}
	}
	if len(fresh) == 0 {
		return
	}
	t.matched.Merge(t.mt.Match(ctx, fresh))
}

func (t *turn) exitMatched() bool {
	for _, m := range t.matched.Matches {
		if m.Kind == matcher.KindJourneyExit && m.Subject == t.sess.Journey.JourneyID {
			return true
		}
	}
	return false
}

// entries are the resolver inputs: matched guidelines plus the current step
// when it applies.
func (t *turn) entries() []resolver.Entry {
	var out []resolver.Entry
	for _, key := range t.matched.Keys() {
		m := t.matched.Matches[key]
		if m.Kind != matcher.KindGuideline {
			continue
		}
		if g, ok := t.v.Guideline(m.Subject); ok && t.eligible(g) {
			out = append(out, resolver.Entry{ID: m.Subject, Confidence: m.Confidence})
		}
	}
	if node, conf, ok := t.currentStep(); ok {
		out = append(out, resolver.Entry{ID: node, Confidence: conf})
	}
	return out
}

// currentStep reports whether the journey's current step applies: always
// when it has no condition, otherwise when its condition matched.
func (t *turn) currentStep() (string, float64, bool) {
	j, step, ok := journey.Current(t.v, t.sess.Journey)
	if !ok {
		return "", 0, false
	}
	node := repository.StepNodeID(j.ID, step.ID)
	if step.Condition == "" {
		return node, 1, true
	}
	key := stepKey(node)
	if t.matched.Matched(key) {
		return node, t.matched.Confidence(key), true
	}
	return "", 0, false
}

func (t *turn) resolve(ctx context.Context) {
	stage := time.Now()
	_, span := telemetry.Tracer().Start(ctx, "Resolver.Resolve")
	t.res = resolver.Resolve(t.entries(), t.v.Graph())
	span.SetAttributes(
		attribute.Int(telemetry.AttrActiveCount, len(t.res.Active)),
		attribute.Int(telemetry.AttrDroppedCount, len(t.res.Dropped)),
	)
	span.End()
	t.e.metrics.RecordStage(ctx, telemetry.StageResolve, time.Since(stage))
	for _, d := range t.res.Dropped {
		t.e.log.DebugContext(ctx, "engine.resolve.dropped",
			slog.String("session_id", t.sess.ID),
			slog.String("guideline_id", d.ID),
			slog.String("reason", string(d.Reason)),
		)
	}
}

// observe turns this turn's verdicts into a journey observation.
func (t *turn) observe() journey.Observation {
	var obs journey.Observation
	for _, j := range t.v.Journeys() {
		for i := range j.Activation {
			if t.matched.Matched(activationKey(j.ID, i)) {
				obs.Activated = append(obs.Activated, j.ID)
				break
			}
		}
	}
	j, step, ok := journey.Current(t.v, t.sess.Journey)
	if !ok {
		return obs
	}
	node := repository.StepNodeID(j.ID, step.ID)
	obs.Exited = t.exitMatched()
	obs.StepMatched = step.Condition != "" && t.matched.Matched(stepKey(node))
	obs.Completed = step.Completion != "" && t.matched.Matched(completionKey(node)) && t.res.Has(node)
	for _, id := range t.res.IDs() {
		if g, ok := t.v.Guideline(id); ok && slices.Contains(g.Sustains, j.ID) {
			obs.Sustained = true
			break
		}
	}
	return obs
}

// reevaluate evaluates what became relevant after the journey pointer
// changed and resolves again. Step completions are not evaluated: a turn
// advances at most one step.
func (t *turn) reevaluate(ctx context.Context) {
	t.mt.SetContext(t.matcherContext())
	var pool []matcher.Candidate
	for _, c := range t.candidates() {
		switch c.Kind {
		case matcher.KindGuideline, matcher.KindStepCondition, matcher.KindTemplate:
			pool = append(pool, c)
		}
	}
	t.match(ctx, pool)
	t.resolve(ctx)
}

// invokeTools runs the tools attached to the active set. Outcomes of tools
// already invoked earlier in the turn are not repeated.
func (t *turn) invokeTools(ctx context.Context) {
	var attachments []tools.Attachment
	g := t.v.Graph()
	for _, a := range t.res.Active {
		node, ok := g.Node(a.ID)
		if !ok {
			continue
		}
		for _, att := range node.Tools {
			attachments = append(attachments, tools.Attachment{Source: a.ID, Tool: att.Tool, Condition: att.Condition})
		}
	}
	if len(attachments) == 0 {
		return
	}
	outcomes := t.e.orchestrator.Invoke(ctx, tools.Request{
		AgentID:     t.v.AgentID,
		SessionID:   t.sess.ID,
		TurnID:      t.turnID,
		Version:     t.v,
		Attachments: attachments,
		Variables:   t.sess.Variables,
		Metadata:    t.ev.Metadata,
		Conditions:  t.toolConditions,
	})
	for _, o := range outcomes {
		if slices.ContainsFunc(t.outcomes, func(prev tools.Outcome) bool { return prev.ToolID == o.ToolID }) {
			continue
		}
		t.outcomes = append(t.outcomes, o)
	}
}

func (t *turn) toolConditions(ctx context.Context, conds []string) map[string]bool {
	pool := make([]matcher.Candidate, 0, len(conds))
	for _, c := range conds {
		pool = append(pool, matcher.Candidate{Key: toolKey(c), Kind: matcher.KindToolCondition, Subject: c, Condition: c})
	}
	t.match(ctx, pool)
	met := make(map[string]bool, len(conds))
	for _, c := range conds {
		met[c] = t.matched.Matched(toolKey(c))
	}
	return met
}

// applyDirectives folds the control directives of successful tool outcomes
// not folded yet into the session, in outcome order. It reports whether the
// journey pointer moved so the new step can be evaluated.
func (t *turn) applyDirectives(ctx context.Context) bool {
	moved := false
	pending := t.outcomes[t.folded:]
	t.folded = len(t.outcomes)
	for i := range pending {
		o := &pending[i]
		if o.Status != tools.StatusSucceeded || o.Directive == nil || o.Err != nil {
			continue
		}
		before := t.sess.Journey
		if err := t.apply(ctx, *o.Directive); err != nil {
			t.e.log.WarnContext(ctx, "engine.directive.rejected",
				slog.String("session_id", t.sess.ID),
				slog.String("tool_id", o.ToolID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if t.sess.Journey != before {
			moved = true
		}
	}
	return moved
}

// apply folds one directive into the session.
func (t *turn) apply(ctx context.Context, d repository.Directive) error {
	switch d.Kind {
	case repository.DirectiveSetMode:
		mode := session.Mode(d.Mode)
		if !mode.Valid() {
			return errors.Newf(errors.CodeInvalidInput, "unknown mode %q", d.Mode)
		}
		t.sess.Mode = mode
		return nil
	case repository.DirectiveRestartJourney:
		p, tr, err := t.e.tracker.Restart(t.v, t.sess.Journey, d.Journey)
		if err != nil {
			return err
		}
		t.sess.Journey = p
		t.trans = journey.Transition{Kind: tr.Kind, From: t.from, To: p}
		t.e.metrics.RecordJourneyTransition(ctx, p.JourneyID, string(tr.Kind))
		return nil
	default:
		return errors.Newf(errors.CodeInvalidInput, "unknown directive %q", d.Kind)
	}
}

func (t *turn) generate(ctx context.Context) {
	if t.e.generator == nil {
		t.fail("no generator configured")
		return
	}
	genCtx, done := t.e.generationContext(ctx, t.sess.ID)
	defer done()

	out, err := t.e.generator.Generate(genCtx, t.prompt())
	switch {
	case err == nil:
		t.utterance = out.Utterance
		t.generated = true
		t.sess.Append(session.Message{Source: matcher.SourceAgent, Text: out.Utterance, TurnID: t.turnID})
	case errors.IsCode(err, errors.CodeCanceled) && ctx.Err() == nil:
		t.canceled = true
		t.generationErr = err.Error()
		t.e.log.InfoContext(ctx, "engine.generation.canceled",
			slog.String("session_id", t.sess.ID),
			slog.String("turn_id", t.turnID),
		)
	default:
		t.fail(err.Error())
		t.e.metrics.RecordDegraded(ctx, t.v.AgentID)
	}
}

func (t *turn) fail(reason string) {
	t.degraded = true
	t.generationErr = reason
	if t.e.fallback != "" {
		t.utterance = t.e.fallback
		t.sess.Append(session.Message{Source: matcher.SourceAgent, Text: t.e.fallback, TurnID: t.turnID})
	}
}

func (t *turn) prompt() generation.PromptContext {
	g := t.v.Graph()
	var instructions []generation.Instruction
	for _, a := range t.res.Active {
		if node, ok := g.Node(a.ID); ok && node.Action != "" {
			instructions = append(instructions, generation.Instruction{ID: a.ID, Action: node.Action})
		}
	}
	return generation.PromptContext{
		AgentID:      t.v.AgentID,
		SessionID:    t.sess.ID,
		Instructions: instructions,
		Journey:      journeyContext(t.v, t.sess.Journey),
		Glossary:     matchGlossary(t.v.Glossary(), t.sess.Tail(t.e.window)),
		Templates:    t.eligibleTemplates(),
		Transcript:   t.sess.Tail(t.e.window),
		ToolOutcomes: t.outcomes,
		Variables:    t.sess.Variables,
	}
}

// eligibleTemplates returns templates tied to an active guideline or whose
// condition matched, in declaration order.
func (t *turn) eligibleTemplates() []repository.Template {
	var out []repository.Template
	for _, tpl := range t.v.Templates() {
		eligible := tpl.Condition != "" && t.matched.Matched(templateKey(tpl.ID))
		for _, id := range tpl.Guidelines {
			if eligible {
				break
			}
			eligible = t.res.Has(id)
		}
		if eligible {
			out = append(out, tpl)
		}
	}
	return out
}

// markSatisfied records guidelines acted upon: by the reply, or by a tool
// that succeeded on their behalf.
func (t *turn) markSatisfied() {
	for _, id := range t.res.IDs() {
		if _, ok := t.v.Guideline(id); !ok {
			continue
		}
		acted := t.generated
		for _, o := range t.outcomes {
			if acted {
				break
			}
			acted = o.Status == tools.StatusSucceeded && slices.Contains(o.Sources, id)
		}
		if acted {
			t.sess.MarkSatisfied(id)
		}
	}
}

func (t *turn) result() *TurnResult {
	res := &TurnResult{
		SessionID:          t.sess.ID,
		TurnID:             t.turnID,
		AgentID:            t.v.AgentID,
		AgentVersion:       t.v.Number,
		Utterance:          t.utterance,
		NoAutoResponse:     t.skipped,
		Degraded:           t.degraded,
		Canceled:           t.canceled,
		GenerationError:    t.generationErr,
		ToolOutcomes:       t.outcomes,
		ControlMode:        t.sess.Mode,
		Journey:            t.trans,
		Active:             t.res.Active,
		Dropped:            t.res.Dropped,
		EvaluationFailures: len(t.matched.Failures),
	}
	if p := t.sess.Journey; p.State != journey.StateIdle {
		res.ActiveJourney = &p
	}
	return res
}

func (t *turn) record() audit.Record {
	rec := audit.Record{
		AgentID:      t.v.AgentID,
		AgentVersion: t.v.Number,
		SessionID:    t.sess.ID,
		TurnID:       t.turnID,
		EventKind:    string(t.ev.Kind),
		Resolution:   t.res,
		Journey:      t.trans,
		Tools:        t.outcomes,
		Mode:         string(t.sess.Mode),
		Degraded:     t.degraded,
		Utterance:    t.utterance,
		Error:        t.generationErr,
		StartedAt:    t.start,
	}
	for _, key := range t.matched.Keys() {
		m := t.matched.Matches[key]
		rec.Matched = append(rec.Matched, audit.Match{Key: key, Kind: string(m.Kind), Subject: m.Subject, Confidence: m.Confidence})
	}
	for _, f := range t.matched.Failures {
		rec.Failures = append(rec.Failures, f.Key)
	}
	return rec
}
