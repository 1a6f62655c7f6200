package engine

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Vusisean11/valiant/pkg/audit"
	"github.com/Vusisean11/valiant/pkg/core"
	"github.com/Vusisean11/valiant/pkg/errors"
	"github.com/Vusisean11/valiant/pkg/generation"
	"github.com/Vusisean11/valiant/pkg/journey"
	"github.com/Vusisean11/valiant/pkg/matcher"
	"github.com/Vusisean11/valiant/pkg/repository"
	"github.com/Vusisean11/valiant/pkg/session"
	"github.com/Vusisean11/valiant/pkg/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const bookstore = `
agent: bookstore
guidelines:
  - id: frustrated
    condition: the customer is frustrated or angry
    action: apologize and hand the conversation to a human agent
    tools:
      - tool: human_handoff
  - id: greet
    condition: the customer greets the agent
    action: greet the customer warmly
    once: true
  - id: clarify
    condition: the customer asks a question about a suggested book
    action: answer the question, then return to the recommendation
    journeys: [recommend_book]
    sustains: [recommend_book]
journeys:
  - id: recommend_book
    title: Recommend Book
    activation: [the customer wants a book recommendation]
    exit: [the customer no longer wants a recommendation]
    steps:
      - id: ask_preferences
        action: ask the customer about genre and favourite authors
        completion: the customer stated their preferences
      - id: recommend
        action: recommend a book from the catalogue
        tools:
          - tool: list_books
            condition: book data is needed
        completion: the customer picked a book
      - id: add_to_cart
        action: ask whether to add the book to the cart
        tools:
          - tool: add_to_cart
            condition: the customer wants the book added
  - id: track_order
    title: Track Order
    activation: [the customer asks about an existing order]
    steps:
      - id: ask_order_id
        action: ask for the order number
tools:
  - id: list_books
    arguments:
      - {name: genre, type: string, required: true}
    outputs: [books]
  - id: add_to_cart
    inputs: [books]
  - id: human_handoff
    directive: {kind: set_mode, mode: manual}
relationships:
  - {from: frustrated, to: recommend_book, type: prioritized_over}
variables:
  - {name: genre, scope: customer}
  - {name: tier, scope: customer, default: standard}
  - {name: cart_id, scope: session}
glossary:
  - term: Mystery
    description: crime and detective fiction
templates:
  - id: handoff
    text: Let me get a colleague for you.
    guidelines: [frustrated]
`

const (
	wantsBook   = "the customer wants a book recommendation"
	angry       = "the customer is frustrated or angry"
	statedPrefs = "the customer stated their preferences"
	needsData   = "book data is needed"
	noLonger    = "the customer no longer wants a recommendation"
	asksOrder   = "the customer asks about an existing order"
	asksAbout   = "the customer asks a question about a suggested book"
)

// recordingGenerator answers with the first instruction and keeps every prompt.
type recordingGenerator struct {
	mu      sync.Mutex
	prompts []generation.PromptContext
	fn      func(ctx context.Context, pc generation.PromptContext) (string, error)
}

func (g *recordingGenerator) Generate(ctx context.Context, pc generation.PromptContext) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, pc)
	g.mu.Unlock()
	if g.fn != nil {
		return g.fn(ctx, pc)
	}
	if len(pc.Instructions) == 0 {
		return "How can I help?", nil
	}
	return "reply: " + pc.Instructions[0].Action, nil
}

func (g *recordingGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

func (g *recordingGenerator) last() generation.PromptContext {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prompts[len(g.prompts)-1]
}

type fixture struct {
	engine    *Engine
	eval      *matcher.StaticEvaluator
	gen       *recordingGenerator
	store     *session.MemoryStore
	audit     *audit.MemoryStore
	events    <-chan core.Event
	listBooks atomic.Int32
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	def, err := repository.ParseYAML([]byte(bookstore))
	require.NoError(t, err)
	repos := repository.NewRegistry()
	_, err = repos.Publish(*def)
	require.NoError(t, err)

	f := &fixture{
		eval:  matcher.NewStaticEvaluator(),
		gen:   &recordingGenerator{},
		store: session.NewMemoryStore(),
		audit: audit.NewMemoryStore(),
	}
	registry := tools.NewRegistry()
	registry.Register("list_books", tools.CapabilityFunc(func(_ context.Context, call tools.Call) (tools.Result, error) {
		f.listBooks.Add(1)
		return tools.Result{Payload: []string{call.Arguments["genre"].(string) + ": The Hound of the Baskervilles"}}, nil
	}))

	broadcaster := core.NewBroadcaster(64)
	events, unsubscribe := broadcaster.Subscribe()
	t.Cleanup(unsubscribe)
	f.events = events

	base := []Option{
		WithStore(f.store),
		WithGenerator(generation.NewResilient(f.gen, generation.WithRetry(2, time.Millisecond, time.Millisecond))),
		WithAudit(f.audit),
		WithEmitter(broadcaster),
		WithStallTurns(5),
	}
	f.engine = New(repos, matcher.New(f.eval), tools.New(registry), append(base, opts...)...)
	return f
}

func (f *fixture) drain() []core.EventType {
	var out []core.EventType
	for {
		select {
		case ev := <-f.events:
			out = append(out, ev.Type)
		default:
			return out
		}
	}
}

func firstMessage(text string) Event {
	ev := Message(text)
	ev.AgentID = "bookstore"
	ev.CustomerID = "alice"
	return ev
}

func activeIDs(res *TurnResult) []string {
	ids := make([]string, len(res.Active))
	for i, a := range res.Active {
		ids[i] = a.ID
	}
	return ids
}

func TestBookstoreHandoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.eval.Match(wantsBook)
	res, err := f.engine.HandleEvent(ctx, "s1", firstMessage("I'm looking for a mystery novel."))
	require.NoError(t, err)
	assert.Equal(t, journey.TransitionActivated, res.Journey.Kind)
	require.NotNil(t, res.ActiveJourney)
	assert.Equal(t, "recommend_book", res.ActiveJourney.JourneyID)
	assert.Equal(t, "ask_preferences", res.ActiveJourney.StepID)
	assert.Equal(t, []string{"recommend_book/ask_preferences"}, activeIDs(res))
	assert.Empty(t, res.ToolOutcomes)
	assert.Equal(t, session.ModeAuto, res.ControlMode)
	assert.Equal(t, "reply: ask the customer about genre and favourite authors", res.Utterance)
	prompt := f.gen.last()
	require.Len(t, prompt.Glossary, 1)
	assert.Equal(t, "Mystery", prompt.Glossary[0].Term)
	assert.Contains(t, f.drain(), core.EventJourneyChanged)

	f.eval.Unmatch(wantsBook).Match(angry)
	res, err = f.engine.HandleEvent(ctx, "s1", Message("This is ridiculous, I've waited forever!"))
	require.NoError(t, err)
	assert.Equal(t, []string{"frustrated", "recommend_book/ask_preferences"}, activeIDs(res))
	require.Len(t, res.ToolOutcomes, 1)
	handoff := res.ToolOutcomes[0]
	assert.Equal(t, "human_handoff", handoff.ToolID)
	assert.Equal(t, tools.StatusSucceeded, handoff.Status)
	assert.Equal(t, session.ModeManual, res.ControlMode)
	assert.True(t, res.NoAutoResponse)
	assert.Empty(t, res.Utterance)
	assert.Equal(t, 1, f.gen.calls())
	emitted := f.drain()
	assert.Contains(t, emitted, core.EventModeChanged)
	assert.Contains(t, emitted, core.EventToolOutcome)

	f.eval.Unmatch(angry)
	res, err = f.engine.HandleEvent(ctx, "s1", Message("Hello? Anyone?"))
	require.NoError(t, err)
	assert.True(t, res.NoAutoResponse)
	assert.Equal(t, 1, f.gen.calls(), "manual mode never calls generation")

	res, err = f.engine.HandleEvent(ctx, "s1", Control(repository.Directive{Kind: repository.DirectiveSetMode, Mode: "auto"}))
	require.NoError(t, err)
	assert.Equal(t, session.ModeAuto, res.ControlMode)
	assert.True(t, res.NoAutoResponse)
	assert.Equal(t, 1, f.gen.calls())

	res, err = f.engine.HandleEvent(ctx, "s1", Message("Sorry, still want that book."))
	require.NoError(t, err)
	assert.False(t, res.NoAutoResponse)
	assert.NotEmpty(t, res.Utterance)
	assert.Equal(t, 2, f.gen.calls())

	committed, err := f.engine.Session(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), committed.Version)
	sources := make([]string, len(committed.Transcript))
	for i, m := range committed.Transcript {
		sources[i] = m.Source
	}
	assert.Equal(t, []string{"customer", "agent", "customer", "customer", "customer", "agent"}, sources)
	assert.Equal(t, "alice", committed.CustomerID)

	records, err := f.audit.List(ctx, audit.Filter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, "control", records[3].EventKind)
	assert.Equal(t, "manual", records[1].Mode)
}

func TestStepAdvanceInvokesStepTools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.eval.Match(wantsBook)
	_, err := f.engine.HandleEvent(ctx, "s1", firstMessage("Recommend me something"))
	require.NoError(t, err)

	f.eval.Unmatch(wantsBook).Match(statedPrefs, needsData)
	ev := Message("I love mysteries")
	ev.Variables = map[string]any{"genre": "mystery"}
	res, err := f.engine.HandleEvent(ctx, "s1", ev)
	require.NoError(t, err)

	assert.Equal(t, journey.TransitionAdvanced, res.Journey.Kind)
	assert.Equal(t, "recommend", res.ActiveJourney.StepID)
	assert.Equal(t, []string{"recommend_book/recommend"}, activeIDs(res))
	require.Len(t, res.ToolOutcomes, 1)
	assert.Equal(t, "list_books", res.ToolOutcomes[0].ToolID)
	assert.Equal(t, tools.StatusSucceeded, res.ToolOutcomes[0].Status)
	assert.Equal(t, int32(1), f.listBooks.Load())
	require.Len(t, f.gen.last().ToolOutcomes, 1)

	committed, err := f.engine.Session(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "mystery", committed.Variables["genre"])
}

func TestStalledJourneyIsAbandoned(t *testing.T) {
	f := newFixture(t, WithStallTurns(1))
	ctx := context.Background()

	f.eval.Match(wantsBook)
	_, err := f.engine.HandleEvent(ctx, "s1", firstMessage("Recommend me something"))
	require.NoError(t, err)
	f.eval.Unmatch(wantsBook)

	res, err := f.engine.HandleEvent(ctx, "s1", Message("what's the weather"))
	require.NoError(t, err)
	require.NotNil(t, res.ActiveJourney)
	assert.Equal(t, 1, res.ActiveJourney.Stall)

	res, err = f.engine.HandleEvent(ctx, "s1", Message("and tomorrow?"))
	require.NoError(t, err)
	assert.Equal(t, journey.TransitionStalled, res.Journey.Kind)
	assert.Nil(t, res.ActiveJourney)
	assert.Empty(t, res.Active)
}

func TestRestartJourneyDirective(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.HandleEvent(ctx, "s1", firstMessage("hi"))
	require.NoError(t, err)
	assert.Nil(t, res.ActiveJourney)

	_, err = f.engine.HandleEvent(ctx, "s1", Control(repository.Directive{Kind: repository.DirectiveRestartJourney}))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidInput))

	f.eval.Match(wantsBook)
	_, err = f.engine.HandleEvent(ctx, "s1", Message("Recommend me something"))
	require.NoError(t, err)
	f.eval.Unmatch(wantsBook).Match(statedPrefs)
	res, err = f.engine.HandleEvent(ctx, "s1", Message("Thrillers"))
	require.NoError(t, err)
	require.Equal(t, 1, res.ActiveJourney.Step)

	res, err = f.engine.HandleEvent(ctx, "s1", Control(repository.Directive{Kind: repository.DirectiveRestartJourney}))
	require.NoError(t, err)
	assert.Equal(t, journey.TransitionRestarted, res.Journey.Kind)
	assert.Equal(t, 0, res.ActiveJourney.Step)
	assert.Equal(t, "ask_preferences", res.ActiveJourney.StepID)
}

func TestGenerationFailureDegrades(t *testing.T) {
	f := newFixture(t, WithFallback("Sorry, give me a moment."))
	f.gen.fn = func(context.Context, generation.PromptContext) (string, error) {
		return "", stderrors.New("model offline")
	}

	res, err := f.engine.HandleEvent(context.Background(), "s1", firstMessage("hello"))
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, "Sorry, give me a moment.", res.Utterance)
	assert.Contains(t, res.GenerationError, "model offline")
	assert.Equal(t, 2, f.gen.calls())
	assert.Contains(t, f.drain(), core.EventGenerationDegraded)
}

func TestEvaluationFailureFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.eval.Fail(angry, stderrors.New("evaluator overloaded"))

	res, err := f.engine.HandleEvent(context.Background(), "s1", firstMessage("this is awful"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.EvaluationFailures)
	assert.NotContains(t, activeIDs(res), "frustrated")
	assert.Empty(t, res.ToolOutcomes)
	assert.Equal(t, session.ModeAuto, res.ControlMode)
}

func TestOnceGuidelineIsSuppressed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.eval.Match("the customer greets the agent")

	res, err := f.engine.HandleEvent(ctx, "s1", firstMessage("hello"))
	require.NoError(t, err)
	assert.Equal(t, []string{"greet"}, activeIDs(res))

	res, err = f.engine.HandleEvent(ctx, "s1", Message("hello again"))
	require.NoError(t, err)
	assert.Empty(t, res.Active)
}

func TestInvalidEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.HandleEvent(ctx, "s1", Message("no agent"))
	assert.True(t, errors.IsCode(err, errors.CodeInvalidInput))

	ev := Message("hi")
	ev.AgentID = "unknown"
	_, err = f.engine.HandleEvent(ctx, "s1", ev)
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))

	_, err = f.engine.HandleEvent(ctx, "s1", Event{Kind: EventMessage, AgentID: "bookstore"})
	assert.True(t, errors.IsCode(err, errors.CodeInvalidInput))

	_, err = f.engine.HandleEvent(ctx, "s1", Control(repository.Directive{Kind: repository.DirectiveSetMode, Mode: "sleepy"}))
	assert.True(t, errors.IsCode(err, errors.CodeInvalidInput))

	_, err = f.engine.HandleEvent(ctx, "", firstMessage("hi"))
	assert.True(t, errors.IsCode(err, errors.CodeInvalidInput))
}

// failingStore refuses every Save.
type failingStore struct {
	*session.MemoryStore
}

func (failingStore) Save(context.Context, *session.Session) error {
	return errors.New(errors.CodeStorage, "disk full", nil)
}

func TestFailedSaveKeepsCommittedState(t *testing.T) {
	store := failingStore{session.NewMemoryStore()}
	f := newFixture(t, WithStore(store))
	f.eval.Match(wantsBook)

	_, err := f.engine.HandleEvent(context.Background(), "s1", firstMessage("Recommend me something"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeStorage))

	committed, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, committed.Transcript)
	assert.False(t, committed.Journey.Active())
	records, _ := f.audit.List(context.Background(), audit.Filter{})
	assert.Empty(t, records)
}

func TestEventsOfOneSessionAreQueued(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	unblock := make(chan struct{})
	var first atomic.Bool
	f.gen.fn = func(_ context.Context, pc generation.PromptContext) (string, error) {
		if first.CompareAndSwap(false, true) {
			close(started)
			<-unblock
		}
		return "ack " + pc.Transcript[len(pc.Transcript)-1].Text, nil
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := f.engine.HandleEvent(context.Background(), "s1", firstMessage("one"))
		assert.NoError(t, err)
	}()
	<-started
	go func() {
		defer wg.Done()
		_, err := f.engine.HandleEvent(context.Background(), "s1", Message("two"))
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool { return f.engine.Pending("s1") == 1 }, time.Second, time.Millisecond)

	// Other sessions are not blocked.
	_, err := f.engine.HandleEvent(context.Background(), "s2", firstMessage("elsewhere"))
	require.NoError(t, err)

	close(unblock)
	wg.Wait()

	committed, err := f.engine.Session(context.Background(), "s1")
	require.NoError(t, err)
	texts := make([]string, len(committed.Transcript))
	for i, m := range committed.Transcript {
		texts[i] = m.Text
	}
	assert.Equal(t, []string{"one", "ack one", "two", "ack two"}, texts)
}

func TestCancelGenerationKeepsToolOutcomes(t *testing.T) {
	f := newFixture(t)
	f.eval.Match(angry)
	generating := make(chan struct{})
	f.gen.fn = func(ctx context.Context, _ generation.PromptContext) (string, error) {
		close(generating)
		<-ctx.Done()
		return "", ctx.Err()
	}
	// Keep the session in auto mode so generation runs after the handoff tool.
	def, err := repository.ParseYAML([]byte(bookstore))
	require.NoError(t, err)
	for i := range def.Tools {
		if def.Tools[i].ID == "human_handoff" {
			def.Tools[i].Directive = nil
		}
	}
	repos := repository.NewRegistry()
	_, err = repos.Publish(*def)
	require.NoError(t, err)
	registry := tools.NewRegistry()
	var handoffs atomic.Int32
	registry.Register("human_handoff", tools.CapabilityFunc(func(context.Context, tools.Call) (tools.Result, error) {
		handoffs.Add(1)
		return tools.Result{Payload: "ticket-42"}, nil
	}))
	e := New(repos, matcher.New(f.eval), tools.New(registry),
		WithGenerator(generation.NewResilient(f.gen, generation.WithRetry(3, time.Millisecond, time.Millisecond))),
	)

	done := make(chan *TurnResult, 1)
	go func() {
		res, err := e.HandleEvent(context.Background(), "s1", firstMessage("this is ridiculous"))
		assert.NoError(t, err)
		done <- res
	}()
	<-generating
	require.True(t, e.CancelGeneration("s1"))

	res := <-done
	assert.True(t, res.Canceled)
	assert.False(t, res.Degraded)
	assert.Empty(t, res.Utterance)
	require.Len(t, res.ToolOutcomes, 1)
	assert.Equal(t, tools.StatusSucceeded, res.ToolOutcomes[0].Status)
	assert.Equal(t, int32(1), handoffs.Load())
	assert.Equal(t, 1, f.gen.calls(), "canceled generation is not retried")

	committed, err := e.Session(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, committed.Transcript, 1)
	assert.False(t, e.CancelGeneration("s1"))
}

func TestMatchGlossary(t *testing.T) {
	terms := []repository.GlossaryTerm{
		{Term: "Mystery", Synonyms: []string{"whodunit"}},
		{Term: "Sci-Fi"},
		{Term: "art"},
	}
	got := matchGlossary(terms, []matcher.Utterance{
		{Source: matcher.SourceCustomer, Text: "Any good WHODUNIT or sci-fi?"},
		{Source: matcher.SourceAgent, Text: "We have art books"},
		{Source: matcher.SourceCustomer, Text: "Something smart"},
	})
	names := make([]string, len(got))
	for i, g := range got {
		names[i] = g.Term
	}
	assert.Equal(t, []string{"Mystery", "Sci-Fi"}, names)
}

func TestJourneySwitchInOneTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.eval.Match(wantsBook)
	_, err := f.engine.HandleEvent(ctx, "s1", firstMessage("Recommend me something"))
	require.NoError(t, err)

	f.eval.Unmatch(wantsBook).Match(noLonger, asksOrder)
	res, err := f.engine.HandleEvent(ctx, "s1", Message("Forget it, where is my order?"))
	require.NoError(t, err)
	assert.Equal(t, journey.TransitionSwitched, res.Journey.Kind)
	assert.Equal(t, "recommend_book", res.Journey.From.JourneyID)
	require.NotNil(t, res.ActiveJourney)
	assert.Equal(t, "track_order", res.ActiveJourney.JourneyID)
	assert.Equal(t, "ask_order_id", res.ActiveJourney.StepID)
	assert.Equal(t, []string{"track_order/ask_order_id"}, activeIDs(res))
	assert.Equal(t, "reply: ask for the order number", res.Utterance)

	committed, err := f.engine.Session(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "track_order", committed.Journey.JourneyID)
}

func TestJourneyExitWithoutOtherActivationGoesIdle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.eval.Match(wantsBook)
	_, err := f.engine.HandleEvent(ctx, "s1", firstMessage("Recommend me something"))
	require.NoError(t, err)

	f.eval.Unmatch(wantsBook).Match(noLonger)
	res, err := f.engine.HandleEvent(ctx, "s1", Message("Never mind"))
	require.NoError(t, err)
	assert.Equal(t, journey.TransitionExited, res.Journey.Kind)
	assert.Nil(t, res.ActiveJourney)
}

func TestSustainingGuidelinePreventsStall(t *testing.T) {
	f := newFixture(t, WithStallTurns(1))
	ctx := context.Background()

	f.eval.Match(wantsBook)
	_, err := f.engine.HandleEvent(ctx, "s1", firstMessage("Recommend me something"))
	require.NoError(t, err)

	f.eval.Unmatch(wantsBook).Match(asksAbout)
	for _, text := range []string{"Is that one long?", "Who wrote it?", "Is it a series?"} {
		res, err := f.engine.HandleEvent(ctx, "s1", Message(text))
		require.NoError(t, err)
		assert.Equal(t, journey.TransitionNone, res.Journey.Kind)
		require.NotNil(t, res.ActiveJourney, text)
		assert.Equal(t, 0, res.ActiveJourney.Stall)
		assert.Contains(t, activeIDs(res), "clarify")
	}

	f.eval.Unmatch(asksAbout)
	res, err := f.engine.HandleEvent(ctx, "s1", Message("what's the weather"))
	require.NoError(t, err)
	require.NotNil(t, res.ActiveJourney)
	assert.Equal(t, 1, res.ActiveJourney.Stall)

	res, err = f.engine.HandleEvent(ctx, "s1", Message("and tomorrow?"))
	require.NoError(t, err)
	assert.Equal(t, journey.TransitionStalled, res.Journey.Kind)
	assert.Nil(t, res.ActiveJourney)
}

func TestCustomerVariablesAreShared(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := firstMessage("I like mysteries")
	ev.Variables = map[string]any{"genre": "mystery", "cart_id": "c-1"}
	_, err := f.engine.HandleEvent(ctx, "s1", ev)
	require.NoError(t, err)

	_, err = f.engine.HandleEvent(ctx, "s2", firstMessage("hello again"))
	require.NoError(t, err)
	prompt := f.gen.last()
	assert.Equal(t, "mystery", prompt.Variables["genre"])

	bob := Message("hi")
	bob.AgentID = "bookstore"
	bob.CustomerID = "bob"
	_, err = f.engine.HandleEvent(ctx, "s3", bob)
	require.NoError(t, err)

	s2, err := f.engine.Session(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"genre": "mystery", "tier": "standard"}, s2.Variables)

	s3, err := f.engine.Session(ctx, "s3")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tier": "standard"}, s3.Variables)

	// A later update from s2 reaches s1 on its next turn.
	update := Message("actually, science fiction")
	update.Variables = map[string]any{"genre": "sci-fi"}
	_, err = f.engine.HandleEvent(ctx, "s2", update)
	require.NoError(t, err)
	_, err = f.engine.HandleEvent(ctx, "s1", Message("anything new?"))
	require.NoError(t, err)
	s1, err := f.engine.Session(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "sci-fi", s1.Variables["genre"])
	assert.Equal(t, "c-1", s1.Variables["cart_id"])

	stored, err := f.store.LoadCustomer(ctx, "bookstore", "alice")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"genre": "sci-fi"}, stored)
}

func TestDirectivesAreFoldedOnce(t *testing.T) {
	f := newFixture(t)
	v, err := f.engine.repos.Current("bookstore")
	require.NoError(t, err)
	tr := &turn{
		e:    f.engine,
		v:    v,
		sess: session.New("s1", "bookstore", "alice"),
		outcomes: []tools.Outcome{{
			ToolID:    "human_handoff",
			Status:    tools.StatusSucceeded,
			Directive: &repository.Directive{Kind: repository.DirectiveSetMode, Mode: "manual"},
		}},
	}
	ctx := context.Background()

	assert.False(t, tr.applyDirectives(ctx))
	assert.Equal(t, session.ModeManual, tr.sess.Mode)

	tr.sess.Mode = session.ModeAuto
	tr.outcomes = append(tr.outcomes, tools.Outcome{ToolID: "list_books", Status: tools.StatusSucceeded})
	assert.False(t, tr.applyDirectives(ctx))
	assert.Equal(t, session.ModeAuto, tr.sess.Mode, "earlier directives are not applied again")
}
