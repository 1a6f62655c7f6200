package tools

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

	"github.com/Vusisean11/valiant/pkg/errors"
	"github.com/Vusisean11/valiant/pkg/governance"
	"github.com/Vusisean11/valiant/pkg/repository"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func shopVersion(t *testing.T) *repository.Version {
	t.Helper()
	v, err := repository.Compile(repository.Definition{
		Agent: "shop",
		Guidelines: []repository.Guideline{
			{ID: "g1", Condition: "c", Action: "a", Tools: []repository.ToolAttachment{{Tool: "list_books"}}},
		},
		Tools: []repository.Tool{
			{ID: "list_books", Arguments: []repository.Argument{{Name: "genre", Type: "string", Required: true}}, Outputs: []string{"books"}},
			{ID: "add_to_cart", Inputs: []string{"books"}, Arguments: []repository.Argument{{Name: "quantity", Type: "integer"}}},
			{ID: "lookup_order", Arguments: []repository.Argument{{Name: "order_id", Required: true}}},
			{ID: "slow", Timeout: 20 * time.Millisecond},
			{ID: "human_handoff", Directive: &repository.Directive{Kind: repository.DirectiveSetMode, Mode: "manual"}},
			{ID: "notify"},
		},
	})
	require.NoError(t, err)
	return v
}

func request(v *repository.Version, turn string, atts ...Attachment) Request {
	return Request{AgentID: "shop", SessionID: "s1", TurnID: turn, Version: v, Attachments: atts}
}

func TestInvokeSequencesDataDependencies(t *testing.T) {
	v := shopVersion(t)
	reg := NewRegistry()
	var order []string
	var mu sync.Mutex
	record := func(id string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, id)
	}
	reg.Register("list_books", CapabilityFunc(func(_ context.Context, c Call) (Result, error) {
		record("list_books")
		assert.Equal(t, "mystery", c.Arguments["genre"])
		return Result{Payload: []string{"The Hound of the Baskervilles"}}, nil
	}))
	reg.Register("add_to_cart", CapabilityFunc(func(_ context.Context, c Call) (Result, error) {
		record("add_to_cart")
		assert.Equal(t, []string{"The Hound of the Baskervilles"}, c.Inputs["books"])
		return Result{Payload: "added"}, nil
	}))

	req := request(v, "t1",
		Attachment{Source: "recommend_book/add_to_cart", Tool: "add_to_cart"},
		Attachment{Source: "recommend_book/recommend", Tool: "list_books"},
	)
	req.Variables = map[string]any{"genre": "mystery"}
	outcomes := New(reg).Invoke(context.Background(), req)

	require.Len(t, outcomes, 2)
	assert.Equal(t, "add_to_cart", outcomes[0].ToolID, "outcomes keep request order")
	assert.Equal(t, StatusSucceeded, outcomes[0].Status)
	assert.Equal(t, StatusSucceeded, outcomes[1].Status)
	assert.Equal(t, []string{"list_books", "add_to_cart"}, order)
	assert.Equal(t, map[string]any{"books": []string{"The Hound of the Baskervilles"}}, outcomes[1].Outputs)
}

func TestInvokeUpstreamFailureSkipsDownstream(t *testing.T) {
	v := shopVersion(t)
	reg := NewRegistry()
	var cartCalls atomic.Int32
	reg.Register("list_books", CapabilityFunc(func(context.Context, Call) (Result, error) {
		return Result{}, stderrors.New("catalogue offline")
	}))
	reg.Register("add_to_cart", CapabilityFunc(func(context.Context, Call) (Result, error) {
		cartCalls.Add(1)
		return Result{}, nil
	}))
	req := request(v, "t1",
		Attachment{Source: "a", Tool: "list_books"},
		Attachment{Source: "b", Tool: "add_to_cart"},
	)
	req.Metadata = map[string]any{"genre": "poetry"}
	outcomes := New(reg).Invoke(context.Background(), req)

	require.Len(t, outcomes, 2)
	assert.Equal(t, StatusFailed, outcomes[0].Status)
	assert.True(t, errors.IsCode(outcomes[0].Err, errors.CodeToolFailure))
	assert.Contains(t, outcomes[0].Error, "catalogue offline")
	assert.Equal(t, StatusFailed, outcomes[1].Status)
	assert.Contains(t, outcomes[1].Error, "upstream")
	assert.Zero(t, cartCalls.Load())
}

func TestInvokeFailureDoesNotCancelSiblings(t *testing.T) {
	v := shopVersion(t)
	reg := NewRegistry()
	reg.Register("notify", CapabilityFunc(func(ctx context.Context, _ Call) (Result, error) {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(30 * time.Millisecond):
			return Result{Payload: "sent"}, nil
		}
	}))
	reg.Register("lookup_order", CapabilityFunc(func(context.Context, Call) (Result, error) {
		panic("driver bug")
	}))
	req := request(v, "t1",
		Attachment{Source: "a", Tool: "lookup_order"},
		Attachment{Source: "b", Tool: "notify"},
	)
	req.Variables = map[string]any{"order_id": "A-17"}
	outcomes := New(reg).Invoke(context.Background(), req)

	require.Len(t, outcomes, 2)
	assert.Equal(t, StatusFailed, outcomes[0].Status)
	assert.Contains(t, outcomes[0].Error, "driver bug")
	assert.Equal(t, StatusSucceeded, outcomes[1].Status)
	assert.Equal(t, "sent", outcomes[1].Payload)
}

func TestInvokeAtMostOncePerTurn(t *testing.T) {
	v := shopVersion(t)
	reg := NewRegistry()
	var calls atomic.Int32
	reg.Register("notify", CapabilityFunc(func(context.Context, Call) (Result, error) {
		calls.Add(1)
		return Result{}, nil
	}))
	o := New(reg)

	outcomes := o.Invoke(context.Background(), request(v, "t1",
		Attachment{Source: "g1", Tool: "notify"},
		Attachment{Source: "g2", Tool: "notify"},
		Attachment{Source: "g1", Tool: "notify"},
	))
	require.Len(t, outcomes, 1)
	assert.Equal(t, []string{"g1", "g2"}, outcomes[0].Sources)

	again := o.Invoke(context.Background(), request(v, "t1", Attachment{Source: "g3", Tool: "notify"}))
	require.Len(t, again, 1)
	assert.Equal(t, StatusSkipped, again[0].Status)

	o.Invoke(context.Background(), request(v, "t2", Attachment{Source: "g1", Tool: "notify"}))
	assert.EqualValues(t, 2, calls.Load(), "a new turn may invoke the tool again")

	o.Ledger().Forget("s1", "t1")
	o.Ledger().Forget("s1", "t2")
	assert.Zero(t, o.Ledger().Turns())
}

func TestInvokeConditions(t *testing.T) {
	v := shopVersion(t)
	reg := NewRegistry()
	reg.Register("notify", CapabilityFunc(func(context.Context, Call) (Result, error) { return Result{}, nil }))
	var asked []string
	req := request(v, "t1",
		Attachment{Source: "a", Tool: "notify", Condition: "the customer wants updates"},
		Attachment{Source: "b", Tool: "human_handoff", Condition: "the customer is angry"},
	)
	req.Conditions = func(_ context.Context, conds []string) map[string]bool {
		asked = conds
		return map[string]bool{"the customer is angry": true}
	}
	outcomes := New(reg).Invoke(context.Background(), req)

	assert.Equal(t, []string{"the customer wants updates", "the customer is angry"}, asked)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "human_handoff", outcomes[0].ToolID)
	assert.Equal(t, StatusSucceeded, outcomes[0].Status)
	require.NotNil(t, outcomes[0].Directive)
	assert.Equal(t, "manual", outcomes[0].Directive.Mode)
}

func TestInvokeArgumentValidation(t *testing.T) {
	v := shopVersion(t)
	reg := NewRegistry()
	var calls atomic.Int32
	reg.Register("lookup_order", CapabilityFunc(func(context.Context, Call) (Result, error) {
		calls.Add(1)
		return Result{}, nil
	}))
	reg.Register("add_to_cart", CapabilityFunc(func(context.Context, Call) (Result, error) {
		calls.Add(1)
		return Result{}, nil
	}))

	outcomes := New(reg).Invoke(context.Background(), request(v, "t1", Attachment{Source: "a", Tool: "lookup_order"}))
	require.Len(t, outcomes, 1)
	assert.Equal(t, StatusFailed, outcomes[0].Status)
	assert.True(t, errors.IsCode(outcomes[0].Err, errors.CodeInvalidInput))

	req := request(v, "t2", Attachment{Source: "a", Tool: "add_to_cart"})
	req.Variables = map[string]any{"quantity": 1.5}
	outcomes = New(reg).Invoke(context.Background(), req)
	assert.Equal(t, StatusFailed, outcomes[0].Status)
	assert.Contains(t, outcomes[0].Error, "wrong type")

	req.TurnID = "t3"
	req.Variables = map[string]any{"quantity": float64(2)}
	outcomes = New(reg).Invoke(context.Background(), req)
	assert.Equal(t, StatusSucceeded, outcomes[0].Status)
	assert.EqualValues(t, 1, calls.Load())
}

func TestInvokeTimeout(t *testing.T) {
	v := shopVersion(t)
	reg := NewRegistry()
	reg.Register("slow", CapabilityFunc(func(ctx context.Context, _ Call) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}))
	outcomes := New(reg, WithTimeout(time.Minute)).Invoke(context.Background(), request(v, "t1", Attachment{Source: "a", Tool: "slow"}))
	require.Len(t, outcomes, 1)
	assert.Equal(t, StatusFailed, outcomes[0].Status)
	assert.True(t, errors.IsCode(outcomes[0].Err, errors.CodeTimeout), "the tool's own timeout applies")
}

func TestInvokeGovernanceAndMissingCapability(t *testing.T) {
	v := shopVersion(t)
	reg := NewRegistry()
	var calls atomic.Int32
	reg.Register("notify", CapabilityFunc(func(context.Context, Call) (Result, error) {
		calls.Add(1)
		return Result{}, nil
	}))
	filter := governance.NewToolFilter(governance.WithDenylist([]string{"noti*"}))
	outcomes := New(reg, WithFilter(filter)).Invoke(context.Background(), request(v, "t1",
		Attachment{Source: "a", Tool: "notify"},
		Attachment{Source: "a", Tool: "lookup_order"},
		Attachment{Source: "a", Tool: "unknown"},
	))
	require.Len(t, outcomes, 2)
	assert.Equal(t, StatusSkipped, outcomes[0].Status)
	assert.Equal(t, "tool is in denylist", outcomes[0].Error)
	assert.Zero(t, calls.Load())
	assert.Equal(t, StatusFailed, outcomes[1].Status)
	assert.Contains(t, outcomes[1].Error, "no capability")
}

func TestInvokeRunsIndependentToolsConcurrently(t *testing.T) {
	v := shopVersion(t)
	reg := NewRegistry()
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	block := CapabilityFunc(func(context.Context, Call) (Result, error) {
		started.Done()
		<-release
		return Result{}, nil
	})
	reg.Register("notify", block)
	reg.Register("lookup_order", block)

	done := make(chan []Outcome, 1)
	go func() {
		req := request(v, "t1", Attachment{Source: "a", Tool: "notify"}, Attachment{Source: "b", Tool: "lookup_order"})
		req.Variables = map[string]any{"order_id": "A-1"}
		done <- New(reg).Invoke(context.Background(), req)
	}()
	started.Wait() // both running at once, or this blocks forever
	close(release)
	outcomes := <-done
	assert.Len(t, outcomes, 2)
}
