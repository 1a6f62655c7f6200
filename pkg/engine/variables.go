// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"log/slog"

	"github.com/Vusisean11/valiant/pkg/repository"
	"github.com/Vusisean11/valiant/pkg/session"
)

// WithCustomerStore sets where customer-scoped variables live. Defaults to
// the session store when it implements session.CustomerStore.
func WithCustomerStore(s session.CustomerStore) Option {
	return func(e *Engine) { e.customers = s }
}

// seedVariables fills the session's declared variables before the event's
// own updates are merged. Customer-scoped values recorded by any session of
// the same customer replace the session's copy; declared defaults only fill
// names still missing.
func (e *Engine) seedVariables(ctx context.Context, v *repository.Version, sess *session.Session) error {
	declared := v.Variables()
	if len(declared) == 0 {
		return nil
	}
	if sess.CustomerID != "" && hasScope(declared, repository.ScopeCustomer) {
		stored, err := e.customers.LoadCustomer(ctx, sess.AgentID, sess.CustomerID)
		if err != nil {
			return err
		}
		for _, vr := range declared {
			if val, ok := stored[vr.Name]; ok && vr.Scope == repository.ScopeCustomer {
				sess.Variables[vr.Name] = val
			}
		}
	}
	for _, vr := range declared {
		if _, ok := sess.Variables[vr.Name]; !ok && vr.Default != nil {
			sess.Variables[vr.Name] = vr.Default
		}
	}
	return nil
}

// customerUpdates picks the customer-scoped variables the event set.
func customerUpdates(v *repository.Version, sess *session.Session, ev Event) map[string]any {
	if sess.CustomerID == "" || len(ev.Variables) == 0 {
		return nil
	}
	var out map[string]any
	for _, vr := range v.Variables() {
		if vr.Scope != repository.ScopeCustomer {
			continue
		}
		if val, ok := ev.Variables[vr.Name]; ok {
			if out == nil {
				out = map[string]any{}
			}
			out[vr.Name] = val
		}
	}
	return out
}

// shareCustomerVariables writes the turn's customer-scoped updates after the
// session committed. A failure is logged; the session turn stands.
func (e *Engine) shareCustomerVariables(ctx context.Context, t *turn) {
	updates := customerUpdates(t.v, t.sess, t.ev)
	if len(updates) == 0 {
		return
	}
	if err := e.customers.SaveCustomer(ctx, t.sess.AgentID, t.sess.CustomerID, updates); err != nil {
		e.log.WarnContext(ctx, "engine.customer_variables.error",
			slog.String("session_id", t.sess.ID),
			slog.String("customer_id", t.sess.CustomerID),
			slog.String("error", err.Error()),
		)
	}
}

func hasScope(vars []repository.Variable, scope repository.VariableScope) bool {
	for _, vr := range vars {
		if vr.Scope == scope {
			return true
		}
	}
	return false
}
