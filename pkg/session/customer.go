// SPDX-License-Identifier: Apache-2.0

package session

import "context"

// CustomerStore keeps customer-scoped context variables. Values are shared
// by every session one customer has with one agent.
type CustomerStore interface {
	// LoadCustomer returns the stored variables; an unknown customer has none.
	LoadCustomer(ctx context.Context, agentID, customerID string) (map[string]any, error)
	// SaveCustomer merges vars into the stored variables.
	SaveCustomer(ctx context.Context, agentID, customerID string, vars map[string]any) error
}

type customerKey struct {
	agentID, customerID string
}
