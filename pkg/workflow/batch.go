package workflow

import "context"

// BatchResult is the outcome for one request in a batch, in input
// order. Exactly one of Request or Err is set.
type BatchResult struct {
	RequestID string
	Request   *ApprovalRequest
	Intents   []NotifyIntent
	Err       error
}

// Coordinator applies one decision across many requests without letting
// one failure abort the rest. Items are independent records, so they
// are processed strictly in the order given.
type Coordinator struct {
	engine *Engine
}

// NewCoordinator creates a Coordinator over the given engine.
func NewCoordinator(engine *Engine) *Coordinator {
	return &Coordinator{engine: engine}
}

// ApplyBatch invokes Decide for each request ID and collects per-item
// outcomes. The result slice corresponds one-to-one with requestIDs.
// A cancelled context fails the remaining items with the context error
// rather than dropping them from the report.
func (c *Coordinator) ApplyBatch(ctx context.Context, actorID string, decision Decision, comment string, requestIDs []string) []BatchResult {
	results := make([]BatchResult, len(requestIDs))
	for i, id := range requestIDs {
		results[i].RequestID = id
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		req, intents, err := c.engine.Decide(ctx, id, actorID, decision, comment)
		if err != nil {
			results[i].Err = err
			continue
		}
		results[i].Request = req
		results[i].Intents = intents
	}
	return results
}
