package engine

import "context"

// Action is the request value flowing through a pipeline: one user action
// with its dedup fingerprint and decoded payload.
type Action struct {
	UserID      string
	Fingerprint string
	Payload     interface{}
}

// Stage is one check-then-effect step. A non-nil error stops the pipeline;
// stages must have no side effect when they reject.
type Stage func(ctx context.Context, a *Action) error

// Pipeline is an explicit ordered chain of stages. The caller composes it;
// there is no implicit interception.
type Pipeline []Stage

// Run executes the stages in order, stopping at the first rejection.
func (p Pipeline) Run(ctx context.Context, a *Action) error {
	for _, stage := range p {
		if err := stage(ctx, a); err != nil {
			return err
		}
	}
	return nil
}
