package batchrun

import (
	"context"

	"github.com/randalmurphal/batchrun/pkg/batchrun/outcome"
)

// Form fills and submits the form for one step of one item.
type Form interface {
	// Prepare fills the form for step on itemID. It returns an error
	// wrapping ErrMissingFields when the page lacks the required fields.
	Prepare(ctx context.Context, itemID, step string) error

	// Submit sends the prepared form. A successful submission usually
	// destroys the execution context, which cancels ctx.
	Submit(ctx context.Context) error
}

// Classifier inspects the page after a submission.
type Classifier interface {
	// Classify returns the outcome shown on the current page, or an error
	// wrapping ErrResultPending while it is not yet visible.
	Classify(ctx context.Context) (outcome.Result, error)
}

// Page answers where the execution context currently is and can move it.
type Page interface {
	// OnResultPage reports whether the page shows the result of a submission.
	OnResultPage() bool

	// Navigate forces a hard navigation to url. It usually destroys the
	// execution context.
	Navigate(ctx context.Context, url string) error
}
