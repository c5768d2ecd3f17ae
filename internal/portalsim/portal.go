// Package portalsim simulates the remote portal a batch run talks to: a form
// per step, a result page after each submission, and reloads that destroy
// the execution context. It backs the engine tests, the CLI dry-run mode
// and the sharded example.
package portalsim

import (
	"context"
	"fmt"
	"sync"

	"github.com/randalmurphal/batchrun/pkg/batchrun"
	"github.com/randalmurphal/batchrun/pkg/batchrun/outcome"
)

// Responder decides the result shown after the attempt-th submission
// (1-based) of step for itemID.
type Responder func(itemID, step string, attempt int) outcome.Result

// AlwaysSuccess answers every submission with a success.
func AlwaysSuccess(itemID, step string, _ int) outcome.Result {
	return outcome.Result{Kind: outcome.KindSuccess, Message: step + " ok for " + itemID}
}

type pageKind int

const (
	pageEntry pageKind = iota
	pageForm
	pageResult
)

// Submission is one submit that reached the portal.
type Submission struct {
	ItemID string
	Step   string
}

type stepKey struct {
	item string
	step string
}

// Portal is an in-memory portal. It implements batchrun.Form,
// batchrun.Classifier and batchrun.Page. Safe for concurrent use.
type Portal struct {
	mu sync.Mutex

	respond      Responder
	pendingPolls int

	page     pageKind
	prepared stepKey
	shown    outcome.Result
	pending  int
	reload   func()

	attempts    map[stepKey]int
	dropped     map[stepKey]int
	missing     map[stepKey]int
	submissions []Submission
	navigations []string
}

// Option configures a Portal.
type Option func(*Portal)

// WithResponder sets how submissions are answered. Default: AlwaysSuccess.
func WithResponder(r Responder) Option {
	return func(p *Portal) { p.respond = r }
}

// WithPendingPolls makes the result page report "not yet available" for the
// first n classifications after each submission.
func WithPendingPolls(n int) Option {
	return func(p *Portal) { p.pendingPolls = n }
}

// New creates a portal showing its entry page.
func New(opts ...Option) *Portal {
	p := &Portal{
		respond:  AlwaysSuccess,
		attempts: make(map[stepKey]int),
		dropped:  make(map[stepKey]int),
		missing:  make(map[stepKey]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DropSubmits makes the next n submissions of step for itemID silently do
// nothing, like a click on a disabled button.
func (p *Portal) DropSubmits(itemID, step string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropped[stepKey{itemID, step}] = n
}

// HideFields makes the next n Prepare calls for step of itemID report
// missing fields.
func (p *Portal) HideFields(itemID, step string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.missing[stepKey{itemID, step}] = n
}

// SetReload installs the function that destroys the current execution
// context. Submissions and navigations call it.
func (p *Portal) SetReload(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reload = fn
}

// Prepare implements batchrun.Form.
func (p *Portal) Prepare(ctx context.Context, itemID, step string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	k := stepKey{itemID, step}
	if p.missing[k] > 0 {
		p.missing[k]--
		return fmt.Errorf("prepare %s: %w", step, batchrun.ErrMissingFields)
	}
	p.page = pageForm
	p.prepared = k
	return nil
}

// Submit implements batchrun.Form. An accepted submission shows the result
// page and reloads.
func (p *Portal) Submit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.page != pageForm {
		p.mu.Unlock()
		return fmt.Errorf("submit: no form prepared")
	}
	k := p.prepared
	if p.dropped[k] > 0 {
		p.dropped[k]--
		p.mu.Unlock()
		return nil
	}

	p.attempts[k]++
	p.submissions = append(p.submissions, Submission{ItemID: k.item, Step: k.step})
	p.shown = p.respond(k.item, k.step, p.attempts[k])
	p.pending = p.pendingPolls
	p.page = pageResult
	reload := p.reload
	p.mu.Unlock()

	if reload != nil {
		reload()
	}
	return nil
}

// Classify implements batchrun.Classifier.
func (p *Portal) Classify(ctx context.Context) (outcome.Result, error) {
	if err := ctx.Err(); err != nil {
		return outcome.Result{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.page != pageResult {
		return outcome.Result{}, batchrun.ErrResultPending
	}
	if p.pending > 0 {
		p.pending--
		return outcome.Result{}, batchrun.ErrResultPending
	}
	return p.shown, nil
}

// OnResultPage implements batchrun.Page.
func (p *Portal) OnResultPage() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.page == pageResult
}

// Navigate implements batchrun.Page.
func (p *Portal) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	p.navigations = append(p.navigations, url)
	p.page = pageEntry
	reload := p.reload
	p.mu.Unlock()

	if reload != nil {
		reload()
	}
	return nil
}

// Submissions returns every accepted submission in order.
func (p *Portal) Submissions() []Submission {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Submission(nil), p.submissions...)
}

// Attempts returns how many submissions of step for itemID were accepted.
func (p *Portal) Attempts(itemID, step string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[stepKey{itemID, step}]
}

// Navigations returns every URL navigated to.
func (p *Portal) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

var (
	_ batchrun.Form       = (*Portal)(nil)
	_ batchrun.Classifier = (*Portal)(nil)
	_ batchrun.Page       = (*Portal)(nil)
)
