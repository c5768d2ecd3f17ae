package portalsim

import (
	"context"
	"errors"
	"fmt"

	"github.com/randalmurphal/batchrun/pkg/batchrun"
	"github.com/randalmurphal/batchrun/pkg/batchrun/session"
)

// DefaultMaxLoads bounds Run against engines that never settle.
const DefaultMaxLoads = 100000

// ErrTooManyLoads is returned by Run when MaxLoads contexts were used up.
var ErrTooManyLoads = errors.New("portalsim: too many loads")

// EngineFactory builds the engine of one execution context.
type EngineFactory func(binder session.Binder) (*batchrun.Engine, error)

// Host plays the browser tab: it owns the volatile session binding and
// creates a fresh execution context, with a fresh engine, for every load.
type Host struct {
	Portal   *Portal
	MaxLoads int

	factory EngineFactory
	binder  session.Binder
	loads   int
}

// NewHost creates a host for portal.
func NewHost(portal *Portal, factory EngineFactory) *Host {
	return &Host{
		Portal:   portal,
		MaxLoads: DefaultMaxLoads,
		factory:  factory,
		binder:   session.NewMemoryBinder(),
	}
}

// Binder returns the tab's current session binding.
func (h *Host) Binder() session.Binder { return h.binder }

// Loads returns how many execution contexts were created.
func (h *Host) Loads() int { return h.loads }

// Restart loses the volatile binding, as closing and reopening the browser.
func (h *Host) Restart() {
	h.binder = session.NewMemoryBinder()
}

// Load runs fn in one fresh execution context. The portal destroys the
// context on submission or navigation.
func (h *Host) Load(ctx context.Context, fn func(context.Context, *batchrun.Engine) (batchrun.Status, error)) (batchrun.Status, error) {
	eng, err := h.factory(h.binder)
	if err != nil {
		return batchrun.StatusIdle, fmt.Errorf("build engine: %w", err)
	}
	loadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.loads++
	h.Portal.SetReload(cancel)
	defer h.Portal.SetReload(nil)
	return fn(loadCtx, eng)
}

// Run calls first in a fresh context, then keeps loading new contexts with
// OnLoad for as long as the engine detaches or navigates.
func (h *Host) Run(ctx context.Context, first func(context.Context, *batchrun.Engine) (batchrun.Status, error)) (batchrun.Status, error) {
	status, err := h.Load(ctx, first)
	for err == nil && (status == batchrun.StatusDetached || status == batchrun.StatusNavigating) {
		if ctx.Err() != nil {
			return status, ctx.Err()
		}
		if h.loads >= h.MaxLoads {
			return status, ErrTooManyLoads
		}
		status, err = h.Load(ctx, OnLoad)
	}
	return status, err
}

// OnLoad is the usual entry point of a load.
func OnLoad(ctx context.Context, eng *batchrun.Engine) (batchrun.Status, error) {
	return eng.OnLoad(ctx)
}

// Start returns an entry point that starts instanceID of total over items.
func Start(instanceID, total int, items []string) func(context.Context, *batchrun.Engine) (batchrun.Status, error) {
	return func(ctx context.Context, eng *batchrun.Engine) (batchrun.Status, error) {
		return eng.Start(ctx, instanceID, total, items)
	}
}
