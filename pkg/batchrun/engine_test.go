package batchrun_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/batchrun/internal/portalsim"
	"github.com/randalmurphal/batchrun/pkg/batchrun"
	"github.com/randalmurphal/batchrun/pkg/batchrun/backoff"
	"github.com/randalmurphal/batchrun/pkg/batchrun/checkpoint"
	"github.com/randalmurphal/batchrun/pkg/batchrun/config"
	"github.com/randalmurphal/batchrun/pkg/batchrun/export"
	"github.com/randalmurphal/batchrun/pkg/batchrun/outcome"
	"github.com/randalmurphal/batchrun/pkg/batchrun/results"
	"github.com/randalmurphal/batchrun/pkg/batchrun/session"
	"github.com/randalmurphal/batchrun/pkg/batchrun/shard"
	"github.com/randalmurphal/batchrun/pkg/batchrun/store"
)

const entryURL = "https://portal.test/entry"

var testSteps = []string{"cas", "zip", "videos"}

func fastConfig() config.EngineConfig {
	cfg := config.DefaultEngineConfig(testSteps...)
	cfg.EntryURL = entryURL
	cfg.SubmitDelay = 0
	cfg.WatchdogTimeout = 200 * time.Millisecond
	cfg.PollInterval = time.Millisecond
	cfg.ResultTimeout = 50 * time.Millisecond
	cfg.Backoff = backoff.Constant{Interval: 5 * time.Millisecond}
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeItems(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("item-%02d", i)
	}
	return out
}

// rig is one simulated browser tab against a shared store and exporter.
type rig struct {
	t        *testing.T
	store    store.Store
	exporter *export.MemoryExporter
	portal   *portalsim.Portal
	host     *portalsim.Host
	cfg      config.EngineConfig
	opts     []batchrun.Option
}

func newRig(t *testing.T, cfg config.EngineConfig, portalOpts ...portalsim.Option) *rig {
	t.Helper()
	return newRigOn(t, store.NewMemoryStore(), export.NewMemoryExporter(), cfg, portalOpts...)
}

func newRigOn(t *testing.T, st store.Store, exp *export.MemoryExporter, cfg config.EngineConfig, portalOpts ...portalsim.Option) *rig {
	t.Helper()
	r := &rig{
		t:        t,
		store:    st,
		exporter: exp,
		portal:   portalsim.New(portalOpts...),
		cfg:      cfg,
		opts:     []batchrun.Option{batchrun.WithLogger(quietLogger())},
	}
	r.host = portalsim.NewHost(r.portal, r.engine)
	r.host.MaxLoads = 2000
	return r
}

func (r *rig) engine(binder session.Binder) (*batchrun.Engine, error) {
	return batchrun.New(batchrun.Deps{
		Store:      r.store,
		Binder:     binder,
		Form:       r.portal,
		Classifier: r.portal,
		Page:       r.portal,
		Exporter:   r.exporter,
	}, r.cfg, r.opts...)
}

// operator returns an engine sharing the tab's binding, for control calls
// made from outside the driving context.
func (r *rig) operator() *batchrun.Engine {
	r.t.Helper()
	eng, err := r.engine(r.host.Binder())
	require.NoError(r.t, err)
	return eng
}

func (r *rig) runToEnd(ctx context.Context, first func(context.Context, *batchrun.Engine) (batchrun.Status, error)) batchrun.Status {
	r.t.Helper()
	status, err := r.host.Run(ctx, first)
	require.NoError(r.t, err)
	return status
}

func (r *rig) checkpoint(id int) *checkpoint.Checkpoint {
	r.t.Helper()
	cp, err := checkpoint.Load(context.Background(), r.store, id)
	require.NoError(r.t, err)
	return cp
}

func itemIDs(outs []outcome.Outcome) []string {
	ids := make([]string, len(outs))
	for i, o := range outs {
		ids[i] = o.ItemID
	}
	return ids
}

func TestNew_RequiresCollaborators(t *testing.T) {
	p := portalsim.New()
	full := batchrun.Deps{
		Store:      store.NewMemoryStore(),
		Form:       p,
		Classifier: p,
		Page:       p,
		Exporter:   export.NewMemoryExporter(),
	}
	_, err := batchrun.New(full, fastConfig())
	require.NoError(t, err)

	for name, mutate := range map[string]func(*batchrun.Deps){
		"store":      func(d *batchrun.Deps) { d.Store = nil },
		"form":       func(d *batchrun.Deps) { d.Form = nil },
		"classifier": func(d *batchrun.Deps) { d.Classifier = nil },
		"page":       func(d *batchrun.Deps) { d.Page = nil },
		"exporter":   func(d *batchrun.Deps) { d.Exporter = nil },
	} {
		t.Run(name, func(t *testing.T) {
			d := full
			mutate(&d)
			_, err := batchrun.New(d, fastConfig())
			require.Error(t, err)
		})
	}

	_, err = batchrun.New(full, config.DefaultEngineConfig())
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestEngine_RunsSliceToCompletion(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, fastConfig())
	items := makeItems(10)

	status := r.runToEnd(ctx, portalsim.Start(2, 3, items))
	assert.Equal(t, batchrun.StatusComplete, status)

	// Instance 2 of 3 over 10 items owns [4,7).
	outs := r.exporter.Outcomes(2)
	assert.Equal(t, []string{"item-04", "item-05", "item-06"}, itemIDs(outs))
	for i, o := range outs {
		assert.Equal(t, 4+i, o.Seq)
		assert.Equal(t, outcome.KindSuccess, o.Summary)
		require.Len(t, o.Steps, 3)
	}

	assert.Len(t, r.portal.Submissions(), 9)
	_, err := checkpoint.Load(ctx, r.store, 2)
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
	_, bound := r.host.Binder().Current()
	assert.False(t, bound)

	// The buffer record outlives the run so chunk numbering continues.
	_, err = r.store.Get(ctx, checkpoint.BufferKey(2))
	require.NoError(t, err)
}

func TestEngine_ShardedInstancesCoverAllItems(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	exp := export.NewMemoryExporter()
	items := makeItems(11)
	const total = 4

	for id := 1; id <= total; id++ {
		r := newRigOn(t, st, exp, fastConfig())
		assert.Equal(t, batchrun.StatusComplete, r.runToEnd(ctx, portalsim.Start(id, total, items)))
	}

	var all []string
	for id := 1; id <= total; id++ {
		all = append(all, itemIDs(exp.Outcomes(id))...)
	}
	sort.Strings(all)
	assert.Equal(t, items, all)

	keys, err := st.ListKeys(ctx, checkpoint.KeyPrefix)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestEngine_ChunkNumbersContinueAcrossRuns(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig()
	cfg.Export.Threshold = 2
	r := newRig(t, cfg)

	require.Equal(t, batchrun.StatusComplete, r.runToEnd(ctx, portalsim.Start(1, 1, makeItems(5))))
	chunks := r.exporter.Chunks(1)
	require.Len(t, chunks, 3)
	for i, want := range []int{2, 2, 1} {
		assert.Equal(t, i+1, chunks[i].Number)
		assert.Len(t, chunks[i].Outcomes, want)
	}

	require.Equal(t, batchrun.StatusComplete, r.runToEnd(ctx, portalsim.Start(1, 1, makeItems(3))))
	chunks = r.exporter.Chunks(1)
	require.Len(t, chunks, 5)
	assert.Equal(t, 4, chunks[3].Number)
	assert.Equal(t, 5, chunks[4].Number)
	assert.Len(t, r.exporter.Outcomes(1), 8)
}

func TestEngine_Start_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("empty items", func(t *testing.T) {
		r := newRig(t, fastConfig())
		_, err := r.host.Load(ctx, portalsim.Start(1, 1, nil))
		require.ErrorIs(t, err, batchrun.ErrEmptyItems)
	})

	t.Run("invalid instance", func(t *testing.T) {
		r := newRig(t, fastConfig())
		_, err := r.host.Load(ctx, portalsim.Start(3, 2, makeItems(4)))
		require.ErrorIs(t, err, shard.ErrInvalidInstance)
	})

	t.Run("active run", func(t *testing.T) {
		r := newRig(t, fastConfig())
		status, err := r.host.Load(ctx, portalsim.Start(1, 1, makeItems(4)))
		require.NoError(t, err)
		require.Equal(t, batchrun.StatusDetached, status)

		other := newRigOn(t, r.store, r.exporter, fastConfig())
		_, err = other.host.Load(ctx, portalsim.Start(1, 1, makeItems(4)))
		require.ErrorIs(t, err, batchrun.ErrAlreadyRunning)
		_, bound := other.host.Binder().Current()
		assert.False(t, bound)
	})

	t.Run("bound to another instance", func(t *testing.T) {
		r := newRig(t, fastConfig())
		require.NoError(t, r.host.Binder().Bind(2))
		_, err := r.host.Load(ctx, portalsim.Start(1, 2, makeItems(4)))
		require.ErrorIs(t, err, session.ErrAlreadyBound)
	})
}

func TestEngine_LastSettings(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, fastConfig())
	op := r.operator()

	_, ok, err := op.LastSettings(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	r.runToEnd(ctx, portalsim.Start(1, 3, makeItems(3)))

	s, ok, err := op.LastSettings(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, s.LastTotalInstances)
	assert.Equal(t, config.DefaultExportPrefix, s.LastPrefix)
	assert.False(t, s.UpdatedAt.IsZero())
}

func TestEngine_PauseResume(t *testing.T) {
	ctx := context.Background()
	var r *rig
	var op *batchrun.Engine
	paused := false

	r = newRig(t, fastConfig(), portalsim.WithResponder(func(itemID, step string, attempt int) outcome.Result {
		if itemID == "item-03" && step == "cas" && !paused {
			paused = true
			require.NoError(t, op.Pause(ctx))
		}
		return portalsim.AlwaysSuccess(itemID, step, attempt)
	}))
	op = r.operator()
	items := makeItems(6)

	status := r.runToEnd(ctx, portalsim.Start(1, 1, items))
	require.Equal(t, batchrun.StatusPaused, status)

	cp := r.checkpoint(1)
	assert.False(t, cp.IsActive)
	assert.False(t, cp.AwaitingResult)
	assert.Equal(t, 3, cp.CurrentIndex)
	assert.Equal(t, "cas", cp.CurrentStep)

	require.ErrorIs(t, op.Pause(ctx), batchrun.ErrNotRunning)

	// A paused run stays put on reload.
	status, err := r.host.Load(ctx, portalsim.OnLoad)
	require.NoError(t, err)
	assert.Equal(t, batchrun.StatusPaused, status)

	status = r.runToEnd(ctx, func(ctx context.Context, eng *batchrun.Engine) (batchrun.Status, error) {
		return eng.Resume(ctx)
	})
	require.Equal(t, batchrun.StatusComplete, status)

	assert.Equal(t, items, itemIDs(r.exporter.Outcomes(1)))
	assert.Equal(t, 2, r.portal.Attempts("item-03", "cas"), "step in flight at pause is resubmitted")
}

func TestEngine_Resume_Errors(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, fastConfig())
	op := r.operator()

	_, err := op.Resume(ctx)
	require.ErrorIs(t, err, batchrun.ErrNoSession)

	require.NoError(t, r.host.Binder().Bind(1))
	_, err = op.Resume(ctx)
	require.ErrorIs(t, err, batchrun.ErrNoCheckpoint)
}

func TestEngine_StopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig()
	cfg.Export.Threshold = 50
	r := newRig(t, cfg)

	// Run a few loads, then stop mid-run.
	status, err := r.host.Load(ctx, portalsim.Start(1, 1, makeItems(5)))
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		require.Equal(t, batchrun.StatusDetached, status)
		status, err = r.host.Load(ctx, portalsim.OnLoad)
		require.NoError(t, err)
	}
	done := r.checkpoint(1).ProcessedCount
	require.Positive(t, done)

	op := r.operator()
	require.NoError(t, op.Stop(ctx))
	require.NoError(t, op.Stop(ctx))

	_, err = checkpoint.Load(ctx, r.store, 1)
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
	_, bound := r.host.Binder().Current()
	assert.False(t, bound)
	assert.Len(t, r.exporter.Outcomes(1), done, "stop flushes buffered outcomes")

	buf, err := results.Open(ctx, r.store, 1, testSteps, r.exporter)
	require.NoError(t, err)
	assert.Zero(t, buf.Len())

	// Re-invoking the machine with nothing bound and no checkpoint is a no-op.
	status, err = r.host.Load(ctx, portalsim.OnLoad)
	require.NoError(t, err)
	assert.Equal(t, batchrun.StatusIdle, status)
}

func TestEngine_ExportNow(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, fastConfig())
	op := r.operator()

	_, err := op.ExportNow(ctx)
	require.ErrorIs(t, err, batchrun.ErrNoSession)

	status, err := r.host.Load(ctx, portalsim.Start(1, 1, makeItems(4)))
	require.NoError(t, err)
	for r.checkpoint(1).ProcessedCount < 2 {
		require.Equal(t, batchrun.StatusDetached, status)
		status, err = r.host.Load(ctx, portalsim.OnLoad)
		require.NoError(t, err)
	}

	n, err := op.ExportNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, r.exporter.Outcomes(1), 2)

	n, err = op.ExportNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing pending")

	require.Equal(t, batchrun.StatusComplete, r.runToEnd(ctx, portalsim.OnLoad))
	assert.Equal(t, makeItems(4), itemIDs(r.exporter.Outcomes(1)))
}
