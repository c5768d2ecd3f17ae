/*
Package batchrun drives a long ordered list of items through a fixed
sequence of named steps, one submission at a time, in an execution context
that may be destroyed by any submission.

# Model

Every item passes through the same steps (for example "cas", "zip",
"videos"). A step is prepared and submitted through a Form; submitting
usually destroys the execution context (a page reload, a crashed worker).
The result is read from the next context through a Classifier. Because the
context can vanish at any moment, every transition is written to a durable
checkpoint before the action that might destroy it.

An Engine belongs to one execution context. When a context starts, call
OnLoad: it finds the run bound to this context (or an orphaned one, after a
full restart) and continues it from its checkpoint.

	eng, err := batchrun.New(batchrun.Deps{
	    Store:      st,
	    Binder:     binder, // survives reloads, not restarts
	    Form:       form,
	    Classifier: classifier,
	    Page:       page,
	    Exporter:   export.NewDirExporter("exports", "run", nil),
	}, cfg)

	status, err := eng.Start(ctx, 2, 3, items) // instance 2 of 3
	// ... context destroyed, new context:
	status, err = eng2.OnLoad(ctx2)

# Sharding

Items are split into contiguous slices, one per instance, with
shard.Compute. Instances share a store only through keys namespaced by
instance id, so they can run concurrently without coordination.

# State machine

The machine state (Submitting, AwaitingResult, RateLimited, Advancing,
Complete) is derived from the checkpoint on every tick of a single driver
loop. Waits (submit delay, watchdog, result polling, rate-limit cooldown) are
wake-ups of that loop; after each wake-up the checkpoint is re-read and the
driver stops if the run was paused or stopped meanwhile.

# Failures

Missing form fields and submissions that never took effect lead to a hard
navigation and a retry of the same step. Rate limits lead to a cooldown and a
retry. A result that never appears is recorded as empty. Only store and
export failures are returned to the caller; see RecoveryFor. WithIORetry
retries those a bounded number of times first.

# Results

Finished items are summarized into outcomes and appended to a durable
results buffer, which is flushed to numbered export chunks every
Export.Threshold items and at the end of the run.
*/
package batchrun
