package executor

import (
	"context"

	"github.com/nerrad567/dorfbus/internal/livestate"
)

// CoilOutcome is the per-coil result of a bulk operation.
type CoilOutcome struct {
	Coil livestate.CoilSnapshot
	Err  error
}

// GetTag returns the cached state of every coil carrying a tag.
func (e *Executor) GetTag(name string) ([]livestate.CoilSnapshot, error) {
	members, err := e.store.Tag(name)
	if err != nil {
		return nil, err
	}
	out := make([]livestate.CoilSnapshot, 0, len(members))
	for _, c := range members {
		out = append(out, c.Snapshot())
	}
	return out, nil
}

// SetTag switches every coil of a tag, one write at a time in coil name order.
//
// A failing coil does not stop the others. If ctx ends part way, the write in
// progress still completes but no further writes are issued; the remaining
// coils are reported with ctx's error and left untouched. The returned error
// is a *TagError when any coil failed.
func (e *Executor) SetTag(ctx context.Context, name string, on bool) ([]CoilOutcome, error) {
	members, err := e.store.Tag(name)
	if err != nil {
		return nil, err
	}

	outcomes := make([]CoilOutcome, 0, len(members))
	var failed []string
	for _, c := range members {
		var err error
		if err = ctx.Err(); err == nil {
			err = e.setCoil(ctx, c, on)
		}
		if err != nil {
			failed = append(failed, c.Coil().Name)
		}
		outcomes = append(outcomes, CoilOutcome{Coil: c.Snapshot(), Err: err})
	}

	if len(failed) > 0 {
		e.logger.Warn("tag switch incomplete", "tag", name, "failed", len(failed), "total", len(members))
		return outcomes, &TagError{Tag: name, Failed: failed, Total: len(members)}
	}
	return outcomes, nil
}
