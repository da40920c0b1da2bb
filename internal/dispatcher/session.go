package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/studyhub/groupchannel/internal/protocol"
	"github.com/studyhub/groupchannel/internal/sessionstore"
)

// applySessionUpdate returns the session data that results from req. current is not modified.
func applySessionUpdate(current json.RawMessage, req protocol.SessionUpdateRequest) (json.RawMessage, error) {
	if len(req.Patch) == 0 {
		if !json.Valid(req.Data) {
			return nil, fmt.Errorf("%w: data is not valid JSON", protocol.ErrInvalidSessionUpdate)
		}
		return slices.Clone(req.Data), nil
	}

	patch, err := jsonpatch.DecodePatch(req.Patch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidSessionUpdate, err)
	}

	next, err := patch.Apply(current)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidSessionUpdate, err)
	}
	return next, nil
}

// restore loads the last persisted snapshot of the group, if any
func (d *Dispatcher) restore(ctx context.Context) {
	if d.opts.store == nil {
		return
	}

	loadCtx, cancel := context.WithTimeout(ctx, d.opts.storeTimeout)
	defer cancel()

	snapshot, err := d.opts.store.Load(loadCtx, d.groupID)
	if errors.Is(err, sessionstore.ErrSnapshotNotFound) {
		return
	}
	if err != nil {
		d.logger.Warn("Failed to restore session, starting empty", "error", err)
		return
	}

	d.version = snapshot.Version
	if len(snapshot.Data) > 0 {
		d.session = snapshot.Data
	}
	if snapshot.Finished {
		d.state = StateFinished
	}
	d.logger.Info("Session restored", "version", d.version, "state", d.state)
}

// startPersister starts the goroutine that writes snapshots to the store. The
// returned channel is closed once it has written the last queued snapshot.
func (d *Dispatcher) startPersister(ctx context.Context) <-chan struct{} {
	d.persist = make(chan sessionstore.Snapshot, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for snapshot := range d.persist {
			d.write(ctx, snapshot)
		}
	}()

	return done
}

func (d *Dispatcher) write(ctx context.Context, snapshot sessionstore.Snapshot) {
	// The last snapshot is written while the dispatcher shuts down
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.storeTimeout)
	defer cancel()

	if err := d.opts.store.Save(saveCtx, d.groupID, snapshot); err != nil {
		d.logger.Error("Failed to persist session", "version", snapshot.Version, "error", err)
	}
}

// save queues the current session for persistence. Only the latest snapshot is kept
// when the store falls behind; versions only grow, so nothing is lost but intermediate states.
func (d *Dispatcher) save() {
	if d.opts.store == nil {
		return
	}

	snapshot := sessionstore.Snapshot{
		Version:  d.version,
		Data:     slices.Clone(d.session),
		Finished: d.state == StateFinished,
	}

	select {
	case d.persist <- snapshot:
		return
	default:
	}

	// Replace the pending snapshot; this goroutine is the only sender
	select {
	case <-d.persist:
	default:
	}
	d.persist <- snapshot
}
