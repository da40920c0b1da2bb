package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
)

// ErrGroupNotFound is returned for groups without a live dispatcher
var ErrGroupNotFound = errors.New("group not found")

const registryMailboxSize = 64

// Registry owns the live dispatchers, one per group
type Registry struct {
	dispatcherOpts []Option

	requests chan registryRequest
	cancel   context.CancelFunc
	done     chan struct{}
	started  chan struct{}
	wg       sync.WaitGroup

	// Owned by the Start goroutine
	groups   map[string]*Dispatcher
	stopping map[string]*Dispatcher
	ctx      context.Context
}

type registryRequest interface {
	apply(r *Registry)
}

type lookupRequest struct {
	groupID string
	create  bool
	reply   chan<- *Dispatcher
}

type unregisterRequest struct {
	groupID string
	reply   chan<- bool
}

type groupsRequest struct {
	reply chan<- []string
}

type exitedRequest struct {
	dispatcher *Dispatcher
}

// NewRegistry creates a Registry. Every dispatcher it creates is configured with opts.
// The registry answers requests once Start is running.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		dispatcherOpts: opts,
		requests:       make(chan registryRequest, registryMailboxSize),
		done:           make(chan struct{}),
		started:        make(chan struct{}),
		groups:         make(map[string]*Dispatcher),
		stopping:       make(map[string]*Dispatcher),
	}
}

// Start runs the registry until ctx is cancelled or Stop is called.
// Dispatchers live as long as the registry does unless unregistered.
func (r *Registry) Start(ctx context.Context) error {
	regCtx, cancel := context.WithCancel(ctx)
	r.ctx = regCtx
	r.cancel = cancel
	close(r.started)

	slog.Info("Starting group dispatcher registry")
	defer func() {
		r.wg.Wait()
		close(r.done)
		slog.Info("Group dispatcher registry stopped")
	}()

	for {
		select {
		case req := <-r.requests:
			req.apply(r)
		case <-regCtx.Done():
			slog.Info("Stopping group dispatcher registry", "groups", len(r.groups))
			for _, d := range r.groups {
				d.Stop()
			}
			return nil
		}
	}
}

// Stop stops the registry and every dispatcher, and waits until they exited
func (r *Registry) Stop() error {
	select {
	case <-r.started:
	default:
		return nil
	}
	r.cancel()
	<-r.done
	return nil
}

// Get returns the dispatcher of groupID or ErrGroupNotFound
func (r *Registry) Get(ctx context.Context, groupID string) (*Dispatcher, error) {
	d, err := ask(ctx, r.requests, r.done, func(reply chan<- *Dispatcher) registryRequest {
		return lookupRequest{groupID: groupID, reply: reply}
	})
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrGroupNotFound
	}
	return d, nil
}

// GetOrCreate returns the dispatcher of groupID, creating and starting it if needed.
// Concurrent callers for the same group all get the same instance.
func (r *Registry) GetOrCreate(ctx context.Context, groupID string) (*Dispatcher, error) {
	return ask(ctx, r.requests, r.done, func(reply chan<- *Dispatcher) registryRequest {
		return lookupRequest{groupID: groupID, create: true, reply: reply}
	})
}

// Unregister removes the dispatcher of groupID and stops it once it handled what
// it had queued. It returns after the dispatcher exited and persisted its last
// snapshot, and reports whether there was one; unknown groups are a no-op.
func (r *Registry) Unregister(ctx context.Context, groupID string) (bool, error) {
	return ask(ctx, r.requests, r.done, func(reply chan<- bool) registryRequest {
		return unregisterRequest{groupID: groupID, reply: reply}
	})
}

// Groups returns the IDs of every live group, sorted
func (r *Registry) Groups(ctx context.Context) ([]string, error) {
	return ask(ctx, r.requests, r.done, func(reply chan<- []string) registryRequest {
		return groupsRequest{reply: reply}
	})
}

func (req lookupRequest) apply(r *Registry) {
	if old, ok := r.stopping[req.groupID]; ok {
		if !isDone(old) {
			// A new dispatcher restores from the store, so it must not start
			// before the previous one wrote its last snapshot
			if req.create {
				r.retryWhenDone(old, req)
				return
			}
			req.reply <- nil
			return
		}
		delete(r.stopping, req.groupID)
	}

	d, ok := r.groups[req.groupID]
	if ok && isDone(d) {
		delete(r.groups, req.groupID)
		d, ok = nil, false
	}

	if !ok && req.create {
		d = New(req.groupID, r.dispatcherOpts...)
		r.groups[req.groupID] = d
		r.wg.Add(1)
		go r.run(d)
		slog.Debug("Created group dispatcher", "group", req.groupID, "groups", len(r.groups))
	}

	req.reply <- d
}

func (req unregisterRequest) apply(r *Registry) {
	d, ok := r.groups[req.groupID]
	if !ok {
		req.reply <- false
		return
	}

	delete(r.groups, req.groupID)
	r.stopping[req.groupID] = d
	d.Stop()
	slog.Debug("Unregistered group dispatcher", "group", req.groupID, "groups", len(r.groups))

	go func() {
		<-d.Done()
		req.reply <- true
	}()
}

func (req groupsRequest) apply(r *Registry) {
	groups := make([]string, 0, len(r.groups))
	for groupID := range r.groups {
		groups = append(groups, groupID)
	}
	slices.Sort(groups)
	req.reply <- groups
}

func (req exitedRequest) apply(r *Registry) {
	groupID := req.dispatcher.GroupID()
	if r.groups[groupID] == req.dispatcher {
		delete(r.groups, groupID)
	}
	if r.stopping[groupID] == req.dispatcher {
		delete(r.stopping, groupID)
	}
}

// retryWhenDone requeues req once old exited
func (r *Registry) retryWhenDone(old *Dispatcher, req registryRequest) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-old.Done():
		case <-r.ctx.Done():
			return
		}
		select {
		case r.requests <- req:
		case <-r.ctx.Done():
		}
	}()
}

func (r *Registry) run(d *Dispatcher) {
	defer r.wg.Done()
	d.Run(r.ctx)

	// Forget dispatchers that exited on their own
	select {
	case r.requests <- exitedRequest{dispatcher: d}:
	case <-r.ctx.Done():
	}
}

func isDone(d *Dispatcher) bool {
	select {
	case <-d.Done():
		return true
	default:
		return false
	}
}
