package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/studyhub/groupchannel/internal/protocol"
	"github.com/studyhub/groupchannel/internal/registry"
	"github.com/studyhub/groupchannel/internal/sessionstore"
	"github.com/studyhub/groupchannel/internal/telemetry"
)

const (
	defaultMailboxSize  = 256
	defaultStoreTimeout = 5 * time.Second
)

// ErrGroupFinished is returned for session updates on a finished group
var ErrGroupFinished = errors.New("group is finished")

// State is the lifecycle state of a group
type State string

const (
	// StateActive accepts joins and session updates
	StateActive State = "ACTIVE"
	// StateFinished is terminal: joins are rejected and the session is read-only
	StateFinished State = "FINISHED"
)

// emptySession is the session data of a group nobody wrote to yet
var emptySession = json.RawMessage(`{}`)

// Member is a channel endpoint a Dispatcher can address.
//
// All methods must return without blocking; they are called from the dispatcher loop.
// Implementations must be comparable (pointer types), they are used as registry handles.
type Member interface {
	// RunID returns the run the channel belongs to
	RunID() string
	// Deliver queues a frame for the connection. It returns false when the frame
	// could not be queued (mailbox full or channel already closed).
	Deliver(frame []byte) bool
	// ForceClose closes the underlying connection without notifying the dispatcher back
	ForceClose(reason string)
	// Rebind moves the channel to another dispatcher, which the channel then joins
	Rebind(target *Dispatcher)
}

// SessionResult is the outcome of a session update
type SessionResult struct {
	// Accepted is false on a version conflict
	Accepted bool
	// Version and Data are the authoritative session after the request was handled
	Version int64
	Data    json.RawMessage
}

// GroupInfo is a point-in-time view of a group
type GroupInfo struct {
	GroupID  string
	State    State
	Members  []string
	Channels []string
	Version  int64
	Data     json.RawMessage
}

// Option configures a Dispatcher
type Option func(*options)

type options struct {
	mailboxSize  int
	store        sessionstore.Store
	storeTimeout time.Duration
	metrics      *telemetry.ChannelMetrics
}

// WithMailboxSize sets the capacity of the dispatcher mailbox
func WithMailboxSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.mailboxSize = n
		}
	}
}

// WithSessionStore persists accepted session updates and restores them on start
func WithSessionStore(store sessionstore.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithStoreTimeout bounds each session store call
func WithStoreTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.storeTimeout = d
		}
	}
}

// WithMetrics sets the metrics the dispatcher records to
func WithMetrics(m *telemetry.ChannelMetrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func buildOptions(opts []Option) options {
	o := options{
		mailboxSize:  defaultMailboxSize,
		storeTimeout: defaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Dispatcher coordinates one group. See the package documentation for its concurrency model.
type Dispatcher struct {
	groupID string
	opts    options
	logger  *slog.Logger

	mailbox  chan message
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// Owned by the Run goroutine
	channels  *registry.Registry[string, Member]
	members   map[string]struct{}
	session   json.RawMessage
	version   int64
	state     State
	evictions []Member
	persist   chan sessionstore.Snapshot
}

// New creates a Dispatcher for groupID. It does nothing until Run is called.
func New(groupID string, opts ...Option) *Dispatcher {
	o := buildOptions(opts)
	return &Dispatcher{
		groupID:  groupID,
		opts:     o,
		logger:   slog.With("group", groupID),
		mailbox:  make(chan message, o.mailboxSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		channels: registry.New[string, Member](),
		members:  make(map[string]struct{}),
		session:  emptySession,
		state:    StateActive,
	}
}

// GroupID returns the group the dispatcher coordinates
func (d *Dispatcher) GroupID() string {
	return d.groupID
}

// Done is closed once the dispatcher loop exited
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Stop asks the dispatcher loop to exit. Channels still registered are force-closed.
// Stop does not wait; use Done for that. It is safe to call more than once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
}

// Run processes the mailbox until ctx is cancelled or Stop is called
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.rejectLate()

	d.restore(ctx)
	persisterDone := d.startPersister(ctx)

	d.opts.metrics.DispatcherStarted(ctx)
	defer d.opts.metrics.DispatcherStopped(ctx)

	d.logger.Debug("Dispatcher started", "version", d.version, "state", d.state)

	for {
		select {
		case msg := <-d.mailbox:
			d.handle(ctx, msg)
		case <-d.stop:
			d.shutdown(ctx, persisterDone)
			return
		case <-ctx.Done():
			d.shutdown(ctx, persisterDone)
			return
		}
	}
}

// Join registers m as the channel of its run. A channel already registered for the
// run is force-closed. Join returns false when the dispatcher has stopped.
func (d *Dispatcher) Join(m Member) bool {
	return d.tell(joinMsg{member: m})
}

// Leave reports that m lost its connection. It is ignored unless m is the channel
// currently registered for its run.
func (d *Dispatcher) Leave(m Member) {
	d.tell(leaveMsg{member: m})
}

// Broadcast delivers payload to every channel except the sender's. A nil sender
// addresses every channel.
func (d *Dispatcher) Broadcast(sender Member, payload []byte) {
	d.tell(broadcastMsg{sender: sender, payload: payload})
}

// Unicast delivers payload to the channel of target, if there is one
func (d *Dispatcher) Unicast(sender Member, target string, payload []byte) {
	d.tell(unicastMsg{sender: sender, target: target, payload: payload})
}

// SubmitSession hands a session update from a channel to the dispatcher. The
// outcome is reported to the submitter with SESSION_ACK, SESSION_FAIL or ERROR frames.
func (d *Dispatcher) SubmitSession(submitter Member, req protocol.SessionUpdateRequest) {
	d.tell(sessionMsg{submitter: submitter, req: req})
}

// TryPoisonChannel force-closes the channel of runID without waiting for the result.
// It returns false if the request could not even be queued.
func (d *Dispatcher) TryPoisonChannel(runID string) bool {
	select {
	case d.mailbox <- poisonMsg{runID: runID}:
		return true
	case <-d.done:
		return false
	default:
		return false
	}
}

// PoisonChannel force-closes the channel of runID and reports whether one existed
func (d *Dispatcher) PoisonChannel(ctx context.Context, runID string) (bool, error) {
	return ask(ctx, d.mailbox, d.done, func(reply chan<- bool) message {
		return poisonMsg{runID: runID, reply: reply}
	})
}

// UpdateSession applies a session update on behalf of runID (empty for updates that
// do not come from a group member)
func (d *Dispatcher) UpdateSession(
	ctx context.Context,
	runID string,
	req protocol.SessionUpdateRequest,
) (SessionResult, error) {
	r, err := ask(ctx, d.mailbox, d.done, func(reply chan<- sessionReply) message {
		return sessionMsg{runID: runID, req: req, reply: reply}
	})
	if err != nil {
		return SessionResult{}, err
	}
	return r.result, r.err
}

// Drop removes runID from the group for good, closing its channel if one is open.
// It reports whether the run was part of the group.
func (d *Dispatcher) Drop(ctx context.Context, runID string) (bool, error) {
	return ask(ctx, d.mailbox, d.done, func(reply chan<- bool) message {
		return dropMsg{runID: runID, reply: reply}
	})
}

// Reassign moves the channel of runID to target. It reports whether a channel was moved.
func (d *Dispatcher) Reassign(ctx context.Context, runID string, target *Dispatcher) (bool, error) {
	if target == nil || target == d {
		return false, fmt.Errorf("invalid reassignment target for run %s", runID)
	}
	return ask(ctx, d.mailbox, d.done, func(reply chan<- bool) message {
		return reassignMsg{runID: runID, target: target, reply: reply}
	})
}

// Snapshot returns the current group info
func (d *Dispatcher) Snapshot(ctx context.Context) (GroupInfo, error) {
	return ask(ctx, d.mailbox, d.done, func(reply chan<- GroupInfo) message {
		return snapshotMsg{reply: reply}
	})
}

// Finish moves the group to StateFinished and closes every channel
func (d *Dispatcher) Finish(ctx context.Context) error {
	_, err := ask(ctx, d.mailbox, d.done, func(reply chan<- struct{}) message {
		return finishMsg{reply: reply}
	})
	return err
}

// tell queues a fire-and-forget message. It blocks while the mailbox is full and
// gives up once the dispatcher stopped.
func (d *Dispatcher) tell(msg message) bool {
	select {
	case <-d.done:
		return false
	default:
	}

	select {
	case d.mailbox <- msg:
	case <-d.done:
		return false
	}

	// The send may have won the race against the loop exiting; nobody reads
	// the mailbox anymore once done is closed
	if isDone(d) {
		d.drainLate()
		return false
	}
	return true
}

// handle processes one message. A panic while handling is logged and the message dropped,
// so one bad frame cannot take the group down.
func (d *Dispatcher) handle(ctx context.Context, msg message) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Dispatcher recovered from panic",
				"message", fmt.Sprintf("%T", msg),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	msg.apply(ctx, d)
	d.flushEvictions(ctx)
}

// shutdown handles what is still queued, then force-closes every channel
func (d *Dispatcher) shutdown(ctx context.Context, persisterDone <-chan struct{}) {
	for drained := false; !drained; {
		select {
		case msg := <-d.mailbox:
			d.handle(ctx, msg)
		default:
			drained = true
		}
	}

	_, handles := d.channels.All()
	for _, m := range handles {
		d.channels.Unregister(m.RunID())
		m.ForceClose("group dispatcher stopped")
		d.opts.metrics.ChannelClosed(ctx)
	}

	close(d.persist)
	<-persisterDone
	d.logger.Debug("Dispatcher stopped")
}

// rejectLate marks the dispatcher done and closes channels whose join raced with shutdown
func (d *Dispatcher) rejectLate() {
	close(d.done)
	d.drainLate()
}

// drainLate empties the mailbox of a stopped dispatcher, force-closing joining channels
func (d *Dispatcher) drainLate() {
	for {
		select {
		case msg := <-d.mailbox:
			if join, ok := msg.(joinMsg); ok {
				join.member.ForceClose("group dispatcher stopped")
			}
		default:
			return
		}
	}
}
