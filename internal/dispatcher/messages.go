package dispatcher

import (
	"context"
	"maps"
	"slices"

	"github.com/studyhub/groupchannel/internal/protocol"
	"github.com/studyhub/groupchannel/internal/telemetry"
)

// message is anything a Dispatcher mailbox accepts. apply runs on the dispatcher goroutine.
type message interface {
	apply(ctx context.Context, d *Dispatcher)
}

type joinMsg struct {
	member Member
}

type leaveMsg struct {
	member Member
}

type dropMsg struct {
	runID string
	reply chan<- bool
}

type broadcastMsg struct {
	sender  Member
	payload []byte
}

type unicastMsg struct {
	sender  Member
	target  string
	payload []byte
}

type sessionReply struct {
	result SessionResult
	err    error
}

// sessionMsg comes either from a channel (submitter set, no reply) or from the
// service (runID and reply set)
type sessionMsg struct {
	submitter Member
	runID     string
	req       protocol.SessionUpdateRequest
	reply     chan<- sessionReply
}

type poisonMsg struct {
	runID string
	reply chan<- bool
}

type reassignMsg struct {
	runID  string
	target *Dispatcher
	reply  chan<- bool
}

type snapshotMsg struct {
	reply chan<- GroupInfo
}

type finishMsg struct {
	reply chan<- struct{}
}

func (msg joinMsg) apply(ctx context.Context, d *Dispatcher) {
	m := msg.member
	runID := m.RunID()

	if d.state == StateFinished {
		d.logger.Debug("Rejecting join on finished group", "run", runID)
		m.Deliver(protocol.ErrorFrame(d.groupID, "", ErrGroupFinished.Error()))
		m.ForceClose(ErrGroupFinished.Error())
		return
	}

	previous, replaced := d.channels.Register(runID, m)
	if replaced {
		d.logger.Info("Closing duplicate channel", "run", runID)
		previous.ForceClose("replaced by a newer channel")
	} else {
		d.opts.metrics.ChannelOpened(ctx)
	}

	if _, known := d.members[runID]; !known {
		d.members[runID] = struct{}{}
		d.broadcastAction(protocol.ActionMessage{
			Action:   protocol.ActionJoined,
			GroupID:  d.groupID,
			MemberID: runID,
		}, m)
	}

	d.broadcastAction(protocol.ActionMessage{
		Action:   protocol.ActionOpened,
		GroupID:  d.groupID,
		MemberID: runID,
	}, m)

	d.deliverAction(m, d.openedSnapshot(runID))
	d.logger.Debug("Channel joined", "run", runID, "channels", d.channels.Len())
}

func (msg leaveMsg) apply(ctx context.Context, d *Dispatcher) {
	runID := msg.member.RunID()

	current, ok := d.channels.Get(runID)
	if !ok || current != msg.member {
		d.logger.Debug("Ignoring leave from a channel that is no longer registered", "run", runID)
		return
	}

	d.channels.Unregister(runID)
	d.opts.metrics.ChannelClosed(ctx)
	d.broadcastClosed(runID)
	d.logger.Debug("Channel left", "run", runID, "channels", d.channels.Len())
}

func (msg dropMsg) apply(ctx context.Context, d *Dispatcher) {
	m, hadChannel := d.channels.Unregister(msg.runID)
	if hadChannel {
		m.ForceClose("left the group")
		d.opts.metrics.ChannelClosed(ctx)
		d.broadcastClosed(msg.runID)
	}

	_, wasMember := d.members[msg.runID]
	if wasMember {
		delete(d.members, msg.runID)
		d.broadcastAction(protocol.ActionMessage{
			Action:   protocol.ActionLeft,
			GroupID:  d.groupID,
			MemberID: msg.runID,
		}, nil)
	}

	msg.reply <- hadChannel || wasMember
}

func (msg broadcastMsg) apply(ctx context.Context, d *Dispatcher) {
	if msg.sender != nil && !d.isRegistered(msg.sender) {
		d.logger.Debug("Dropping broadcast from stale channel", "run", msg.sender.RunID())
		return
	}

	d.opts.metrics.RecordFrame(ctx, protocol.KindBroadcast.String())
	d.broadcast(msg.payload, msg.sender)
}

func (msg unicastMsg) apply(ctx context.Context, d *Dispatcher) {
	if msg.sender != nil && !d.isRegistered(msg.sender) {
		d.logger.Debug("Dropping unicast from stale channel", "run", msg.sender.RunID())
		return
	}

	d.opts.metrics.RecordFrame(ctx, protocol.KindUnicast.String())
	target, ok := d.channels.Get(msg.target)
	if !ok {
		d.logger.Debug("Dropping unicast to run without channel", "target", msg.target)
		return
	}
	d.deliver(target, msg.payload)
}

func (msg sessionMsg) apply(ctx context.Context, d *Dispatcher) {
	submitter := msg.submitter
	if submitter != nil {
		if !d.isRegistered(submitter) {
			d.logger.Debug("Dropping session update from stale channel", "run", submitter.RunID())
			return
		}
	} else if msg.runID != "" {
		submitter, _ = d.channels.Get(msg.runID)
	}

	d.opts.metrics.RecordFrame(ctx, protocol.KindSessionUpdate.String())
	result, err := d.updateSession(ctx, submitter, msg.req)
	if msg.reply != nil {
		msg.reply <- sessionReply{result: result, err: err}
	}
}

func (msg poisonMsg) apply(ctx context.Context, d *Dispatcher) {
	ok := d.poison(ctx, msg.runID, "channel closed by server")
	if msg.reply != nil {
		msg.reply <- ok
	}
}

func (msg reassignMsg) apply(ctx context.Context, d *Dispatcher) {
	m, ok := d.channels.Unregister(msg.runID)
	if !ok {
		msg.reply <- false
		return
	}

	d.opts.metrics.ChannelClosed(ctx)
	d.broadcastClosed(msg.runID)

	if _, member := d.members[msg.runID]; member {
		delete(d.members, msg.runID)
		d.broadcastAction(protocol.ActionMessage{
			Action:   protocol.ActionLeft,
			GroupID:  d.groupID,
			MemberID: msg.runID,
		}, nil)
	}

	d.logger.Info("Reassigning channel", "run", msg.runID, "target", msg.target.GroupID())
	m.Rebind(msg.target)
	msg.reply <- true
}

func (msg snapshotMsg) apply(_ context.Context, d *Dispatcher) {
	channels, _ := d.channels.All()
	msg.reply <- GroupInfo{
		GroupID:  d.groupID,
		State:    d.state,
		Members:  d.memberList(),
		Channels: channels,
		Version:  d.version,
		Data:     slices.Clone(d.session),
	}
}

func (msg finishMsg) apply(ctx context.Context, d *Dispatcher) {
	if d.state != StateFinished {
		d.state = StateFinished
		d.save()

		_, handles := d.channels.All()
		for _, m := range handles {
			d.channels.Unregister(m.RunID())
			m.ForceClose("group finished")
			d.opts.metrics.ChannelClosed(ctx)
		}
		d.logger.Info("Group finished", "version", d.version, "closed_channels", len(handles))
	}
	msg.reply <- struct{}{}
}

// updateSession runs the optimistic concurrency check and applies an accepted update.
// submitter may be nil for updates that do not come from a connected member.
func (d *Dispatcher) updateSession(
	ctx context.Context,
	submitter Member,
	req protocol.SessionUpdateRequest,
) (SessionResult, error) {
	if d.state == StateFinished {
		d.deliverTo(submitter, protocol.ErrorFrame(d.groupID, req.RequestID, ErrGroupFinished.Error()))
		return d.currentSession(false), ErrGroupFinished
	}

	if err := req.Validate(); err != nil {
		d.opts.metrics.RecordSessionUpdate(ctx, telemetry.SessionOutcomeInvalid)
		d.deliverTo(submitter, protocol.ErrorFrame(d.groupID, req.RequestID, err.Error()))
		return d.currentSession(false), err
	}

	if req.ExpectedVersion != d.version {
		d.opts.metrics.RecordSessionUpdate(ctx, telemetry.SessionOutcomeConflict)
		d.logger.Debug("Rejecting session update",
			"expected_version", req.ExpectedVersion,
			"version", d.version)
		if submitter != nil {
			d.deliverAction(submitter, protocol.ActionMessage{
				Action:    protocol.ActionSessionFail,
				GroupID:   d.groupID,
				Version:   protocol.VersionOf(d.version),
				Data:      d.session,
				RequestID: req.RequestID,
			})
		}
		return d.currentSession(false), nil
	}

	next, err := applySessionUpdate(d.session, req)
	if err != nil {
		d.opts.metrics.RecordSessionUpdate(ctx, telemetry.SessionOutcomeInvalid)
		d.deliverTo(submitter, protocol.ErrorFrame(d.groupID, req.RequestID, err.Error()))
		return d.currentSession(false), err
	}

	d.session = next
	d.version++
	d.opts.metrics.RecordSessionUpdate(ctx, telemetry.SessionOutcomeAccepted)
	d.save()

	d.broadcastAction(protocol.ActionMessage{
		Action:  protocol.ActionSession,
		GroupID: d.groupID,
		Version: protocol.VersionOf(d.version),
		Data:    d.session,
	}, nil)

	if submitter != nil {
		d.deliverAction(submitter, protocol.ActionMessage{
			Action:    protocol.ActionSessionAck,
			GroupID:   d.groupID,
			Version:   protocol.VersionOf(d.version),
			RequestID: req.RequestID,
		})
	}

	return d.currentSession(true), nil
}

func (d *Dispatcher) currentSession(accepted bool) SessionResult {
	return SessionResult{
		Accepted: accepted,
		Version:  d.version,
		Data:     slices.Clone(d.session),
	}
}

// poison force-closes the channel of runID and announces it to the rest of the group
func (d *Dispatcher) poison(ctx context.Context, runID, reason string) bool {
	m, ok := d.channels.Unregister(runID)
	if !ok {
		return false
	}

	m.ForceClose(reason)
	d.opts.metrics.ChannelClosed(ctx)
	d.broadcastClosed(runID)
	d.logger.Debug("Channel poisoned", "run", runID, "reason", reason)
	return true
}

// flushEvictions poisons the channels that could not keep up. Closing one may make
// the CLOSED announcement overflow another, so this runs until nothing is pending.
func (d *Dispatcher) flushEvictions(ctx context.Context) {
	for len(d.evictions) > 0 {
		m := d.evictions[0]
		d.evictions = d.evictions[1:]

		runID := m.RunID()
		if current, ok := d.channels.Get(runID); !ok || current != m {
			continue
		}
		d.logger.Warn("Evicting slow channel", "run", runID)
		d.poison(ctx, runID, "slow consumer")
	}
	d.evictions = nil
}

func (d *Dispatcher) isRegistered(m Member) bool {
	_, ok := d.channels.KeyOf(m)
	return ok
}

func (d *Dispatcher) memberList() []string {
	return slices.Sorted(maps.Keys(d.members))
}

// openedSnapshot is the OPENED frame a joining channel receives about itself
func (d *Dispatcher) openedSnapshot(runID string) protocol.ActionMessage {
	channels, _ := d.channels.All()
	return protocol.ActionMessage{
		Action:   protocol.ActionOpened,
		GroupID:  d.groupID,
		MemberID: runID,
		Members:  d.memberList(),
		Channels: channels,
		Version:  protocol.VersionOf(d.version),
		Data:     d.session,
	}
}

func (d *Dispatcher) broadcastClosed(runID string) {
	d.broadcastAction(protocol.ActionMessage{
		Action:   protocol.ActionClosed,
		GroupID:  d.groupID,
		MemberID: runID,
	}, nil)
}

func (d *Dispatcher) broadcastAction(msg protocol.ActionMessage, except Member) {
	frame, err := msg.Encode()
	if err != nil {
		d.logger.Error("Failed to encode frame", "error", err)
		return
	}
	d.broadcast(frame, except)
}

func (d *Dispatcher) broadcast(frame []byte, except Member) {
	_, handles := d.channels.All()
	for _, m := range handles {
		if m == except {
			continue
		}
		d.deliver(m, frame)
	}
}

func (d *Dispatcher) deliverAction(m Member, msg protocol.ActionMessage) {
	frame, err := msg.Encode()
	if err != nil {
		d.logger.Error("Failed to encode frame", "error", err, "run", m.RunID())
		return
	}
	d.deliver(m, frame)
}

// deliverTo is deliver for an optional recipient
func (d *Dispatcher) deliverTo(m Member, frame []byte) {
	if m != nil {
		d.deliver(m, frame)
	}
}

// deliver hands a frame to a channel without blocking. Channels that refuse it are
// evicted once the current message has been handled.
func (d *Dispatcher) deliver(m Member, frame []byte) {
	if m.Deliver(frame) {
		return
	}
	if !slices.Contains(d.evictions, m) {
		d.evictions = append(d.evictions, m)
	}
}
