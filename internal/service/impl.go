package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/studyhub/groupchannel/internal/channel"
	"github.com/studyhub/groupchannel/internal/dispatcher"
	"github.com/studyhub/groupchannel/internal/otel"
	"github.com/studyhub/groupchannel/internal/telemetry"
)

const (
	// ServiceTracerName is the name used for the channel service tracer
	ServiceTracerName = "github.com/studyhub/groupchannel/service"

	// DefaultAskTimeout bounds every request the service makes to a dispatcher
	DefaultAskTimeout = 5 * time.Second

	// openAttempts covers a dispatcher being unregistered between lookup and use
	openAttempts = 2
)

// channelService implements ChannelService on top of the dispatcher registry
type channelService struct {
	registry   *dispatcher.Registry
	channelCfg channel.Config
	askTimeout time.Duration
	tracer     trace.Tracer
	metrics    *telemetry.ChannelMetrics
}

var _ ChannelService = (*channelService)(nil)

// Option is a functional option for configuring the channel service
type Option func(*channelService)

// WithAskTimeout sets how long the service waits for a dispatcher reply
func WithAskTimeout(timeout time.Duration) Option {
	return func(s *channelService) {
		if timeout > 0 {
			s.askTimeout = timeout
		}
	}
}

// WithChannelConfig sets the configuration of the channels the service opens
func WithChannelConfig(cfg channel.Config) Option {
	return func(s *channelService) {
		s.channelCfg = cfg
	}
}

// WithTracerProvider sets the tracer provider for the service spans
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *channelService) {
		if tp != nil {
			s.tracer = tp.Tracer(ServiceTracerName)
		}
	}
}

// WithMetrics sets the metrics the service records request latencies to
func WithMetrics(m *telemetry.ChannelMetrics) Option {
	return func(s *channelService) {
		s.metrics = m
	}
}

// New creates a ChannelService. The registry must be started separately.
func New(registry *dispatcher.Registry, opts ...Option) (ChannelService, error) {
	if registry == nil {
		return nil, fmt.Errorf("dispatcher registry is required")
	}

	s := &channelService{
		registry:   registry,
		channelCfg: channel.DefaultConfig(),
		askTimeout: DefaultAskTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ask runs fn under the ask timeout and records how long it waited
func (s *channelService) ask(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.askTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	s.metrics.RecordAsk(ctx, operation, time.Since(start), errors.Is(err, ErrTimeout))
	return err
}

// CheckReadiness implements ChannelService.CheckReadiness
func (s *channelService) CheckReadiness(ctx context.Context) error {
	return s.ask(ctx, "check_readiness", func(ctx context.Context) error {
		if _, err := s.registry.Groups(ctx); err != nil {
			return fmt.Errorf("dispatcher registry not responding: %w", err)
		}
		return nil
	})
}

// OpenChannel implements ChannelService.OpenChannel
func (s *channelService) OpenChannel(ctx context.Context, run Run) (*channel.Channel, error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "channelService.OpenChannel",
		trace.WithAttributes(otel.AttrGroupID.String(run.GroupID), otel.AttrRunID.String(run.RunID)),
	)
	defer span.End()

	if err := run.Validate(); err != nil {
		otel.RecordError(span, err)
		return nil, err
	}

	var ch *channel.Channel
	err := s.ask(ctx, "open_channel", func(ctx context.Context) error {
		for range openAttempts {
			d, err := s.registry.GetOrCreate(ctx, run.GroupID)
			if err != nil {
				return fmt.Errorf("failed to get group dispatcher: %w", err)
			}

			// Finished groups are refused before the connection is upgraded
			info, err := d.Snapshot(ctx)
			if errors.Is(err, dispatcher.ErrStopped) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to read group state: %w", err)
			}
			if info.State == dispatcher.StateFinished {
				return fmt.Errorf("%w: %s", ErrGroupFinished, run.GroupID)
			}

			replaced, err := d.PoisonChannel(ctx, run.RunID)
			if errors.Is(err, dispatcher.ErrStopped) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to close previous channel: %w", err)
			}
			if replaced {
				slog.Debug("Closed previous channel of run", "group", run.GroupID, "run", run.RunID)
			}

			ch = channel.New(run.RunID, d, s.channelCfg)
			return nil
		}
		return fmt.Errorf("%w: %s", ErrGroupUnavailable, run.GroupID)
	})
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	return ch, nil
}

// CloseChannel implements ChannelService.CloseChannel
func (s *channelService) CloseChannel(run Run) {
	go func() {
		err := s.ask(context.Background(), "close_channel", func(ctx context.Context) error {
			d, err := s.registry.Get(ctx, run.GroupID)
			if err != nil {
				return err
			}
			if !d.TryPoisonChannel(run.RunID) {
				return fmt.Errorf("group %s did not accept the request", run.GroupID)
			}
			return nil
		})
		if err != nil {
			slog.Debug("Channel not closed", "group", run.GroupID, "run", run.RunID, "error", err)
		}
	}()
}

// UpdateSession implements ChannelService.UpdateSession
func (s *channelService) UpdateSession(ctx context.Context, run Run, update SessionUpdate) (*SessionResult, error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "channelService.UpdateSession",
		trace.WithAttributes(otel.AttrGroupID.String(run.GroupID), otel.AttrRunID.String(run.RunID)),
	)
	defer span.End()

	if run.GroupID == "" {
		err := fmt.Errorf("%w: group ID is required", ErrInvalidRun)
		otel.RecordError(span, err)
		return nil, err
	}

	req := update.request()
	if err := req.Validate(); err != nil {
		otel.RecordError(span, err)
		return nil, err
	}

	var result dispatcher.SessionResult
	err := s.ask(ctx, "update_session", func(ctx context.Context) error {
		d, err := s.registry.GetOrCreate(ctx, run.GroupID)
		if err != nil {
			return fmt.Errorf("failed to get group dispatcher: %w", err)
		}
		result, err = d.UpdateSession(ctx, run.RunID, req)
		return err
	})
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}

	status := SessionConflict
	if result.Accepted {
		status = SessionAccepted
	}
	span.SetAttributes(
		otel.AttrSessionAccepted.Bool(result.Accepted),
		otel.AttrSessionVersion.Int64(result.Version),
	)

	return &SessionResult{
		Status:  status,
		Version: result.Version,
		Data:    result.Data,
	}, nil
}

// Session implements ChannelService.Session
func (s *channelService) Session(ctx context.Context, groupID string) (*Session, error) {
	info, err := s.GroupInfo(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return &Session{Version: info.Version, Data: info.Data}, nil
}

// GroupInfo implements ChannelService.GroupInfo
func (s *channelService) GroupInfo(ctx context.Context, groupID string) (*GroupInfo, error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "channelService.GroupInfo",
		trace.WithAttributes(otel.AttrGroupID.String(groupID)),
	)
	defer span.End()

	var info dispatcher.GroupInfo
	err := s.ask(ctx, "group_info", func(ctx context.Context) error {
		d, err := s.registry.Get(ctx, groupID)
		if err != nil {
			return err
		}
		info, err = d.Snapshot(ctx)
		return err
	})
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}

	return &GroupInfo{
		GroupID:  info.GroupID,
		State:    string(info.State),
		Members:  info.Members,
		Channels: info.Channels,
		Version:  info.Version,
		Data:     info.Data,
	}, nil
}

// Groups implements ChannelService.Groups
func (s *channelService) Groups(ctx context.Context) ([]string, error) {
	var groups []string
	err := s.ask(ctx, "groups", func(ctx context.Context) error {
		var err error
		groups, err = s.registry.Groups(ctx)
		return err
	})
	return groups, err
}

// Send implements ChannelService.Send
func (s *channelService) Send(ctx context.Context, groupID, recipient string, payload json.RawMessage) error {
	ctx, span := otel.StartSpan(ctx, s.tracer, "channelService.Send",
		trace.WithAttributes(otel.AttrGroupID.String(groupID), otel.AttrRunID.String(recipient)),
	)
	defer span.End()

	if len(payload) == 0 || !json.Valid(payload) {
		err := fmt.Errorf("%w: payload must be valid JSON", ErrInvalidMessage)
		otel.RecordError(span, err)
		return err
	}

	err := s.ask(ctx, "send", func(ctx context.Context) error {
		d, err := s.registry.Get(ctx, groupID)
		if err != nil {
			return err
		}
		if recipient == "" {
			d.Broadcast(nil, payload)
		} else {
			d.Unicast(nil, recipient, payload)
		}
		return nil
	})
	otel.RecordError(span, err)
	return err
}

// LeaveGroup implements ChannelService.LeaveGroup
func (s *channelService) LeaveGroup(ctx context.Context, run Run) (bool, error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "channelService.LeaveGroup",
		trace.WithAttributes(otel.AttrGroupID.String(run.GroupID), otel.AttrRunID.String(run.RunID)),
	)
	defer span.End()

	if err := run.Validate(); err != nil {
		otel.RecordError(span, err)
		return false, err
	}

	var left bool
	err := s.ask(ctx, "leave_group", func(ctx context.Context) error {
		d, err := s.registry.Get(ctx, run.GroupID)
		if err != nil {
			return err
		}
		left, err = d.Drop(ctx, run.RunID)
		return err
	})
	otel.RecordError(span, err)
	return left, err
}

// ReassignChannel implements ChannelService.ReassignChannel
func (s *channelService) ReassignChannel(ctx context.Context, run Run, targetGroupID string) (bool, error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "channelService.ReassignChannel",
		trace.WithAttributes(
			otel.AttrGroupID.String(run.GroupID),
			otel.AttrRunID.String(run.RunID),
			otel.AttrTargetGroupID.String(targetGroupID),
		),
	)
	defer span.End()

	if err := run.Validate(); err != nil {
		otel.RecordError(span, err)
		return false, err
	}
	if targetGroupID == "" || targetGroupID == run.GroupID {
		err := fmt.Errorf("%w: target group must differ from %s", ErrInvalidReassignment, run.GroupID)
		otel.RecordError(span, err)
		return false, err
	}

	var moved bool
	err := s.ask(ctx, "reassign_channel", func(ctx context.Context) error {
		source, err := s.registry.Get(ctx, run.GroupID)
		if err != nil {
			return err
		}
		target, err := s.registry.GetOrCreate(ctx, targetGroupID)
		if err != nil {
			return fmt.Errorf("failed to get target group dispatcher: %w", err)
		}
		moved, err = source.Reassign(ctx, run.RunID, target)
		return err
	})
	otel.RecordError(span, err)
	return moved, err
}

// FinishGroup implements ChannelService.FinishGroup
func (s *channelService) FinishGroup(ctx context.Context, groupID string) error {
	ctx, span := otel.StartSpan(ctx, s.tracer, "channelService.FinishGroup",
		trace.WithAttributes(otel.AttrGroupID.String(groupID)),
	)
	defer span.End()

	if groupID == "" {
		err := fmt.Errorf("%w: group ID is required", ErrInvalidRun)
		otel.RecordError(span, err)
		return err
	}

	err := s.ask(ctx, "finish_group", func(ctx context.Context) error {
		d, err := s.registry.GetOrCreate(ctx, groupID)
		if err != nil {
			return fmt.Errorf("failed to get group dispatcher: %w", err)
		}
		if err := d.Finish(ctx); err != nil {
			return err
		}
		_, err = s.registry.Unregister(ctx, groupID)
		return err
	})
	if err != nil {
		otel.RecordError(span, err)
		return err
	}

	slog.Info("Group finished", "group", groupID)
	return nil
}
