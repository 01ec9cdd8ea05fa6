package sidecar

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/oj-sh/oj/internal/common/logger"
	"github.com/oj-sh/oj/internal/event"
)

// BridgeConfig bounds the bridge's subscription retry loop.
type BridgeConfig struct {
	SubscribeRetries    int
	SubscribeRetryDelay time.Duration
	StatePollTimeout    time.Duration
}

// DefaultBridgeConfig mirrors the sidecar contract: up to ~10 x 500ms
// subscribe attempts and a 3s bound on the join-race state poll.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		SubscribeRetries:    10,
		SubscribeRetryDelay: 500 * time.Millisecond,
		StatePollTimeout:    3 * time.Second,
	}
}

// Bridge subscribes to one sidecar's state stream and translates frames into
// engine events. A close frame, stream end, or socket error emits AgentGone.
type Bridge struct {
	agentID string
	client  *Client
	cfg     BridgeConfig
	submit  func(event.Payload)
	logger  *logger.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewBridge creates a bridge for agentID. submit receives translated events;
// it must not block.
func NewBridge(agentID string, client *Client, cfg BridgeConfig, submit func(event.Payload), log *logger.Logger) *Bridge {
	return &Bridge{
		agentID: agentID,
		client:  client,
		cfg:     cfg,
		submit:  submit,
		logger:  log.WithAgentID(agentID).WithFields(zap.String("component", "sidecar-bridge")),
		done:    make(chan struct{}),
	}
}

// Start launches the bridge task.
func (b *Bridge) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	go b.run(ctx)
}

// Stop tears the bridge down without emitting AgentGone.
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	<-b.done
}

func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)

	conn, err := b.subscribe(ctx)
	if err != nil {
		b.logger.Warn("subscription failed, reporting agent gone", zap.Error(err))
		b.submit(&event.AgentGone{AgentID: b.agentID})
		return
	}
	defer func() { _ = conn.Close() }()

	// Poll the state endpoint right after subscribing to capture transitions
	// that happened before the subscription (the join race).
	b.pollState(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Debug("stream ended", zap.Error(err))
			b.submit(&event.AgentGone{AgentID: b.agentID})
			return
		}
		b.handleFrame(data)
	}
}

func (b *Bridge) subscribe(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			d := &net.Dialer{Timeout: 5 * time.Second}
			return d.DialContext(ctx, "unix", b.client.SocketPath())
		},
		HandshakeTimeout: 5 * time.Second,
	}
	url := "ws://sidecar/ws?subscribe=state,messages"
	var lastErr error
	for attempt := 0; attempt < b.cfg.SubscribeRetries; attempt++ {
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.cfg.SubscribeRetryDelay):
		}
	}
	return nil, lastErr
}

func (b *Bridge) pollState(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, b.cfg.StatePollTimeout)
	defer cancel()
	status, err := b.client.Agent(pollCtx)
	if err != nil {
		b.logger.Debug("join-race state poll failed", zap.Error(err))
		return
	}
	if p := b.translateState(status); p != nil {
		b.submit(p)
	}
}

// frame is the wire shape of one WS message: {"event": <t>, ...}.
type frame struct {
	Event         string          `json:"event"`
	State         string          `json:"state,omitempty"`
	ExitCode      int             `json:"exit_code,omitempty"`
	LastMessage   string          `json:"last_message,omitempty"`
	Outcome       string          `json:"outcome,omitempty"`
	Prompt        *PromptPayload  `json:"prompt,omitempty"`
	ErrorCategory string          `json:"error_category,omitempty"`
	ErrorDetail   string          `json:"error_detail,omitempty"`
	Message       string          `json:"message,omitempty"`
	Options       []string        `json:"options,omitempty"`
	Raw           json.RawMessage `json:"data,omitempty"`
}

func (b *Bridge) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		b.logger.Warn("undecodable frame", zap.ByteString("frame", data))
		return
	}
	switch f.Event {
	case "transition":
		if p := b.translateTransition(&f); p != nil {
			b.submit(p)
		}
	case "exit":
		b.submit(&event.AgentExited{
			AgentID:     b.agentID,
			ExitCode:    f.ExitCode,
			LastMessage: f.LastMessage,
		})
	case "stop:outcome":
		if f.Outcome == "blocked" {
			b.submit(&event.AgentStopBlocked{AgentID: b.agentID})
		} else {
			b.submit(&event.AgentStopAllowed{AgentID: b.agentID})
		}
	case "signal":
		b.submit(&event.AgentSignal{AgentID: b.agentID, Message: f.Message, Options: f.Options})
	case "message:raw":
		// Raw transcript chunks are not engine events.
	default:
		b.logger.Debug("ignoring frame", zap.String("event", f.Event))
	}
}

func (b *Bridge) translateTransition(f *frame) event.Payload {
	switch AgentState(f.State) {
	case StateWorking:
		return &event.AgentWorking{AgentID: b.agentID}
	case StateIdle:
		return &event.AgentIdle{AgentID: b.agentID}
	case StatePrompt:
		return &event.AgentPrompt{AgentID: b.agentID, Prompt: translatePrompt(f.Prompt)}
	case StateError:
		return &event.AgentFailed{
			AgentID:  b.agentID,
			Category: MapErrorCategory(f.ErrorCategory),
			Detail:   f.ErrorDetail,
		}
	case StateExited:
		return &event.AgentExited{AgentID: b.agentID, ExitCode: f.ExitCode, LastMessage: f.LastMessage}
	case StateStarting:
		return nil
	default:
		return &event.AgentWaiting{AgentID: b.agentID}
	}
}

func (b *Bridge) translateState(status *AgentStatus) event.Payload {
	f := &frame{
		State:         string(status.State),
		LastMessage:   status.LastMessage,
		Prompt:        status.Prompt,
		ErrorCategory: status.ErrorCategory,
		ErrorDetail:   status.ErrorDetail,
	}
	return b.translateTransition(f)
}

func translatePrompt(p *PromptPayload) event.PromptInfo {
	if p == nil {
		return event.PromptInfo{}
	}
	info := event.PromptInfo{Type: p.Type, Input: p.Input}
	for _, q := range p.Questions {
		info.Questions = append(info.Questions, event.PromptEntry{
			Header:      q.Header,
			Question:    q.Question,
			Options:     q.Options,
			MultiSelect: q.MultiSelect,
		})
	}
	return info
}

// MapErrorCategory maps the sidecar's error category onto the engine's
// taxonomy: Unauthorized, OutOfCredits, else Other.
func MapErrorCategory(category string) event.ErrorCategory {
	switch category {
	case "unauthorized", "Unauthorized":
		return event.ErrUnauthorized
	case "out_of_credits", "OutOfCredits":
		return event.ErrOutOfCredits
	default:
		return event.ErrOther
	}
}
