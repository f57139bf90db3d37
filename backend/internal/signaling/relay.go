package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"collabHub/backend/internal/auth"
	"collabHub/backend/internal/errcode"
	"collabHub/backend/internal/metrics"
	"collabHub/backend/internal/protocol"
	"collabHub/backend/internal/room"
)

type Kind string

const (
	KindOffer  Kind = "offer"
	KindAnswer Kind = "answer"
	KindICE    Kind = "ice"
)

const EventIncomingSignal = "incoming_signal"

// Envelope 一次点对点信令，不落库
type Envelope struct {
	RoomID   string
	From     auth.User
	FromConn string
	To       uint64
	Kind     Kind
	Payload  json.RawMessage
}

// Transport 由 broadcast.Broadcaster 实现
type Transport interface {
	ConnectionsOf(roomID string, userID uint64) []string
	SendTo(connID string, msg []byte) error
}

type Notifier interface {
	Notify(ctx context.Context, userID uint64, event string, attrs map[string]string) error
}

type Relay struct {
	transport Transport
	notifier  Notifier
	logger    *zap.Logger
	now       func() time.Time
}

func NewRelay(transport Transport, notifier Notifier, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{transport: transport, notifier: notifier, logger: logger, now: time.Now}
}

// Validate 用 pion 的类型校验 SDP / ICE candidate
func Validate(kind Kind, payload json.RawMessage) error {
	switch kind {
	case KindOffer, KindAnswer:
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(payload, &sd); err != nil {
			return fmt.Errorf("%w: decode %s: %v", errcode.ErrInvalidSignal, kind, err)
		}
		want := webrtc.SDPTypeOffer
		if kind == KindAnswer {
			want = webrtc.SDPTypeAnswer
		}
		if sd.Type != want {
			return fmt.Errorf("%w: sdp type %q does not match %s", errcode.ErrInvalidSignal, sd.Type.String(), kind)
		}
		if _, err := sd.Unmarshal(); err != nil {
			return fmt.Errorf("%w: parse sdp: %v", errcode.ErrInvalidSignal, err)
		}
	case KindICE:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(payload, &c); err != nil {
			return fmt.Errorf("%w: decode ice: %v", errcode.ErrInvalidSignal, err)
		}
		if c.Candidate == "" {
			// 空 candidate 表示 end-of-candidates，合法
			return nil
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", errcode.ErrInvalidSignal, kind)
	}
	return nil
}

// Relay 至多一次投递给目标用户在该房间内最新的连接；目标不可达时丢弃并返回 nil
func (r *Relay) Relay(ctx context.Context, env Envelope) error {
	id, err := room.ParseID(env.RoomID)
	if err != nil {
		return err
	}
	if !id.Kind.CarriesSignaling() {
		return fmt.Errorf("%w: %s rooms do not carry signaling", errcode.ErrInvalidSignal, id.Kind)
	}
	if env.To == 0 || env.To == env.From.ID {
		return fmt.Errorf("%w: bad target %d", errcode.ErrInvalidSignal, env.To)
	}
	if err := Validate(env.Kind, env.Payload); err != nil {
		return err
	}

	msg := protocol.Encode(protocol.ServerMessage{
		Type:   protocol.TypeSignal,
		RoomID: env.RoomID,
		Signal: &protocol.Signal{
			From:     env.From.ID,
			Username: env.From.Username,
			To:       env.To,
			Kind:     string(env.Kind),
			Payload:  env.Payload,
			SentAt:   r.now().UTC(),
		},
	})

	conns := r.transport.ConnectionsOf(env.RoomID, env.To)
	if len(conns) > 0 {
		target := conns[len(conns)-1]
		if err := r.transport.SendTo(target, msg); err == nil {
			metrics.SignalsRelayed.WithLabelValues(string(env.Kind)).Inc()
			return nil
		}
	}

	r.drop(ctx, env)
	return nil
}

func (r *Relay) drop(ctx context.Context, env Envelope) {
	metrics.SignalsDropped.WithLabelValues(string(env.Kind)).Inc()
	r.logger.Info("signal dropped",
		zap.Error(errcode.ErrSignalTargetUnreachable),
		zap.String("room", env.RoomID),
		zap.Uint64("from", env.From.ID),
		zap.Uint64("to", env.To),
		zap.String("kind", string(env.Kind)))
	if r.notifier == nil {
		return
	}
	attrs := map[string]string{
		"roomId": env.RoomID,
		"from":   fmt.Sprint(env.From.ID),
		"kind":   string(env.Kind),
	}
	if err := r.notifier.Notify(ctx, env.To, EventIncomingSignal, attrs); err != nil {
		r.logger.Warn("notify failed", zap.Uint64("user", env.To), zap.Error(err))
	}
}
