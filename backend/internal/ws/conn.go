package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabHub/backend/internal/broadcast"
	"collabHub/backend/internal/collab"
	"collabHub/backend/internal/errcode"
	"collabHub/backend/internal/oplog"
	"collabHub/backend/internal/protocol"
	"collabHub/backend/internal/signaling"
)

// Conn 一条 WebSocket 连接。只有 writeLoop 写 socket，读循环的回复也走出站队列
type Conn struct {
	ws     *websocket.Conn
	sub    *broadcast.Subscriber
	svc    *collab.Service
	opt    Options
	logger *zap.Logger
}

func newConn(ws *websocket.Conn, sub *broadcast.Subscriber, svc *collab.Service, opt Options) *Conn {
	return &Conn{
		ws:  ws,
		sub: sub,
		svc: svc,
		opt: opt,
		logger: opt.Logger.With(
			zap.String("conn", sub.ConnID),
			zap.Uint64("user", sub.User.ID),
		),
	}
}

func (c *Conn) reply(m protocol.ServerMessage) {
	// 队列满时连接会被驱逐，这里不需要再处理
	_ = c.svc.Reply(c.sub.ConnID, m)
}

func (c *Conn) replyErr(roomID string, err error) {
	m := protocol.ErrorMessage(roomID, errcode.Code(err), err.Error())
	if v, ok := errcode.LatestVersion(err); ok {
		m.Version = v
	}
	c.reply(m)
}

func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(c.opt.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opt.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opt.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("websocket read failed", zap.Error(err))
			}
			return
		}
		// 任何入站消息都算活跃
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opt.PongWait))

		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(protocol.ErrorMessage("", "INVALID_MESSAGE", "malformed json"))
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Conn) handle(ctx context.Context, msg protocol.ClientMessage) {
	connID := c.sub.ConnID
	switch msg.Type {
	case protocol.TypeSubscribe:
		if _, err := c.svc.Subscribe(ctx, connID, msg.RoomID, msg.LastKnownVersion); err != nil {
			c.replyErr(msg.RoomID, err)
		}

	case protocol.TypeUnsubscribe:
		if err := c.svc.Unsubscribe(connID, msg.RoomID); err != nil {
			c.replyErr(msg.RoomID, err)
		}

	case protocol.TypeHeartbeat:
		c.svc.Heartbeat(connID, msg.RoomID)
		c.reply(protocol.ServerMessage{Type: protocol.TypeFeedback, RoomID: msg.RoomID, Content: "heartbeat received"})

	case protocol.TypeOpSubmit:
		// 成功时 ack 由房间 sequencer 发出，保证它排在同版本广播之前
		_, err := c.svc.Submit(ctx, connID, collab.Submission{
			RoomID:      msg.RoomID,
			BaseVersion: msg.BaseVersion,
			ClientID:    msg.ClientID,
			ClientSeq:   msg.ClientSeq,
			Kind:        oplog.Kind(msg.Kind),
			Payload:     msg.Payload,
		})
		if err != nil {
			m := protocol.ErrorMessage(msg.RoomID, errcode.Code(err), err.Error())
			m.BaseVersion = msg.BaseVersion
			m.ClientID = msg.ClientID
			m.ClientSeq = msg.ClientSeq
			if v, ok := errcode.LatestVersion(err); ok {
				m.Version = v
			}
			c.reply(m)
		}

	case protocol.TypeSync:
		ops, latest, err := c.svc.Sync(ctx, connID, msg.RoomID, msg.FromVersion, msg.Limit)
		if err != nil {
			c.replyErr(msg.RoomID, err)
			return
		}
		c.reply(protocol.ServerMessage{Type: protocol.TypeSync, RoomID: msg.RoomID, Version: latest, Ops: ops})

	case protocol.TypeSignal:
		if err := c.svc.Signal(ctx, connID, msg.RoomID, msg.To, signaling.Kind(msg.Kind), msg.Payload); err != nil {
			c.replyErr(msg.RoomID, err)
		}

	case protocol.TypeLoadContent:
		content, v, err := c.svc.Content(ctx, connID, msg.RoomID)
		if err != nil {
			c.replyErr(msg.RoomID, err)
			return
		}
		c.reply(protocol.ServerMessage{Type: protocol.TypeContent, RoomID: msg.RoomID, Version: v, Content: content})

	case protocol.TypeSaveSnapshot:
		v, err := c.svc.SaveSnapshot(ctx, connID, msg.RoomID)
		if err != nil {
			c.replyErr(msg.RoomID, err)
			return
		}
		c.reply(protocol.ServerMessage{Type: protocol.TypeSnapshotSaved, RoomID: msg.RoomID, Version: v})

	case protocol.TypeListPresence:
		members, err := c.svc.ListPresence(connID, msg.RoomID)
		if err != nil {
			c.replyErr(msg.RoomID, err)
			return
		}
		c.reply(protocol.ServerMessage{Type: protocol.TypePresence, RoomID: msg.RoomID, Members: members})

	default:
		c.reply(protocol.ErrorMessage(msg.RoomID, "UNKNOWN_TYPE", "unknown message type "+msg.Type))
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.opt.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.sub.C():
			if !ok {
				c.closeWith(c.sub.Reason())
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opt.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				// 让读循环退出，由它触发 Disconnect 关闭队列
				_ = c.ws.Close()
				c.drain()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opt.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.ws.Close()
				c.drain()
				return
			}
		}
	}
}

// closeWith 队列被关闭：正常断开回 1000，被驱逐回 1013 + TRANSPORT_FAILURE
func (c *Conn) closeWith(reason error) {
	code, text := websocket.CloseNormalClosure, ""
	if errors.Is(reason, errcode.ErrTransportFailure) {
		code, text = websocket.CloseTryAgainLater, protocol.CloseReasonTransportFailure
		c.logger.Info("closing evicted connection")
	}
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(c.opt.WriteWait))
	_ = c.ws.Close()
}

// drain 写失败后丢弃剩余消息，直到 Disconnect 关闭队列
func (c *Conn) drain() {
	for range c.sub.C() {
	}
}
