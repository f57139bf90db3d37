package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabHub/backend/internal/auth"
	"collabHub/backend/internal/collab"
)

type Options struct {
	// 为空时只允许本地开发来源
	AllowedOrigins []string
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	// 单条入站消息上限
	MaxMessageBytes int64
	Logger          *zap.Logger
}

var localOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

type Manager struct {
	svc      *collab.Service
	opt      Options
	upgrader websocket.Upgrader
}

func NewManager(svc *collab.Service, opt Options) *Manager {
	if opt.PongWait <= 0 {
		opt.PongWait = 60 * time.Second
	}
	if opt.PingInterval <= 0 || opt.PingInterval >= opt.PongWait {
		opt.PingInterval = opt.PongWait * 9 / 10
	}
	if opt.WriteWait <= 0 {
		opt.WriteWait = 10 * time.Second
	}
	if opt.MaxMessageBytes <= 0 {
		opt.MaxMessageBytes = 1 << 20
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if len(opt.AllowedOrigins) == 0 {
		opt.AllowedOrigins = localOrigins
	}
	m := &Manager{svc: svc, opt: opt}
	m.upgrader = websocket.Upgrader{CheckOrigin: m.checkOrigin}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	for _, p := range m.opt.AllowedOrigins {
		if p == "*" || strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

// WebSocketConnect 需要挂在 auth.Middleware 之后
func (m *Manager) WebSocketConnect(c *gin.Context) {
	u, ok := auth.CurrentUser(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "login required"})
		return
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.opt.Logger.Warn("websocket upgrade failed", zap.Error(err), zap.String("origin", c.Request.Header.Get("Origin")))
		return
	}
	defer conn.Close()

	sub, err := m.svc.Connect(u)
	if err != nil {
		m.opt.Logger.Error("register connection failed", zap.Uint64("user", u.ID), zap.Error(err))
		return
	}
	wsConn := newConn(conn, sub, m.svc, m.opt)

	// 写循环在出站队列关闭后退出；读循环阻塞至连接关闭
	done := make(chan struct{})
	go func() {
		defer close(done)
		wsConn.writeLoop()
	}()
	wsConn.readLoop(c.Request.Context())
	m.svc.Disconnect(sub.ConnID)
	<-done
}
