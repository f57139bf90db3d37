package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"collabHub/backend/internal/auth"
	"collabHub/backend/internal/collab"
	"collabHub/backend/internal/errcode"
	"collabHub/backend/internal/signaling"
)

// RoomHandler 房间的只读 HTTP 接口；写入只走 WebSocket
type RoomHandler struct {
	svc *collab.Service
	ice signaling.ICEOptions
}

func NewRoomHandler(svc *collab.Service, ice signaling.ICEOptions) *RoomHandler {
	return &RoomHandler{svc: svc, ice: ice}
}

// Register 挂载到已带 auth.Middleware 的路由组
func (h *RoomHandler) Register(g *gin.RouterGroup) {
	g.GET("/rooms", h.ListRooms)
	g.GET("/rooms/:roomId/ops", h.GetOps())
	g.GET("/rooms/:roomId/presence", h.GetPresence())
	g.GET("/rooms/:roomId/content", h.GetContent())
	g.GET("/ice-config", h.GetICEConfig)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errcode.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, errcode.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errcode.ErrInvalidRoom), errors.Is(err, errcode.ErrInvalidOperation):
		return http.StatusBadRequest
	case errors.Is(err, errcode.ErrHistoryUnavailable):
		return http.StatusGone
	case errors.Is(err, errcode.ErrRoomClosed):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func abortWithErr(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusOf(err), gin.H{"code": errcode.Code(err), "message": err.Error()})
}

// 工厂函数：取当前用户和 roomId，调用 fn，把结果原样返回
func (h *RoomHandler) makeRoomHandler(
	fn func(ctx context.Context, c *gin.Context, u auth.User, roomID string) (any, error),
) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := auth.CurrentUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "login required"})
			return
		}
		roomID := c.Param("roomId")
		val, err := fn(c.Request.Context(), c, u, roomID)
		if err != nil {
			abortWithErr(c, err)
			return
		}
		c.JSON(http.StatusOK, val)
	}
}

// GetOps GET /rooms/:roomId/ops?from=&limit=
func (h *RoomHandler) GetOps() gin.HandlerFunc {
	return h.makeRoomHandler(func(ctx context.Context, c *gin.Context, u auth.User, roomID string) (any, error) {
		from, err := strconv.ParseUint(c.DefaultQuery("from", "0"), 10, 64)
		if err != nil {
			return nil, errcode.ErrInvalidOperation
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
		if err != nil || limit < 0 {
			return nil, errcode.ErrInvalidOperation
		}
		ops, err := h.svc.ReadOps(ctx, u, roomID, from, limit)
		if err != nil {
			return nil, err
		}
		return gin.H{"roomId": roomID, "from": from, "ops": ops}, nil
	})
}

func (h *RoomHandler) GetPresence() gin.HandlerFunc {
	return h.makeRoomHandler(func(ctx context.Context, _ *gin.Context, u auth.User, roomID string) (any, error) {
		members, err := h.svc.RoomPresence(ctx, u, roomID)
		if err != nil {
			return nil, err
		}
		return gin.H{"roomId": roomID, "state": h.svc.RoomState(roomID).String(), "members": members}, nil
	})
}

func (h *RoomHandler) GetContent() gin.HandlerFunc {
	return h.makeRoomHandler(func(ctx context.Context, _ *gin.Context, u auth.User, roomID string) (any, error) {
		content, v, err := h.svc.RoomContent(ctx, u, roomID)
		if err != nil {
			return nil, err
		}
		return gin.H{"roomId": roomID, "version": v, "content": content}, nil
	})
}

// ListRooms GET /rooms，管理员查看本实例和集群内的活跃房间
func (h *RoomHandler) ListRooms(c *gin.Context) {
	u, ok := auth.CurrentUser(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "login required"})
		return
	}
	rooms, err := h.svc.ListRooms(c.Request.Context(), u)
	if err != nil {
		abortWithErr(c, err)
		return
	}
	c.JSON(http.StatusOK, rooms)
}

func (h *RoomHandler) GetICEConfig(c *gin.Context) {
	c.JSON(http.StatusOK, signaling.WebRTCConfig(h.ice))
}

func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
