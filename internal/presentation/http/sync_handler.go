// Package http 提供 REST 辅助接口（房间列表、历史分页、已读、登出清理）。
// 主链路在 WS 接入层，这里服务于轮询客户端与运维排查。
package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"go-msgsync/internal/auth"
	"go-msgsync/internal/config"
	"go-msgsync/internal/services"
	"go-msgsync/internal/store"
	"go-msgsync/internal/syncer"
)

type SyncHandler struct {
	Cfg      *config.Config
	Msgs     *services.MessageService
	Rooms    *store.RoomStore
	Receipts *store.ReceiptStore
	Fetcher  *syncer.PageFetcher
	Cache    *syncer.MessageCache
	Manager  *syncer.SyncManager
}

// AuthMiddleware 解析 Bearer 令牌并注入 userId。
func (h *SyncHandler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			token = c.Query("token")
		}
		claims, err := auth.ParseJWT(h.Cfg.JWTSecret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set("userId", claims.UserID)
		c.Next()
	}
}

func (h *SyncHandler) Register(r *gin.RouterGroup) {
	r.Use(h.AuthMiddleware())
	r.GET("/rooms", h.listRooms)
	r.GET("/rooms/:roomId/messages", h.listMessages)
	r.POST("/rooms/:roomId/read", h.markRead)
	r.POST("/read-all", h.markAllRead)
	r.POST("/logout", h.logout)
}

// GET /api/rooms 房间列表（含未读角标，按最新消息倒序）。
func (h *SyncHandler) listRooms(c *gin.Context) {
	userID := c.GetString("userId")
	list, err := h.Rooms.ListWithUnread(c.Request.Context(), userID, h.Receipts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": list})
}

// GET /api/rooms/:roomId/messages?before=<毫秒时间戳> 历史分页。
// 不带 before 拉最新一页；响应携带 nextCursor 与 hasMore。
func (h *SyncHandler) listMessages(c *gin.Context) {
	roomID := c.Param("roomId")
	userID := c.GetString("userId")
	ctx := c.Request.Context()

	var page *syncer.Page
	var err error
	if beforeStr := c.Query("before"); beforeStr != "" {
		ms, perr := strconv.ParseInt(beforeStr, 10, 64)
		if perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad before cursor"})
			return
		}
		page, err = h.Fetcher.FetchBefore(ctx, roomID, time.UnixMilli(ms))
	} else {
		page, err = h.Fetcher.FetchNewest(ctx, roomID)
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{"messages": filterVisible(page, userID), "hasMore": page.HasMore}
	if page.NextCursor != nil {
		resp["nextCursor"] = page.NextCursor.UnixMilli()
	}
	c.JSON(http.StatusOK, resp)
}

func filterVisible(page *syncer.Page, userID string) []any {
	out := make([]any, 0, len(page.Messages))
	for _, m := range page.Messages {
		if m.VisibleTo(userID) {
			out = append(out, m)
		}
	}
	return out
}

// POST /api/rooms/:roomId/read {readAt} 推进单房间已读水位。
func (h *SyncHandler) markRead(c *gin.Context) {
	var body struct {
		ReadAt int64 `json:"readAt"`
	}
	_ = c.ShouldBindJSON(&body)
	if err := h.Msgs.MarkRead(c.Request.Context(), c.GetString("userId"), c.Param("roomId"), body.ReadAt); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// POST /api/read-all 全部房间标记已读（分块并发）。
func (h *SyncHandler) markAllRead(c *gin.Context) {
	if err := h.Msgs.MarkAllRead(c.Request.Context(), c.GetString("userId")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// POST /api/logout 关闭该用户全部会话并清空其缓存窗口。
func (h *SyncHandler) logout(c *gin.Context) {
	h.Manager.Logout(c.Request.Context(), c.GetString("userId"))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
