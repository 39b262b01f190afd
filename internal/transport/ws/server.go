// Package ws 提供同步网关的 WebSocket 接入层。
// 客户端连上后按房间订阅，服务端把合并视图与提示音事件推回连接。
package ws

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"go-msgsync/internal/auth"
	"go-msgsync/internal/config"
	"go-msgsync/internal/metrics"
	"go-msgsync/internal/models"
	"go-msgsync/internal/ratelimit"
	"go-msgsync/internal/services"
	"go-msgsync/internal/syncer"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Frame 客户端上行帧（按 action 取用对应字段）。
type Frame struct {
	Action      string          `json:"action"`
	RoomID      string          `json:"roomId"`
	RoomType    models.RoomType `json:"roomType"`
	MsgID       string          `json:"msgId"`
	ClientMsgID string          `json:"clientMsgId"`
	Text        string          `json:"text"`
	MediaURL    string          `json:"mediaUrl"`
	Emoji       string          `json:"emoji"`
	Pinned      bool            `json:"pinned"`
	ReadAt      int64           `json:"readAt"`
	TTLSeconds  int             `json:"ttlSeconds"`
}

// Event 服务端下行事件。
type Event struct {
	Event    string            `json:"event"`
	RoomID   string            `json:"roomId,omitempty"`
	Messages []*models.Message `json:"messages,omitempty"`
	Message  *models.Message   `json:"message,omitempty"`
	HasMore  *bool             `json:"hasMore,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Action   string            `json:"action,omitempty"`
}

type Server struct {
	Cfg     *config.Config
	Manager *syncer.SyncManager
	Msgs    *services.MessageService
	Limiter *ratelimit.Limiter
}

type client struct {
	userID  string
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu    sync.Mutex
	rooms map[string]bool
}

// 单连接的写需要串行化（gorilla 不允许并发写）
func (c *client) send(ev *Event) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(ev); err != nil {
		log.Printf("ws write err=%v user=%s", err, c.userID)
	}
}

// wsNotifier 把合并会话的输出绑定到一条连接。
type wsNotifier struct{ c *client }

func (n *wsNotifier) OnSnapshot(_, roomID string, msgs []*models.Message) {
	n.c.send(&Event{Event: "room_update", RoomID: roomID, Messages: msgs})
}

func (n *wsNotifier) OnSound(_, roomID string) {
	n.c.send(&Event{Event: "notify_sound", RoomID: roomID})
}

// HandleWS 升级连接并进入读循环。鉴权：?token= 或 Authorization: Bearer。
func (s *Server) HandleWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		h := c.GetHeader("Authorization")
		token = strings.TrimPrefix(h, "Bearer ")
	}
	claims, err := auth.ParseJWT(s.Cfg.JWTSecret, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade err=%v", err)
		return
	}
	cl := &client{userID: claims.UserID, conn: conn, rooms: make(map[string]bool)}
	log.Printf("ws connected user=%s", cl.userID)
	defer s.teardown(cl)

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("ws read err=%v user=%s", err, cl.userID)
			}
			return
		}
		metrics.WSMessagesTotal.WithLabelValues(f.Action).Inc()
		s.dispatch(c.Request.Context(), cl, &f)
	}
}

func (s *Server) dispatch(ctx context.Context, cl *client, f *Frame) {
	switch f.Action {
	case "subscribe_room":
		s.handleSubscribe(ctx, cl, f)
	case "unsubscribe_room":
		s.Manager.CloseRoom(ctx, cl.userID, f.RoomID)
		cl.mu.Lock()
		delete(cl.rooms, f.RoomID)
		cl.mu.Unlock()
		cl.send(&Event{Event: "ack", Action: f.Action, RoomID: f.RoomID})
	case "load_more":
		s.handleLoadMore(ctx, cl, f)
	case "send":
		s.handleSend(ctx, cl, f)
	case "edit":
		s.withMessage(cl, f, func() (*models.Message, error) {
			return s.Msgs.Edit(ctx, cl.userID, f.RoomID, f.MsgID, f.Text)
		})
	case "recall":
		s.withMessage(cl, f, func() (*models.Message, error) {
			return s.Msgs.Recall(ctx, cl.userID, f.RoomID, f.MsgID)
		})
	case "reaction":
		s.withMessage(cl, f, func() (*models.Message, error) {
			return s.Msgs.ToggleReaction(ctx, cl.userID, f.RoomID, f.MsgID, f.Emoji)
		})
	case "pin":
		s.withMessage(cl, f, func() (*models.Message, error) {
			return s.Msgs.Pin(ctx, f.RoomID, f.MsgID, f.Pinned)
		})
	case "reply":
		s.withMessage(cl, f, func() (*models.Message, error) {
			return s.Msgs.Reply(ctx, cl.userID, f.RoomID, f.MsgID, f.Text)
		})
	case "delivered":
		s.withMessage(cl, f, func() (*models.Message, error) {
			return s.Msgs.MarkDelivered(ctx, f.RoomID, f.MsgID)
		})
	case "delete_for_me":
		s.withMessage(cl, f, func() (*models.Message, error) {
			return s.Msgs.DeleteForMe(ctx, cl.userID, f.RoomID, f.MsgID)
		})
	case "read":
		if err := s.Msgs.MarkRead(ctx, cl.userID, f.RoomID, f.ReadAt); err != nil {
			cl.send(&Event{Event: "error", Action: f.Action, Reason: err.Error()})
			return
		}
		cl.send(&Event{Event: "ack", Action: f.Action, RoomID: f.RoomID})
	case "read_all":
		if err := s.Msgs.MarkAllRead(ctx, cl.userID); err != nil {
			cl.send(&Event{Event: "error", Action: f.Action, Reason: err.Error()})
			return
		}
		cl.send(&Event{Event: "ack", Action: f.Action})
	case "logout":
		s.Manager.Logout(ctx, cl.userID)
		cl.mu.Lock()
		cl.rooms = make(map[string]bool)
		cl.mu.Unlock()
		cl.send(&Event{Event: "ack", Action: f.Action})
	default:
		cl.send(&Event{Event: "error", Action: f.Action, Reason: "unknown action"})
	}
}

func (s *Server) handleSubscribe(ctx context.Context, cl *client, f *Frame) {
	if f.RoomID == "" {
		cl.send(&Event{Event: "error", Action: f.Action, Reason: "roomId required"})
		return
	}
	sess, err := s.Manager.Open(ctx, cl.userID, f.RoomID, &wsNotifier{c: cl})
	if err != nil {
		cl.send(&Event{Event: "error", Action: f.Action, RoomID: f.RoomID, Reason: err.Error()})
		return
	}
	cl.mu.Lock()
	cl.rooms[f.RoomID] = true
	cl.mu.Unlock()
	hasMore := sess.HasMore()
	cl.send(&Event{Event: "room_update", RoomID: f.RoomID, Messages: sess.Snapshot(), HasMore: &hasMore})
}

func (s *Server) handleLoadMore(ctx context.Context, cl *client, f *Frame) {
	sess, ok := s.Manager.Get(cl.userID, f.RoomID)
	if !ok {
		cl.send(&Event{Event: "error", Action: f.Action, RoomID: f.RoomID, Reason: "room not subscribed"})
		return
	}
	if err := sess.LoadMore(ctx); err != nil {
		cl.send(&Event{Event: "error", Action: f.Action, RoomID: f.RoomID, Reason: err.Error()})
		return
	}
	hasMore := sess.HasMore()
	cl.send(&Event{Event: "room_update", RoomID: f.RoomID, Messages: sess.Snapshot(), HasMore: &hasMore})
}

func (s *Server) handleSend(ctx context.Context, cl *client, f *Frame) {
	if s.Limiter != nil && !s.Limiter.Allow(ctx, "ws:"+cl.userID) {
		cl.send(&Event{Event: "error", Action: f.Action, Reason: "rate limited"})
		return
	}
	m, err := s.Msgs.Send(ctx, cl.userID, &services.SendRequest{
		RoomID:      f.RoomID,
		RoomType:    f.RoomType,
		ClientMsgID: f.ClientMsgID,
		Text:        f.Text,
		MediaURL:    f.MediaURL,
		TTLSeconds:  f.TTLSeconds,
	})
	if err != nil {
		cl.send(&Event{Event: "error", Action: f.Action, RoomID: f.RoomID, Reason: err.Error()})
		return
	}
	cl.send(&Event{Event: "ack", Action: f.Action, RoomID: f.RoomID, Message: m})
}

func (s *Server) withMessage(cl *client, f *Frame, fn func() (*models.Message, error)) {
	m, err := fn()
	if err != nil {
		cl.send(&Event{Event: "error", Action: f.Action, RoomID: f.RoomID, Reason: err.Error()})
		return
	}
	cl.send(&Event{Event: "ack", Action: f.Action, RoomID: f.RoomID, Message: m})
}

// teardown 连接断开时关闭该连接打开的全部会话。
func (s *Server) teardown(cl *client) {
	_ = cl.conn.Close()
	cl.mu.Lock()
	rooms := make([]string, 0, len(cl.rooms))
	for roomID := range cl.rooms {
		rooms = append(rooms, roomID)
	}
	cl.rooms = nil
	cl.mu.Unlock()
	ctx := context.Background()
	for _, roomID := range rooms {
		s.Manager.CloseRoom(ctx, cl.userID, roomID)
	}
	log.Printf("ws disconnected user=%s rooms=%d", cl.userID, len(rooms))
}
