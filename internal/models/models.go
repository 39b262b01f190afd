package models

import "time"

// Message/Room/Delta 等为同步网关的核心领域模型。
// Message 的撤回/编辑/表情/回复等可变标记通过变更增量（Delta）在可见窗口内实时同步；
// DeletedFor 仅影响对应用户的本地合并视图，不做物理删除。

type RoomType string

const (
	RoomTypeC2C   RoomType = "c2c"
	RoomTypeGroup RoomType = "group"
)

// 消息投递状态（单向推进：sent -> delivered -> read）
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Reply 消息的快捷回复条目（挂在原消息上的回复列表）。
type Reply struct {
	UserID    string    `json:"userId"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Message 表示房间中的一条消息。
// - ID 为服务端生成的唯一标识，房间内唯一
// - Timestamp 为服务端赋值，房间内定义展示顺序
// - Recalled 为单向转换：一旦撤回，正文与媒体被清空，客户端展示占位符
// - Reactions 为 emoji -> 用户ID集合；集合为空时键被移除
type Message struct {
	ID          string        `json:"id"`
	ClientMsgID string        `json:"clientMsgId,omitempty"`
	RoomID      string        `json:"roomId"`
	RoomType    RoomType      `json:"roomType"`
	SenderID    string        `json:"senderId"`
	Text        string        `json:"text,omitempty"`
	MediaURL    string        `json:"mediaUrl,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	Status      MessageStatus `json:"status"`
	// 可变标记
	Edited     bool       `json:"edited,omitempty"`
	EditedAt   *time.Time `json:"editedAt,omitempty"`
	Recalled   bool       `json:"recalled,omitempty"`
	RecalledAt *time.Time `json:"recalledAt,omitempty"`
	Pinned     bool       `json:"pinned,omitempty"`
	// 表情/回复/本地删除
	Reactions  map[string][]string `json:"reactions,omitempty"`
	Replies    []Reply             `json:"replies,omitempty"`
	DeletedFor []string            `json:"deletedFor,omitempty"`
	// 定时自毁（为空表示不过期）
	ExpireAt *time.Time `json:"expireAt,omitempty"`
}

// VisibleTo 判断消息是否出现在该用户的合并视图中（delete-for-me 语义）。
func (m *Message) VisibleTo(userID string) bool {
	for _, id := range m.DeletedFor {
		if id == userID {
			return false
		}
	}
	return true
}

// 变更增量类型
type DeltaKind string

const (
	DeltaAdded    DeltaKind = "added"
	DeltaModified DeltaKind = "modified"
	DeltaRemoved  DeltaKind = "removed"
)

// Delta 表示可见窗口内某条消息的一次变更通知。
// - removed 仅携带 ID；added/modified 携带最新完整载荷
type Delta struct {
	Kind    DeltaKind `json:"kind"`
	ID      string    `json:"id"`
	Message *Message  `json:"message,omitempty"`
}

// Room 房间索引条目（服务端侧，用于房间列表与水位）。
type Room struct {
	ID        string    `json:"id"`
	Type      RoomType  `json:"type"`
	LastMsgAt time.Time `json:"lastMsgAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RoomMember 房间成员关系（群消息扇出依赖）。
type RoomMember struct {
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	Role      string    `json:"role"` // owner, admin, member
	CreatedAt time.Time `json:"createdAt"`
}

// ReadReceipt 用户在房间内的已读水位（按消息时间戳毫秒）。
type ReadReceipt struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
	ReadAt int64  `json:"readAt"` // 已读到的消息时间戳（毫秒）
	Time   int64  `json:"time"`
}
