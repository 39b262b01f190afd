package syncer

import (
	"sort"

	"go-msgsync/internal/models"
)

// MergeByID 按消息 ID 合并两个列表：
// - 已存在的 ID 原位替换（后写覆盖先写），保持首次插入位置
// - 新 ID 追加到尾部
// 合并满足幂等：同一批次重复合并结果不变。
func MergeByID(existing, incoming []*models.Message) []*models.Message {
	out := make([]*models.Message, len(existing))
	copy(out, existing)
	index := make(map[string]int, len(out))
	for i, m := range out {
		index[m.ID] = i
	}
	for _, m := range incoming {
		if i, ok := index[m.ID]; ok {
			out[i] = m
			continue
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}
	return out
}

// SortByTimestamp 按服务端时间戳升序稳定排序（同刻消息保持合并顺序）。
func SortByTimestamp(msgs []*models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// TruncateKeepNewest 在升序列表上保留最新的 n 条（丢弃最老的）。
func TruncateKeepNewest(msgs []*models.Message, n int) []*models.Message {
	if n <= 0 || len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
