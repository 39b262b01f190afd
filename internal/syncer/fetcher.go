package syncer

import (
	"context"
	"time"

	"go-msgsync/internal/metrics"
	"go-msgsync/internal/models"
	"go-msgsync/internal/store"
)

// Page 一次分页拉取的结果：
// - Messages 按时间戳升序
// - NextCursor 为本页最老消息的时间戳，供下一次向前翻页
// - HasMore 采用"整页即可能还有"的启发式：恰好拉满一页视为还有更早的消息。
//   该启发式在总量恰为页大小整数倍时会多翻一次空页，属可接受的误差。
type Page struct {
	Messages   []*models.Message
	NextCursor *time.Time
	HasMore    bool
}

// PageFetcher 从远端消息日志按页拉取历史，所有请求带超时。
type PageFetcher struct {
	Log      store.MessageLog
	PageSize int
	Timeout  time.Duration
}

func NewPageFetcher(log store.MessageLog, pageSize int, timeout time.Duration) *PageFetcher {
	if pageSize <= 0 {
		pageSize = 30
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PageFetcher{Log: log, PageSize: pageSize, Timeout: timeout}
}

// FetchNewest 拉取房间最新一页。
func (f *PageFetcher) FetchNewest(ctx context.Context, roomID string) (*Page, error) {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()
	msgs, err := f.Log.ListNewest(ctx, roomID, f.PageSize)
	if err != nil {
		return nil, err
	}
	metrics.PagesFetchedTotal.Inc()
	return f.page(msgs), nil
}

// FetchBefore 拉取严格早于 before 的一页。
func (f *PageFetcher) FetchBefore(ctx context.Context, roomID string, before time.Time) (*Page, error) {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()
	msgs, err := f.Log.ListBefore(ctx, roomID, before, f.PageSize)
	if err != nil {
		return nil, err
	}
	metrics.PagesFetchedTotal.Inc()
	return f.page(msgs), nil
}

func (f *PageFetcher) page(msgs []*models.Message) *Page {
	p := &Page{Messages: msgs, HasMore: len(msgs) == f.PageSize}
	if len(msgs) > 0 {
		t := msgs[0].Timestamp
		p.NextCursor = &t
	}
	return p
}
