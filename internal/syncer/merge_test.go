package syncer

import (
	"testing"
	"time"

	"go-msgsync/internal/models"
)

func TestMergeByIDKeepsPositionLaterWins(t *testing.T) {
	m1 := newMsg("m1", "alice", baseTS)
	m2 := newMsg("m2", "bob", baseTS.Add(time.Second))
	m2Edited := newMsg("m2", "bob", baseTS.Add(time.Second))
	m2Edited.Text = "edited"
	m3 := newMsg("m3", "alice", baseTS.Add(2*time.Second))

	merged := MergeByID([]*models.Message{m1, m2}, []*models.Message{m2Edited, m3})
	assertIDs(t, merged, "m1", "m2", "m3")
	if merged[1].Text != "edited" {
		t.Fatalf("expected later write to win, got %q", merged[1].Text)
	}
}

func TestMergeByIDIdempotent(t *testing.T) {
	m1 := newMsg("m1", "alice", baseTS)
	m2 := newMsg("m2", "bob", baseTS.Add(time.Second))

	once := MergeByID([]*models.Message{m1}, []*models.Message{m2})
	twice := MergeByID(once, []*models.Message{m2})
	assertIDs(t, twice, "m1", "m2")
}

func TestSortByTimestampStable(t *testing.T) {
	same := baseTS.Add(time.Second)
	a := newMsg("a", "alice", same)
	b := newMsg("b", "bob", same)
	c := newMsg("c", "alice", baseTS)

	msgs := []*models.Message{a, b, c}
	SortByTimestamp(msgs)
	assertIDs(t, msgs, "c", "a", "b")
}

func TestTruncateKeepNewest(t *testing.T) {
	var msgs []*models.Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, newMsg(string(rune('a'+i)), "alice", baseTS.Add(time.Duration(i)*time.Second)))
	}
	got := TruncateKeepNewest(msgs, 3)
	assertIDs(t, got, "c", "d", "e")

	got = TruncateKeepNewest(msgs, 10)
	if len(got) != 5 {
		t.Fatalf("expected untouched list, got %d", len(got))
	}
}
