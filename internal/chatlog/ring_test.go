package chatlog

import "testing"

func TestAppendAndHistoryOrdersOldestFirst(t *testing.T) {
	l := NewLog(10)
	l.Append(&Message{ID: "1", ChannelID: "c1", Text: "a"})
	l.Append(&Message{ID: "2", ChannelID: "c1", Text: "b"})
	l.Append(&Message{ID: "3", ChannelID: "c1", Text: "c"})

	hist := l.History("c1", 0)
	if len(hist) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(hist))
	}
	if hist[0].ID != "1" || hist[2].ID != "3" {
		t.Fatalf("expected oldest-first order, got %v %v %v", hist[0].ID, hist[1].ID, hist[2].ID)
	}
}

func TestHistoryRespectsLimit(t *testing.T) {
	l := NewLog(10)
	for i := 0; i < 5; i++ {
		l.Append(&Message{ID: string(rune('a' + i)), ChannelID: "c1"})
	}
	hist := l.History("c1", 2)
	if len(hist) != 2 {
		t.Fatalf("expected 2 messages with limit=2, got %d", len(hist))
	}
	if hist[0].ID != "d" || hist[1].ID != "e" {
		t.Fatalf("expected the two most recent messages, got %v, %v", hist[0].ID, hist[1].ID)
	}
}

func TestRingDropsOldestOnOverflow(t *testing.T) {
	l := NewLog(2)
	l.Append(&Message{ID: "1", ChannelID: "c1"})
	l.Append(&Message{ID: "2", ChannelID: "c1"})
	l.Append(&Message{ID: "3", ChannelID: "c1"})

	hist := l.History("c1", 0)
	if len(hist) != 2 {
		t.Fatalf("expected ring capped at 2, got %d", len(hist))
	}
	if hist[0].ID != "2" || hist[1].ID != "3" {
		t.Fatalf("expected the oldest message to be dropped, got %v, %v", hist[0].ID, hist[1].ID)
	}
}

func TestDeleteSoftDeletesAndClearsText(t *testing.T) {
	l := NewLog(10)
	l.Append(&Message{ID: "1", ChannelID: "c1", Text: "secret"})

	if !l.Delete("c1", "1", "moderator-1") {
		t.Fatal("expected delete to find the message")
	}
	hist := l.History("c1", 0)
	if !hist[0].Deleted || hist[0].Text != "" || hist[0].DeletedBy != "moderator-1" {
		t.Fatalf("expected a soft-deleted record with text cleared, got %+v", hist[0])
	}
}

func TestDeleteUnknownIDReturnsFalse(t *testing.T) {
	l := NewLog(10)
	l.Append(&Message{ID: "1", ChannelID: "c1"})
	if l.Delete("c1", "does-not-exist", "actor") {
		t.Fatal("expected delete of an unknown id to return false")
	}
}

func TestDropChannelForgetsHistory(t *testing.T) {
	l := NewLog(10)
	l.Append(&Message{ID: "1", ChannelID: "c1"})
	l.DropChannel("c1")
	if hist := l.History("c1", 0); len(hist) != 0 {
		t.Fatalf("expected a fresh ring after drop, got %d messages", len(hist))
	}
}
