package chat

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func msg(conv, id, text string) Message {
	return Message{ID: id, ConversationID: conv, AuthorID: "u1", Content: text, Type: TypeText}
}

func TestAddAndGet(t *testing.T) {
	rb := NewRecentBuffer(5)

	rb.Add(msg("c1", "m1", "hello"))
	rb.Add(msg("c1", "m2", "hi"))
	rb.Add(msg("c1", "m3", "how are you?"))

	msgs := rb.Get("c1")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "hello" {
		t.Errorf("expected first message 'hello', got %q", msgs[0].Content)
	}
	if msgs[1].Content != "hi" {
		t.Errorf("expected second message 'hi', got %q", msgs[1].Content)
	}
	if msgs[2].Content != "how are you?" {
		t.Errorf("expected third message 'how are you?', got %q", msgs[2].Content)
	}
}

func TestRingBufferWraparound(t *testing.T) {
	rb := NewRecentBuffer(5)

	// Add 7 messages; the buffer holds only 5.
	for i := 1; i <= 7; i++ {
		rb.Add(msg("c1", fmt.Sprintf("m%d", i), fmt.Sprintf("msg-%d", i)))
	}

	msgs := rb.Get("c1")
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}

	// Should contain messages 3 through 7 in order.
	for i, m := range msgs {
		expected := fmt.Sprintf("msg-%d", i+3)
		if m.Content != expected {
			t.Errorf("index %d: expected %q, got %q", i, expected, m.Content)
		}
	}
}

func TestDefaultCapacity(t *testing.T) {
	rb := NewRecentBuffer(0)
	for i := 0; i < DefaultRecentMessages+3; i++ {
		rb.Add(msg("c1", fmt.Sprintf("m%d", i), "x"))
	}
	if got := len(rb.Get("c1")); got != DefaultRecentMessages {
		t.Fatalf("expected %d messages, got %d", DefaultRecentMessages, got)
	}
}

func TestGetNonExistentConversation(t *testing.T) {
	rb := NewRecentBuffer(5)

	msgs := rb.Get("does-not-exist")
	if msgs == nil {
		t.Fatal("expected non-nil empty slice, got nil")
	}
	if len(msgs) != 0 {
		t.Fatalf("expected 0 messages, got %d", len(msgs))
	}
}

func TestReplaceAndSkipDeleted(t *testing.T) {
	rb := NewRecentBuffer(5)
	rb.Add(msg("c1", "m1", "hello"))
	rb.Add(msg("c1", "m2", "hi"))

	edited := msg("c1", "m1", "hello again")
	if !rb.Replace(edited) {
		t.Fatal("expected m1 to be replaced")
	}
	deleted := msg("c1", "m2", "hi")
	now := time.Now()
	deleted.DeletedAt = &now
	rb.Replace(deleted)

	msgs := rb.Get("c1")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 visible message, got %d", len(msgs))
	}
	if msgs[0].Content != "hello again" {
		t.Errorf("expected edited content, got %q", msgs[0].Content)
	}

	if rb.Replace(msg("c1", "missing", "x")) {
		t.Error("replace of unknown id should report false")
	}
	if rb.Replace(msg("c9", "m1", "x")) {
		t.Error("replace in unknown conversation should report false")
	}
}

func TestRemove(t *testing.T) {
	rb := NewRecentBuffer(5)

	rb.Add(msg("c1", "m1", "hello"))
	rb.Add(msg("c1", "m2", "hi"))

	rb.Remove("c1")

	if msgs := rb.Get("c1"); len(msgs) != 0 {
		t.Fatalf("expected 0 messages after remove, got %d", len(msgs))
	}

	// Should not panic.
	rb.Remove("does-not-exist")
}

func TestMultipleConversations(t *testing.T) {
	rb := NewRecentBuffer(5)

	rb.Add(msg("c1", "a", "c1-msg1"))
	rb.Add(msg("c2", "b", "c2-msg1"))
	rb.Add(msg("c1", "c", "c1-msg2"))

	msgs1 := rb.Get("c1")
	msgs2 := rb.Get("c2")

	if len(msgs1) != 2 {
		t.Fatalf("c1: expected 2 messages, got %d", len(msgs1))
	}
	if len(msgs2) != 1 {
		t.Fatalf("c2: expected 1 message, got %d", len(msgs2))
	}
	if msgs1[0].Content != "c1-msg1" || msgs1[1].Content != "c1-msg2" {
		t.Errorf("c1 messages out of order: %+v", msgs1)
	}
}

func TestConcurrentAccess(t *testing.T) {
	rb := NewRecentBuffer(5)
	goroutines := 100
	perGoroutine := 20

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for m := 0; m < perGoroutine; m++ {
				rb.Add(msg("busy", fmt.Sprintf("g%d-m%d", id, m), "x"))
				// Interleave reads to stress the RWMutex.
				_ = rb.Get("busy")
			}
		}(g)
	}

	wg.Wait()

	if got := len(rb.Get("busy")); got != 5 {
		t.Fatalf("expected 5 messages after concurrent writes, got %d", got)
	}
}

func TestLoadMergesHistory(t *testing.T) {
	rb := NewRecentBuffer(3)
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	at := func(m Message, sec int) Message {
		m.CreatedAt = base.Add(time.Duration(sec) * time.Second)
		return m
	}

	// A live message arrives before history is read; its edited copy wins.
	rb.Add(at(msg("c1", "m3", "edited"), 3))
	rb.Add(at(msg("c1", "m4", "newest"), 4))

	rb.Load("c1", []Message{
		at(msg("c1", "m1", "oldest"), 1),
		at(msg("c1", "m2", "second"), 2),
		at(msg("c1", "m3", "original"), 3),
	})

	msgs := rb.Get("c1")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	want := []string{"second", "edited", "newest"}
	for i, m := range msgs {
		if m.Content != want[i] {
			t.Errorf("message %d: expected %q, got %q", i, want[i], m.Content)
		}
	}

	// The ring keeps working after a load.
	rb.Add(at(msg("c1", "m5", "after"), 5))
	msgs = rb.Get("c1")
	if len(msgs) != 3 || msgs[2].Content != "after" || msgs[0].Content != "edited" {
		t.Errorf("unexpected buffer after add: %+v", msgs)
	}
}

func TestLoaded(t *testing.T) {
	rb := NewRecentBuffer(5)
	if rb.Loaded("c1") {
		t.Fatal("empty buffer reported as loaded")
	}

	rb.Add(msg("c1", "m1", "hello"))
	if rb.Loaded("c1") {
		t.Fatal("buffer filled by Add reported as loaded")
	}

	rb.Load("c1", nil)
	if !rb.Loaded("c1") {
		t.Fatal("expected buffer to be loaded")
	}
	if got := rb.Get("c1"); len(got) != 1 {
		t.Errorf("expected live message kept, got %d messages", len(got))
	}

	rb.Remove("c1")
	if rb.Loaded("c1") {
		t.Error("removed buffer reported as loaded")
	}
}
