package guard

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSeen(t *testing.T) {
	g := New()
	if g.Seen(KindInbound, "w1") {
		t.Fatal("first delivery should not be seen")
	}
	if !g.Seen(KindInbound, "w1") {
		t.Fatal("second delivery should be seen")
	}
	if g.Seen(KindTag, "w1") {
		t.Error("kinds should not share ids")
	}
}

func TestSeen_EmptyID(t *testing.T) {
	g := New()
	for i := 0; i < 3; i++ {
		if g.Seen(KindOutbound, "") {
			t.Fatal("empty id must never be deduplicated")
		}
	}
	if n := g.Stats().Seen[KindOutbound]; n != 0 {
		t.Errorf("recorded %d empty ids", n)
	}
}

func TestSeen_ConcurrentOnlyOneWins(t *testing.T) {
	g := New()
	var fresh int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !g.Seen(KindTag, "same") {
				atomic.AddInt32(&fresh, 1)
			}
		}()
	}
	wg.Wait()
	if fresh != 1 {
		t.Errorf("fresh deliveries = %d, want 1", fresh)
	}
}

func TestEchoConsumedOnce(t *testing.T) {
	g := New()
	if g.ConsumeEcho("conv", "hi") {
		t.Fatal("nothing recorded yet")
	}
	g.RecordReply("conv", "hi")
	if !g.ConsumeEcho("conv", "hi") {
		t.Fatal("recorded reply should be consumed")
	}
	if g.ConsumeEcho("conv", "hi") {
		t.Error("echo should only be consumed once")
	}

	g.RecordReply("conv", "hi")
	if g.ConsumeEcho("other", "hi") || g.ConsumeEcho("conv", "hi!") {
		t.Error("pair must match exactly")
	}
}

func TestPrune(t *testing.T) {
	g := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }
	g.Seen(KindInbound, "old")
	g.RecordReply("c", "old reply")

	g.now = func() time.Time { return base.Add(2 * time.Hour) }
	g.Seen(KindInbound, "new")

	if removed := g.Prune(time.Hour); removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if !g.Seen(KindInbound, "new") {
		t.Error("young id must survive prune")
	}
	if g.Seen(KindInbound, "old") {
		t.Error("pruned id should be admitted again")
	}
	if g.Prune(0) != 0 {
		t.Error("non-positive maxAge should be a no-op")
	}
}

func TestStats(t *testing.T) {
	g := New()
	g.Seen(KindTag, "a")
	g.Seen(KindTag, "b")
	g.Seen(KindInbound, "a")
	g.RecordReply("c", "x")

	st := g.Stats()
	if st.Seen[KindTag] != 2 || st.Seen[KindInbound] != 1 || st.PendingEchoes != 1 {
		t.Errorf("stats = %+v", st)
	}
}
