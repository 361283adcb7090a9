package dtls

import "testing"

func TestReplayWindowFreshSequence(t *testing.T) {
	var w replayWindow
	for seq := uint64(0); seq < 10; seq++ {
		if !w.accept(seq) {
			t.Fatalf("accept(%d) = false for fresh sequence", seq)
		}
		w.mark(seq)
	}
}

func TestReplayWindowDuplicate(t *testing.T) {
	var w replayWindow
	w.mark(5)
	if w.accept(5) {
		t.Error("accept(5) = true for already-seen sequence")
	}
	if !w.accept(6) {
		t.Error("accept(6) = false")
	}
	if !w.accept(4) {
		t.Error("accept(4) = false for unseen in-window sequence")
	}
}

func TestReplayWindowBoundaries(t *testing.T) {
	var w replayWindow
	w.mark(100)

	// exactly 63 below the high-water mark: acceptable if unseen
	if !w.accept(100 - 63) {
		t.Error("accept(high-63) = false")
	}
	// 64 below: always rejected
	if w.accept(100 - 64) {
		t.Error("accept(high-64) = true")
	}
	if w.accept(0) {
		t.Error("accept(0) = true far below the window")
	}
}

func TestReplayWindowOutOfOrder(t *testing.T) {
	var w replayWindow
	for _, seq := range []uint64{3, 1, 4, 2, 10, 7} {
		if !w.accept(seq) {
			t.Fatalf("accept(%d) = false on first sight", seq)
		}
		w.mark(seq)
	}
	for _, seq := range []uint64{3, 1, 4, 2, 10, 7} {
		if w.accept(seq) {
			t.Errorf("accept(%d) = true on second sight", seq)
		}
	}
	if !w.accept(5) {
		t.Error("accept(5) = false though never seen")
	}
}

func TestReplayWindowLargeJump(t *testing.T) {
	var w replayWindow
	w.mark(1)
	w.mark(1000)
	if w.accept(1000) {
		t.Error("accept(1000) = true after mark")
	}
	// the jump must have flushed the old bitmap
	if !w.accept(999) {
		t.Error("accept(999) = false though unseen")
	}
	if w.accept(1) {
		t.Error("accept(1) = true far below the moved window")
	}
}

func TestReplayWindowReset(t *testing.T) {
	var w replayWindow
	w.mark(50)
	w.reset()
	if !w.accept(0) {
		t.Error("accept(0) = false after reset")
	}
	if !w.accept(50) {
		t.Error("accept(50) = false after reset")
	}
}
