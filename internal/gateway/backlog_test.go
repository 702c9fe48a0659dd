package gateway

import "testing"

func fill(b *backlog, n int) {
	for i := int64(1); i <= int64(n); i++ {
		b.Push(i, []byte{byte(i)})
	}
}

func TestBacklog_Since(t *testing.T) {
	b := newBacklog(10)
	fill(b, 6)

	frames, missed := b.Since(3)
	if missed != 0 || len(frames) != 3 {
		t.Fatalf("Since(3) = %d frames, missed %d", len(frames), missed)
	}
	for i, f := range frames {
		if want := byte(4 + i); f[0] != want {
			t.Errorf("frame[%d] = %d, want %d", i, f[0], want)
		}
	}
	if frames, _ := b.Since(6); len(frames) != 0 {
		t.Fatalf("Since(last) should be empty, got %d", len(frames))
	}
}

func TestBacklog_EvictionReportsMissed(t *testing.T) {
	b := newBacklog(4)
	fill(b, 9)

	if b.Len() != 4 || b.Oldest() != 6 {
		t.Fatalf("Len=%d Oldest=%d, want 4 and 6", b.Len(), b.Oldest())
	}
	frames, missed := b.Since(2)
	if missed != 3 {
		t.Errorf("missed = %d, want 3", missed)
	}
	if len(frames) != 4 || frames[0][0] != 6 || frames[3][0] != 9 {
		t.Fatalf("unexpected frames %v", frames)
	}
	// Evicted digests count for since=0 too; the hub only reports them to
	// reconnecting clients.
	if _, missed := b.Since(0); missed != 5 {
		t.Errorf("Since(0) missed = %d, want 5", missed)
	}
}

func TestBacklog_Empty(t *testing.T) {
	b := newBacklog(3)
	if frames, missed := b.Since(0); len(frames) != 0 || missed != 0 {
		t.Fatalf("empty backlog returned %d frames, missed %d", len(frames), missed)
	}
	if b.Oldest() != 0 || b.Len() != 0 {
		t.Fatal("empty backlog should report zero oldest and len")
	}
}

func TestBacklog_CopiesFrame(t *testing.T) {
	b := newBacklog(2)
	data := []byte("abc")
	b.Push(1, data)
	data[0] = 'x'
	if frames, _ := b.Since(0); string(frames[0]) != "abc" {
		t.Fatalf("backlog aliased caller slice: %q", frames[0])
	}
}
