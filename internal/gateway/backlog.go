package gateway

import "sync"

// backlog keeps the encoded frames of the last few digests so reconnecting
// clients can catch up. Sequence numbers are assigned by the hub and grow by
// one per digest, so a frame's slot follows from its seq.
type backlog struct {
	mu     sync.RWMutex
	frames [][]byte
	last   int64 // seq of the newest frame, 0 when empty
}

func newBacklog(size int) *backlog {
	if size <= 0 {
		size = 100
	}
	return &backlog{frames: make([][]byte, size)}
}

// Push stores the frame for seq, evicting the oldest one when full. seq must
// be last+1.
func (b *backlog) Push(seq int64, frame []byte) {
	cp := append([]byte(nil), frame...)
	b.mu.Lock()
	b.frames[b.slot(seq)] = cp
	b.last = seq
	b.mu.Unlock()
}

// Since returns the frames newer than seq, oldest first, and how many newer
// digests were already evicted.
func (b *backlog) Since(seq int64) (frames [][]byte, missed int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if seq >= b.last {
		return nil, 0
	}
	oldest := b.oldest()
	from := seq + 1
	if from < oldest {
		missed = oldest - from
		from = oldest
	}
	for s := from; s <= b.last; s++ {
		frames = append(frames, b.frames[b.slot(s)])
	}
	return frames, missed
}

// Oldest returns the seq of the oldest retained frame, 0 when empty.
func (b *backlog) Oldest() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.last == 0 {
		return 0
	}
	return b.oldest()
}

// Len returns the number of retained frames.
func (b *backlog) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.last == 0 {
		return 0
	}
	return int(b.last - b.oldest() + 1)
}

func (b *backlog) oldest() int64 {
	if o := b.last - int64(len(b.frames)) + 1; o > 1 {
		return o
	}
	return 1
}

func (b *backlog) slot(seq int64) int {
	return int((seq - 1) % int64(len(b.frames)))
}
