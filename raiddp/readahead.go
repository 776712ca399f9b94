package raiddp

import "sync"

// Default readahead sizing per spec.md §5 "Resource policy": a bounded queue of 2
// pre-allocated 1 MiB blocks.
const (
	defaultReadaheadBlocks   = 2
	defaultReadaheadBlockLen = 1 << 20
)

type readaheadSlot struct {
	offset int64
	data   []byte
	valid  bool
}

// readaheadPool is the bounded, oldest-recycled prefetch cache spec.md's resource policy
// describes: blocks cycle through the queue, and a read-miss drains every outstanding
// prefetch so the handler pool is never leaked.
type readaheadPool struct {
	mu    sync.Mutex
	slots []*readaheadSlot
	next  int
}

func newReadaheadPool(count, blockLen int) *readaheadPool {
	slots := make([]*readaheadSlot, count)
	for i := range slots {
		slots[i] = &readaheadSlot{data: make([]byte, 0, blockLen)}
	}
	return &readaheadPool{slots: slots}
}

// Prefetch records groupData as resident for groupOffset, recycling the oldest slot.
func (p *readaheadPool) Prefetch(groupOffset int64, groupData []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.slots[p.next]
	s.offset = groupOffset
	s.data = append(s.data[:0], groupData...)
	s.valid = true
	p.next = (p.next + 1) % len(p.slots)
}

// Lookup returns the resident bytes for groupOffset, if still cached.
func (p *readaheadPool) Lookup(groupOffset int64) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.valid && s.offset == groupOffset {
			return s.data, true
		}
	}
	return nil, false
}

// Drain discards every outstanding prefetch; called on a read-miss (here, a group that
// needed RAID-DP recovery) before a new alignment is chosen.
func (p *readaheadPool) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		s.valid = false
	}
}
