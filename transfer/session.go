package transfer

import (
	"sync"
	"sync/atomic"
)

// Role says which end of a transfer a session belongs to.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleReceiver {
		return "receiver"
	}
	return "sender"
}

// Progress is a consistent snapshot of a session's counters.
type Progress struct {
	BytesTransferred int64   `json:"bytes_transferred"`
	TotalBytes       int64   `json:"total_bytes"`
	Percentage       float64 `json:"percentage"`
	ResumedBytes     int64   `json:"resumed_bytes"`
	SkippedFiles     int     `json:"skipped_files"`
	CurrentFile      int     `json:"current_file"`
	ChunkSize        int     `json:"chunk_size"`
}

// Session holds the mutable counters of one transfer. The worker writes,
// pollers read.
type Session struct {
	ID   string
	Role Role

	mu          sync.RWMutex
	transferred int64
	total       int64
	resumed     int64
	skipped     int
	chunkSize   int
	fileIndex   int

	cancelled atomic.Bool
}

func newSession(id string, role Role, total int64) *Session {
	return &Session{ID: id, Role: role, total: total}
}

// Progress returns a snapshot.
func (s *Session) Progress() Progress {
	if s == nil {
		return Progress{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := Progress{
		BytesTransferred: s.transferred,
		TotalBytes:       s.total,
		ResumedBytes:     s.resumed,
		SkippedFiles:     s.skipped,
		CurrentFile:      s.fileIndex,
		ChunkSize:        s.chunkSize,
	}
	if s.total > 0 {
		p.Percentage = float64(s.transferred) * 100 / float64(s.total)
	}
	return p
}

// advance adds n bytes, clamped so transferred never passes total.
func (s *Session) advance(n int64) {
	s.mu.Lock()
	s.transferred = min(s.transferred+n, s.total)
	s.mu.Unlock()
}

func (s *Session) markResumed(n int64) {
	s.mu.Lock()
	s.resumed += n
	s.transferred = min(s.transferred+n, s.total)
	s.mu.Unlock()
}

func (s *Session) markSkipped(size int64) {
	s.mu.Lock()
	s.skipped++
	s.transferred = min(s.transferred+size, s.total)
	s.mu.Unlock()
}

// complete pins the counters at 100%.
func (s *Session) complete() {
	s.mu.Lock()
	s.transferred = s.total
	s.mu.Unlock()
}

func (s *Session) setFile(index, chunkSize int) {
	s.mu.Lock()
	s.fileIndex = index
	s.chunkSize = chunkSize
	s.mu.Unlock()
}

func (s *Session) cancel() {
	s.cancelled.Store(true)
}

func (s *Session) isCancelled() bool {
	return s.cancelled.Load()
}
