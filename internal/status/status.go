package status

import (
	"log/slog"
	"sync"
	"time"
)

// Snapshot is the current content of the status board.
type Snapshot struct {
	Device    string    `json:"device"`
	GPS       string    `json:"gps"`
	HTTP      string    `json:"http"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Publisher mirrors status changes to an external display.
type Publisher interface {
	PublishStatus(Snapshot) error
}

// Board holds the three human-readable status lines shown to the operator.
type Board struct {
	mu        sync.RWMutex
	snap      Snapshot
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewBoard returns a board with the initial placeholder lines.
func NewBoard(logger *slog.Logger) *Board {
	if logger == nil {
		logger = slog.Default()
	}
	return &Board{
		snap: Snapshot{
			Device: "Fetching device ID...",
			GPS:    "Fetching GPS...",
			HTTP:   "HTTP request status...",
		},
		logger: logger,
		now:    time.Now,
	}
}

// SetPublisher installs p; nil disables mirroring.
func (b *Board) SetPublisher(p Publisher) {
	b.mu.Lock()
	b.publisher = p
	b.mu.Unlock()
}

func (b *Board) SetDevice(text string) { b.set(func(s *Snapshot) { s.Device = text }) }

func (b *Board) SetGPS(text string) { b.set(func(s *Snapshot) { s.GPS = text }) }

func (b *Board) SetHTTP(text string) { b.set(func(s *Snapshot) { s.HTTP = text }) }

// Snapshot returns a copy of the current lines.
func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snap
}

func (b *Board) set(update func(*Snapshot)) {
	b.mu.Lock()
	update(&b.snap)
	b.snap.UpdatedAt = b.now()
	snap := b.snap
	pub := b.publisher
	b.mu.Unlock()

	b.logger.Debug("status updated", "device", snap.Device, "gps", snap.GPS, "http", snap.HTTP)

	if pub == nil {
		return
	}
	if err := pub.PublishStatus(snap); err != nil {
		b.logger.Warn("status publish failed", "error", err)
	}
}
