package snapshot

import (
	"sync"
	"time"

	"Richee/internal/logger"
	"Richee/internal/storage"
)

// defaultInterval is the default interval between snapshots.
const defaultInterval = 30 * time.Second

// Source freezes commits while a snapshot is taken.
type Source interface {
	// Committed runs fn with commits blocked, passing the last committed sequence.
	Committed(fn func(seq uint64) error) error

	// Sequence returns the last committed sequence.
	Sequence() uint64
}

// Manager keeps a recent snapshot of the committed state.
type Manager struct {
	db       *storage.Storage
	source   Source
	interval time.Duration

	mu      sync.RWMutex
	current []byte // current is the compressed snapshot
	seq     uint64 // seq is the sequence current was taken at

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a manager. A zero interval uses the default.
func NewManager(db *storage.Storage, source Source, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = defaultInterval
	}

	return &Manager{
		db:       db,
		source:   source,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start begins the periodic snapshot loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop stops the loop and waits for it.
func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// Latest returns the most recent snapshot, taking one if none is current.
func (m *Manager) Latest() ([]byte, uint64, error) {
	m.mu.RLock()
	data, seq := m.current, m.seq
	m.mu.RUnlock()

	if data != nil && seq == m.source.Sequence() {
		return data, seq, nil
	}

	if err := m.refresh(); err != nil {
		return nil, 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.current, m.seq, nil
}

func (m *Manager) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if err := m.refresh(); err != nil {
				logger.Error("create snapshot", "error", err)
			}
		}
	}
}

// refresh takes a new snapshot unless nothing committed since the last one.
func (m *Manager) refresh() error {
	m.mu.RLock()
	last, have := m.seq, m.current != nil
	m.mu.RUnlock()

	if have && last == m.source.Sequence() {
		return nil
	}

	var (
		data []byte
		seq  uint64
	)

	start := time.Now()

	err := m.source.Committed(func(s uint64) error {
		var err error

		seq = s
		data, err = Create(m.db, s)

		return err
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.current = data
	m.seq = seq
	m.mu.Unlock()

	logger.Debug("snapshot created", "seq", seq, "size", len(data), logger.Timed(start))

	return nil
}
