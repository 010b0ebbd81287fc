package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/browsergrid/browsergrid/internal/types"
)

// Persister stores session records across restarts. Implementations
// must tolerate Save being called with the same session repeatedly; the
// latest record wins.
type Persister interface {
	Save(ctx context.Context, sessions []*types.Session) error
	Delete(ctx context.Context, ids []string) error
	Load(ctx context.Context) ([]*types.Session, error)
	Close() error
}

// writer batches dirty sessions and flushes them when the batch fills
// or the flush interval elapses, whichever comes first. Persistence is
// advisory: a lost flush costs at most one interval of updates.
type writer struct {
	mu      sync.Mutex
	pending map[string]*types.Session
	deleted map[string]struct{}

	p         Persister
	batchSize int

	flushCh chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func newWriter(p Persister, batchSize int, interval time.Duration) *writer {
	if batchSize < 1 {
		batchSize = 1
	}
	w := &writer{
		pending:   make(map[string]*types.Session),
		deleted:   make(map[string]struct{}),
		p:         p,
		batchSize: batchSize,
		flushCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(interval)
	}()
	return w
}

func (w *writer) enqueue(sess *types.Session) {
	w.mu.Lock()
	w.pending[sess.ID] = sess
	full := len(w.pending) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
}

func (w *writer) delete(id string) {
	w.mu.Lock()
	delete(w.pending, id)
	w.deleted[id] = struct{}{}
	w.mu.Unlock()

	select {
	case w.flushCh <- struct{}{}:
	default:
	}
}

func (w *writer) loop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.flush()
		case <-w.flushCh:
			w.flush()
		case <-w.stopCh:
			w.flush()
			return
		}
	}
}

func (w *writer) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 && len(w.deleted) == 0 {
		w.mu.Unlock()
		return
	}
	batch := make([]*types.Session, 0, len(w.pending))
	for _, sess := range w.pending {
		batch = append(batch, sess)
	}
	ids := make([]string, 0, len(w.deleted))
	for id := range w.deleted {
		ids = append(ids, id)
	}
	w.pending = make(map[string]*types.Session)
	w.deleted = make(map[string]struct{})
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if len(batch) > 0 {
		if err := w.p.Save(ctx, batch); err != nil {
			log.Warn().Err(err).Int("count", len(batch)).Msg("Session flush failed")
		}
	}
	if len(ids) > 0 {
		if err := w.p.Delete(ctx, ids); err != nil {
			log.Warn().Err(err).Int("count", len(ids)).Msg("Session delete flush failed")
		}
	}
}

func (w *writer) close(ctx context.Context) error {
	close(w.stopCh)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return w.p.Close()
}

// FilePersister keeps the session table in a single JSON file, written
// atomically via rename. Good enough for a single-node deployment.
type FilePersister struct {
	mu   sync.Mutex
	path string
}

func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

func (f *FilePersister) Save(ctx context.Context, sessions []*types.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	table, err := f.readLocked()
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		table[sess.ID] = sess
	}
	return f.writeLocked(table)
}

func (f *FilePersister) Delete(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	table, err := f.readLocked()
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(table, id)
	}
	return f.writeLocked(table)
}

func (f *FilePersister) Load(ctx context.Context) ([]*types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	table, err := f.readLocked()
	if err != nil {
		return nil, err
	}
	out := make([]*types.Session, 0, len(table))
	for _, sess := range table {
		out = append(out, sess)
	}
	return out, nil
}

func (f *FilePersister) Close() error { return nil }

func (f *FilePersister) readLocked() (map[string]*types.Session, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return make(map[string]*types.Session), nil
	}
	if err != nil {
		return nil, err
	}
	table := make(map[string]*types.Session)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &table); err != nil {
			log.Warn().Err(err).Str("path", f.path).Msg("Session store file corrupt, starting empty")
			return make(map[string]*types.Session), nil
		}
	}
	return table, nil
}

func (f *FilePersister) writeLocked(table map[string]*types.Session) error {
	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// MemoryPersister is the in-process Persister used in tests and when
// persistence is disabled but recovery hooks still need a target.
type MemoryPersister struct {
	mu    sync.Mutex
	table map[string]*types.Session
	saves int
}

func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{table: make(map[string]*types.Session)}
}

func (m *MemoryPersister) Save(ctx context.Context, sessions []*types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range sessions {
		m.table[sess.ID] = sess.Clone()
	}
	m.saves++
	return nil
}

func (m *MemoryPersister) Delete(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.table, id)
	}
	return nil
}

func (m *MemoryPersister) Load(ctx context.Context) ([]*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Session, 0, len(m.table))
	for _, sess := range m.table {
		out = append(out, sess.Clone())
	}
	return out, nil
}

func (m *MemoryPersister) Close() error { return nil }

// Saves returns how many Save batches were flushed.
func (m *MemoryPersister) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Stored returns the persisted record for a session id, nil if absent.
func (m *MemoryPersister) Stored(id string) *types.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.table[id]; ok {
		return sess.Clone()
	}
	return nil
}
