package engine

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"serialkv/internal/codec"
	"serialkv/internal/log"
	"serialkv/internal/metrics"
	"serialkv/internal/model"
	"serialkv/internal/notify"
	"serialkv/internal/storage"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrSerialMismatch = errors.New("serial mismatch")
	ErrEmptyCommit    = errors.New("commit without mutations")
	ErrClosed         = errors.New("changelog store is closed")
	ErrEnqueueTimeout = errors.New("timeout waiting for the changelog writer")
)

type Config struct {
	Path               string
	EnqueueTimeout     time.Duration
	MaxEnqueuedCommits int
	Logger             *log.Logger
}

const (
	defaultEnqueueTimeout     = 5 * time.Second
	defaultMaxEnqueuedCommits = 1024
)

type writeRequest struct {
	// serial and raw are set for ApplyEntry; mutations for Commit.
	serial    model.Serial
	raw       []byte
	mutations []model.Mutation
	done      chan writeResult
}

type writeResult struct {
	serial model.Serial
	err    error
}

type keyID struct {
	kind model.Kind
	name string
}

/*
Store is the serial-indexed changelog.

All writes go through one goroutine that owns the log file:
  - Ordering: the request channel serializes commits; "read latest, increment,
    persist, publish, notify" happens without interleaving.
  - Visibility: an entry is written and fsynced before its serial is
    published, so a reader that sees serial S can always read entry S.
  - Backpressure: the bounded channel plus EnqueueTimeout fails callers fast.

Readers never block the writer for longer than an index update.
*/
type Store struct {
	cfg      Config
	logger   *log.Logger
	file     *os.File
	requests chan writeRequest
	notifier *notify.Notifier

	latest atomic.Int64

	mu      sync.RWMutex
	records []storage.Record
	keys    map[keyID][]byte
	end     int64

	subMu       sync.Mutex
	subscribers []func(*model.ChangelogEntry)

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Open loads the changelog at cfg.Path, creating it if needed, and starts the
// writer goroutine.
func Open(cfg Config) (*Store, error) {
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	if cfg.MaxEnqueuedCommits <= 0 {
		cfg.MaxEnqueuedCommits = defaultMaxEnqueuedCommits
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default().Named("changelog")
	}

	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open changelog")
	}

	s := &Store{
		cfg:      cfg,
		logger:   cfg.Logger,
		file:     f,
		requests: make(chan writeRequest, cfg.MaxEnqueuedCommits),
		keys:     map[keyID][]byte{},
		done:     make(chan struct{}),
	}
	s.latest.Store(int64(model.NoSerial))
	s.notifier = notify.New(s.LatestSerial)

	if err := s.load(); err != nil {
		_ = f.Close()
		return nil, err
	}
	metrics.LatestSerial.Set(float64(s.LatestSerial()))

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.done)
		s.run(ctx)
	}()
	return s, nil
}

var errStopScan = errors.New("stop scan")

// load rebuilds the index and key view. It stops at the first torn, corrupt
// or out-of-sequence record and cuts the file there.
func (s *Store) load() error {
	info, err := s.file.Stat()
	if err != nil {
		return errors.Wrap(err, "stat changelog")
	}
	size := info.Size()

	validEnd, err := storage.Scan(s.file, size, func(rec storage.Record) error {
		expected := model.Serial(len(s.records))
		if model.Serial(rec.Serial) != expected {
			s.logger.Warn("changelog record has serial %d, expected %d - stopping", rec.Serial, expected)
			return errStopScan
		}
		raw, err := storage.Read(s.file, rec.Offset, rec.Length)
		if err != nil {
			return err
		}
		entry, err := codec.DecodeEntry(raw)
		if err != nil {
			s.logger.Warn("failed to decode changelog entry %d: %v - stopping", rec.Serial, err)
			return errStopScan
		}
		s.records = append(s.records, rec)
		s.applyMutations(entry.Mutations)
		return nil
	})
	// on errStopScan validEnd already points at the rejected record
	if err != nil && err != errStopScan {
		return errors.Wrap(err, "load changelog")
	}

	if validEnd < size {
		s.logger.Warn("truncating changelog from %d to %d bytes", size, validEnd)
		if err := s.file.Truncate(validEnd); err != nil {
			return errors.Wrap(err, "truncate torn changelog tail")
		}
	}
	s.end = validEnd
	s.latest.Store(int64(len(s.records)) - 1)
	s.logger.Info("loaded %d changelog entries (file size: %d bytes)", len(s.records), validEnd)
	return nil
}

func (s *Store) run(ctx context.Context) {
	for {
		select {
		case req := <-s.requests:
			serial, err := s.write(req)
			req.done <- writeResult{serial: serial, err: err}
		case <-ctx.Done():
			// fail whatever is still queued
			for {
				select {
				case req := <-s.requests:
					req.done <- writeResult{serial: model.NoSerial, err: ErrClosed}
				default:
					return
				}
			}
		}
	}
}

// write is the critical section. It only runs on the writer goroutine.
func (s *Store) write(req writeRequest) (model.Serial, error) {
	next := s.LatestSerial() + 1

	var (
		entry *model.ChangelogEntry
		raw   []byte
		err   error
	)
	if req.raw == nil {
		entry = &model.ChangelogEntry{Serial: next, Mutations: req.mutations}
		if raw, err = codec.EncodeEntry(entry); err != nil {
			return model.NoSerial, err
		}
	} else {
		if req.serial != next {
			return model.NoSerial, errors.Wrapf(ErrSerialMismatch, "apply serial %d, local latest is %d", req.serial, next-1)
		}
		if entry, err = codec.DecodeEntry(req.raw); err != nil {
			return model.NoSerial, err
		}
		if entry.Serial != req.serial {
			return model.NoSerial, errors.Wrapf(ErrSerialMismatch, "entry carries serial %d, applied as %d", entry.Serial, req.serial)
		}
		for _, m := range entry.Mutations {
			if !m.Kind.Valid() || (m.Op != model.PUT && m.Op != model.DELETE) {
				return model.NoSerial, &codec.DecodeError{Err: errors.Errorf("entry %d: invalid mutation %v/%q op %d", entry.Serial, m.Kind, m.Name, m.Op)}
			}
		}
		raw = req.raw
	}
	if len(raw) > storage.MaxEntryBytes {
		return model.NoSerial, errors.Errorf("changelog entry (%d bytes) exceeds limit (%d bytes)", len(raw), storage.MaxEntryBytes)
	}

	record := storage.EncodeRecord(int64(next), raw)
	if err := s.persist(record); err != nil {
		return model.NoSerial, err
	}

	rec := storage.Record{
		Serial: int64(next),
		Offset: s.end + storage.HeaderBytes,
		Length: len(raw),
	}
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.applyMutations(entry.Mutations)
	s.end = rec.End()
	s.mu.Unlock()

	s.latest.Store(int64(next))
	s.notifier.Publish()
	metrics.LatestSerial.Set(float64(next))
	s.dispatch(entry)
	return next, nil
}

func (s *Store) persist(record []byte) error {
	err := storage.Write(s.file, record)
	if err == nil {
		err = s.file.Sync()
	}
	if err != nil {
		// drop the partial record so later appends stay readable
		if terr := s.file.Truncate(s.end); terr != nil {
			s.logger.Error("failed to truncate changelog after write error: %v", terr)
		}
		return errors.Wrap(err, "persist changelog entry")
	}
	return nil
}

// applyMutations updates the key view. Callers hold mu or own the store.
func (s *Store) applyMutations(mutations []model.Mutation) {
	for _, m := range mutations {
		id := keyID{kind: m.Kind, name: m.Name}
		switch m.Op {
		case model.PUT:
			s.keys[id] = append([]byte(nil), m.Value...)
		case model.DELETE:
			delete(s.keys, id)
		}
	}
}

func (s *Store) dispatch(entry *model.ChangelogEntry) {
	s.subMu.Lock()
	subs := append([]func(*model.ChangelogEntry){}, s.subscribers...)
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(entry)
	}
}

// Subscribe registers fn to receive every entry committed or applied from now
// on. Entries are delivered in serial order on the writer goroutine, so fn
// must not block and must not write to the store.
func (s *Store) Subscribe(fn func(*model.ChangelogEntry)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Store) enqueue(ctx context.Context, req writeRequest) (model.Serial, error) {
	req.done = make(chan writeResult, 1)
	select {
	case <-s.done:
		return model.NoSerial, ErrClosed
	default:
	}
	select {
	case s.requests <- req:
	case <-time.After(s.cfg.EnqueueTimeout):
		return model.NoSerial, ErrEnqueueTimeout
	case <-ctx.Done():
		return model.NoSerial, ctx.Err()
	case <-s.done:
		return model.NoSerial, ErrClosed
	}
	// Once queued the request is decided by the writer; wait for its verdict.
	select {
	case res := <-req.done:
		return res.serial, res.err
	case <-s.done:
		select {
		case res := <-req.done:
			return res.serial, res.err
		default:
			return model.NoSerial, ErrClosed
		}
	}
}

// Commit records mutations as one transaction and returns its serial.
// Only the master commits.
func (s *Store) Commit(ctx context.Context, mutations ...model.Mutation) (model.Serial, error) {
	if len(mutations) == 0 {
		return model.NoSerial, ErrEmptyCommit
	}
	for _, m := range mutations {
		if !m.Kind.Valid() {
			return model.NoSerial, errors.Errorf("invalid key kind %v", m.Kind)
		}
	}
	return s.enqueue(ctx, writeRequest{mutations: mutations})
}

// ApplyEntry appends an entry fetched from the master. serial must directly
// follow the local latest serial. raw is stored verbatim.
func (s *Store) ApplyEntry(ctx context.Context, serial model.Serial, raw []byte) error {
	if raw == nil {
		raw = []byte{}
	}
	_, err := s.enqueue(ctx, writeRequest{serial: serial, raw: raw})
	return err
}

// LatestSerial returns the newest visible serial, or NoSerial for an empty
// log.
func (s *Store) LatestSerial() model.Serial {
	return model.Serial(s.latest.Load())
}

// RawEntry returns the stored bytes of the entry for serial.
func (s *Store) RawEntry(serial model.Serial) ([]byte, error) {
	if serial < 0 || serial > s.LatestSerial() {
		return nil, errors.Wrapf(ErrNotFound, "serial %d", serial)
	}
	s.mu.RLock()
	rec := s.records[serial]
	s.mu.RUnlock()

	raw, err := storage.Read(s.file, rec.Offset, rec.Length)
	if err != nil {
		return nil, errors.Wrapf(err, "read changelog entry %d", serial)
	}
	if len(raw) != rec.Length {
		return nil, errors.Errorf("short read for changelog entry %d", serial)
	}
	return raw, nil
}

// Entry returns the decoded entry for serial.
func (s *Store) Entry(serial model.Serial) (*model.ChangelogEntry, error) {
	raw, err := s.RawEntry(serial)
	if err != nil {
		return nil, err
	}
	return codec.DecodeEntry(raw)
}

// Get returns the current value of a key.
func (s *Store) Get(kind model.Kind, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.keys[keyID{kind: kind, name: name}]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s/%s", kind, name)
	}
	return append([]byte(nil), v...), nil
}

// ForEach calls fn for every live key of kind. fn must not call back into
// the store.
func (s *Store) ForEach(kind model.Kind, fn func(name string, value []byte)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, v := range s.keys {
		if id.kind == kind {
			fn(id.name, v)
		}
	}
}

// WaitForSerial blocks until serial is visible, timeout elapses, ctx is done
// or the store closes.
func (s *Store) WaitForSerial(ctx context.Context, serial model.Serial, timeout time.Duration) bool {
	return s.notifier.WaitForSerial(ctx, serial, timeout)
}

// Notifier exposes the new-transaction notifier.
func (s *Store) Notifier() *notify.Notifier {
	return s.notifier
}

// Close wakes all waiters, stops the writer and closes the log file.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.notifier.Close()
		s.cancel()
		<-s.done
		err = s.file.Close()
	})
	return err
}
