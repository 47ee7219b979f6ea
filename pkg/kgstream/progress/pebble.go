package progress

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/randalmurphal/kgstream/pkg/kgstream/eventlog"
)

var progressPrefix = []byte("pg/")

// record layout: offset | processed | discarded | failed | unix nanos, each 8 bytes big-endian.
const recordSize = 40

// PebbleStore keeps progress in a Pebble database, usually the one holding
// the event log so a projection's cursor lives next to the events it reads.
type PebbleStore struct {
	db        *pebble.DB
	owned     bool
	writeOpts *pebble.WriteOptions

	mu     sync.Mutex
	closed bool
}

var _ Store = (*PebbleStore)(nil)

// NewPebbleStore stores progress in db. The caller keeps ownership of db;
// Close does not close it.
func NewPebbleStore(db *pebble.DB) *PebbleStore {
	return &PebbleStore{db: db, writeOpts: pebble.Sync}
}

// OpenPebbleStore opens a dedicated Pebble database in dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	if dir == "" {
		return nil, errors.New("pebble progress store: directory is required")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleStore{db: db, owned: true, writeOpts: pebble.Sync}, nil
}

func progressKey(projection string) []byte {
	k := make([]byte, 0, len(progressPrefix)+len(projection))
	k = append(k, progressPrefix...)
	return append(k, projection...)
}

func encodeProgress(p Progress) []byte {
	b := make([]byte, recordSize)
	binary.BigEndian.PutUint64(b[0:], uint64(p.Offset))
	binary.BigEndian.PutUint64(b[8:], uint64(p.Processed))
	binary.BigEndian.PutUint64(b[16:], uint64(p.Discarded))
	binary.BigEndian.PutUint64(b[24:], uint64(p.Failed))
	var nanos int64
	if !p.Timestamp.IsZero() {
		nanos = p.Timestamp.UnixNano()
	}
	binary.BigEndian.PutUint64(b[32:], uint64(nanos))
	return b
}

func decodeProgress(b []byte) (Progress, error) {
	if len(b) != recordSize {
		return NoProgress, fmt.Errorf("corrupt progress record: %d bytes", len(b))
	}
	p := Progress{
		Offset:    eventlog.Offset(binary.BigEndian.Uint64(b[0:])),
		Processed: int64(binary.BigEndian.Uint64(b[8:])),
		Discarded: int64(binary.BigEndian.Uint64(b[16:])),
		Failed:    int64(binary.BigEndian.Uint64(b[24:])),
	}
	if nanos := int64(binary.BigEndian.Uint64(b[32:])); nanos != 0 {
		p.Timestamp = time.Unix(0, nanos).UTC()
	}
	return p, nil
}

func (s *PebbleStore) loadLocked(projection string) (Progress, error) {
	val, closer, err := s.db.Get(progressKey(projection))
	if errors.Is(err, pebble.ErrNotFound) {
		return NoProgress, nil
	}
	if err != nil {
		return NoProgress, fmt.Errorf("load progress: %w", err)
	}
	defer closer.Close()
	return decodeProgress(val)
}

// Save implements Store.
func (s *PebbleStore) Save(ctx context.Context, projection string, p Progress) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkProjection(projection); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	cur, err := s.loadLocked(projection)
	if err != nil {
		return err
	}
	if p.Offset < cur.Offset {
		return nil
	}
	if err := s.db.Set(progressKey(projection), encodeProgress(p), s.writeOpts); err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *PebbleStore) Load(ctx context.Context, projection string) (Progress, error) {
	if err := ctx.Err(); err != nil {
		return NoProgress, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return NoProgress, ErrStoreClosed
	}
	return s.loadLocked(projection)
}

// Delete implements Store.
func (s *PebbleStore) Delete(ctx context.Context, projection string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if err := s.db.Delete(progressKey(projection), s.writeOpts); err != nil {
		return fmt.Errorf("delete progress: %w", err)
	}
	return nil
}

// List returns the stored progress of every projection.
func (s *PebbleStore) List(ctx context.Context) (map[string]Progress, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	upper := append([]byte(nil), progressPrefix...)
	upper[len(upper)-1]++
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: progressPrefix, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer iter.Close()

	out := make(map[string]Progress)
	for iter.First(); iter.Valid(); iter.Next() {
		p, err := decodeProgress(iter.Value())
		if err != nil {
			return nil, err
		}
		out[string(iter.Key()[len(progressPrefix):])] = p
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	return out, nil
}

// Close implements Store. A shared database is left open.
func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.owned {
		return s.db.Close()
	}
	return nil
}
