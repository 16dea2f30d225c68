// Package history records the data points streamed to recording sessions so they
// can be read back with a history query.
package history

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/IpsoVeritas/aquiles"
	badger "github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
)

const pointPrefix = "point:"

type Store struct {
	db  *badger.DB
	seq uint64
}

// Open opens the store at path. An empty path keeps everything in memory.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open history store")
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func typePrefix(dataType aquiles.DataType) string {
	return pointPrefix + string(dataType) + ":"
}

// key sorts by data type, then by time.
func (s *Store) key(point aquiles.DataPoint) []byte {
	seq := atomic.AddUint64(&s.seq, 1)
	return []byte(fmt.Sprintf("%s%020d:%s:%d", typePrefix(point.DataType), point.Timestamp.UnixNano(), point.SourceID, seq))
}

func (s *Store) Record(point aquiles.DataPoint) error {
	if point.DataType == "" {
		return errors.New("data point has no type")
	}
	if point.Timestamp.IsZero() {
		point.Timestamp = time.Now().UTC()
	}

	value, err := aquiles.Marshal(point)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key(point), value)
	})
}

// Query returns the points of query.DataType with Start <= timestamp < End, oldest
// first. A zero End has no upper bound; a positive Limit caps the result.
func (s *Store) Query(query aquiles.HistoryQuery) ([]aquiles.DataPoint, error) {
	if query.DataType == "" {
		return nil, errors.New("history query needs a data type")
	}
	if !query.End.IsZero() && query.End.Before(query.Start) {
		return nil, errors.New("history query ends before it starts")
	}

	prefix := []byte(typePrefix(query.DataType))
	start := []byte(fmt.Sprintf("%s%020d", prefix, startNanos(query.Start)))
	points := make([]aquiles.DataPoint, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()

			ts, err := timestampOf(item.Key(), len(prefix))
			if err != nil {
				return err
			}
			if !query.End.IsZero() && ts >= query.End.UnixNano() {
				return nil
			}

			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var point aquiles.DataPoint
			if err := aquiles.Unmarshal(value, &point); err != nil {
				return errors.Wrapf(err, "failed to decode %s", item.Key())
			}
			points = append(points, point)

			if query.Limit > 0 && len(points) >= query.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to query history")
	}

	return points, nil
}

func startNanos(t time.Time) int64 {
	if t.IsZero() || t.UnixNano() < 0 {
		return 0
	}
	return t.UnixNano()
}

func timestampOf(key []byte, prefixLen int) (int64, error) {
	rest := string(key[prefixLen:])
	i := strings.IndexByte(rest, ':')
	if i < 0 {
		return 0, errors.Errorf("malformed history key %q", key)
	}
	return strconv.ParseInt(rest[:i], 10, 64)
}
