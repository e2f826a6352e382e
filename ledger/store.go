// Package ledger implements the ledger-side collaborator surface: a
// persistent market store holding each market's metadata and current
// encrypted state blob. Every state write is gated by the transition
// verifier against the market's registered processor identity; there is no
// unsigned path.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/google/uuid"
	json "github.com/nikkolasg/hexjson"
	bolt "go.etcd.io/bbolt"

	"github.com/veilbet/veilbet/log"
	"github.com/veilbet/veilbet/transition"
)

var (
	// ErrMarketNotFound is returned for reads and updates of unknown markets.
	ErrMarketNotFound = errors.New("market not found")
	// ErrMarketFinished rejects votes and updates against a finished market.
	ErrMarketFinished = errors.New("market finished")
)

// MarketStatus is the ledger-side bookkeeping flag of a market.
type MarketStatus string

const (
	// StatusActive accepts votes and state updates.
	StatusActive MarketStatus = "active"
	// StatusFinished accepts no further votes.
	StatusFinished MarketStatus = "finished"
)

// Market is one market's ledger record. CurrentBlob is the single current
// encrypted state; it only ever advances through verified transitions.
type Market struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Status      MarketStatus `json:"status"`
	Identity    string       `json:"identity"`
	CurrentBlob []byte       `json:"current_blob"`
	Updates     uint64       `json:"updates"`
}

var (
	marketBucket = []byte("markets")
	eventBucket  = []byte("events")
)

// BoltFileName is the name of the file boltdb writes to.
const BoltFileName = "veilbet.db"

// BoltStoreOpenPerm is the permission we will use to read the store file from disk.
const BoltStoreOpenPerm = 0660

// Store is the bbolt-backed market store. Records are stored JSON-encoded
// in the db file.
type Store struct {
	sync.Mutex
	db  *bolt.DB
	log log.Logger

	watchersMu sync.Mutex
	watchers   map[int]chan VoteSubmitted
	nextWatch  int
}

// NewStore opens (or creates) the market store under the given folder.
func NewStore(ctx context.Context, l log.Logger, folder string, opts *bolt.Options) (*Store, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	dbPath := path.Join(folder, BoltFileName)
	db, err := bolt.Open(dbPath, BoltStoreOpenPerm, opts)
	if err != nil {
		return nil, err
	}
	// create the buckets already
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(marketBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(eventBucket)
		return err
	})

	return &Store{
		db:       db,
		log:      l,
		watchers: make(map[int]chan VoteSubmitted),
	}, err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.watchersMu.Lock()
	for id, ch := range s.watchers {
		close(ch)
		delete(s.watchers, id)
	}
	s.watchersMu.Unlock()
	return s.db.Close()
}

// CreateMarket registers a new market. The initial blob's signature must
// verify against the registered identity and the empty marker. The caller
// supplies the market ID (the processor seals blobs against it); an empty
// ID gets a fresh uuid.
func (s *Store) CreateMarket(ctx context.Context, id, title, description, identity string, initialBlob, signature []byte) (*Market, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if err := transition.VerifyHex(transition.EmptyMarker, initialBlob, signature, identity); err != nil {
		return nil, err
	}

	if id == "" {
		id = uuid.New().String()
	}
	m := &Market{
		ID:          id,
		Title:       title,
		Description: description,
		Status:      StatusActive,
		Identity:    identity,
		CurrentBlob: initialBlob,
	}
	if err := s.putMarket(m); err != nil {
		return nil, err
	}
	s.log.Infow("market created", "market", m.ID, "title", title, "identity", identity)
	return m, nil
}

// UpdateState replaces the market's current blob with newBlob, but only if
// the signature verifies against the registered identity and the stored
// previous blob. On any verification failure the store is unchanged.
func (s *Store) UpdateState(ctx context.Context, marketID string, newBlob, signature []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(marketBucket)
		m, err := getMarket(bucket, marketID)
		if err != nil {
			return err
		}
		if m.Status != StatusActive {
			return fmt.Errorf("%w: %s", ErrMarketFinished, marketID)
		}
		if err := transition.VerifyHex(m.CurrentBlob, newBlob, signature, m.Identity); err != nil {
			return err
		}
		m.CurrentBlob = newBlob
		m.Updates++
		buff, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(marketID), buff)
	})
	if err != nil {
		return err
	}
	s.log.Debugw("state updated", "market", marketID)
	return nil
}

// FinishMarket flips the market to finished; no further votes or updates.
func (s *Store) FinishMarket(ctx context.Context, marketID string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(marketBucket)
		m, err := getMarket(bucket, marketID)
		if err != nil {
			return err
		}
		m.Status = StatusFinished
		buff, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(marketID), buff)
	})
}

// Market returns one market's record.
func (s *Store) Market(ctx context.Context, marketID string) (*Market, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var m *Market
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		m, err = getMarket(tx.Bucket(marketBucket), marketID)
		return err
	})
	return m, err
}

// Markets returns all market records.
func (s *Store) Markets(ctx context.Context) ([]*Market, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var markets []*Market
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(marketBucket).ForEach(func(_, v []byte) error {
			m := new(Market)
			if err := json.Unmarshal(v, m); err != nil {
				return err
			}
			markets = append(markets, m)
			return nil
		})
	})
	return markets, err
}

func (s *Store) putMarket(m *Market) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		buff, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return tx.Bucket(marketBucket).Put([]byte(m.ID), buff)
	})
}

func getMarket(bucket *bolt.Bucket, marketID string) (*Market, error) {
	v := bucket.Get([]byte(marketID))
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	m := new(Market)
	if err := json.Unmarshal(v, m); err != nil {
		return nil, err
	}
	return m, nil
}
