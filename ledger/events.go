package ledger

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	json "github.com/nikkolasg/hexjson"
	bolt "go.etcd.io/bbolt"
)

// EventSchema tags the VoteSubmitted wire form.
const EventSchema = 1

// VoteSubmitted is the ledger event triggering the coordinator → processor
// pipeline. Byte fields travel hex-encoded on the wire.
type VoteSubmitted struct {
	Schema        int    `json:"schema"`
	ID            string `json:"id"`
	MarketID      string `json:"market_id"`
	VoterAddress  string `json:"voter_address"`
	EncryptedVote []byte `json:"encrypted_vote"`
	KeyCiphertext []byte `json:"encrypted_sym_key"`
	Capsule       []byte `json:"capsule"`
	Amount        int64  `json:"amount"`
}

// SubmitVote appends a vote event and notifies watchers. The event ID is
// assigned here if the submitter did not set one.
func (s *Store) SubmitVote(ctx context.Context, ev VoteSubmitted) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	m, err := s.Market(ctx, ev.MarketID)
	if err != nil {
		return "", err
	}
	if m.Status != StatusActive {
		return "", fmt.Errorf("%w: %s", ErrMarketFinished, ev.MarketID)
	}

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.Schema = EventSchema

	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(eventBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		buff, err := json.Marshal(&ev)
		if err != nil {
			return err
		}
		return bucket.Put(key, buff)
	})
	if err != nil {
		return "", err
	}

	s.notify(ev)
	s.log.Debugw("vote submitted", "market", ev.MarketID, "event", ev.ID)
	return ev.ID, nil
}

// Watch delivers vote events in submission order until the context is
// cancelled. Events submitted before Watch was called are not replayed.
func (s *Store) Watch(ctx context.Context) <-chan VoteSubmitted {
	s.watchersMu.Lock()
	id := s.nextWatch
	s.nextWatch++
	ch := make(chan VoteSubmitted, 64)
	s.watchers[id] = ch
	s.watchersMu.Unlock()

	go func() {
		<-ctx.Done()
		s.watchersMu.Lock()
		if c, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(c)
		}
		s.watchersMu.Unlock()
	}()
	return ch
}

func (s *Store) notify(ev VoteSubmitted) {
	s.watchersMu.Lock()
	defer s.watchersMu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- ev:
		default:
			s.log.Warnw("dropping event for slow watcher", "event", ev.ID)
		}
	}
}
