package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/greettech/recruitcall/internal/types"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var conversationsBucket = []byte("conversations")

// BoltStore keeps conversation documents in a single bbolt file. Each
// mutation runs inside one read-write transaction, so conditional updates are
// atomic per call id.
type BoltStore struct {
	db     *bolt.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewBoltStore opens (or creates) the database file at path
func NewBoltStore(path string, logger zerolog.Logger) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create bolt directory: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(conversationsBucket)
		return e
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	logger.Info().Str("path", path).Msg("bolt store initialized")
	return &BoltStore{db: db, logger: logger, now: time.Now}, nil
}

func (s *BoltStore) Seed(_ context.Context, conv *types.Conversation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket)
		if b.Get([]byte(conv.CallID)) != nil {
			return nil
		}
		c := cloneConversation(conv)
		if c.Status == "" {
			c.Status = types.CallStatusActive
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = s.now()
		}
		return put(b, c)
	})
}

func (s *BoltStore) AppendMessage(_ context.Context, callID string, meta types.CallMeta, msg types.Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket)
		conv, err := get(b, callID)
		if errors.Is(err, ErrNotFound) {
			conv = newConversation(callID, meta, s.now())
		} else if err != nil {
			return err
		}
		if err := appendMessage(conv, msg); err != nil {
			return err
		}
		return put(b, conv)
	})
}

func (s *BoltStore) SetStepIndex(_ context.Context, callID string, stepIndex int) error {
	return s.mutate(callID, func(conv *types.Conversation) error {
		return setStepIndex(conv, stepIndex)
	})
}

func (s *BoltStore) SetRecording(_ context.Context, callID, recordingFile, egressID, recordingErr string) error {
	return s.mutate(callID, func(conv *types.Conversation) error {
		setRecording(conv, recordingFile, egressID, recordingErr)
		return nil
	})
}

func (s *BoltStore) TransitionStatus(_ context.Context, callID string, from, to types.CallStatus, update types.StatusUpdate) (bool, error) {
	var ok bool
	err := s.mutate(callID, func(conv *types.Conversation) error {
		if ok = transition(conv, from, to, update); !ok {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return false, nil
	}
	return ok, err
}

func (s *BoltStore) SetEscalation(_ context.Context, callID string, escalatedAt *time.Time, escalationErr string) error {
	return s.mutate(callID, func(conv *types.Conversation) error {
		setEscalation(conv, escalatedAt, escalationErr)
		return nil
	})
}

func (s *BoltStore) ClaimEscalation(_ context.Context, callID string, observed *time.Time, at time.Time) (bool, error) {
	err := s.mutate(callID, func(conv *types.Conversation) error {
		if !claimEscalation(conv, observed, at) {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return false, nil
	}
	return err == nil, err
}

func (s *BoltStore) Get(_ context.Context, callID string) (*types.Conversation, error) {
	var conv *types.Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		var e error
		conv, e = get(tx.Bucket(conversationsBucket), callID)
		return e
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *BoltStore) FindLatestByPhone(_ context.Context, phone string, since time.Time) (*types.Conversation, error) {
	var latest *types.Conversation
	err := s.scan(func(conv *types.Conversation) {
		if matchesPhone(conv, phone, since) && (latest == nil || conv.CreatedAt.After(latest.CreatedAt)) {
			latest = conv
		}
	})
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (s *BoltStore) ListByStatus(_ context.Context, status types.CallStatus, limit int) ([]types.Conversation, error) {
	out := make([]types.Conversation, 0)
	err := s.scan(func(conv *types.Conversation) {
		if conv.Status == status {
			out = append(out, *conv)
		}
	})
	if err != nil {
		return nil, err
	}
	sortOldestFirst(out)
	return truncate(out, limit), nil
}

func (s *BoltStore) ListPendingEscalations(_ context.Context, maxAttempts, limit int) ([]types.Conversation, error) {
	out := make([]types.Conversation, 0)
	err := s.scan(func(conv *types.Conversation) {
		if pendingEscalation(conv, maxAttempts) {
			out = append(out, *conv)
		}
	})
	if err != nil {
		return nil, err
	}
	sortOldestFirst(out)
	return truncate(out, limit), nil
}

func (s *BoltStore) ListRecent(_ context.Context, limit int) ([]types.Conversation, error) {
	out := make([]types.Conversation, 0)
	err := s.scan(func(conv *types.Conversation) {
		out = append(out, *conv)
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(out)
	return truncate(out, limit), nil
}

func (s *BoltStore) Close(_ context.Context) error {
	return s.db.Close()
}

// errNoChange aborts a transaction without writing
var errNoChange = errors.New("no change")

func (s *BoltStore) mutate(callID string, fn func(*types.Conversation) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket)
		conv, err := get(b, callID)
		if err != nil {
			return err
		}
		if err := fn(conv); err != nil {
			return err
		}
		return put(b, conv)
	})
}

func (s *BoltStore) scan(fn func(*types.Conversation)) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(k, v []byte) error {
			var conv types.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				s.logger.Warn().Err(err).Str("call_id", string(k)).Msg("skipping malformed conversation")
				return nil
			}
			fn(&conv)
			return nil
		})
	})
}

func get(b *bolt.Bucket, callID string) (*types.Conversation, error) {
	v := b.Get([]byte(callID))
	if v == nil {
		return nil, ErrNotFound
	}
	var conv types.Conversation
	if err := json.Unmarshal(v, &conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation %s: %w", callID, err)
	}
	return &conv, nil
}

func put(b *bolt.Bucket, conv *types.Conversation) error {
	enc, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to encode conversation %s: %w", conv.CallID, err)
	}
	return b.Put([]byte(conv.CallID), enc)
}
