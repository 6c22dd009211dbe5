// Package store is the durable message store: per-topic append logs with
// monotonic sequence ids, topic metadata, and persistent subscription state,
// all kept in an embedded ordered KV (LevelDB).
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/adred-codev/wsrpc/pkg/jsonrpc"
	"github.com/adred-codev/wsrpc/pkg/topic"
)

// Key layout. Messages sort by (topic, sequence) because the sequence is
// zero-padded to fixed width; range scans inside a topic therefore come back
// in ascending sequence order for free.
const (
	messagesPrefix      = "messages/"
	metadataPrefix      = "metadata/"
	subscriptionsPrefix = "subscriptions/"

	seqWidth = 20
)

// syncWrites forces an fsync before a mutating call returns, so a sequence
// id handed to a publisher is recoverable after a crash.
var syncWrites = &opt.WriteOptions{Sync: true}

// RetentionPolicy bounds a topic's log. Nil fields mean no bound on that
// axis; the zero value is the unlimited policy.
type RetentionPolicy struct {
	MaxAgeSeconds *int64  `json:"max_age,omitempty"`
	MaxCount      *uint64 `json:"max_count,omitempty"`
	MaxBytes      *uint64 `json:"max_bytes,omitempty"`
}

// Unlimited reports whether no bound is set.
func (p RetentionPolicy) Unlimited() bool {
	return p.MaxAgeSeconds == nil && p.MaxCount == nil && p.MaxBytes == nil
}

// Message is one durable record as stored on disk.
type Message struct {
	SequenceID uint64          `json:"sequence_id"`
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  int64           `json:"timestamp"`
	SizeBytes  int             `json:"size_bytes"`
}

// TopicMetadata is maintained in lock-step with the message log.
// MaxSequence never decreases, not even when retention deletes the newest
// surviving message's predecessors.
type TopicMetadata struct {
	Topic        string          `json:"topic"`
	MaxSequence  uint64          `json:"max_sequence"`
	Retention    RetentionPolicy `json:"retention_policy"`
	MessageCount uint64          `json:"message_count"`
	TotalBytes   uint64          `json:"total_bytes"`
}

// SubscriptionState is the durable half of a persistent subscription. It
// outlives connections; only the in-memory binding says who is attached.
type SubscriptionState struct {
	SubscriptionID string `json:"subscription_id"`
	TopicPattern   string `json:"topic_pattern"`
	LastAckSeq     uint64 `json:"last_ack_seq"`
	CreatedAt      int64  `json:"created_at"`
	LastActivity   int64  `json:"last_activity"`
}

// Store wraps the LevelDB handle. One mutex serializes mutating operations;
// sequence allocation reads metadata and writes it back, so concurrent
// appends to the same topic must not interleave.
type Store struct {
	mu     sync.Mutex
	db     *leveldb.DB
	logger zerolog.Logger

	now func() time.Time
}

// Open opens (creating if absent) the store at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open message store at %s: %w", path, err)
	}
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
		now:    time.Now,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func messageKey(topicName string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%0*d", messagesPrefix, topicName, seqWidth, seq))
}

func metadataKey(topicName string) []byte {
	return []byte(metadataPrefix + topicName)
}

func subscriptionKey(id string) []byte {
	return []byte(subscriptionsPrefix + id)
}

// Append stores payload under topicName with the next sequence id. Metadata
// is created lazily with the unlimited policy. The message and the updated
// metadata go to disk in one synced batch, so counters can never understate
// what the log holds.
func (s *Store) Append(topicName string, payload json.RawMessage) (uint64, error) {
	if err := topic.ValidateTopic(topicName); err != nil {
		return 0, jsonrpc.InvalidParams(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.loadMetadata(topicName)
	if err != nil {
		return 0, err
	}
	if meta == nil {
		meta = &TopicMetadata{Topic: topicName}
	}

	seq := meta.MaxSequence + 1
	msg := Message{
		SequenceID: seq,
		Topic:      topicName,
		Payload:    payload,
		Timestamp:  s.now().Unix(),
		SizeBytes:  len(payload),
	}
	encoded, err := json.Marshal(&msg)
	if err != nil {
		return 0, fmt.Errorf("encode message %s/%d: %w", topicName, seq, err)
	}

	meta.MaxSequence = seq
	meta.MessageCount++
	meta.TotalBytes += uint64(msg.SizeBytes)
	metaEncoded, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("encode metadata %s: %w", topicName, err)
	}

	batch := new(leveldb.Batch)
	batch.Put(messageKey(topicName, seq), encoded)
	batch.Put(metadataKey(topicName), metaEncoded)
	if err := s.db.Write(batch, syncWrites); err != nil {
		return 0, fmt.Errorf("append %s/%d: %w", topicName, seq, err)
	}
	return seq, nil
}

// ScanSince returns topicName's messages with sequence > since, ascending.
func (s *Store) ScanSince(topicName string, since uint64) ([]Message, error) {
	var out []Message
	err := s.scanTopic(topicName, func(m Message) {
		if m.SequenceID > since {
			out = append(out, m)
		}
	})
	return out, err
}

// scanTopic walks topicName's log in ascending sequence order. Keys whose
// suffix is not a fixed-width sequence belong to another topic that shares
// a byte prefix (topics may contain ':') and are skipped.
func (s *Store) scanTopic(topicName string, fn func(Message)) error {
	prefix := []byte(messagesPrefix + topicName + ":")
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	for iter.Next() {
		suffix := iter.Key()[len(prefix):]
		if !isSequenceSuffix(suffix) {
			continue
		}
		var m Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return fmt.Errorf("decode message %s: %w", iter.Key(), err)
		}
		fn(m)
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan topic %s: %w", topicName, err)
	}
	return nil
}

func isSequenceSuffix(b []byte) bool {
	if len(b) != seqWidth {
		return false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// ScanPatternSince gathers the backlog for a pattern: every registered topic
// matching it, each scanned from since, merged and sorted by (topic,
// sequence) for a stable replay order.
func (s *Store) ScanPatternSince(p *topic.Pattern, since uint64) ([]Message, error) {
	topics, err := s.Topics()
	if err != nil {
		return nil, err
	}

	var out []Message
	for _, t := range topics {
		if !p.Match(t) {
			continue
		}
		msgs, err := s.ScanSince(t, since)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].SequenceID < out[j].SequenceID
	})
	return out, nil
}

// DeleteOld enforces topicName's retention policy and returns how many
// messages were removed. A message goes if ANY configured bound marks it:
// older than max_age, or among the oldest beyond max_count, or among the
// oldest that keep total size above max_bytes.
func (s *Store) DeleteOld(topicName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.loadMetadata(topicName)
	if err != nil {
		return 0, err
	}
	if meta == nil || meta.Retention.Unlimited() {
		return 0, nil
	}

	var msgs []Message
	if err := s.scanTopic(topicName, func(m Message) { msgs = append(msgs, m) }); err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	doomed := make([]bool, len(msgs))
	policy := meta.Retention

	if policy.MaxAgeSeconds != nil {
		cutoff := s.now().Unix() - *policy.MaxAgeSeconds
		for i, m := range msgs {
			if m.Timestamp < cutoff {
				doomed[i] = true
			}
		}
	}
	if policy.MaxCount != nil && uint64(len(msgs)) > *policy.MaxCount {
		excess := len(msgs) - int(*policy.MaxCount)
		for i := 0; i < excess; i++ {
			doomed[i] = true
		}
	}
	if policy.MaxBytes != nil {
		// Count bytes over what the other bounds left standing, then doom
		// the oldest survivors until the total fits.
		total := uint64(0)
		for i, m := range msgs {
			if !doomed[i] {
				total += uint64(m.SizeBytes)
			}
		}
		for i := 0; total > *policy.MaxBytes && i < len(msgs); i++ {
			if doomed[i] {
				continue
			}
			total -= uint64(msgs[i].SizeBytes)
			doomed[i] = true
		}
	}

	batch := new(leveldb.Batch)
	deleted := 0
	survivorCount := uint64(0)
	survivorBytes := uint64(0)
	for i, m := range msgs {
		if doomed[i] {
			batch.Delete(messageKey(topicName, m.SequenceID))
			deleted++
		} else {
			survivorCount++
			survivorBytes += uint64(m.SizeBytes)
		}
	}
	if deleted == 0 {
		return 0, nil
	}

	meta.MessageCount = survivorCount
	meta.TotalBytes = survivorBytes
	metaEncoded, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("encode metadata %s: %w", topicName, err)
	}
	batch.Put(metadataKey(topicName), metaEncoded)

	if err := s.db.Write(batch, syncWrites); err != nil {
		return 0, fmt.Errorf("retention delete on %s: %w", topicName, err)
	}
	return deleted, nil
}

// RegisterTopic upserts a topic's retention policy. Sequence and counters
// survive re-registration.
func (s *Store) RegisterTopic(topicName string, policy RetentionPolicy) error {
	if err := topic.ValidateTopic(topicName); err != nil {
		return jsonrpc.InvalidParams(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.loadMetadata(topicName)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = &TopicMetadata{Topic: topicName}
	}
	meta.Retention = policy

	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", topicName, err)
	}
	if err := s.db.Put(metadataKey(topicName), encoded, syncWrites); err != nil {
		return fmt.Errorf("register topic %s: %w", topicName, err)
	}
	return nil
}

// Topics lists every registered topic name.
func (s *Store) Topics() ([]string, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(metadataPrefix)), nil)
	defer iter.Release()

	var out []string
	for iter.Next() {
		out = append(out, string(iter.Key()[len(metadataPrefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	return out, nil
}

// Metadata fetches a topic's metadata; ok is false for unknown topics.
func (s *Store) Metadata(topicName string) (*TopicMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.loadMetadata(topicName)
	if err != nil || meta == nil {
		return nil, false, err
	}
	return meta, true, nil
}

// loadMetadata must be called with the mutex held (or during read-only
// paths that tolerate racing appends).
func (s *Store) loadMetadata(topicName string) (*TopicMetadata, error) {
	raw, err := s.db.Get(metadataKey(topicName), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load metadata %s: %w", topicName, err)
	}
	var meta TopicMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata %s: %w", topicName, err)
	}
	return &meta, nil
}

// PutSubscription writes durable subscription state, synced.
func (s *Store) PutSubscription(state *SubscriptionState) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode subscription %s: %w", state.SubscriptionID, err)
	}
	if err := s.db.Put(subscriptionKey(state.SubscriptionID), encoded, syncWrites); err != nil {
		return fmt.Errorf("put subscription %s: %w", state.SubscriptionID, err)
	}
	return nil
}

// GetSubscription fetches durable subscription state by id.
func (s *Store) GetSubscription(id string) (*SubscriptionState, bool, error) {
	raw, err := s.db.Get(subscriptionKey(id), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get subscription %s: %w", id, err)
	}
	var state SubscriptionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, false, fmt.Errorf("decode subscription %s: %w", id, err)
	}
	return &state, true, nil
}

// DeleteSubscription removes durable subscription state.
func (s *Store) DeleteSubscription(id string) error {
	if err := s.db.Delete(subscriptionKey(id), syncWrites); err != nil {
		return fmt.Errorf("delete subscription %s: %w", id, err)
	}
	return nil
}

// Subscriptions lists all durable subscription records.
func (s *Store) Subscriptions() ([]SubscriptionState, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(subscriptionsPrefix)), nil)
	defer iter.Release()

	var out []SubscriptionState
	for iter.Next() {
		var state SubscriptionState
		if err := json.Unmarshal(iter.Value(), &state); err != nil {
			return nil, fmt.Errorf("decode subscription %s: %w", iter.Key(), err)
		}
		out = append(out, state)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return out, nil
}
