package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketDeliveries = []byte("deliveries")
	bucketCursors    = []byte("cursors")

	cursorKeyEvents = []byte("node_events")
)

// Delivery is one webhook notification waiting to be sent. Deliveries survive
// restarts; the worker retries each until maxWebhookAttempts.
type Delivery struct {
	ID          string          `json:"id"`
	URL         string          `json:"url"`
	EventType   string          `json:"eventType"`
	Sequence    uint64          `json:"sequence"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	NextAttempt time.Time       `json:"nextAttempt"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// QueuedDelivery pairs a delivery with its queue key so workers can complete
// or reschedule it.
type QueuedDelivery struct {
	Key      []byte
	Delivery Delivery
}

// Outbox is a durable FIFO of webhook deliveries backed by bbolt. It also
// stores the node event cursor so the watcher resumes where it left off.
type Outbox struct {
	db *bolt.DB
}

func OpenOutbox(path string) (*Outbox, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketDeliveries, bucketCursors} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare outbox buckets: %w", err)
	}
	return &Outbox{db: db}, nil
}

// Enqueue appends a delivery. A fresh uuid is assigned when the caller left
// the ID empty.
func (o *Outbox) Enqueue(delivery Delivery) error {
	if delivery.ID == "" {
		delivery.ID = uuid.NewString()
	}
	if delivery.CreatedAt.IsZero() {
		delivery.CreatedAt = time.Now().UTC()
	}
	if delivery.NextAttempt.IsZero() {
		delivery.NextAttempt = delivery.CreatedAt
	}
	encoded, err := json.Marshal(delivery)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	return o.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketDeliveries)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return bucket.Put(key, encoded)
	})
}

// Due returns up to limit deliveries whose next attempt is not after now, in
// enqueue order.
func (o *Outbox) Due(now time.Time, limit int) ([]QueuedDelivery, error) {
	if limit <= 0 {
		limit = 16
	}
	var due []QueuedDelivery
	err := o.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketDeliveries).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var delivery Delivery
			if err := json.Unmarshal(v, &delivery); err != nil {
				continue
			}
			if delivery.NextAttempt.After(now) {
				continue
			}
			key := make([]byte, len(k))
			copy(key, k)
			due = append(due, QueuedDelivery{Key: key, Delivery: delivery})
			if len(due) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan outbox: %w", err)
	}
	return due, nil
}

// Complete removes a delivery from the queue.
func (o *Outbox) Complete(key []byte) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeliveries).Delete(key)
	})
}

// Reschedule writes back a delivery after a failed attempt.
func (o *Outbox) Reschedule(key []byte, delivery Delivery) error {
	encoded, err := json.Marshal(delivery)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeliveries).Put(key, encoded)
	})
}

// Cursor returns the last node event sequence handed to the outbox.
func (o *Outbox) Cursor() (uint64, error) {
	var cursor uint64
	err := o.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCursors).Get(cursorKeyEvents)
		if len(raw) == 8 {
			cursor = binary.BigEndian.Uint64(raw)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("load event cursor: %w", err)
	}
	return cursor, nil
}

// SetCursor records the latest processed node event sequence.
func (o *Outbox) SetCursor(sequence uint64) error {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, sequence)
	err := o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCursors).Put(cursorKeyEvents, raw)
	})
	if err != nil {
		return fmt.Errorf("store event cursor: %w", err)
	}
	return nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}
