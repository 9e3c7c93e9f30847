package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/Raekwon-OG/protekt/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRegistration   = []byte("registration")
	bucketQueue          = []byte("queue")
	bucketTelemetry      = []byte("telemetry")
	bucketSecurityEvents = []byte("security_events")
	bucketBackups        = []byte("backups")
	bucketCommands       = []byte("commands")
	bucketAudit          = []byte("audit")

	registrationKey = []byte("current")
)

// BoltStore is the Store implementation backed by go.etcd.io/bbolt,
// following the teacher's pkg/storage/boltdb.go: one bucket per entity,
// JSON-marshaled values, and Go-side filtering/sorting after a full bucket
// scan rather than native secondary indexes.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) agent.db under dataDir and
// ensures every bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "agent.db")
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketRegistration, bucketQueue, bucketTelemetry,
			bucketSecurityEvents, bucketBackups, bucketCommands, bucketAudit,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// GetRegistration implements Store.
func (s *BoltStore) GetRegistration() (*types.Registration, bool, error) {
	var reg types.Registration
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRegistration).Get(registrationKey)
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &reg)
	})
	if err != nil {
		return nil, false, fmt.Errorf("get registration: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	return &reg, true, nil
}

// SaveRegistration implements Store.
func (s *BoltStore) SaveRegistration(reg *types.Registration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRegistration).Put(registrationKey, data)
	})
}

// Enqueue implements Store.
func (s *BoltStore) Enqueue(queueType types.QueueType, payload map[string]any, priority int) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		item := &types.QueueItem{
			ID:         id,
			QueueType:  queueType,
			Payload:    payload,
			Priority:   priority,
			CreatedAt:  time.Now().UTC(),
			MaxRetries: 3,
			Status:     types.QueuePending,
		}
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal queue item: %w", err)
		}
		return b.Put(itob(uint64(id)), data)
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

func (s *BoltStore) listQueueItems() ([]*types.QueueItem, error) {
	var items []*types.QueueItem
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(k, v []byte) error {
			var item types.QueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("unmarshal queue item %s: %w", k, err)
			}
			items = append(items, &item)
			return nil
		})
	})
	return items, err
}

// Claim implements Store. It leaves matching rows in place ("leave them
// pending and re-filter on the drain side") so a crashed worker's claimed
// batch remains re-claimable on the next tick.
func (s *BoltStore) Claim(queueType types.QueueType, limit int) ([]*types.QueueItem, error) {
	items, err := s.listQueueItems()
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}

	var pending []*types.QueueItem
	for _, item := range items {
		if item.Status != types.QueuePending {
			continue
		}
		if queueType != "" && item.QueueType != queueType {
			continue
		}
		pending = append(pending, item)
	}

	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// Mark implements Store.
func (s *BoltStore) Mark(id int64, status types.QueueStatus, resultPatch map[string]any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		key := itob(uint64(id))
		v := b.Get(key)
		if v == nil {
			return fmt.Errorf("mark: queue item %d not found", id)
		}
		var item types.QueueItem
		if err := json.Unmarshal(v, &item); err != nil {
			return fmt.Errorf("unmarshal queue item %d: %w", id, err)
		}

		item.Status = status
		item.RetryCount++
		if resultPatch != nil {
			if item.Payload == nil {
				item.Payload = map[string]any{}
			}
			for k, val := range resultPatch {
				item.Payload[k] = val
			}
		}

		data, err := json.Marshal(&item)
		if err != nil {
			return fmt.Errorf("marshal queue item %d: %w", id, err)
		}
		return b.Put(key, data)
	})
}

// RetryFailed implements Store.
func (s *BoltStore) RetryFailed() (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)

		type reset struct {
			key  []byte
			item types.QueueItem
		}
		var resets []reset

		err := b.ForEach(func(k, v []byte) error {
			var item types.QueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("unmarshal queue item %s: %w", k, err)
			}
			if item.Status != types.QueueFailed || item.RetryCount >= item.MaxRetries {
				return nil
			}
			resets = append(resets, reset{key: append([]byte(nil), k...), item: item})
			return nil
		})
		if err != nil {
			return err
		}

		for _, r := range resets {
			r.item.Status = types.QueuePending
			r.item.RetryCount = 0
			data, err := json.Marshal(&r.item)
			if err != nil {
				return err
			}
			if err := b.Put(r.key, data); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("retry failed: %w", err)
	}
	return count, nil
}

// PruneQueue implements Store.
func (s *BoltStore) PruneQueue(cutoff time.Time) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		var toDelete [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var item types.QueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("unmarshal queue item %s: %w", k, err)
			}
			terminal := item.Status == types.QueueCompleted || item.Status == types.QueueFailed
			if terminal && item.CreatedAt.Before(cutoff) {
				keyCopy := append([]byte(nil), k...)
				toDelete = append(toDelete, keyCopy)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune queue: %w", err)
	}
	return count, nil
}

// QueueStatus implements Store, returning counts keyed by "type:status".
func (s *BoltStore) QueueStatus() (map[string]int, error) {
	items, err := s.listQueueItems()
	if err != nil {
		return nil, fmt.Errorf("queue status: %w", err)
	}
	counts := make(map[string]int)
	for _, item := range items {
		key := fmt.Sprintf("%s:%s", item.QueueType, item.Status)
		counts[key]++
	}
	return counts, nil
}

// AppendTelemetrySample implements Store.
func (s *BoltStore) AppendTelemetrySample(sample *types.TelemetrySample) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTelemetry)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		sample.ID = id
		data, err := json.Marshal(sample)
		if err != nil {
			return fmt.Errorf("marshal telemetry sample: %w", err)
		}
		return b.Put(itob(uint64(id)), data)
	})
	if err != nil {
		return 0, fmt.Errorf("append telemetry sample: %w", err)
	}
	return id, nil
}

func (s *BoltStore) listTelemetrySamples() ([]*types.TelemetrySample, error) {
	var samples []*types.TelemetrySample
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTelemetry).ForEach(func(k, v []byte) error {
			var sample types.TelemetrySample
			if err := json.Unmarshal(v, &sample); err != nil {
				return fmt.Errorf("unmarshal telemetry sample %s: %w", k, err)
			}
			samples = append(samples, &sample)
			return nil
		})
	})
	return samples, err
}

// LatestTelemetrySample implements Store.
func (s *BoltStore) LatestTelemetrySample() (*types.TelemetrySample, bool, error) {
	samples, err := s.listTelemetrySamples()
	if err != nil {
		return nil, false, fmt.Errorf("latest telemetry sample: %w", err)
	}
	if len(samples) == 0 {
		return nil, false, nil
	}
	latest := samples[0]
	for _, sample := range samples[1:] {
		if sample.Timestamp.After(latest.Timestamp) {
			latest = sample
		}
	}
	return latest, true, nil
}

// TelemetrySamplesSince implements Store.
func (s *BoltStore) TelemetrySamplesSince(since time.Time) ([]*types.TelemetrySample, error) {
	samples, err := s.listTelemetrySamples()
	if err != nil {
		return nil, fmt.Errorf("telemetry samples since: %w", err)
	}
	var out []*types.TelemetrySample
	for _, sample := range samples {
		if sample.Timestamp.After(since) {
			out = append(out, sample)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// AppendSecurityEvent implements Store.
func (s *BoltStore) AppendSecurityEvent(event *types.SecurityEvent) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecurityEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		event.ID = id
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal security event: %w", err)
		}
		return b.Put(itob(uint64(id)), data)
	})
	if err != nil {
		return 0, fmt.Errorf("append security event: %w", err)
	}
	return id, nil
}

// SecurityEventsSince implements Store.
func (s *BoltStore) SecurityEventsSince(since time.Time, unresolvedOnly bool) ([]*types.SecurityEvent, error) {
	var events []*types.SecurityEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecurityEvents).ForEach(func(k, v []byte) error {
			var event types.SecurityEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return fmt.Errorf("unmarshal security event %s: %w", k, err)
			}
			if event.Timestamp.Before(since) {
				return nil
			}
			if unresolvedOnly && event.Resolved {
				return nil
			}
			events = append(events, &event)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("security events since: %w", err)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
	return events, nil
}

// ResolveSecurityEvent implements Store.
func (s *BoltStore) ResolveSecurityEvent(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecurityEvents)
		key := itob(uint64(id))
		v := b.Get(key)
		if v == nil {
			return fmt.Errorf("resolve security event: %d not found", id)
		}
		var event types.SecurityEvent
		if err := json.Unmarshal(v, &event); err != nil {
			return fmt.Errorf("unmarshal security event %d: %w", id, err)
		}
		event.Resolved = true
		data, err := json.Marshal(&event)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// CreateBackupRecord implements Store.
func (s *BoltStore) CreateBackupRecord(rec *types.BackupRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec.ID = int64(seq)
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal backup record: %w", err)
		}
		return b.Put([]byte(rec.BackupID), data)
	})
}

// GetBackupRecord implements Store.
func (s *BoltStore) GetBackupRecord(backupID string) (*types.BackupRecord, bool, error) {
	var rec types.BackupRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBackups).Get([]byte(backupID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, false, fmt.Errorf("get backup record %s: %w", backupID, err)
	}
	if !found {
		return nil, false, nil
	}
	return &rec, true, nil
}

// UpdateBackupRecord implements Store.
func (s *BoltStore) UpdateBackupRecord(rec *types.BackupRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal backup record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBackups).Put([]byte(rec.BackupID), data)
	})
}

// ListBackupRecords implements Store.
func (s *BoltStore) ListBackupRecords() ([]*types.BackupRecord, error) {
	var recs []*types.BackupRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBackups).ForEach(func(k, v []byte) error {
			var rec types.BackupRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal backup record %s: %w", k, err)
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list backup records: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, nil
}

// PruneUploadedBackups implements Store: deletes BackupRecord rows older
// than cutoff that have already been uploaded; records never uploaded
// remain, matching the source's "created_at < cutoff AND uploaded=1" sweep.
func (s *BoltStore) PruneUploadedBackups(cutoff time.Time) ([]*types.BackupRecord, error) {
	var removed []*types.BackupRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		var toDelete [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec types.BackupRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal backup record %s: %w", k, err)
			}
			if rec.Uploaded && rec.CreatedAt.Before(cutoff) {
				removed = append(removed, &rec)
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("prune uploaded backups: %w", err)
	}
	return removed, nil
}

// UpsertCommandRecord implements Store. It enforces "a given command_id is
// executed at most once locally" by only inserting when absent.
func (s *BoltStore) UpsertCommandRecord(rec *types.CommandRecord) (bool, error) {
	existed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCommands)
		key := []byte(rec.CommandID)
		if v := b.Get(key); v != nil {
			existed = true
			return nil
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec.ID = int64(seq)
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal command record: %w", err)
		}
		return b.Put(key, data)
	})
	if err != nil {
		return false, fmt.Errorf("upsert command record %s: %w", rec.CommandID, err)
	}
	return existed, nil
}

// UpdateCommandRecord implements Store.
func (s *BoltStore) UpdateCommandRecord(commandID string, status types.CommandStatus, result map[string]any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCommands)
		key := []byte(commandID)
		v := b.Get(key)
		if v == nil {
			return fmt.Errorf("update command record: %s not found", commandID)
		}
		var rec types.CommandRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshal command record %s: %w", commandID, err)
		}
		rec.Status = status
		rec.Result = result
		if status == types.CommandCompleted || status == types.CommandFailed {
			now := time.Now().UTC()
			rec.CompletedAt = &now
		}
		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// GetCommandRecord implements Store.
func (s *BoltStore) GetCommandRecord(commandID string) (*types.CommandRecord, bool, error) {
	var rec types.CommandRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCommands).Get([]byte(commandID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, false, fmt.Errorf("get command record %s: %w", commandID, err)
	}
	if !found {
		return nil, false, nil
	}
	return &rec, true, nil
}

// CommandRecordsSince implements Store. If commandTypes is non-empty, only
// commands whose CommandType is in the set are returned.
func (s *BoltStore) CommandRecordsSince(since time.Time, commandTypes []string) ([]*types.CommandRecord, error) {
	allowed := make(map[string]bool, len(commandTypes))
	for _, t := range commandTypes {
		allowed[t] = true
	}

	var recs []*types.CommandRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCommands).ForEach(func(k, v []byte) error {
			var rec types.CommandRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal command record %s: %w", k, err)
			}
			if rec.CreatedAt.Before(since) {
				return nil
			}
			if len(allowed) > 0 && !allowed[rec.CommandType] {
				return nil
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("command records since: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, nil
}

// AppendAuditEntry implements Store.
func (s *BoltStore) AppendAuditEntry(entry *types.AuditEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		entry.ID = int64(seq)
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal audit entry: %w", err)
		}
		return b.Put(itob(uint64(entry.ID)), data)
	})
}

// PruneAuditEntries implements Store.
func (s *BoltStore) PruneAuditEntries(cutoff time.Time) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		var toDelete [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var entry types.AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("unmarshal audit entry %s: %w", k, err)
			}
			if entry.Timestamp.Before(cutoff) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune audit entries: %w", err)
	}
	return count, nil
}
