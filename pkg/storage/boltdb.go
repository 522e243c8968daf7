package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketSettings = []byte("settings")
	bucketClusters = []byte("clusters")

	settingsKey = []byte("current")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "flow.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSettings, bucketClusters} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
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

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Settings operations
func (s *BoltStore) PutSettings(settings *Settings) error {
	if settings.UpdatedAt.IsZero() {
		settings.UpdatedAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(settings)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSettings).Put(settingsKey, data)
	})
}

func (s *BoltStore) GetSettings() (*Settings, error) {
	var settings Settings
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSettings).Get(settingsKey)
		if data == nil {
			return fmt.Errorf("settings %w", ErrNotFound)
		}
		return json.Unmarshal(data, &settings)
	})
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

// Cluster operations
func (s *BoltStore) PutCluster(record *ClusterRecord) error {
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now()
	}
	record.ShardCount = len(record.ShardList)

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketClusters).Put(clusterKey(record.ClusterID), data)
	})
}

func (s *BoltStore) GetCluster(id int) (*ClusterRecord, error) {
	var record ClusterRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketClusters).Get(clusterKey(id))
		if data == nil {
			return fmt.Errorf("cluster %d %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListClusters returns records ordered by cluster id
func (s *BoltStore) ListClusters() ([]*ClusterRecord, error) {
	var records []*ClusterRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusters).ForEach(func(k, v []byte) error {
			var record ClusterRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, &record)
			return nil
		})
	})
	return records, err
}

func (s *BoltStore) DeleteCluster(id int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusters).Delete(clusterKey(id))
	})
}

// ResetClusters drops every cluster record, used when a new manager starts
func (s *BoltStore) ResetClusters() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketClusters); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketClusters)
		return err
	})
}

func (s *BoltStore) Totals() (Totals, error) {
	records, err := s.ListClusters()
	if err != nil {
		return Totals{}, err
	}

	var t Totals
	for _, r := range records {
		t.Clusters++
		t.Shards += r.ShardCount
		t.Guilds += r.GuildCount
		t.Players += r.PlayerCount
	}
	return t, nil
}

// clusterKey encodes id big endian so keys iterate in numeric order
func clusterKey(id int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}
