package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/NamanBalaji/leech/internal/logger"
)

const (
	resumeBucket   = "resume"
	metadataBucket = "metadata"
	schemaVersion  = 1
)

var (
	// ErrRecordNotFound is returned when no resume data exists for an info hash
	ErrRecordNotFound = errors.New("resume record not found")
	ErrEmptyInfoHash  = errors.New("info hash cannot be empty")
)

// BboltRepository stores resume records in a bbolt database.
type BboltRepository struct {
	db *bbolt.DB
}

var _ Repository = (*BboltRepository)(nil)

// NewBboltRepository opens or creates the database at dbPath.
func NewBboltRepository(dbPath string) (*BboltRepository, error) {
	options := &bbolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bbolt.Open(dbPath, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &BboltRepository{
		db: db,
	}

	if err := repo.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return repo, nil
}

// initialize sets up buckets and schema
func (r *BboltRepository) initialize() error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(resumeBucket))
		if err != nil {
			return fmt.Errorf("failed to create resume bucket: %w", err)
		}

		metadataBucket, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		versionBytes := []byte(fmt.Sprintf("%d", schemaVersion))
		err = metadataBucket.Put([]byte("schema_version"), versionBytes)
		if err != nil {
			return fmt.Errorf("failed to store schema version: %w", err)
		}

		return nil
	})
}

// Save writes record, replacing any earlier record for the same info hash.
func (r *BboltRepository) Save(record *Record) error {
	if record == nil {
		return errors.New("cannot save nil record")
	}
	if record.InfoHash == "" {
		return ErrEmptyInfoHash
	}

	record.UpdatedAt = time.Now().UTC()

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(resumeBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", resumeBucket)
		}

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}

		if err := bucket.Put([]byte(record.InfoHash), data); err != nil {
			return fmt.Errorf("failed to save record: %w", err)
		}

		logger.Debugf("Saved resume data for %s", record.InfoHash)

		return nil
	})
}

// Find retrieves the record of infoHash.
func (r *BboltRepository) Find(infoHash string) (*Record, error) {
	if infoHash == "" {
		return nil, ErrEmptyInfoHash
	}

	var data []byte
	err := r.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(resumeBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", resumeBucket)
		}

		// Values are only valid inside the transaction
		if v := bucket.Get([]byte(infoHash)); v != nil {
			data = append([]byte(nil), v...)
		}
		if data == nil {
			return ErrRecordNotFound
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	record := &Record{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	return record, nil
}

// FindAll retrieves all records ordered by info hash.
func (r *BboltRepository) FindAll() ([]*Record, error) {
	var records []*Record

	err := r.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(resumeBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", resumeBucket)
		}

		return bucket.ForEach(func(k, v []byte) error {
			record := &Record{}
			if err := json.Unmarshal(v, record); err != nil {
				return fmt.Errorf("failed to unmarshal record %s: %w", k, err)
			}

			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// Delete removes the record of infoHash.
func (r *BboltRepository) Delete(infoHash string) error {
	if infoHash == "" {
		return ErrEmptyInfoHash
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(resumeBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", resumeBucket)
		}

		if bucket.Get([]byte(infoHash)) == nil {
			return ErrRecordNotFound
		}

		return bucket.Delete([]byte(infoHash))
	})
}

// Close closes the database
func (r *BboltRepository) Close() error {
	return r.db.Close()
}
