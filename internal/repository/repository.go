package repository

import (
	"time"

	"github.com/NamanBalaji/leech/pkg/torrent"
)

// Record is the resume data of one transfer, keyed by its info hash.
type Record struct {
	InfoHash  string               `json:"infoHash"`
	Name      string               `json:"name"`
	Dir       string               `json:"dir"`
	State     *torrent.ResumeState `json:"state"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

type Repository interface {
	Save(record *Record) error
	Find(infoHash string) (*Record, error)
	FindAll() ([]*Record, error)
	Delete(infoHash string) error
	Close() error
}
