package repos

import (
	"database/sql"
	"time"
)

type Store struct {
	DB *sql.DB
}

const timeFormat = time.RFC3339Nano

func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
