package storage

import (
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when the key does not exist in the storage.
var ErrNotFound = errors.New("storage: not found")

// Stat describes a stored file.
type Stat interface {
	Size() int64
	ModTime() time.Time
}

// Storage is a flat key/value file store. Keys are slash separated paths
// relative to the storage root.
type Storage interface {
	Root() string
	Stat(key string) (Stat, error)
	Get(key string) (content io.ReadCloser, stat Stat, err error)
	List(prefix string) (keys []string, err error)
	Put(key string, r io.Reader) error
	Delete(key string) error
	DeleteAll(prefix string) (deletedKeys []string, err error)
}

// ReadAll reads the whole content of the given key.
func ReadAll(s Storage, key string) ([]byte, Stat, error) {
	r, stat, err := s.Get(key)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}
	return data, stat, nil
}
