package optimizer

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/ije/esbuild-internal/xxhash"
	bolt "go.etcd.io/bbolt"
)

const (
	metadataFile   = "_metadata.db"
	depsBucket     = "deps"
	browserHashKey = "browserHash"
)

// Dep is a prebundled package.
type Dep struct {
	Specifier string `json:"specifier"`
	Entry     string `json:"entry"`
	Version   string `json:"version"`
	ESM       bool   `json:"esm"`
	File      string `json:"file"`
	Hash      string `json:"hash"`
}

// metadata stores the prebundled deps of the previous run.
type metadata struct {
	db *bolt.DB
}

func openMetadata(filename string) (*metadata, error) {
	db, err := bolt.Open(filename, 0644, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(depsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &metadata{db}, nil
}

// load returns the stored deps by specifier and the stored browser hash.
func (m *metadata) load() (deps map[string]*Dep, browserHash string, err error) {
	deps = map[string]*Dep{}
	err = m.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(depsBucket))
		browserHash = string(bucket.Get([]byte(browserHashKey)))
		return bucket.ForEach(func(k, v []byte) error {
			if string(k) == browserHashKey {
				return nil
			}
			var dep Dep
			if err := json.Unmarshal(v, &dep); err != nil {
				return fmt.Errorf("bad metadata record %s: %w", k, err)
			}
			deps[dep.Specifier] = &dep
			return nil
		})
	})
	return
}

// save replaces the stored deps.
func (m *metadata) save(deps []*Dep, browserHash string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(depsBucket)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		bucket, err := tx.CreateBucket([]byte(depsBucket))
		if err != nil {
			return err
		}
		for _, dep := range deps {
			data, err := json.Marshal(dep)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(dep.Specifier), data); err != nil {
				return err
			}
		}
		return bucket.Put([]byte(browserHashKey), []byte(browserHash))
	})
}

func (m *metadata) close() error {
	return m.db.Close()
}

// computeBrowserHash hashes the sorted dep list, any installed version change
// or entry file change produces a new hash.
func computeBrowserHash(deps []*Dep) string {
	lines := make([]string, len(deps))
	for i, dep := range deps {
		lines[i] = dep.Specifier + "@" + dep.Version + ":" + dep.Entry + ":" + dep.Hash
	}
	sort.Strings(lines)
	h := xxhash.New()
	h.Write([]byte(strings.Join(lines, "\n")))
	return fmt.Sprintf("%016x", h.Sum64())
}

func hashFile(filename string) (string, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return "", err
	}
	h := xxhash.New()
	h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64()), nil
}
