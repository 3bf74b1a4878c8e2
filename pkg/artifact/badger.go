package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// putRetries bounds how often a versioning transaction is retried after a
// write conflict between concurrent producers.
const putRetries = 5

// Config holds the settings for a Badger-backed artifact store.
type Config struct {
	Path       string // Directory for the database files; ignored in memory mode
	InMemory   bool   // Keep everything in RAM, used by tests
	SyncWrites bool   // Flush every write, slower but durable
}

// BadgerStore persists artifacts in an embedded Badger database. Every Put
// writes a fresh version; nothing is ever overwritten, which keeps concurrent
// producers conflict-free at the data level.
type BadgerStore struct {
	db *badger.DB
}

type badgerEntry struct {
	Content string `json:"content"`
	Tokens  int    `json:"tokens"`
	Hash    string `json:"hash"`
}

// NewBadgerStore opens the database described by cfg.
func NewBadgerStore(cfg Config) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("artifact store path required")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open artifact store")
	}
	return &BadgerStore{db: db}, nil
}

func artifactKey(producer, name string, version int) []byte {
	return []byte(fmt.Sprintf("artifact/%s/%s/%012d", producer, name, version))
}

func versionKey(producer, name string) []byte {
	return []byte(fmt.Sprintf("version/%s/%s", producer, name))
}

func (s *BadgerStore) Put(ctx context.Context, producer, name, content string) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	entry := badgerEntry{
		Content: content,
		Tokens:  EstimateTokens(content),
		Hash:    HashContent(content),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return Ref{}, errors.Wrap(err, "marshal artifact")
	}

	var ref Ref
	for i := 0; i < putRetries; i++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			version, verr := s.currentVersion(txn, producer, name)
			if verr != nil {
				return verr
			}
			version++
			if serr := txn.Set(versionKey(producer, name), []byte(strconv.Itoa(version))); serr != nil {
				return serr
			}
			if serr := txn.Set(artifactKey(producer, name, version), payload); serr != nil {
				return serr
			}
			ref = Ref{Producer: producer, Name: name, Version: version, Hash: entry.Hash}
			return nil
		})
		if err != badger.ErrConflict {
			break
		}
	}
	if err != nil {
		return Ref{}, errors.Wrapf(err, "put artifact %s/%s", producer, name)
	}
	return ref, nil
}

func (s *BadgerStore) Get(ctx context.Context, ref Ref) (string, error) {
	entry, err := s.fetch(ctx, ref)
	if err != nil {
		return "", err
	}
	return entry.Content, nil
}

func (s *BadgerStore) TokenCount(ctx context.Context, ref Ref) (int, error) {
	entry, err := s.fetch(ctx, ref)
	if err != nil {
		return 0, err
	}
	return entry.Tokens, nil
}

func (s *BadgerStore) Latest(ctx context.Context, producer, name string) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	var ref Ref
	err := s.db.View(func(txn *badger.Txn) error {
		version, verr := s.currentVersion(txn, producer, name)
		if verr != nil {
			return verr
		}
		if version == 0 {
			return ErrNotFound
		}
		item, gerr := txn.Get(artifactKey(producer, name, version))
		if gerr != nil {
			return gerr
		}
		return item.Value(func(val []byte) error {
			var entry badgerEntry
			if uerr := json.Unmarshal(val, &entry); uerr != nil {
				return uerr
			}
			ref = Ref{Producer: producer, Name: name, Version: version, Hash: entry.Hash}
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, badger.ErrKeyNotFound) {
			return Ref{}, ErrNotFound
		}
		return Ref{}, errors.Wrapf(err, "latest artifact %s/%s", producer, name)
	}
	return ref, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) fetch(ctx context.Context, ref Ref) (badgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return badgerEntry{}, err
	}
	var entry badgerEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, gerr := txn.Get(artifactKey(ref.Producer, ref.Name, ref.Version))
		if gerr != nil {
			return gerr
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return badgerEntry{}, ErrNotFound
		}
		return badgerEntry{}, errors.Wrapf(err, "get artifact %s", ref)
	}
	return entry, nil
}

// currentVersion reads the version counter, returning 0 when the artifact has
// never been stored.
func (s *BadgerStore) currentVersion(txn *badger.Txn, producer, name string) (int, error) {
	item, err := txn.Get(versionKey(producer, name))
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var version int
	err = item.Value(func(val []byte) error {
		v, perr := strconv.Atoi(string(val))
		if perr != nil {
			return perr
		}
		version = v
		return nil
	})
	return version, err
}
