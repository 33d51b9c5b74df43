// Package immutabledb implements an append-only, on-disk immutable block
// store partitioned into fixed logical epochs (§1-§8 of the store's design).
// Each epoch is indexed by a primary file (O(1) lookup by relative slot)
// and a secondary file (fixed-width, CRC-checked entries), alongside the
// concatenation of raw block bytes.
//
// A DB is single-writer, multi-reader (§5): Append* and DeleteAfter take an
// exclusive lock on the open state; reads take a cheap snapshot and do not
// hold the lock for the duration of the I/O.
package immutabledb

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/eyeinsky/ouroboros-network/pkg/chain"
	"github.com/eyeinsky/ouroboros-network/pkg/fs"
	"github.com/eyeinsky/ouroboros-network/pkg/immutabledb/hashcodec"
	"github.com/google/uuid"
)

// Config configures Open.
type Config struct {
	// FS is the filesystem the store lives on.
	FS fs.FS

	// Root is the directory containing the epoch file triples and the
	// advisory LOCK file.
	Root string

	// EpochInfo resolves epoch geometry; see the EpochInfo interface.
	EpochInfo EpochInfo

	// HashCodec fixes the hash width and (de)serialization the store uses.
	// Defaults to hashcodec.Blake2b256{} if nil.
	HashCodec hashcodec.Codec

	// Parser reconstructs entries from a raw epoch file during validation.
	Parser EpochFileParser

	// Policy selects how thoroughly Open validates on-disk epochs.
	Policy ValidationPolicy

	// Cache configures the index cache. Zero value uses DefaultCacheConfig.
	Cache CacheConfig

	// Tracer receives structured events. Defaults to NopTracer{} if nil.
	Tracer Tracer

	// NowSlot optionally supplies the current wall-clock slot, used only
	// by callers (e.g. cmd/immutabledb) that want to log lag; the store
	// itself never calls it during append or read.
	NowSlot func() chain.SlotNo
}

// openState is the DB's mutable, exclusively-locked state (§2 "Open
// state"). A copy of it (the file handles are shared pointers, safe for
// concurrent ReadAt) is handed to readers as a snapshot.
type openState struct {
	epoch chain.EpochNo

	epochFile     fs.File
	primaryFile   fs.File
	secondaryFile fs.File

	epochOffset     uint64
	secondaryOffset uint64

	// blockWrittenInEpoch is true once any block (not EBB) has been
	// appended to the current epoch; needed for AppendEBB's precondition.
	blockWrittenInEpoch bool

	tip chain.Tip
}

// DB is an open immutable block store handle.
type DB struct {
	fsys      fs.FS
	root      string
	epochInfo EpochInfo
	hashCodec hashcodec.Codec
	parser    EpochFileParser
	policy    ValidationPolicy
	tracer    Tracer
	session   uuid.UUID
	nowSlot   func() chain.SlotNo

	cache     *indexCache
	hashCache *hashLookupCache
	locker    *fs.Locker
	lock      *fs.Lock

	mu            sync.RWMutex
	state         openState
	closed        bool
	openIterators int
}

// ErrIteratorsOpen is returned by DeleteAfter when a Cursor is still open
// (§9 Open Question: concurrent readers during truncate).
var ErrIteratorsOpen = fmt.Errorf("immutabledb: cannot truncate while iterators are open")

const lockFileName = "LOCK"

// Open validates and opens (or recovers) a store at cfg.Root, per §4.1.
func Open(cfg Config) (*DB, error) {
	if cfg.FS == nil {
		return nil, fmt.Errorf("immutabledb: Config.FS is required")
	}
	if cfg.EpochInfo == nil {
		return nil, fmt.Errorf("immutabledb: Config.EpochInfo is required")
	}
	if cfg.Parser == nil {
		return nil, fmt.Errorf("immutabledb: Config.Parser is required")
	}
	hashCodec := cfg.HashCodec
	if hashCodec == nil {
		hashCodec = hashcodec.Blake2b256{}
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = NopTracer{}
	}

	if err := cfg.FS.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, &FileSystemError{Op: "mkdirall", Path: cfg.Root, Err: err}
	}

	locker := fs.NewLocker(cfg.FS)
	lockPath := filepath.Join(cfg.Root, lockFileName)
	lock, err := locker.TryLock(lockPath)
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return nil, ErrOpenDB
		}
		return nil, &FileSystemError{Op: "lock", Path: lockPath, Err: err}
	}

	db := &DB{
		fsys:      cfg.FS,
		root:      cfg.Root,
		epochInfo: cfg.EpochInfo,
		hashCodec: hashCodec,
		parser:    cfg.Parser,
		policy:    cfg.Policy,
		tracer:    tracer,
		session:   uuid.New(),
		nowSlot:   cfg.NowSlot,
		locker:    locker,
		lock:      lock,
	}
	db.cache = newIndexCache(cfg.Cache, func(e chain.EpochNo) {
		db.tracer.Trace(db.session, CacheEvict{Epoch: e})
	})
	db.hashCache = newHashLookupCache()

	state, err := db.validateAndOpen()
	if err != nil {
		_ = lock.Close()
		return nil, err
	}
	db.state = state
	db.cache.setCurrent(state.epoch)

	db.tracer.Trace(db.session, DBOpened{Tip: state.tip})
	return db, nil
}

// Close releases all open handles and the advisory writer lock. Close is
// not idempotent: calling it twice returns ErrClosedDB.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosedDB
	}
	db.closed = true

	var firstErr error
	for _, f := range []fs.File{db.state.epochFile, db.state.primaryFile, db.state.secondaryFile} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	db.cache.close()
	if err := db.lock.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	db.tracer.Trace(db.session, DBClosed{})
	return firstErr
}

// snapshot returns a cheap copy of the current open state for readers
// (§5 "Suspension points", "Ordering guarantees").
func (db *DB) snapshot() (openState, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return openState{}, ErrClosedDB
	}
	return db.state, nil
}

// GetTip returns the current tip.
func (db *DB) GetTip() (chain.Tip, error) {
	s, err := db.snapshot()
	if err != nil {
		return chain.Tip{}, err
	}
	return s.tip, nil
}

func (db *DB) traceUserError(err error) error {
	db.tracer.Trace(db.session, UserError{Err: err})
	return err
}

// closeOnUnexpected marks the DB closed (without releasing handles, which
// the caller may still need to inspect) and traces the failure, per §7:
// any unexpected error during a write automatically closes the database.
func (db *DB) closeOnUnexpected(err error) error {
	db.closed = true
	db.tracer.Trace(db.session, UnexpectedError{Err: err})
	return err
}

