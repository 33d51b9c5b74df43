package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/eyeinsky/ouroboros-network/pkg/chain"
	"github.com/eyeinsky/ouroboros-network/pkg/immutabledb"
)

// runCatalog rebuilds a disposable sqlite index over every entry currently
// reachable through the store's own read protocol and prints a summary.
// It is a secondary index, not a source of truth: rebuilt wholesale on
// every invocation by walking epoch-by-epoch with GetBlockComponent and
// GetEBBComponent, the same way the rest of this pack treats sqlite as a
// scan cache over its real store rather than its system of record.
func runCatalog(db *immutabledb.DB, epochInfo hfAdapter, path string) error {
	ctx := context.Background()

	sqldb, err := openSQLite(ctx, path)
	if err != nil {
		return err
	}
	defer sqldb.Close()

	tip, err := db.GetTip()
	if err != nil {
		return err
	}
	info, ok := tip.Info()
	if !ok {
		n, err := rebuildIndex(ctx, sqldb, nil)
		if err != nil {
			return err
		}
		fmt.Printf("catalog rebuilt at %s: %d entries (store is at origin)\n", path, n)
		return nil
	}

	var rows []catalogRow

	for e := chain.EpochNo(0); e <= info.EpochSlot.Epoch; e++ {
		if v, found, err := db.GetEBBComponent(e, immutabledb.Hash()); err != nil {
			return fmt.Errorf("catalog: epoch %d EBB: %w", e, err)
		} else if found {
			rows = append(rows, catalogRow{kind: "ebb", slotOrEpoch: uint64(e), hash: v.([]byte)})
		}

		epochSize, err := epochInfo.EpochSize(e)
		if err != nil {
			return fmt.Errorf("catalog: epoch %d size: %w", e, err)
		}
		firstSlot, err := epochInfo.FirstSlotOf(e)
		if err != nil {
			return fmt.Errorf("catalog: epoch %d first slot: %w", e, err)
		}

		for rel := uint64(1); rel < epochSize; rel++ {
			slot := chain.SlotNo(uint64(firstSlot) + rel)
			if e == info.EpochSlot.Epoch && rel > uint64(info.EpochSlot.Rel) {
				break
			}
			v, found, err := db.GetBlockComponent(slot, immutabledb.Hash())
			if err != nil {
				return fmt.Errorf("catalog: slot %d: %w", slot, err)
			}
			if !found {
				continue
			}
			rows = append(rows, catalogRow{kind: "block", slotOrEpoch: uint64(slot), hash: v.([]byte)})
		}
	}

	n, err := rebuildIndex(ctx, sqldb, rows)
	if err != nil {
		return err
	}

	var blocks, ebbs int
	err = sqldb.QueryRowContext(ctx, "SELECT "+
		"(SELECT COUNT(*) FROM entries WHERE kind = 'block'), "+
		"(SELECT COUNT(*) FROM entries WHERE kind = 'ebb')").Scan(&blocks, &ebbs)
	if err != nil {
		return fmt.Errorf("catalog: summarize: %w", err)
	}

	fmt.Printf("catalog rebuilt at %s: %d entries (%d blocks, %d EBBs)\n", path, n, blocks, ebbs)
	return nil
}

type catalogRow struct {
	kind        string
	slotOrEpoch uint64
	hash        []byte
}

const schemaVersion = 1

func openSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("catalog: path is empty")
	}

	sqldb, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open sqlite: %w", err)
	}

	if err := sqldb.PingContext(ctx); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("catalog: ping sqlite: %w", err)
	}

	if err := applyPragmas(ctx, sqldb); err != nil {
		_ = sqldb.Close()
		return nil, err
	}

	return sqldb, nil
}

func applyPragmas(ctx context.Context, sqldb *sql.DB) error {
	statements := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, stmt := range statements {
		if _, err := sqldb.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("catalog: apply pragma %q: %w", stmt, err)
		}
	}
	return nil
}

func createSchema(ctx context.Context, tx *sql.Tx) error {
	statements := []string{
		"DROP TABLE IF EXISTS entries",
		`CREATE TABLE entries (
			kind TEXT NOT NULL,
			slot_or_epoch INTEGER NOT NULL,
			hash BLOB NOT NULL,
			PRIMARY KEY (kind, slot_or_epoch)
		) WITHOUT ROWID`,
		"CREATE INDEX idx_hash ON entries(hash)",
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("catalog: schema: %q: %w", stmt, err)
		}
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion))
	return err
}

func rebuildIndex(ctx context.Context, sqldb *sql.DB, rows []catalogRow) (int, error) {
	tx, err := sqldb.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("catalog: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := createSchema(ctx, tx); err != nil {
		return 0, err
	}

	insert, err := tx.PrepareContext(ctx, `
		INSERT INTO entries (kind, slot_or_epoch, hash)
		VALUES (?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("catalog: prepare insert: %w", err)
	}
	defer insert.Close()

	for _, r := range rows {
		if _, err := insert.ExecContext(ctx, r.kind, r.slotOrEpoch, r.hash); err != nil {
			return 0, fmt.Errorf("catalog: insert %s %d: %w", r.kind, r.slotOrEpoch, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("catalog: commit: %w", err)
	}
	committed = true
	return len(rows), nil
}
