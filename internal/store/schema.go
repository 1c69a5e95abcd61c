package store

import (
	"context"
	"errors"

	"github.com/uptrace/bun"
)

// SchemaVersion is the schema version this binary understands. Bump it
// whenever the jobs table gains a column that older code would not
// populate correctly.
const SchemaVersion = 1

func createJobsTable(ctx context.Context, db bun.IDB) error {
	_, err := db.NewCreateTable().
		Model((*jobModel)(nil)).
		IfNotExists().
		Exec(ctx)
	return err
}

func createSchemaMetaTable(ctx context.Context, db bun.IDB) error {
	_, err := db.NewCreateTable().
		Model((*schemaMeta)(nil)).
		IfNotExists().
		Exec(ctx)
	return err
}

// createClaimIndex covers the claim_one ordering and eligibility
// predicate: state IN (pending, failed_transient) AND run_at <= now,
// ordered by (priority DESC, run_at ASC, id ASC) — spec §4.2.
func createClaimIndex(ctx context.Context, db bun.IDB) error {
	_, err := db.NewCreateIndex().
		Model((*jobModel)(nil)).
		Index("idx_jobs_claim").
		Column("state", "priority", "run_at", "id").
		IfNotExists().
		Exec(ctx)
	return err
}

// createReapIndex covers the orphan scan: state = processing AND
// claimed_at < threshold — spec §5.
func createReapIndex(ctx context.Context, db bun.IDB) error {
	_, err := db.NewCreateIndex().
		Model((*jobModel)(nil)).
		Index("idx_jobs_claimed").
		Column("state", "claimed_at").
		IfNotExists().
		Exec(ctx)
	return err
}

// createListIndex covers List/Stats filtering and DLQ views.
func createListIndex(ctx context.Context, db bun.IDB) error {
	_, err := db.NewCreateIndex().
		Model((*jobModel)(nil)).
		Index("idx_jobs_state_updated").
		Column("state", "updated_at").
		IfNotExists().
		Exec(ctx)
	return err
}

func readSchemaVersion(ctx context.Context, db bun.IDB) (int, bool, error) {
	var row schemaMeta
	err := db.NewSelect().Model(&row).Where("id = ?", 1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sqlNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return row.Version, true, nil
}

func writeSchemaVersion(ctx context.Context, db bun.IDB, version int) error {
	row := &schemaMeta{ID: 1, Version: version}
	_, err := db.NewInsert().
		Model(row).
		On("CONFLICT (id) DO UPDATE").
		Set("version = EXCLUDED.version").
		Exec(ctx)
	return err
}

func initSchema(ctx context.Context, db *bun.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}

	if err := createJobsTable(ctx, tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if err := createSchemaMetaTable(ctx, tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if err := createClaimIndex(ctx, tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if err := createReapIndex(ctx, tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if err := createListIndex(ctx, tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}

	version, exists, err := readSchemaVersion(ctx, tx)
	if err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if exists && version > SchemaVersion {
		return errors.Join(ErrSchemaDowngrade, tx.Rollback())
	}
	if !exists || version < SchemaVersion {
		if err := writeSchemaVersion(ctx, tx, SchemaVersion); err != nil {
			return errors.Join(err, tx.Rollback())
		}
	}

	return tx.Commit()
}
