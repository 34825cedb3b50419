package provisioningsql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/openkcm/vault-gateway/internal/provisioning"
	"github.com/openkcm/vault-gateway/internal/serviceerr"
)

// Ledger is the PostgreSQL provisioning ledger.
type Ledger struct {
	db *pgxpool.Pool
}

var _ provisioning.Ledger = (*Ledger)(nil)

func NewLedger(db *pgxpool.Pool) *Ledger {
	return &Ledger{
		db: db,
	}
}

func (l *Ledger) Claim(ctx context.Context, issuer, subject string, staleBefore time.Time) (provisioning.Claim, error) {
	tracer := otel.GetTracerProvider()
	ctx, span := tracer.Tracer("").Start(ctx, "claim_provisioning_sql")
	defer span.End()

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		span.RecordError(err)
		return provisioning.Claim{}, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	claim := provisioning.Claim{Issuer: issuer, Subject: subject}

	// A pending claim older than staleBefore is taken over.
	err = tx.QueryRow(ctx,
		`INSERT INTO webid_provisioning (issuer, subject, claimed_at)
			 VALUES ($1, $2, now())
			 ON CONFLICT (issuer, subject) DO UPDATE SET claimed_at = now()
			 WHERE webid_provisioning.web_id IS NULL AND webid_provisioning.claimed_at < $3
			 RETURNING claimed_at;`,
		issuer, subject, staleBefore,
	).Scan(&claim.ClaimedAt)
	switch {
	case err == nil:
		claim.Acquired = true
	case errors.Is(err, pgx.ErrNoRows):
		var webID *string
		err = tx.QueryRow(ctx, `SELECT web_id, claimed_at FROM webid_provisioning WHERE issuer = $1 AND subject = $2;`, issuer, subject).
			Scan(&webID, &claim.ClaimedAt)
		if err != nil {
			span.RecordError(err)
			return provisioning.Claim{}, fmt.Errorf("selecting claim: %w", err)
		}
		if webID != nil {
			claim.WebID = *webID
		}
	default:
		span.RecordError(err)
		if err, ok := handlePgError(err); ok {
			return provisioning.Claim{}, err
		}
		return provisioning.Claim{}, fmt.Errorf("inserting claim: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return provisioning.Claim{}, fmt.Errorf("committing tx: %w", err)
	}

	return claim, nil
}

func (l *Ledger) Complete(ctx context.Context, issuer, subject, webID string) error {
	tracer := otel.GetTracerProvider()
	ctx, span := tracer.Tracer("").Start(ctx, "complete_provisioning_sql")
	defer span.End()

	ct, err := l.db.Exec(ctx,
		`UPDATE webid_provisioning SET web_id = $3, completed_at = now() WHERE issuer = $1 AND subject = $2;`,
		issuer, subject, webID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("updating claim: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return serviceerr.ErrNotFound
	}

	return nil
}

func (l *Ledger) Release(ctx context.Context, issuer, subject string) error {
	tracer := otel.GetTracerProvider()
	ctx, span := tracer.Tracer("").Start(ctx, "release_provisioning_sql")
	defer span.End()

	_, err := l.db.Exec(ctx,
		`DELETE FROM webid_provisioning WHERE issuer = $1 AND subject = $2 AND web_id IS NULL;`,
		issuer, subject)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting claim: %w", err)
	}

	return nil
}
