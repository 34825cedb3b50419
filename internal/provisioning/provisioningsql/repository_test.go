package provisioningsql_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/vault-gateway/internal/dbtest/postgrestest"
	"github.com/openkcm/vault-gateway/internal/provisioning/provisioningsql"
	"github.com/openkcm/vault-gateway/internal/serviceerr"
)

const issuer = "https://idp.example"

var dbPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	pool, _, terminate := postgrestest.Start(ctx)
	dbPool = pool

	code := m.Run()
	terminate(ctx)

	os.Exit(code)
}

func TestLedger_Claim(t *testing.T) {
	ledger := provisioningsql.NewLedger(dbPool)
	staleBefore := func() time.Time { return time.Now().Add(-time.Minute) }

	claim, err := ledger.Claim(t.Context(), issuer, "subject-claim", staleBefore())
	require.NoError(t, err)
	assert.True(t, claim.Acquired)
	assert.Empty(t, claim.WebID)

	t.Run("Pending claim is not acquired twice", func(t *testing.T) {
		again, err := ledger.Claim(t.Context(), issuer, "subject-claim", staleBefore())
		require.NoError(t, err)
		assert.False(t, again.Acquired)
		assert.Empty(t, again.WebID)
	})

	t.Run("Stale claim is taken over", func(t *testing.T) {
		takeover, err := ledger.Claim(t.Context(), issuer, "subject-claim", time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, takeover.Acquired)
	})

	require.NoError(t, ledger.Complete(t.Context(), issuer, "subject-claim", "https://id.example/one#me"))

	t.Run("Completed claim reports the WebID", func(t *testing.T) {
		done, err := ledger.Claim(t.Context(), issuer, "subject-claim", time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, done.Acquired)
		assert.Equal(t, "https://id.example/one#me", done.WebID)
	})

	t.Run("Completed claim survives a release", func(t *testing.T) {
		require.NoError(t, ledger.Release(t.Context(), issuer, "subject-claim"))

		done, err := ledger.Claim(t.Context(), issuer, "subject-claim", staleBefore())
		require.NoError(t, err)
		assert.Equal(t, "https://id.example/one#me", done.WebID)
	})
}

func TestLedger_Release(t *testing.T) {
	ledger := provisioningsql.NewLedger(dbPool)

	_, err := ledger.Claim(t.Context(), issuer, "subject-release", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	require.NoError(t, ledger.Release(t.Context(), issuer, "subject-release"))

	claim, err := ledger.Claim(t.Context(), issuer, "subject-release", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, claim.Acquired)
}

func TestLedger_Complete_Unknown(t *testing.T) {
	ledger := provisioningsql.NewLedger(dbPool)

	err := ledger.Complete(t.Context(), issuer, "subject-unknown", "https://id.example/x#me")
	assert.ErrorIs(t, err, serviceerr.ErrNotFound)
}
