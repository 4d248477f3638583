package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/viralloop/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	db := testutil.PGTest(t)

	runStoreContract(t, func(t *testing.T) Store {
		_, err := db.Exec("TRUNCATE audit_log")
		require.NoError(t, err)
		return NewPostgresStore(db, 5*time.Second)
	})
}

func TestPostgresStore_RejectsMutation(t *testing.T) {
	db := testutil.PGTest(t)

	s := NewPostgresStore(db, 5*time.Second)
	e := entry("c1", MetricShares, 1, StatusPlatformVerified, time.Now())
	require.NoError(t, s.Append(context.Background(), e))

	_, err := db.Exec(`UPDATE audit_log SET delta = 100 WHERE id = $1`, e.ID)
	assert.Error(t, err)
	_, err = db.Exec(`DELETE FROM audit_log WHERE id = $1`, e.ID)
	assert.Error(t, err)
}
