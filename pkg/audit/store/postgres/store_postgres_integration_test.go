//go:build integration

package postgres_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"audittrail/pkg/audit"
	"audittrail/pkg/audit/recorder"
	"audittrail/pkg/audit/store/postgres"
	txcontext "audittrail/pkg/platform/tx"
	"audittrail/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *postgres.Store
	rec      *recorder.Recorder
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.Require().NoError(postgres.Migrate(s.postgres.DB))
	s.Require().NoError(postgres.Migrate(s.postgres.DB), "migrations are re-runnable")

	s.store = postgres.New(s.postgres.DB)
	var err error
	s.rec, err = recorder.New(s.store)
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(), "audit_events", "audit_outbox")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) outboxCount() int {
	var n int
	err := s.postgres.DB.QueryRow(`SELECT COUNT(*) FROM audit_outbox`).Scan(&n)
	s.Require().NoError(err)
	return n
}

func (s *PostgresStoreSuite) TestRoundTrip() {
	ctx := context.Background()

	receipt, err := s.rec.Record(ctx, audit.Entry{
		Action: "DELETE", Description: "removed file X", ResourceID: "42", UserID: "7",
	})
	s.Require().NoError(err)

	events, err := audit.Collect(s.rec.Query(ctx, audit.Filter{ResourceID: "42"}))
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(receipt.ID, events[0].ID)
	s.Equal(receipt.Seq, events[0].Seq)
	s.True(receipt.Timestamp.Equal(events[0].Timestamp))
	s.Equal("7", events[0].UserID)
	s.Equal(1, s.outboxCount())
}

func (s *PostgresStoreSuite) TestErrorEventBySeverity() {
	ctx := context.Background()

	_, err := s.rec.Record(ctx, audit.Entry{Action: "EXPORT", Description: "export started"})
	s.Require().NoError(err)
	_, err = s.rec.RecordError(ctx, audit.ErrorEntry{Action: "EXPORT", Description: "export job", ErrorDetail: "disk full"})
	s.Require().NoError(err)

	events, err := audit.Collect(s.rec.Query(ctx, audit.Filter{Severity: audit.SeverityError}))
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal("disk full", events[0].ErrorDetail)
}

func (s *PostgresStoreSuite) TestAppendIsIdempotent() {
	ctx := context.Background()
	event := audit.Event{
		ID:          uuid.New(),
		Timestamp:   time.Now().UTC().Truncate(time.Microsecond),
		Action:      "CREATE",
		Description: "created",
		Severity:    audit.SeverityInfo,
	}

	first, err := s.store.Append(ctx, event)
	s.Require().NoError(err)
	second, err := s.store.Append(ctx, event)
	s.Require().NoError(err)

	s.Equal(first, second)
	s.Equal(1, s.outboxCount())
}

func (s *PostgresStoreSuite) TestCallerTransactionRollbackDiscardsAudit() {
	ctx := context.Background()
	runner := txcontext.NewRunner(s.postgres.DB, time.Second)

	err := runner.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := s.rec.Record(ctx, audit.Entry{Action: "CREATE", Description: "inside tx"}); err != nil {
			return err
		}
		return context.Canceled
	})
	s.ErrorIs(err, context.Canceled)

	events, err := audit.Collect(s.rec.Query(ctx, audit.Filter{}))
	s.Require().NoError(err)
	s.Empty(events)
	s.Zero(s.outboxCount())
}

func (s *PostgresStoreSuite) TestConcurrentAppendsGetDistinctSeqs() {
	ctx := context.Background()
	const writers = 40

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seqs = map[uint64]bool{}
	)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			receipt, err := s.rec.Record(ctx, audit.Entry{Action: "CREATE", Description: "concurrent"})
			s.NoError(err)
			mu.Lock()
			seqs[receipt.Seq] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	s.Len(seqs, writers)
	events, err := audit.Collect(s.rec.Query(ctx, audit.Filter{}))
	s.Require().NoError(err)
	s.Len(events, writers)
	for i := 1; i < len(events); i++ {
		s.False(audit.Less(events[i], events[i-1]), "events must be ordered by timestamp then seq")
	}
}

func (s *PostgresStoreSuite) TestTimeWindow() {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := range 3 {
		_, err := s.store.Append(ctx, audit.Event{
			ID:          uuid.New(),
			Timestamp:   base.Add(time.Duration(i) * time.Hour),
			Action:      "CREATE",
			Description: "hourly",
			Severity:    audit.SeverityInfo,
		})
		s.Require().NoError(err)
	}

	events, err := audit.Collect(s.store.Scan(ctx, audit.Filter{Since: base, Until: base.Add(2 * time.Hour)}))
	s.Require().NoError(err)
	s.Len(events, 2, "since is inclusive, until is exclusive")
}

func (s *PostgresStoreSuite) TestUpdatesAreRefused() {
	_, err := s.rec.Record(context.Background(), audit.Entry{Action: "CREATE", Description: "created"})
	s.Require().NoError(err)

	_, err = s.postgres.DB.Exec(`UPDATE audit_events SET description = 'tampered'`)
	s.Error(err)
}
