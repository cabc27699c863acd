package pgstore_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/linnemanlabs/intake/internal/intake"
	"github.com/linnemanlabs/intake/internal/intake/pgstore"
	"github.com/linnemanlabs/intake/internal/intake/storetest"
	pgpool "github.com/linnemanlabs/intake/internal/postgres"
)

var (
	dsnOnce sync.Once
	dsn     string
	dsnErr  error
	stop    func()
)

func TestMain(m *testing.M) {
	code := m.Run()
	if stop != nil {
		stop()
	}
	os.Exit(code)
}

// databaseURL resolves a test database: INTAKE_TEST_DATABASE_URL when set,
// otherwise a throwaway container when INTAKE_TEST_CONTAINERS=1.
func databaseURL(t *testing.T) string {
	t.Helper()
	dsnOnce.Do(func() {
		if v := os.Getenv("INTAKE_TEST_DATABASE_URL"); v != "" {
			dsn = v
			return
		}
		if os.Getenv("INTAKE_TEST_CONTAINERS") != "1" {
			return
		}
		ctx := context.Background()
		c, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("intake_test"),
			postgres.WithUsername("intake"),
			postgres.WithPassword("intake"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			dsnErr = err
			return
		}
		stop = func() { _ = c.Terminate(context.Background()) }
		dsn, dsnErr = c.ConnectionString(ctx, "sslmode=disable")
	})
	if dsnErr != nil {
		t.Fatalf("start postgres: %v", dsnErr)
	}
	if dsn == "" {
		t.Skip("INTAKE_TEST_DATABASE_URL not set and INTAKE_TEST_CONTAINERS!=1, skipping integration test")
	}
	return dsn
}

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	ctx := context.Background()
	pool, err := pgpool.NewPool(ctx, databaseURL(t), pgpool.PoolOptions{MaxConns: 16})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(pool.Close)

	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) intake.Store {
		return openStore(t)
	})
}

func TestSchemaIsIdempotent(t *testing.T) {
	_ = openStore(t)
	pool, err := pgxpool.New(context.Background(), databaseURL(t))
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	defer pool.Close()
	if _, err := pgstore.New(context.Background(), pool); err != nil {
		t.Fatalf("re-applying schema: %v", err)
	}
}

func TestEmbeddingRoundTripPrecision(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	id, _, err := s.Upsert(ctx, &intake.Item{
		Source: "spool", SourceID: "precision-" + time.Now().Format(time.RFC3339Nano),
		Subject: "vec", Body: "vec",
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	vec := []float32{0.1, -0.2, 0.3333333, 1e-7}
	if err := s.SetEmbedding(ctx, id, vec); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}
	got, _, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	for i := range vec {
		if got.Embedding[i] != vec[i] {
			t.Errorf("Embedding[%d] = %v, want %v", i, got.Embedding[i], vec[i])
		}
	}
}
