package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-sql-driver/mysql"
	"github.com/huangang/jobfence/internal/config"
	"github.com/huangang/jobfence/internal/models"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newGormStore(t *testing.T) *GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := models.Open(&config.DatabaseConfig{Driver: "sqlite", DSN: dsn}, logger.Silent)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := models.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewGormStore(db)
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedisStore(client), mr
}

// exerciseStore runs the Store contract against any backend.
func exerciseStore(t *testing.T, store Store) {
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := Record{QueueName: "cron-queue", JobName: "HeartbeatCronJob", CreatedAt: created}

	got, err := store.Get(ctx, rec.Key())
	if err != nil || got != nil {
		t.Fatalf("Get() on empty store = %v, %v; expected nil, nil", got, err)
	}

	if err := store.TryInsert(ctx, rec); err != nil {
		t.Fatalf("TryInsert() error = %v", err)
	}

	dup := rec
	dup.CreatedAt = created.Add(time.Minute)
	if err := store.TryInsert(ctx, dup); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate TryInsert() error = %v, expected ErrAlreadyExists", err)
	}

	got, err = store.Get(ctx, rec.Key())
	if err != nil || got == nil {
		t.Fatalf("Get() = %v, %v; expected record", got, err)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, expected %v (duplicate must not overwrite)", got.CreatedAt, created)
	}

	other := Record{QueueName: "heartbeat-queue", JobName: "HeartbeatQueueJob", CreatedAt: created.Add(time.Second)}
	if err := store.TryInsert(ctx, other); err != nil {
		t.Fatalf("TryInsert() other slot error = %v", err)
	}

	recs, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("List() returned %d records, expected 2", len(recs))
	}

	deleted, err := store.Delete(ctx, rec.Key())
	if err != nil || !deleted {
		t.Errorf("Delete() = %v, %v; expected true, nil", deleted, err)
	}
	deleted, err = store.Delete(ctx, rec.Key())
	if err != nil || deleted {
		t.Errorf("second Delete() = %v, %v; expected false, nil", deleted, err)
	}

	if err := store.TryInsert(ctx, rec); err != nil {
		t.Errorf("TryInsert() after delete error = %v", err)
	}

	// Names containing the separator must still map to distinct slots.
	left := Record{QueueName: "a:b", JobName: "c", CreatedAt: created}
	right := Record{QueueName: "a", JobName: "b:c", CreatedAt: created.Add(time.Second)}
	if err := store.TryInsert(ctx, left); err != nil {
		t.Fatalf("TryInsert(%s) error = %v", left.Key(), err)
	}
	if err := store.TryInsert(ctx, right); err != nil {
		t.Fatalf("TryInsert(%s) error = %v, slots must not collide", right.Key(), err)
	}
	got, err = store.Get(ctx, right.Key())
	if err != nil || got == nil || got.Key() != right.Key() {
		t.Errorf("Get(%s) = %+v, %v", right.Key(), got, err)
	}
	if deleted, err := store.Delete(ctx, right.Key()); err != nil || !deleted {
		t.Errorf("Delete(%s) = %v, %v", right.Key(), deleted, err)
	}
	if got, _ := store.Get(ctx, left.Key()); got == nil {
		t.Errorf("deleting %s removed %s", right.Key(), left.Key())
	}
}

// exerciseConcurrentInsert races TryInsert on one slot; exactly one caller may win.
func exerciseConcurrentInsert(t *testing.T, store Store) {
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var won, lost int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := Record{QueueName: "cron-queue", JobName: "HeartbeatCronJob", CreatedAt: created.Add(time.Duration(i) * time.Millisecond)}
			err := store.TryInsert(ctx, rec)
			switch {
			case err == nil:
				atomic.AddInt32(&won, 1)
			case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrContended):
				atomic.AddInt32(&lost, 1)
			default:
				t.Errorf("TryInsert() unexpected error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	if won != 1 {
		t.Errorf("%d concurrent inserts succeeded, expected exactly 1", won)
	}
	if won+lost != 16 {
		t.Errorf("won %d + lost %d, expected 16 outcomes", won, lost)
	}
	recs, err := store.List(ctx)
	if err != nil || len(recs) != 1 {
		t.Errorf("List() = %d records, %v; expected 1", len(recs), err)
	}
}

func TestMemoryStore_Contract(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestGormStore_Contract(t *testing.T) {
	exerciseStore(t, newGormStore(t))
}

func TestRedisStore_Contract(t *testing.T) {
	store, _ := newRedisStore(t)
	exerciseStore(t, store)
}

func TestStore_ConcurrentInsert(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		exerciseConcurrentInsert(t, NewMemoryStore())
	})
	t.Run("gorm", func(t *testing.T) {
		exerciseConcurrentInsert(t, newGormStore(t))
	})
	t.Run("redis", func(t *testing.T) {
		store, _ := newRedisStore(t)
		exerciseConcurrentInsert(t, store)
	})
}

func TestRedisStore_KeyLengthPrefixesQueue(t *testing.T) {
	store, _ := newRedisStore(t)
	if got := store.key(Key{QueueName: "a:b", JobName: "c"}); got != "jobfence:lock:3:a:b:c" {
		t.Errorf("key = %q", got)
	}
	if got := store.key(Key{QueueName: "a", JobName: "b:c"}); got != "jobfence:lock:1:a:b:c" {
		t.Errorf("key = %q", got)
	}
}

func TestRedisStore_KeyHasNoTTL(t *testing.T) {
	store, mr := newRedisStore(t)
	rec := Record{QueueName: "q", JobName: "j", CreatedAt: time.Now().UTC()}
	if err := store.TryInsert(context.Background(), rec); err != nil {
		t.Fatalf("TryInsert() error = %v", err)
	}

	if ttl := mr.TTL(store.key(rec.Key())); ttl != 0 {
		t.Errorf("TTL = %v, expected none", ttl)
	}
}

func TestRedisStore_CorruptValue(t *testing.T) {
	store, mr := newRedisStore(t)
	key := Key{QueueName: "q", JobName: "j"}
	if err := mr.Set(store.key(key), "not-json"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := store.Get(context.Background(), key); err == nil {
		t.Error("Get() should fail on a corrupt record")
	}
}

func TestClassifyGormError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"gorm duplicate", gorm.ErrDuplicatedKey, ErrAlreadyExists},
		{"postgres unique", &pgconn.PgError{Code: "23505"}, ErrAlreadyExists},
		{"postgres serialization", &pgconn.PgError{Code: "40001"}, ErrContended},
		{"postgres deadlock", &pgconn.PgError{Code: "40P01"}, ErrContended},
		{"mysql duplicate", &mysql.MySQLError{Number: 1062}, ErrAlreadyExists},
		{"mysql deadlock", &mysql.MySQLError{Number: 1213}, ErrContended},
		{"sqlite message", errors.New("UNIQUE constraint failed: queue_locks.queue_name"), ErrAlreadyExists},
		{"sqlite busy message", errors.New("database is locked"), ErrContended},
	}

	for _, tt := range tests {
		got := classifyGormError(tt.err)
		if !errors.Is(got, tt.want) {
			t.Errorf("%s: classifyGormError() = %v, expected %v", tt.name, got, tt.want)
		}
		if !errors.Is(got, tt.err) {
			t.Errorf("%s: original error should stay in the chain", tt.name)
		}
	}

	plain := errors.New("connection refused")
	if got := classifyGormError(plain); errors.Is(got, ErrAlreadyExists) || errors.Is(got, ErrContended) {
		t.Errorf("unrelated error classified as %v", got)
	}
	if classifyGormError(nil) != nil {
		t.Error("nil should stay nil")
	}
}

func TestClassifyRedisError(t *testing.T) {
	if err := classifyRedisError(errors.New("TRYAGAIN multiple keys")); !errors.Is(err, ErrContended) {
		t.Errorf("TRYAGAIN should be contended, got %v", err)
	}
	if err := classifyRedisError(errors.New("LOADING dataset in memory")); !errors.Is(err, ErrContended) {
		t.Errorf("LOADING should be contended, got %v", err)
	}
	if err := classifyRedisError(errors.New("dial tcp: refused")); errors.Is(err, ErrContended) {
		t.Errorf("network errors should not be contended, got %v", err)
	}
}
