package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"asistencia/internal/attendance"
	"asistencia/internal/config"
	"asistencia/internal/queue"
)

// Backend bundles the attendance store and the connections behind it.
type Backend struct {
	Store    attendance.Store
	Queue    queue.Queue
	DB       *DB
	Firebase *Firebase
	Redis    *Redis
	Health   map[string]func(context.Context) bool
}

// Open connects the store and queue selected by cfg. Postgres is migrated on
// open. The Firebase app is also opened for auth_provider=firebase.
func Open(ctx context.Context, cfg config.App, log *zap.Logger) (*Backend, error) {
	b := &Backend{Health: map[string]func(context.Context) bool{}}

	switch cfg.StoreBackend {
	case "postgres":
		db, err := NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.DB = db
		if err := RunMigrations(db.Client, log); err != nil {
			b.Close()
			return nil, err
		}
		b.Store = attendance.NewPostgresStore(db.Client)
		b.Health["db"] = db.Healthy
	case "firestore":
		if err := b.openFirebase(ctx, cfg); err != nil {
			return nil, err
		}
		b.Store = attendance.NewFirestoreStore(b.Firebase.Firestore)
	default:
		log.Warn("using in-memory store, data is lost on restart")
		b.Store = attendance.NewMemoryStore()
	}

	if cfg.AuthProvider == "firebase" && b.Firebase == nil {
		if err := b.openFirebase(ctx, cfg); err != nil {
			b.Close()
			return nil, err
		}
	}

	if cfg.QueueBackend == "redis" {
		b.Redis = NewRedis(cfg.RedisAddr)
		b.Queue = queue.NewRedisQueue(b.Redis.Client, queue.DefaultKey)
		b.Health["redis"] = b.Redis.Healthy
	} else {
		b.Queue = queue.NewInMemory(256)
	}
	return b, nil
}

func (b *Backend) openFirebase(ctx context.Context, cfg config.App) error {
	fb, err := NewFirebase(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredentials)
	if err != nil {
		return err
	}
	b.Firebase = fb
	return nil
}

// Close releases every open connection.
func (b *Backend) Close() {
	_ = b.DB.Close()
	_ = b.Firebase.Close()
	_ = b.Redis.Close()
}
