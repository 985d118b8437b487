package database

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"ledger-api/internal/config"
	"ledger-api/internal/repository"
)

type Database struct {
	MongoDB      *mongo.Database
	RedisDB      *redis.Client
	Repositories *Repositories
}

type Repositories struct {
	User            repository.UserRepository
	GameTransaction repository.GameTransactionRepository
	PaymentOrder    repository.PaymentOrderRepository
	Referral        repository.ReferralRepository
	Settings        repository.SettingsRepository
	Outbox          repository.OutboxRepository
	Audit           repository.AuditRepository
	Lock            repository.LockRepository
	Deliveries      repository.DeliveryDeduper
}

func Initialize(ctx context.Context, cfg *config.Config) (*Database, error) {
	mongoDB, err := initializeMongoDB(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MongoDB: %w", err)
	}

	redisDB, err := initializeRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Redis: %w", err)
	}

	repos := &Repositories{
		User:            repository.NewUserRepository(mongoDB),
		GameTransaction: repository.NewGameTransactionRepository(mongoDB),
		PaymentOrder:    repository.NewPaymentOrderRepository(mongoDB),
		Referral:        repository.NewReferralRepository(mongoDB),
		Settings:        repository.NewSettingsRepository(mongoDB),
		Outbox:          repository.NewOutboxRepository(mongoDB),
		Audit:           repository.NewAuditRepository(mongoDB),
		Lock:            repository.NewLockRepository(redisDB),
		Deliveries:      repository.NewDeliveryDeduper(redisDB),
	}

	if cfg.Database.CreateIndexes {
		if err := createIndexes(ctx, repos); err != nil {
			return nil, fmt.Errorf("failed to create database indexes: %w", err)
		}
	}

	return &Database{
		MongoDB:      mongoDB,
		RedisDB:      redisDB,
		Repositories: repos,
	}, nil
}

func initializeMongoDB(ctx context.Context, cfg config.DatabaseConfig) (*mongo.Database, error) {
	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetMinPoolSize(cfg.MinPoolSize).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetSocketTimeout(cfg.SocketTimeout).
		SetWriteConcern(writeconcern.Majority())

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return client.Database(cfg.Name), nil
}

func initializeRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

type indexer interface {
	CreateIndexes(ctx context.Context) error
}

func createIndexes(ctx context.Context, repos *Repositories) error {
	for _, repo := range []indexer{
		repos.User,
		repos.GameTransaction,
		repos.PaymentOrder,
		repos.Referral,
		repos.Outbox,
		repos.Audit,
	} {
		if err := repo.CreateIndexes(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (db *Database) Close(ctx context.Context) error {
	var errs []error

	if db.MongoDB != nil {
		if err := db.MongoDB.Client().Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close MongoDB: %w", err))
		}
	}

	if db.RedisDB != nil {
		if err := db.RedisDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close Redis: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing database connections: %v", errs)
	}

	return nil
}

func (db *Database) PingMongo(ctx context.Context) error {
	return db.MongoDB.Client().Ping(ctx, readpref.Primary())
}

func (db *Database) PingRedis(ctx context.Context) error {
	return db.RedisDB.Ping(ctx).Err()
}

// WithTransaction runs fn inside a MongoDB transaction. Every repository call
// made with the context passed to fn joins the transaction; returning an
// error aborts all of them. The driver may re-run fn on transient errors.
func (db *Database) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := db.MongoDB.Client().StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})

	return err
}
