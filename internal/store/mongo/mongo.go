// Package mongo implements store.Repository on MongoDB. One Store instance
// owns the client for the whole process; watchers borrow its collections to
// open change streams.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/squadlite/squadlite/internal/common/config"
	"github.com/squadlite/squadlite/internal/common/logger"
)

// Collection names used by the coordination plane.
const (
	CollAgents      = "agents"
	CollMessages    = "messages"
	CollCheckpoints = "checkpoints"
	CollTasks       = "tasks"
	CollSandboxes   = "sandboxes"
)

const connectTimeout = 10 * time.Second

// Store is the MongoDB-backed store.Repository.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *logger.Logger

	agents      *mongo.Collection
	messages    *mongo.Collection
	checkpoints *mongo.Collection
	tasks       *mongo.Collection
	sandboxes   *mongo.Collection
}

// Connect dials MongoDB, pings it, and ensures indexes and collection
// validators exist before returning.
func Connect(ctx context.Context, cfg config.MongoConfig, log *logger.Logger) (*Store, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetAppName("squadlite")
	if cfg.MaxPool > 0 {
		opts.SetMaxPoolSize(cfg.MaxPool)
	}
	client, err := mongo.Connect(dialCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(dialCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(cfg.DBName)
	s := &Store{
		client:      client,
		db:          db,
		logger:      log,
		agents:      db.Collection(CollAgents),
		messages:    db.Collection(CollMessages),
		checkpoints: db.Collection(CollCheckpoints),
		tasks:       db.Collection(CollTasks),
		sandboxes:   db.Collection(CollSandboxes),
	}

	if err := s.ensureValidators(ctx); err != nil {
		log.Warn("Failed to install collection validators", zap.Error(err))
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ensure indexes: %w", err)
	}

	log.Info("Connected to MongoDB",
		zap.String("database", cfg.DBName))
	return s, nil
}

// Database exposes the underlying database for change stream watchers.
func (s *Store) Database() *mongo.Database {
	return s.db
}

// Collection returns a raw collection handle by name.
func (s *Store) Collection(name string) *mongo.Collection {
	return s.db.Collection(name)
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}
	s.logger.Info("MongoDB connection closed")
	return nil
}
