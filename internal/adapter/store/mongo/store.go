package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/streamgate/streamgate/internal/core/domain"
	"github.com/streamgate/streamgate/internal/logger"
)

const (
	filesCollection = "file"
	connectTimeout  = 10 * time.Second
)

// Store implements the metadata store on MongoDB. File records are keyed
// by their object id; the public identifier is its hex form.
type Store struct {
	client *mongo.Client
	files  *mongo.Collection
	logger *logger.StyledLogger
}

// Connect opens the database and verifies it responds.
func Connect(ctx context.Context, databaseURL, databaseName string, lgr *logger.StyledLogger) (*Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background()) //nolint:errcheck
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	lgr.Info("metadata store connected", "database", databaseName)
	return &Store{
		client: client,
		files:  client.Database(databaseName).Collection(filesCollection),
		logger: lgr,
	}, nil
}

func (s *Store) GetFile(ctx context.Context, dbID string) (*domain.FileRecord, error) {
	oid, err := primitive.ObjectIDFromHex(dbID)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", dbID, domain.ErrFileNotFound)
	}

	var record domain.FileRecord
	err = s.files.FindOne(ctx, bson.M{"_id": oid}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%q: %w", dbID, domain.ErrFileNotFound)
		}
		return nil, fmt.Errorf("store: load %q: %w", dbID, err)
	}
	return &record, nil
}

func (s *Store) UpdateFileIDs(ctx context.Context, dbID string, fileIDs map[string]string) error {
	oid, err := primitive.ObjectIDFromHex(dbID)
	if err != nil {
		return fmt.Errorf("%q: %w", dbID, domain.ErrFileNotFound)
	}

	_, err = s.files.UpdateByID(ctx, oid, bson.M{"$set": bson.M{"file_ids": fileIDs}})
	if err != nil {
		return fmt.Errorf("store: update file ids for %q: %w", dbID, err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
