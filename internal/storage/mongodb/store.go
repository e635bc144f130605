// Package mongodb implements storage interfaces using MongoDB
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/phax/phase4-sub000/internal/storage"
	"github.com/phax/phase4-sub000/pkg/reliability"
)

// Store implements storage.Store and reliability.Registry using MongoDB
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	gridfs *gridfs.Bucket

	// Collections
	messages   *mongo.Collection
	duplicates *mongo.Collection

	duplicateWindow time.Duration
}

// Config holds MongoDB connection settings
type Config struct {
	URI            string
	Database       string
	GridFSBucket   string
	ChunkSizeBytes int32
	// DuplicateWindow is how long message ids are remembered for
	// duplicate detection.
	DuplicateWindow time.Duration
}

var (
	_ storage.Store        = (*Store)(nil)
	_ reliability.Registry = (*Store)(nil)
)

// NewStore creates a new MongoDB store
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)

	bucketName := cfg.GridFSBucket
	if bucketName == "" {
		bucketName = "payloads"
	}
	chunkSize := cfg.ChunkSizeBytes
	if chunkSize == 0 {
		chunkSize = 261120 // 255KB
	}
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().
		SetName(bucketName).
		SetChunkSizeBytes(chunkSize))
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("creating GridFS bucket: %w", err)
	}

	window := cfg.DuplicateWindow
	if window <= 0 {
		window = reliability.DefaultWindow
	}

	s := &Store{
		client:          client,
		db:              db,
		gridfs:          bucket,
		messages:        db.Collection("messages"),
		duplicates:      db.Collection("duplicates"),
		duplicateWindow: window,
	}

	if err := s.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "as4_message_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "pmode_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}}},
		{Keys: bson.D{{Key: "received_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("creating message indexes: %w", err)
	}

	// Registrations expire on their own once expires_at has passed.
	_, err = s.duplicates.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("creating duplicate indexes: %w", err)
	}
	return nil
}

// Close disconnects from MongoDB
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// MessageStore implementation

func (s *Store) CreateMessage(ctx context.Context, msg *storage.Message) error {
	if msg.ID == "" {
		msg.ID = primitive.NewObjectID().Hex()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	_, err := s.messages.InsertOne(ctx, msg)
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrDuplicateMessage
	}
	return err
}

func (s *Store) GetMessage(ctx context.Context, id string) (*storage.Message, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *Store) GetMessageByAS4ID(ctx context.Context, as4MessageID string) (*storage.Message, error) {
	return s.findOne(ctx, bson.M{"as4_message_id": as4MessageID})
}

func (s *Store) findOne(ctx context.Context, filter bson.M) (*storage.Message, error) {
	var msg storage.Message
	err := s.messages.FindOne(ctx, filter).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Store) UpdateMessageStatus(ctx context.Context, id string, update storage.StatusUpdate) error {
	set := bson.M{"status": update.Status}
	if update.ResponseMessageID != "" {
		set["response_message_id"] = update.ResponseMessageID
	}
	if !update.At.IsZero() {
		set["responded_at"] = update.At
	}
	res, err := s.messages.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, filter *storage.MessageFilter) ([]*storage.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "received_at", Value: -1}})
	if filter != nil {
		if filter.Limit > 0 {
			opts.SetLimit(int64(filter.Limit))
		}
		if filter.Offset > 0 {
			opts.SetSkip(int64(filter.Offset))
		}
	}

	cursor, err := s.messages.Find(ctx, messageQuery(filter), opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var messages []*storage.Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *Store) CountMessages(ctx context.Context, filter *storage.MessageFilter) (int64, error) {
	return s.messages.CountDocuments(ctx, messageQuery(filter))
}

func messageQuery(filter *storage.MessageFilter) bson.M {
	query := bson.M{}
	if filter == nil {
		return query
	}
	if filter.Kind != "" {
		query["kind"] = filter.Kind
	}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	if filter.Service != "" {
		query["service"] = filter.Service
	}
	if filter.Action != "" {
		query["action"] = filter.Action
	}
	if filter.PModeID != "" {
		query["pmode_id"] = filter.PModeID
	}
	if filter.Since != nil {
		query["received_at"] = bson.M{"$gte": *filter.Since}
	}
	return query
}

// PayloadStore implementation using GridFS

func (s *Store) StorePayload(ctx context.Context, payload *storage.PayloadData) (string, error) {
	if payload.Checksum == "" {
		payload.Checksum = storage.Checksum(payload.Data)
	}

	filename := payload.ContentID
	if filename == "" {
		filename = payload.Checksum
	}
	uploadOpts := options.GridFSUpload().SetMetadata(bson.M{
		"content_id": payload.ContentID,
		"mime_type":  payload.MimeType,
		"checksum":   payload.Checksum,
	})

	uploadStream, err := s.gridfs.OpenUploadStream(filename, uploadOpts)
	if err != nil {
		return "", fmt.Errorf("opening upload stream: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := uploadStream.SetWriteDeadline(deadline); err != nil {
			_ = uploadStream.Abort()
			return "", fmt.Errorf("setting write deadline: %w", err)
		}
	}

	if _, err := uploadStream.Write(payload.Data); err != nil {
		_ = uploadStream.Abort()
		return "", fmt.Errorf("writing payload: %w", err)
	}
	if err := uploadStream.Close(); err != nil {
		return "", fmt.Errorf("closing upload stream: %w", err)
	}

	payload.ID = uploadStream.FileID.(primitive.ObjectID).Hex()
	return payload.ID, nil
}

func (s *Store) GetPayload(ctx context.Context, id string) (*storage.PayloadData, error) {
	objID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("invalid payload ID: %w", err)
	}

	downloadStream, err := s.gridfs.OpenDownloadStream(objID)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("opening download stream: %w", err)
	}
	defer downloadStream.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := downloadStream.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("setting read deadline: %w", err)
		}
	}

	data, err := io.ReadAll(downloadStream)
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}

	metadata := downloadStream.GetFile().Metadata
	contentID, _ := metadata.Lookup("content_id").StringValueOK()
	mimeType, _ := metadata.Lookup("mime_type").StringValueOK()
	checksum, _ := metadata.Lookup("checksum").StringValueOK()

	return &storage.PayloadData{
		ID:        id,
		ContentID: contentID,
		MimeType:  mimeType,
		Data:      data,
		Checksum:  checksum,
	}, nil
}

func (s *Store) DeletePayload(ctx context.Context, id string) error {
	objID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("invalid payload ID: %w", err)
	}
	err = s.gridfs.DeleteContext(ctx, objID)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return storage.ErrNotFound
	}
	return err
}

// Duplicate detection

type duplicateDoc struct {
	Key       string    `bson:"_id"`
	MessageID string    `bson:"message_id"`
	ProfileID string    `bson:"profile_id,omitempty"`
	PModeID   string    `bson:"pmode_id,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

// RegisterAndCheck implements reliability.Registry. The unique _id makes
// the registration atomic across receiver instances sharing a database.
func (s *Store) RegisterAndCheck(ctx context.Context, messageID, profileID, pmodeID string) (reliability.Outcome, error) {
	return s.RegisterAndCheckWithin(ctx, s.duplicateWindow, messageID, profileID, pmodeID)
}

// RegisterAndCheckWithin implements reliability.WindowRegistry.
func (s *Store) RegisterAndCheckWithin(ctx context.Context, window time.Duration, messageID, profileID, pmodeID string) (reliability.Outcome, error) {
	if window <= 0 {
		window = s.duplicateWindow
	}
	key := reliability.Key(messageID, profileID, pmodeID)
	now := time.Now()

	_, err := s.duplicates.InsertOne(ctx, duplicateDoc{
		Key:       key,
		MessageID: messageID,
		ProfileID: profileID,
		PModeID:   pmodeID,
		CreatedAt: now,
		ExpiresAt: now.Add(window),
	})
	switch {
	case err == nil:
		return reliability.OutcomeNew, nil
	case !mongo.IsDuplicateKeyError(err):
		return reliability.OutcomeNew, fmt.Errorf("registering message id: %w", err)
	}

	// The TTL monitor runs periodically, so an expired registration may
	// still be present. Take it over if so.
	res, err := s.duplicates.UpdateOne(ctx,
		bson.M{"_id": key, "expires_at": bson.M{"$lte": now}},
		bson.M{"$set": bson.M{"created_at": now, "expires_at": now.Add(window)}},
	)
	if err != nil {
		return reliability.OutcomeNew, fmt.Errorf("renewing message id: %w", err)
	}
	if res.ModifiedCount == 1 {
		return reliability.OutcomeNew, nil
	}
	return reliability.OutcomeDuplicate, nil
}

// Release implements reliability.Registry.
func (s *Store) Release(ctx context.Context, messageID, profileID, pmodeID string) error {
	_, err := s.duplicates.DeleteOne(ctx, bson.M{"_id": reliability.Key(messageID, profileID, pmodeID)})
	if err != nil {
		return fmt.Errorf("releasing message id: %w", err)
	}
	return nil
}
