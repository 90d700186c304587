// Package mongostore implements session.Store on MongoDB, the durable
// backing store for session lifecycle and task metadata across kernel
// restarts.
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/soulbrowser/kernel/internal/session"
)

const (
	defaultSessionsCollection = "kernel_sessions"
	defaultTasksCollection    = "kernel_tasks"
	defaultOpTimeout          = 5 * time.Second
)

// Options configures the Mongo-backed session.Store.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	SessionsCollection string
	TasksCollection    string
	Timeout            time.Duration
}

// Store implements session.Store on top of a MongoDB client.
type Store struct {
	mongo    *mongodriver.Client
	sessions *mongodriver.Collection
	tasks    *mongodriver.Collection
	timeout  time.Duration
}

// New constructs a Store, ensuring the unique/lookup indexes it relies on
// exist.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	sessionsName := opts.SessionsCollection
	if sessionsName == "" {
		sessionsName = defaultSessionsCollection
	}
	tasksName := opts.TasksCollection
	if tasksName == "" {
		tasksName = defaultTasksCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	sessions := opts.Client.Database(opts.Database).Collection(sessionsName)
	tasks := opts.Client.Database(opts.Database).Collection(tasksName)

	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ensureIndexes(ictx, sessions, tasks); err != nil {
		return nil, err
	}
	return &Store{mongo: opts.Client, sessions: sessions, tasks: tasks, timeout: timeout}, nil
}

// Ping reports whether the backing MongoDB deployment is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

func (s *Store) CreateSession(ctx context.Context, sessionID, tenantID string, createdAt time.Time) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if createdAt.IsZero() {
		return session.Session{}, errors.New("created_at is required")
	}

	existing, err := s.LoadSession(ctx, sessionID)
	if err == nil {
		if existing.Status == session.StatusEnded {
			return session.Session{}, session.ErrSessionEnded
		}
		return existing, nil
	}
	if !errors.Is(err, session.ErrSessionNotFound) {
		return session.Session{}, err
	}

	now := time.Now().UTC()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sessionID}
	update := bson.M{
		// Pure $setOnInsert keeps CreateSession idempotent under retries
		// and races: Mongo rejects an update that sets the same path via
		// both $set and $setOnInsert.
		"$setOnInsert": bson.M{
			"session_id": sessionID,
			"tenant_id":  tenantID,
			"status":     session.StatusActive,
			"created_at": createdAt.UTC(),
			"updated_at": now,
		},
	}
	if _, err := s.sessions.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return session.Session{}, err
	}
	out, err := s.LoadSession(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if out.Status == session.StatusEnded {
		return session.Session{}, session.ErrSessionEnded
	}
	return out, nil
}

func (s *Store) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc sessionDocument
	if err := s.sessions.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Session{}, session.ErrSessionNotFound
		}
		return session.Session{}, err
	}
	return doc.toSession(), nil
}

func (s *Store) EndSession(ctx context.Context, sessionID string, endedAt time.Time) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if endedAt.IsZero() {
		return session.Session{}, errors.New("ended_at is required")
	}
	existing, err := s.LoadSession(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if existing.Status == session.StatusEnded {
		return existing, nil
	}
	now := time.Now().UTC()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{
		"status":     session.StatusEnded,
		"ended_at":   endedAt.UTC(),
		"updated_at": now,
	}}
	if _, err := s.sessions.UpdateOne(ctx, bson.M{"session_id": sessionID}, update); err != nil {
		return session.Session{}, err
	}
	return s.LoadSession(ctx, sessionID)
}

func (s *Store) UpsertTask(ctx context.Context, task session.TaskMeta) error {
	if task.TaskID == "" {
		return errors.New("task id is required")
	}
	if task.SessionID == "" {
		return errors.New("session id is required")
	}
	now := time.Now().UTC()
	if task.StartedAt.IsZero() {
		task.StartedAt = now
	}
	task.UpdatedAt = now
	doc := fromTaskMeta(task)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"task_id": task.TaskID}
	update := bson.M{
		"$set": bson.M{
			"task_id":    doc.TaskID,
			"session_id": doc.SessionID,
			"tenant_id":  doc.TenantID,
			"status":     doc.Status,
			"updated_at": doc.UpdatedAt,
			"labels":     doc.Labels,
			"metadata":   doc.Metadata,
		},
		"$setOnInsert": bson.M{"started_at": doc.StartedAt},
	}
	_, err := s.tasks.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (s *Store) LoadTask(ctx context.Context, taskID string) (session.TaskMeta, error) {
	if taskID == "" {
		return session.TaskMeta{}, errors.New("task id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc taskDocument
	if err := s.tasks.FindOne(ctx, bson.M{"task_id": taskID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.TaskMeta{}, session.ErrTaskNotFound
		}
		return session.TaskMeta{}, err
	}
	return doc.toTaskMeta(), nil
}

func (s *Store) ListTasksBySession(ctx context.Context, sessionID string, statuses []session.TaskStatus) ([]session.TaskMeta, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	filter := bson.M{"session_id": sessionID}
	if len(statuses) > 0 {
		filter["status"] = bson.M{"$in": statuses}
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.tasks.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []session.TaskMeta
	for cur.Next(ctx) {
		var doc taskDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toTaskMeta())
	}
	return out, cur.Err()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type taskDocument struct {
	TaskID    string            `bson:"task_id"`
	SessionID string            `bson:"session_id"`
	TenantID  string            `bson:"tenant_id,omitempty"`
	Status    session.TaskStatus `bson:"status"`
	StartedAt time.Time         `bson:"started_at"`
	UpdatedAt time.Time         `bson:"updated_at"`
	Labels    map[string]string `bson:"labels,omitempty"`
	Metadata  map[string]any    `bson:"metadata,omitempty"`
}

type sessionDocument struct {
	SessionID string         `bson:"session_id"`
	TenantID  string         `bson:"tenant_id,omitempty"`
	Status    session.Status `bson:"status"`
	CreatedAt time.Time      `bson:"created_at"`
	EndedAt   *time.Time     `bson:"ended_at,omitempty"`
	UpdatedAt time.Time      `bson:"updated_at"`
}

func fromTaskMeta(t session.TaskMeta) taskDocument {
	return taskDocument{
		TaskID:    t.TaskID,
		SessionID: t.SessionID,
		TenantID:  t.TenantID,
		Status:    t.Status,
		StartedAt: t.StartedAt.UTC(),
		UpdatedAt: t.UpdatedAt.UTC(),
		Labels:    t.Labels,
		Metadata:  t.Metadata,
	}
}

func (doc taskDocument) toTaskMeta() session.TaskMeta {
	return session.TaskMeta{
		TaskID:    doc.TaskID,
		SessionID: doc.SessionID,
		TenantID:  doc.TenantID,
		Status:    doc.Status,
		StartedAt: doc.StartedAt,
		UpdatedAt: doc.UpdatedAt,
		Labels:    doc.Labels,
		Metadata:  doc.Metadata,
	}
}

func (doc sessionDocument) toSession() session.Session {
	var endedAt *time.Time
	if doc.EndedAt != nil {
		at := doc.EndedAt.UTC()
		endedAt = &at
	}
	return session.Session{
		ID:        doc.SessionID,
		TenantID:  doc.TenantID,
		Status:    doc.Status,
		CreatedAt: doc.CreatedAt.UTC(),
		EndedAt:   endedAt,
	}
}

func ensureIndexes(ctx context.Context, sessions, tasks *mongodriver.Collection) error {
	if _, err := sessions.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := tasks.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "task_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := tasks.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "status", Value: 1}},
	}); err != nil {
		return err
	}
	return nil
}
