// Package queue is the durable offline write queue from spec §4.H: every
// mutating panel call the rest of the control plane can't make right now
// (panel unreachable, breaker open) lands here instead, and gets replayed
// in order once a SyncHandler is registered and the queue is online.
package queue

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/nodeplane/fleetcore/domain"
	"github.com/nodeplane/fleetcore/infrastructure/errors"
	"github.com/nodeplane/fleetcore/infrastructure/logging"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// DefaultSyncInterval matches spec's "sync loop wakes every 60 s."
const DefaultSyncInterval = 60 * time.Second

// DefaultGCCronSpec runs cleanup daily at local hour 02, per spec.
const DefaultGCCronSpec = "0 2 * * *"

// SyncHandler replays one queued operation against the panel. Returning nil
// marks it completed; any error counts against the operation's retry budget.
type SyncHandler func(ctx context.Context, op domain.QueuedOperation) error

// SyncResult is syncAllPending's {synced, failed} contract.
type SyncResult struct {
	Synced int
	Failed int
}

// Config configures a Queue.
type Config struct {
	Path         string
	SyncInterval time.Duration
	GCCronSpec   string
	GCMaxAge     time.Duration
	Logger       *logging.Logger
}

// DefaultConfig returns sane defaults for a node-local queue file.
func DefaultConfig(path string) Config {
	return Config{
		Path:         path,
		SyncInterval: DefaultSyncInterval,
		GCCronSpec:   DefaultGCCronSpec,
		GCMaxAge:     time.Duration(domain.DefaultQueueGCDays) * 24 * time.Hour,
	}
}

// Queue is the durable FIFO described in spec §4.H.
type Queue struct {
	db     *sqlx.DB
	cfg    Config
	logger *logging.Logger

	mu       sync.RWMutex
	handlers map[string]SyncHandler
	online   bool

	cron     *cron.Cron
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New opens (creating if needed) the queue database, applies migrations,
// and starts the sync loop and the daily GC cron job. The queue starts
// online; call SetOnline(false) if the caller already knows the panel is
// unreachable.
func New(cfg Config) (*Queue, error) {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.GCCronSpec == "" {
		cfg.GCCronSpec = DefaultGCCronSpec
	}
	if cfg.GCMaxAge <= 0 {
		cfg.GCMaxAge = time.Duration(domain.DefaultQueueGCDays) * 24 * time.Hour
	}

	dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.ConfigurationError("failed to open offline queue database", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrateSchema(db.DB, cfg.Path); err != nil {
		_ = db.Close()
		return nil, errors.ConfigurationError("failed to migrate offline queue schema", err)
	}

	q := &Queue{
		db:       db,
		cfg:      cfg,
		logger:   cfg.Logger,
		handlers: make(map[string]SyncHandler),
		online:   true,
		stopCh:   make(chan struct{}),
	}

	q.cron = cron.New(cron.WithLocation(time.Local))
	if _, err := q.cron.AddFunc(cfg.GCCronSpec, q.runGC); err != nil {
		_ = db.Close()
		return nil, errors.ConfigurationError("failed to schedule offline queue GC", err)
	}
	q.cron.Start()

	q.wg.Add(1)
	go q.syncLoop()

	return q, nil
}

func migrateSchema(db *sql.DB, path string) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite://"+path)
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// RegisterHandler installs the sync handler for resourceType. Queueing an
// operation for a resourceType with no registered handler just persists it;
// it waits for a handler (or the next manual SyncAllPending call after one
// is registered).
func (q *Queue) RegisterHandler(resourceType string, handler SyncHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[resourceType] = handler
}

// Close stops the sync loop and GC cron job and closes the database.
func (q *Queue) Close() error {
	q.stopOnce.Do(func() { close(q.stopCh) })
	<-q.cron.Stop().Done()
	q.wg.Wait()
	return q.db.Close()
}

// QueueOperation persists a new pending operation and returns its id. If
// the queue is online and a handler is registered for resourceType, a
// background sync of just this operation is attempted immediately.
func (q *Queue) QueueOperation(ctx context.Context, opType domain.OpType, resourceType string, data []byte, resourceID *string) (uuid.UUID, error) {
	op := domain.NewQueuedOperation(opType, resourceType, data, resourceID)

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queued_operations (id, op_type, resource_type, resource_id, data, created_at, retry_count, max_retries, status)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, op.ID.String(), string(op.OpType), op.ResourceType, op.ResourceID, op.Data, op.CreatedAt, op.MaxRetries, string(op.Status))
	if err != nil {
		return uuid.Nil, errors.ConnectionError("failed to persist queued operation", err)
	}

	q.mu.RLock()
	online := q.online
	_, hasHandler := q.handlers[resourceType]
	q.mu.RUnlock()

	if online && hasHandler {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := q.syncOne(ctx, op); err != nil && q.logger != nil {
				q.logger.Warn(ctx, "immediate sync of queued operation failed, will retry on next loop", map[string]interface{}{
					"operation_id": op.ID.String(),
					"error":        err.Error(),
				})
			}
		}()
	}

	return op.ID, nil
}

// SetOnline flips the queue's connectivity state. Going offline→online
// triggers an immediate drain of everything pending.
func (q *Queue) SetOnline(ctx context.Context, online bool) {
	q.mu.Lock()
	wasOffline := !q.online
	q.online = online
	q.mu.Unlock()

	if online && wasOffline {
		go q.drain(context.Background())
	}
}

// PendingOperations returns pending rows in createdAt ascending order,
// optionally filtered to one resourceType.
func (q *Queue) PendingOperations(ctx context.Context, resourceType string) ([]domain.QueuedOperation, error) {
	var rows []queueRow
	var err error
	if resourceType == "" {
		err = q.db.SelectContext(ctx, &rows, `SELECT * FROM queued_operations WHERE status = ? ORDER BY created_at ASC`, string(domain.QueuePending))
	} else {
		err = q.db.SelectContext(ctx, &rows, `SELECT * FROM queued_operations WHERE status = ? AND resource_type = ? ORDER BY created_at ASC`, string(domain.QueuePending), resourceType)
	}
	if err != nil {
		return nil, errors.ConnectionError("failed to list pending operations", err)
	}

	ops := make([]domain.QueuedOperation, len(rows))
	for i, r := range rows {
		ops[i] = r.toDomain()
	}
	return ops, nil
}

// SyncAllPending iterates every pending row in createdAt order and invokes
// the registered handler for its resourceType, per spec's sync semantics.
// Rows with no registered handler are left pending untouched.
func (q *Queue) SyncAllPending(ctx context.Context) (SyncResult, error) {
	var result SyncResult

	q.mu.RLock()
	online := q.online
	q.mu.RUnlock()
	if !online {
		return result, nil
	}

	var rows []queueRow
	if err := q.db.SelectContext(ctx, &rows, `SELECT * FROM queued_operations WHERE status = ? ORDER BY created_at ASC`, string(domain.QueuePending)); err != nil {
		return result, errors.ConnectionError("failed to list pending operations", err)
	}

	for _, r := range rows {
		op := r.toDomain()
		q.mu.RLock()
		_, hasHandler := q.handlers[op.ResourceType]
		q.mu.RUnlock()
		if !hasHandler {
			continue
		}

		if err := q.syncOne(ctx, op); err != nil {
			result.Failed++
		} else {
			result.Synced++
		}
	}
	return result, nil
}

// ClearCompletedOperations deletes completed/failed rows older than
// olderThanDays, returning the count removed. Called daily by the GC cron
// job with domain.DefaultQueueGCDays; exposed for callers that want a
// different window or an out-of-band sweep.
func (q *Queue) ClearCompletedOperations(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM queued_operations
		WHERE status IN (?, ?) AND created_at <= ?
	`, string(domain.QueueCompleted), string(domain.QueueFailed), cutoff)
	if err != nil {
		return 0, errors.ConnectionError("failed to clear completed operations", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (q *Queue) drain(ctx context.Context) {
	result, err := q.SyncAllPending(ctx)
	if q.logger == nil {
		return
	}
	if err != nil {
		q.logger.Error(ctx, "offline queue drain failed", err, nil)
		return
	}
	if result.Synced > 0 || result.Failed > 0 {
		q.logger.Info(ctx, "offline queue drained after reconnect", map[string]interface{}{
			"synced": result.Synced, "failed": result.Failed,
		})
	}
}

func (q *Queue) syncOne(ctx context.Context, op domain.QueuedOperation) error {
	q.mu.RLock()
	handler, ok := q.handlers[op.ResourceType]
	q.mu.RUnlock()
	if !ok {
		return errors.ConfigurationError(fmt.Sprintf("no sync handler registered for resource type %s", op.ResourceType), nil)
	}

	claim, err := q.db.Exec(`UPDATE queued_operations SET status = ? WHERE id = ? AND status = ?`,
		string(domain.QueueInProgress), op.ID.String(), string(domain.QueuePending))
	if err != nil {
		return errors.ConnectionError("failed to mark operation in progress", err)
	}
	if n, _ := claim.RowsAffected(); n == 0 {
		// Already claimed by a concurrent sync (the immediate post-queue
		// attempt racing the periodic loop, most commonly).
		return nil
	}

	handlerErr := handler(ctx, op)
	if handlerErr == nil {
		_, err := q.db.Exec(`UPDATE queued_operations SET status = ? WHERE id = ?`, string(domain.QueueCompleted), op.ID.String())
		return err
	}

	retryCount := op.RetryCount + 1
	if retryCount >= op.MaxRetries {
		_, err := q.db.Exec(`UPDATE queued_operations SET status = ?, retry_count = ?, error_message = ? WHERE id = ?`,
			string(domain.QueueFailed), retryCount, handlerErr.Error(), op.ID.String())
		if err != nil {
			return err
		}
		return handlerErr
	}

	_, err := q.db.Exec(`UPDATE queued_operations SET status = ?, retry_count = ?, error_message = ? WHERE id = ?`,
		string(domain.QueuePending), retryCount, handlerErr.Error(), op.ID.String())
	if err != nil {
		return err
	}
	return handlerErr
}

func (q *Queue) syncLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.mu.RLock()
			online := q.online
			q.mu.RUnlock()
			if !online {
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			result, err := q.SyncAllPending(ctx)
			cancel()
			if q.logger != nil {
				if err != nil {
					q.logger.Error(context.Background(), "offline queue sync loop failed", err, nil)
				} else if result.Synced > 0 || result.Failed > 0 {
					q.logger.Info(context.Background(), "offline queue sync loop completed", map[string]interface{}{
						"synced": result.Synced, "failed": result.Failed,
					})
				}
			}
		}
	}
}

func (q *Queue) runGC() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	removed, err := q.ClearCompletedOperations(ctx, domain.DefaultQueueGCDays)
	if q.logger == nil {
		return
	}
	if err != nil {
		q.logger.Error(ctx, "offline queue GC failed", err, nil)
		return
	}
	if removed > 0 {
		q.logger.Info(ctx, "offline queue GC removed old operations", map[string]interface{}{"removed": removed})
	}
}

type queueRow struct {
	ID           string         `db:"id"`
	OpType       string         `db:"op_type"`
	ResourceType string         `db:"resource_type"`
	ResourceID   sql.NullString `db:"resource_id"`
	Data         []byte         `db:"data"`
	CreatedAt    time.Time      `db:"created_at"`
	RetryCount   int            `db:"retry_count"`
	MaxRetries   int            `db:"max_retries"`
	Status       string         `db:"status"`
	ErrorMessage sql.NullString `db:"error_message"`
}

func (r queueRow) toDomain() domain.QueuedOperation {
	op := domain.QueuedOperation{
		ID:           uuid.MustParse(r.ID),
		OpType:       domain.OpType(r.OpType),
		ResourceType: r.ResourceType,
		Data:         r.Data,
		CreatedAt:    r.CreatedAt,
		RetryCount:   r.RetryCount,
		MaxRetries:   r.MaxRetries,
		Status:       domain.QueueStatus(r.Status),
	}
	if r.ResourceID.Valid {
		id := r.ResourceID.String
		op.ResourceID = &id
	}
	if r.ErrorMessage.Valid {
		msg := r.ErrorMessage.String
		op.ErrorMessage = &msg
	}
	return op
}
