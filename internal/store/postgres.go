package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/eventfeed/internal/loader"
	"github.com/rickgao/eventfeed/internal/model"
)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

const (
	eventColumns      = `id, organizer_id, title, description, location, status, starts_at, updated_at`
	userColumns       = `id, display_name, email, created_at`
	attendanceColumns = `event_id, user_id, status, updated_at`
)

// Postgres serves entities from PostgreSQL.
type Postgres struct {
	db     DB
	logger *slog.Logger
}

// NewPostgres creates a Postgres store.
func NewPostgres(db DB, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, logger: logger}
}

// Fetchers returns the batch functions keyed by loader kind.
func (p *Postgres) Fetchers() map[string]loader.BatchFunc {
	return map[string]loader.BatchFunc{
		KindEvent:      p.fetchEvents,
		KindUser:       p.fetchUsers,
		KindAttendance: p.fetchAttendance,
	}
}

// fetchEvents loads every event of the window with one ANY($1) query.
func (p *Postgres) fetchEvents(ctx context.Context, keys []string) ([]loader.Result, error) {
	ids, results := parseIDs(keys)
	if len(ids) == 0 {
		return results, nil
	}

	rows, err := p.db.Query(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ANY($1::uuid[])`, ids)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	found, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (model.Event, error) { return scanEvent(r) })
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}

	byID := make(map[string]model.Event, len(found))
	for _, e := range found {
		byID[e.ID.String()] = e
	}
	fill(keys, results, func(k string) (any, bool) {
		e, ok := byID[k]
		return e, ok
	})
	return results, nil
}

// fetchUsers loads every user of the window with one ANY($1) query.
func (p *Postgres) fetchUsers(ctx context.Context, keys []string) ([]loader.Result, error) {
	ids, results := parseIDs(keys)
	if len(ids) == 0 {
		return results, nil
	}

	rows, err := p.db.Query(ctx, `SELECT `+userColumns+` FROM users WHERE id = ANY($1::uuid[])`, ids)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	found, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (model.User, error) { return scanUser(r) })
	if err != nil {
		return nil, fmt.Errorf("scan users: %w", err)
	}

	byID := make(map[string]model.User, len(found))
	for _, u := range found {
		byID[u.ID.String()] = u
	}
	fill(keys, results, func(k string) (any, bool) {
		u, ok := byID[k]
		return u, ok
	})
	return results, nil
}

// fetchAttendance queues one lookup per pair into a single pgx.Batch, so the
// window costs one round trip and results come back in key order.
func (p *Postgres) fetchAttendance(ctx context.Context, keys []string) ([]loader.Result, error) {
	results := make([]loader.Result, len(keys))
	batch := &pgx.Batch{}
	queued := make([]int, 0, len(keys))

	for i, k := range keys {
		userID, eventID, err := model.ParseAttendanceKey(k)
		if err != nil {
			results[i] = loader.Result{Err: fmt.Errorf("%w: %w", ErrInvalidKey, err)}
			continue
		}
		batch.Queue(`SELECT `+attendanceColumns+` FROM attendance WHERE user_id = $1 AND event_id = $2`,
			userID.String(), eventID.String())
		queued = append(queued, i)
	}
	if len(queued) == 0 {
		return results, nil
	}

	br := p.db.SendBatch(ctx, batch)
	defer br.Close()

	for _, i := range queued {
		a, err := scanAttendance(br.QueryRow())
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			results[i] = loader.Missing()
		case err != nil:
			return nil, fmt.Errorf("query attendance: %w", err)
		default:
			results[i] = loader.Found(a)
		}
	}
	return results, nil
}

// GetEvent reads one event outside any loader scope.
func (p *Postgres) GetEvent(ctx context.Context, id uuid.UUID) (model.Event, error) {
	e, err := scanEvent(p.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Event{}, ErrNotFound
	}
	if err != nil {
		return model.Event{}, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

// UpdateEvent applies patch and returns the stored event with the fields
// that were set.
func (p *Postgres) UpdateEvent(ctx context.Context, id uuid.UUID, patch EventPatch) (model.Event, map[string]string, error) {
	if err := patch.Validate(); err != nil {
		return model.Event{}, nil, err
	}

	row := p.db.QueryRow(ctx, `
		UPDATE events SET
			title       = COALESCE($2, title),
			description = COALESCE($3, description),
			location    = COALESCE($4, location),
			status      = COALESCE($5, status),
			starts_at   = COALESCE($6, starts_at),
			updated_at  = $7
		WHERE id = $1
		RETURNING `+eventColumns,
		id.String(), patch.Title, patch.Description, patch.Location, patch.Status, patch.StartsAt, model.Now())

	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Event{}, nil, ErrNotFound
	}
	if err != nil {
		return model.Event{}, nil, fmt.Errorf("update event: %w", err)
	}

	return e, patch.Fields(), nil
}

// SetAttendance upserts one RSVP.
func (p *Postgres) SetAttendance(ctx context.Context, a model.Attendance) (model.Attendance, error) {
	if !ValidAttendStatus(a.Status) {
		return model.Attendance{}, ErrInvalidStatus
	}
	if a.UpdatedAt == 0 {
		a.UpdatedAt = model.Now()
	}

	row := p.db.QueryRow(ctx, `
		INSERT INTO attendance (event_id, user_id, status, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id, user_id) DO UPDATE
			SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
		RETURNING `+attendanceColumns,
		a.EventID.String(), a.UserID.String(), a.Status, a.UpdatedAt)

	out, err := scanAttendance(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return model.Attendance{}, ErrNotFound
		}
		return model.Attendance{}, fmt.Errorf("set attendance: %w", err)
	}
	return out, nil
}

// CreateUser inserts a user.
func (p *Postgres) CreateUser(ctx context.Context, u model.User) error {
	if u.CreatedAt == 0 {
		u.CreatedAt = model.Now()
	}
	_, err := p.db.Exec(ctx, `INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4)`,
		u.ID.String(), u.DisplayName, u.Email, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// CreateEvent inserts an event.
func (p *Postgres) CreateEvent(ctx context.Context, e model.Event) error {
	if e.Status == "" {
		e.Status = EventScheduled
	}
	if e.UpdatedAt == 0 {
		e.UpdatedAt = model.Now()
	}
	_, err := p.db.Exec(ctx, `INSERT INTO events (`+eventColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID.String(), e.OrganizerID.String(), e.Title, e.Description, e.Location, e.Status, e.StartsAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

// rowScanner is satisfied by pgx.Row and pgx.CollectableRow.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (model.Event, error) {
	var e model.Event
	err := row.Scan(&e.ID, &e.OrganizerID, &e.Title, &e.Description, &e.Location, &e.Status, &e.StartsAt, &e.UpdatedAt)
	return e, err
}

func scanUser(row rowScanner) (model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.DisplayName, &u.Email, &u.CreatedAt)
	return u, err
}

func scanAttendance(row rowScanner) (model.Attendance, error) {
	var a model.Attendance
	err := row.Scan(&a.EventID, &a.UserID, &a.Status, &a.UpdatedAt)
	return a, err
}

// parseIDs validates uuid keys. Malformed keys get their error result here;
// the returned ids hold the rest in canonical form.
func parseIDs(keys []string) ([]string, []loader.Result) {
	results := make([]loader.Result, len(keys))
	ids := make([]string, 0, len(keys))
	for i, k := range keys {
		id, err := uuid.Parse(k)
		if err != nil {
			results[i] = loader.Result{Err: fmt.Errorf("%w %q: %w", ErrInvalidKey, k, err)}
			continue
		}
		ids = append(ids, id.String())
	}
	return ids, results
}

// fill sets the result of every key that did not already fail.
func fill(keys []string, results []loader.Result, get func(key string) (any, bool)) {
	for i, k := range keys {
		if results[i].Err != nil {
			continue
		}
		canonical := k
		if id, err := uuid.Parse(k); err == nil {
			canonical = id.String()
		}
		if v, ok := get(canonical); ok {
			results[i] = loader.Found(v)
		} else {
			results[i] = loader.Missing()
		}
	}
}
