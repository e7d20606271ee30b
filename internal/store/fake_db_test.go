package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeDB answers queries through handler and records what was sent.
type fakeDB struct {
	mu      sync.Mutex
	handler func(sql string, args []any) ([][]any, error)
	queries []string
	batches []int // queued queries per SendBatch
}

func (db *fakeDB) record(sql string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.queries = append(db.queries, strings.Join(strings.Fields(sql), " "))
}

func (db *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.record(sql)
	if _, err := db.handler(sql, args); err != nil {
		return pgconn.CommandTag{}, err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (db *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	db.record(sql)
	data, err := db.handler(sql, args)
	if err != nil {
		return nil, err
	}
	return &fakeRows{data: data, pos: -1}, nil
}

func (db *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	db.record(sql)
	data, err := db.handler(sql, args)
	return &fakeRow{data: data, err: err}
}

func (db *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	db.mu.Lock()
	db.batches = append(db.batches, b.Len())
	db.mu.Unlock()
	return &fakeBatchResults{db: db, queued: b.QueuedQueries}
}

func (db *fakeDB) queryCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.queries)
}

type fakeRows struct {
	data [][]any
	pos  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos < len(r.data)
}

func (r *fakeRows) Scan(dest ...any) error {
	return scanInto(r.data[r.pos], dest)
}

func (r *fakeRows) Values() ([]any, error) {
	return r.data[r.pos], nil
}

type fakeRow struct {
	data [][]any
	err  error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(r.data) == 0 {
		return pgx.ErrNoRows
	}
	return scanInto(r.data[0], dest)
}

type fakeBatchResults struct {
	db     *fakeDB
	queued []*pgx.QueuedQuery
	next   int
}

func (br *fakeBatchResults) pop() (*pgx.QueuedQuery, error) {
	if br.next >= len(br.queued) {
		return nil, errors.New("no more batch results")
	}
	q := br.queued[br.next]
	br.next++
	br.db.record(q.SQL)
	return q, nil
}

func (br *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	q, err := br.pop()
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	_, err = br.db.handler(q.SQL, q.Arguments)
	return pgconn.NewCommandTag("SELECT"), err
}

func (br *fakeBatchResults) Query() (pgx.Rows, error) {
	q, err := br.pop()
	if err != nil {
		return nil, err
	}
	data, err := br.db.handler(q.SQL, q.Arguments)
	if err != nil {
		return nil, err
	}
	return &fakeRows{data: data, pos: -1}, nil
}

func (br *fakeBatchResults) QueryRow() pgx.Row {
	q, err := br.pop()
	if err != nil {
		return &fakeRow{err: err}
	}
	data, err := br.db.handler(q.SQL, q.Arguments)
	return &fakeRow{data: data, err: err}
}

func (br *fakeBatchResults) Close() error { return nil }

func scanInto(row []any, dest []any) error {
	if len(row) != len(dest) {
		return fmt.Errorf("scan: %d values into %d destinations", len(row), len(dest))
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(row[i]))
	}
	return nil
}
