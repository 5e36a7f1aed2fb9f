// Package postgres implements store.Store against a real PostgreSQL
// schema using github.com/jackc/pgx/v5, following the query contract
// spec §6 lays out: every read and write goes through a table the caller
// already owns, and the store injects node-id/modified clauses ahead of
// whatever WHERE the caller supplies rather than owning the schema
// itself.
//
// Change notification rides Postgres's own LISTEN/NOTIFY rather than an
// external broker — wiring pgx's own pub/sub primitive is the point of
// using pgx over database/sql here.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/collabtext/syncengine/hlc"
	"github.com/collabtext/syncengine/store"
)

// notifyChannel is the Postgres NOTIFY channel name the store's
// subscriptions LISTEN on. One store instance, any number of
// subscriptions.
const notifyChannel = "crdt_sync_changes"

// TableSchema describes one physical table the store will read and write.
// Columns lists every column including the reserved node_id and modified
// columns; PrimaryKey names the column(s) the upsert's ON CONFLICT target
// needs.
type TableSchema struct {
	Columns    []string
	PrimaryKey []string

	// Where is an optional caller-supplied predicate, appended after the
	// store's own injected node-id/modified clauses and joined to them
	// with AND. It uses Postgres positional parameters starting at $1;
	// the store renumbers them to land after its own placeholders, so
	// the template itself never needs to know how many clauses precede
	// it. WhereArgs supplies the corresponding values in order.
	Where     string
	WhereArgs []any
}

// Config wires a Store to a pool and the table layout it's allowed to
// touch.
type Config struct {
	Pool   *pgxpool.Pool
	NodeID string
	Tables map[string]TableSchema
}

// Store is a store.Store backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	nodeID string
	tables map[string]TableSchema

	mu   sync.Mutex
	subs map[*subscription]struct{}

	listenConn *pgxpool.Conn
	cancel     context.CancelFunc
}

// Open constructs a Store and starts its LISTEN goroutine. Call Close to
// release the dedicated listener connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Pool == nil || cfg.NodeID == "" {
		return nil, fmt.Errorf("postgres: Pool and NodeID are required")
	}
	conn, err := cfg.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: acquire listener conn: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("postgres: listen: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		pool:       cfg.Pool,
		nodeID:     cfg.NodeID,
		tables:     cfg.Tables,
		subs:       make(map[*subscription]struct{}),
		listenConn: conn,
		cancel:     cancel,
	}
	go s.listenLoop(listenCtx)
	return s, nil
}

// Close releases the dedicated LISTEN connection. The pool itself is the
// caller's to close.
func (s *Store) Close() {
	s.cancel()
	s.listenConn.Release()
}

func (s *Store) NodeID() string { return s.nodeID }

func (s *Store) AllTables() map[string]struct{} {
	out := make(map[string]struct{}, len(s.tables))
	for t := range s.tables {
		out[t] = struct{}{}
	}
	return out
}

// nodeFilterClause renders the node-id half of spec §6's injected WHERE,
// numbered starting at argN, returning the SQL fragment and the next free
// argument number.
func nodeFilterClause(table string, f store.Filter, argN int) (string, []any, int) {
	switch {
	case f.OnlyNodeID != "":
		return fmt.Sprintf("%s.node_id = $%d", table, argN), []any{f.OnlyNodeID}, argN + 1
	case f.ExceptNodeID != "":
		return fmt.Sprintf("%s.node_id != $%d", table, argN), []any{f.ExceptNodeID}, argN + 1
	default:
		return "", nil, argN
	}
}

func timeFilterClause(table string, q store.ChangesetQuery, argN int) (string, []any, int) {
	switch {
	case q.ModifiedOnSet():
		return fmt.Sprintf("%s.modified = $%d", table, argN), []any{q.ModifiedOn.String()}, argN + 1
	case q.ModifiedAfterSet():
		return fmt.Sprintf("%s.modified > $%d", table, argN), []any{q.ModifiedAfter.String()}, argN + 1
	default:
		return "", nil, argN
	}
}

func lastModifiedFilterClause(table string, f store.Filter, argN int) (string, []any, int) {
	return nodeFilterClause(table, f, argN)
}

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// renumberPlaceholders shifts every $N in where up by offset, so a
// caller-supplied template written against $1, $2, ... lands after
// whichever injected clauses already claimed the low-numbered slots.
func renumberPlaceholders(where string, offset int) string {
	return placeholderRe.ReplaceAllStringFunc(where, func(m string) string {
		n, _ := strconv.Atoi(m[1:])
		return "$" + strconv.Itoa(n+offset)
	})
}

// buildChangesetQuery assembles the full SELECT for table, injecting the
// node-id/modified clauses ahead of schema's own caller-supplied Where
// (spec §6's clause-injection contract, renumbering schema.Where's
// positional parameters so they land after the injected ones).
func buildChangesetQuery(table string, schema TableSchema, q store.ChangesetQuery) (string, []any) {
	var clauses []string
	var args []any
	argN := 1
	if c, a, next := nodeFilterClause(table, q.Filter, argN); c != "" {
		clauses = append(clauses, c)
		args = append(args, a...)
		argN = next
	}
	if c, a, next := timeFilterClause(table, q, argN); c != "" {
		clauses = append(clauses, c)
		args = append(args, a...)
		argN = next
	}
	if schema.Where != "" {
		clauses = append(clauses, renumberPlaceholders(schema.Where, argN-1))
		args = append(args, schema.WhereArgs...)
	}

	sqlText := fmt.Sprintf("SELECT %s FROM %s", strings.Join(schema.Columns, ", "), table)
	if len(clauses) > 0 {
		sqlText += " WHERE " + strings.Join(clauses, " AND ")
	}
	sqlText += " ORDER BY modified ASC"
	return sqlText, args
}

func (s *Store) LastModified(ctx context.Context, filter store.Filter) (hlc.HLC, error) {
	best := hlc.Zero(s.nodeID)
	for table := range s.tables {
		clause, args, _ := lastModifiedFilterClause(table, filter, 1)
		q := fmt.Sprintf("SELECT modified FROM %s", table)
		if clause != "" {
			q += " WHERE " + clause
		}
		q += " ORDER BY modified DESC LIMIT 1"

		var raw string
		err := s.pool.QueryRow(ctx, q, args...).Scan(&raw)
		if err == pgx.ErrNoRows {
			continue
		}
		if err != nil {
			return hlc.HLC{}, fmt.Errorf("postgres: LastModified(%s): %w", table, err)
		}
		h, err := hlc.Parse(raw)
		if err != nil {
			return hlc.HLC{}, fmt.Errorf("postgres: LastModified(%s): malformed modified %q: %w", table, raw, err)
		}
		best = hlc.Max(best, h)
	}
	return best, nil
}

// CanonicalTime reports the greatest modified timestamp across every
// table this store knows about, which is exactly what a fresh HLC tick
// must never regress behind.
func (s *Store) CanonicalTime(ctx context.Context) (hlc.HLC, error) {
	return s.LastModified(ctx, store.Filter{})
}

func (s *Store) GetChangeset(ctx context.Context, q store.ChangesetQuery) (store.Changeset, error) {
	tables := q.Tables
	if tables == nil {
		tables = s.AllTables()
	}

	out := make(store.Changeset, len(tables))
	for table := range tables {
		schema, ok := s.tables[table]
		if !ok {
			continue
		}

		sqlText, args := buildChangesetQuery(table, schema, q)

		rows, err := s.pool.Query(ctx, sqlText, args...)
		if err != nil {
			return nil, fmt.Errorf("postgres: GetChangeset(%s): %w", table, err)
		}
		records, err := scanRecords(rows, schema.Columns)
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("postgres: GetChangeset(%s): %w", table, err)
		}
		if len(records) > 0 {
			out[table] = records
		}
	}

	store.SortChangeset(out)
	return out, nil
}

func scanRecords(rows pgx.Rows, columns []string) (store.TableChangeset, error) {
	var out store.TableChangeset
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		rec := make(store.Record, len(columns))
		for i, col := range columns {
			if i < len(vals) {
				rec[col] = vals[i]
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Merge upserts every record in cs, last-write-wins by modified, inside
// one transaction, and NOTIFYs listeners once per table actually
// advanced.
func (s *Store) Merge(ctx context.Context, cs store.Changeset) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: merge: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	touched := make(map[string]struct{})
	var maxHLC hlc.HLC
	for table, records := range cs {
		schema, ok := s.tables[table]
		if !ok {
			return fmt.Errorf("postgres: merge: unknown table %q", table)
		}
		for _, rec := range records {
			changed, err := upsertRecord(ctx, tx, table, schema, rec)
			if err != nil {
				return fmt.Errorf("postgres: merge(%s): %w", table, err)
			}
			if changed {
				touched[table] = struct{}{}
				maxHLC = hlc.Max(maxHLC, rec.Modified())
			}
		}
	}

	if len(touched) > 0 {
		payload, err := json.Marshal(notifyPayload{HLC: maxHLC.String(), Tables: tableNames(touched)})
		if err != nil {
			return fmt.Errorf("postgres: merge: marshal notify: %w", err)
		}
		if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, string(payload)); err != nil {
			return fmt.Errorf("postgres: merge: notify: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: merge: commit: %w", err)
	}
	return nil
}

// upsertRecord applies last-write-wins semantics: the conflicting row is
// only replaced if the incoming modified HLC is strictly newer, which is
// the idempotent-merge invariant spec §3 requires (re-applying the same
// record, or an older one, is a no-op).
func upsertRecord(ctx context.Context, tx pgx.Tx, table string, schema TableSchema, rec store.Record) (bool, error) {
	cols := schema.Columns
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = rec[col]
	}

	updates := make([]string, 0, len(cols))
	for _, col := range cols {
		if isPrimaryKey(col, schema.PrimaryKey) {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}

	q := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s WHERE %s.modified < EXCLUDED.modified",
		table,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(schema.PrimaryKey, ", "),
		strings.Join(updates, ", "),
		table,
	)

	tag, err := tx.Exec(ctx, q, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func isPrimaryKey(col string, pk []string) bool {
	for _, k := range pk {
		if k == col {
			return true
		}
	}
	return false
}

func tableNames(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}

type notifyPayload struct {
	HLC    string   `json:"hlc"`
	Tables []string `json:"tables"`
}

func (s *Store) listenLoop(ctx context.Context) {
	for {
		notif, err := s.listenConn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("postgres: listen error: %v", err)
			continue
		}
		var payload notifyPayload
		if err := json.Unmarshal([]byte(notif.Payload), &payload); err != nil {
			log.Printf("postgres: malformed notify payload: %v", err)
			continue
		}
		h, err := hlc.Parse(payload.HLC)
		if err != nil {
			log.Printf("postgres: malformed notify hlc %q: %v", payload.HLC, err)
			continue
		}
		tables := make(map[string]struct{}, len(payload.Tables))
		for _, t := range payload.Tables {
			tables[t] = struct{}{}
		}
		s.broadcast(store.ChangeEvent{HLC: h, Tables: tables})
	}
}

func (s *Store) broadcast(ev store.ChangeEvent) {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.events <- ev:
		default:
		}
	}
}

func (s *Store) Subscribe() (store.Subscription, error) {
	sub := &subscription{events: make(chan store.ChangeEvent, 64), store: s}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub, nil
}

type subscription struct {
	events chan store.ChangeEvent
	store  *Store
	once   sync.Once
}

func (s *subscription) Events() <-chan store.ChangeEvent { return s.events }

func (s *subscription) Close() {
	s.once.Do(func() {
		s.store.mu.Lock()
		delete(s.store.subs, s)
		s.store.mu.Unlock()
	})
}

var _ store.Store = (*Store)(nil)
