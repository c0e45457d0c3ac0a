package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/team-bethany-and-thomas/healthapp/internal/platform/clock"
)

// PgQuerier is the subset of pgxpool.Pool used by Postgres. pgxmock pools
// satisfy it as well.
type PgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres stores every collection in a single JSONB documents table.
// Unique indexes are created by the SQL migrations.
type Postgres struct {
	db    PgQuerier
	clock clock.Clock
}

func NewPostgres(db PgQuerier, clk clock.Clock) *Postgres {
	return &Postgres{db: db, clock: clk}
}

const uniqueViolation = "23505"

var fieldName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

const selectColumns = `SELECT id, data, permissions, created_at, updated_at FROM documents`

func (p *Postgres) ListWhere(ctx context.Context, collection string, q Query) ([]Record, error) {
	sql, args, err := buildPgQuery(collection, q)
	if err != nil {
		return nil, err
	}

	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", collection, err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	return out, nil
}

func (p *Postgres) GetByID(ctx context.Context, collection, id string) (*Record, error) {
	row := p.db.QueryRow(ctx, selectColumns+` WHERE collection = $1 AND id = $2`, collection, id)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, translatePgError(err))
	}
	return rec, nil
}

func (p *Postgres) Create(ctx context.Context, collection, id string, fields map[string]any, permissions []string) (*Record, error) {
	clean, err := jsonCopy(fields)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(clean)
	if err != nil {
		return nil, fmt.Errorf("create %s/%s: %w", collection, id, err)
	}
	if permissions == nil {
		permissions = []string{}
	}
	now := stamp(p.clock)

	_, err = p.db.Exec(ctx,
		`INSERT INTO documents (collection, id, data, permissions, created_at, updated_at)
VALUES ($1, $2, $3::jsonb, $4, $5, $5)`,
		collection, id, string(data), permissions, now)
	if err != nil {
		return nil, fmt.Errorf("create %s/%s: %w", collection, id, translatePgError(err))
	}
	return &Record{ID: id, Fields: clean, Permissions: permissions, CreatedAt: now, UpdatedAt: now}, nil
}

func (p *Postgres) Update(ctx context.Context, collection, id string, patch map[string]any) (*Record, error) {
	clean, err := jsonCopy(patch)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(clean)
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", collection, id, err)
	}

	row := p.db.QueryRow(ctx,
		`UPDATE documents SET data = data || $3::jsonb, updated_at = $4
WHERE collection = $1 AND id = $2
RETURNING id, data, permissions, created_at, updated_at`,
		collection, id, string(data), stamp(p.clock))
	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", collection, id, translatePgError(err))
	}
	return rec, nil
}

func (p *Postgres) Delete(ctx context.Context, collection, id string) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, translatePgError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete %s/%s: %w", collection, id, ErrNotFound)
	}
	return nil
}

func translatePgError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrDuplicate)
	}
	return err
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec  Record
		data []byte
	)
	if err := row.Scan(&rec.ID, &data, &rec.Permissions, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &rec.Fields); err != nil {
		return nil, fmt.Errorf("decode data of %s: %w", rec.ID, err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	return &rec, nil
}

// buildPgQuery renders q as SQL over the documents table. The collection
// is always $1.
func buildPgQuery(collection string, q Query) (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}

	args := []any{collection}
	next := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	var b strings.Builder
	b.WriteString(selectColumns)
	b.WriteString(` WHERE collection = $1`)

	for _, pr := range q.Where {
		if !fieldName.MatchString(pr.Field) {
			return "", nil, fmt.Errorf("query: invalid field name %q", pr.Field)
		}
		text := fmt.Sprintf("data->>'%s'", pr.Field)
		switch pr.Op {
		case OpEq, OpNe:
			doc, err := json.Marshal(map[string]any{pr.Field: pr.Value})
			if err != nil {
				return "", nil, fmt.Errorf("query: encode %s: %w", pr.Field, err)
			}
			cond := "data @> " + next(string(doc)) + "::jsonb"
			if pr.Op == OpNe {
				cond = "NOT (" + cond + ")"
			}
			b.WriteString(" AND " + cond)
		case OpIn:
			b.WriteString(" AND " + text + " = ANY(" + next(textValues(pr.Value)) + "::text[])")
		case OpNin:
			b.WriteString(" AND NOT COALESCE(" + text + " = ANY(" + next(textValues(pr.Value)) + "::text[]), false)")
		case OpGte, OpLt:
			cmp := ">="
			if pr.Op == OpLt {
				cmp = "<"
			}
			switch v := normalize(pr.Value).(type) {
			case float64:
				b.WriteString(" AND (" + text + ")::numeric " + cmp + " " + next(v))
			case string:
				b.WriteString(" AND " + text + ` COLLATE "C" ` + cmp + " " + next(v))
			default:
				return "", nil, fmt.Errorf("query: %s on %s needs a number or string", pr.Op, pr.Field)
			}
		}
	}

	b.WriteString(" ORDER BY ")
	for _, o := range q.Order {
		if !fieldName.MatchString(o.Field) {
			return "", nil, fmt.Errorf("query: invalid order field %q", o.Field)
		}
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&b, "data->'%s' %s, ", o.Field, dir)
	}
	b.WriteString("created_at ASC, id ASC")

	if q.Limit > 0 {
		b.WriteString(" LIMIT " + next(q.Limit))
	}
	return b.String(), args, nil
}

// textValues renders an OpIn/OpNin operand the way ->> renders JSON scalars.
func textValues(v any) []string {
	vals := values(v)
	out := make([]string, 0, len(vals))
	for _, x := range vals {
		switch n := normalize(x).(type) {
		case string:
			out = append(out, n)
		case float64:
			out = append(out, strconv.FormatFloat(n, 'f', -1, 64))
		case bool:
			out = append(out, strconv.FormatBool(n))
		default:
			data, _ := json.Marshal(n)
			out = append(out, string(data))
		}
	}
	return out
}

var _ Store = (*Postgres)(nil)
