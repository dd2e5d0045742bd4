package storage

import (
	"context"
	goerrors "errors"
	"fmt"
	"hive-chat/contract"
	"hive-chat/domain"
	"hive-chat/errors"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"google.golang.org/protobuf/types/known/structpb"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS channels (
	id             BIGSERIAL PRIMARY KEY,
	name           TEXT NOT NULL,
	name_en        TEXT NOT NULL DEFAULT '',
	description    TEXT NOT NULL DEFAULT '',
	description_en TEXT NOT NULL DEFAULT '',
	sort_order     INT  NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS profiles (
	id          TEXT PRIMARY KEY,
	username    TEXT NOT NULL,
	avatar_url  TEXT NOT NULL DEFAULT '',
	is_disabled BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS messages (
	id         BIGSERIAL PRIMARY KEY,
	channel_id BIGINT NOT NULL REFERENCES channels(id),
	user_id    TEXT NOT NULL,
	content    TEXT NOT NULL DEFAULT '',
	metadata   JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);
CREATE INDEX IF NOT EXISTS messages_channel_created_at ON messages (channel_id, created_at DESC);
`

// columns lists the queryable columns of each table, server-assigned ones flagged.
var columns = map[domain.Table]map[string]bool{
	domain.TableMessages: {
		domain.ColID: true, domain.ColChannelID: false, domain.ColUserID: false,
		domain.ColContent: false, domain.ColMetadata: false, domain.ColCreatedAt: true,
	},
	domain.TableChannels: {
		domain.ColID: false, domain.ColName: false, domain.ColNameEn: false,
		domain.ColDescription: false, domain.ColDescriptionEn: false, domain.ColSortOrder: false,
	},
	domain.TableProfiles: {
		domain.ColID: false, domain.ColUsername: false, domain.ColAvatarURL: false, domain.ColIsDisabled: false,
	},
}

var integerColumns = map[string]bool{domain.ColChannelID: true, domain.ColSortOrder: true}

var _ contract.Store = (*PostgresStore)(nil)

// PostgresStore pushes queries down to Postgres. Rows are decoded into the same
// value bags as every other store.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewPostgresStore(pool *pgxpool.Pool, log *slog.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, log: log}
}

// NewPool connects with retries: the database may still be starting.
func NewPool(ctx context.Context, log *slog.Logger, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	var pool *pgxpool.Pool
	for attempt := 1; attempt <= 10; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, config)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				log.Info("Database connected", "attempt", attempt)
				return pool, nil
			}
			pool.Close()
		}
		log.Warn("Database connection attempt failed", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return nil, fmt.Errorf("failed to connect after 10 attempts: %w", err)
}

// Migrate creates the tables when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, q domain.Query) ([]*structpb.Struct, error) {
	sql, args, err := buildSelect(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Table, err)
	}
	return collect(rows)
}

func (s *PostgresStore) Insert(ctx context.Context, table domain.Table, row *structpb.Struct) (*structpb.Struct, error) {
	sql, args, err := buildInsert(table, row)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("insert into %s: %w", table, err)
	}
	inserted, err := collect(rows)
	if err != nil {
		var pgErr *pgconn.PgError
		if goerrors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("insert into %s: %w", table, errors.ErrDuplicateKey)
		}
		return nil, fmt.Errorf("insert into %s: %w", table, err)
	}
	if len(inserted) == 0 {
		return nil, fmt.Errorf("insert into %s: %w", table, errors.ErrNotFound)
	}
	return inserted[0], nil
}

func (s *PostgresStore) Call(ctx context.Context, fn string, args *structpb.Struct) ([]*structpb.Struct, error) {
	if fn != domain.FuncUpdateUserProfile {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownFunction, fn)
	}
	fields := args.GetFields()
	rows, err := s.pool.Query(ctx, `
		UPDATE profiles
		SET username = COALESCE($2, username), avatar_url = COALESCE($3, avatar_url)
		WHERE id = $1
		RETURNING *`,
		fields["p_user_id"].GetStringValue(),
		nullableString(fields["p_username"]),
		nullableString(fields["p_avatar_url"]),
	)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", fn, err)
	}
	return collect(rows)
}

func buildSelect(q domain.Query) (string, []any, error) {
	known, ok := columns[q.Table]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", errors.ErrUnknownTable, q.Table)
	}
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString("SELECT * FROM " + string(q.Table))
	for i, f := range q.Filters {
		if _, ok = known[f.Column]; !ok {
			return "", nil, fmt.Errorf("%w: %s", errors.ErrUnknownColumn, f.Column)
		}
		op, err := sqlOperator(f.Op)
		if err != nil {
			return "", nil, err
		}
		value, err := toParam(f.Column, f.Value)
		if err != nil {
			return "", nil, err
		}
		args = append(args, value)
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		fmt.Fprintf(&sb, "%s %s $%d", f.Column, op, len(args))
	}
	for i, o := range q.Order {
		if _, ok = known[o.Column]; !ok {
			return "", nil, fmt.Errorf("%w: %s", errors.ErrUnknownColumn, o.Column)
		}
		if i == 0 {
			sb.WriteString(" ORDER BY ")
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(o.Column)
		if o.Descending {
			sb.WriteString(" DESC")
		}
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	return sb.String(), args, nil
}

// buildInsert skips server-assigned columns and columns the table does not have.
func buildInsert(table domain.Table, row *structpb.Struct) (string, []any, error) {
	known, ok := columns[table]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", errors.ErrUnknownTable, table)
	}
	var (
		names  []string
		params []string
		args   []any
	)
	for _, column := range slices.Sorted(maps.Keys(known)) {
		value, present := row.GetFields()[column]
		if !present || known[column] {
			continue
		}
		param, err := toParam(column, value)
		if err != nil {
			return "", nil, err
		}
		args = append(args, param)
		names = append(names, column)
		params = append(params, fmt.Sprintf("$%d", len(args)))
	}
	if len(names) == 0 {
		return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING *", table), nil, nil
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		table, strings.Join(names, ", "), strings.Join(params, ", ")), args, nil
}

func sqlOperator(op domain.Operator) (string, error) {
	switch op {
	case domain.OpEq:
		return "=", nil
	case domain.OpLt:
		return "<", nil
	case domain.OpGt:
		return ">", nil
	default:
		return "", fmt.Errorf("unsupported operator %q", op)
	}
}

func toParam(column string, value *structpb.Value) (any, error) {
	switch {
	case column == domain.ColCreatedAt:
		return domain.ParseTimestamp(value.GetStringValue())
	case column == domain.ColMetadata:
		return value.GetStructValue().AsMap(), nil
	case column == domain.ColID || integerColumns[column]:
		if _, isNumber := value.GetKind().(*structpb.Value_NumberValue); isNumber {
			return int64(value.GetNumberValue()), nil
		}
		return value.AsInterface(), nil
	default:
		return value.AsInterface(), nil
	}
}

func nullableString(value *structpb.Value) *string {
	s, ok := value.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return nil
	}
	return &s.StringValue
}

func collect(rows pgx.Rows) ([]*structpb.Struct, error) {
	records, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}
	out := make([]*structpb.Struct, 0, len(records))
	for _, m := range records {
		row, err := toRow(m)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func toRow(m map[string]any) (*structpb.Struct, error) {
	fields := make(map[string]*structpb.Value, len(m))
	for column, raw := range m {
		var normalized any
		switch v := raw.(type) {
		case time.Time:
			normalized = domain.FormatTimestamp(v)
		case int64:
			normalized = float64(v)
		case int32:
			normalized = float64(v)
		case int16:
			normalized = float64(v)
		default:
			normalized = v
		}
		value, err := structpb.NewValue(normalized)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", column, err)
		}
		fields[column] = value
	}
	return &structpb.Struct{Fields: fields}, nil
}
