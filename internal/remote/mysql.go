package remote

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Collection maps a logical collection onto a table.
type Collection struct {
	Name       string
	Table      string
	PrimaryKey string
}

type Database struct {
	DB     *sql.DB
	Config config.DatabaseConnection
}

func NewDatabase(cfg config.DatabaseConnection) (*Database, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// Connection pool settings
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	// An unreachable remote at startup is only logged.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		logger.Log.Warn("Remote database not reachable yet",
			zap.String("host", cfg.Host),
			zap.Error(err),
		)
	} else {
		logger.Log.Info("Connected to database",
			zap.String("host", cfg.Host),
			zap.String("database", cfg.Database),
		)
	}

	return &Database{
		DB:     db,
		Config: cfg,
	}, nil
}

func (d *Database) Close() error {
	return d.DB.Close()
}

// ExecTx executes a function within a transaction
func (d *Database) ExecTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %w, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

// MySQLBackend delivers mutations as row writes, one table per collection.
type MySQLBackend struct {
	db          *Database
	collections map[string]Collection
}

var _ Backend = (*MySQLBackend)(nil)

func NewCollections(cfgs []config.CollectionConfig) (map[string]Collection, error) {
	cols := make(map[string]Collection, len(cfgs))
	for _, c := range cfgs {
		col := Collection{Name: c.Name, Table: c.Table, PrimaryKey: c.PrimaryKey}
		if col.Table == "" {
			col.Table = c.Name
		}
		if col.PrimaryKey == "" {
			col.PrimaryKey = "id"
		}
		if !identRe.MatchString(col.Table) || !identRe.MatchString(col.PrimaryKey) {
			return nil, fmt.Errorf("collection %q: invalid table or key name", c.Name)
		}
		cols[c.Name] = col
	}
	return cols, nil
}

func NewMySQLBackend(db *Database, cfgs []config.CollectionConfig) (*MySQLBackend, error) {
	cols, err := NewCollections(cfgs)
	if err != nil {
		return nil, err
	}
	return &MySQLBackend{db: db, collections: cols}, nil
}

func (b *MySQLBackend) collection(name string) (Collection, error) {
	col, ok := b.collections[name]
	if !ok {
		return Collection{}, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	return col, nil
}

func (b *MySQLBackend) exec(ctx context.Context, query string, args []any) error {
	return b.db.ExecTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
}

func (b *MySQLBackend) Insert(ctx context.Context, collection string, payload json.RawMessage) error {
	col, err := b.collection(collection)
	if err != nil {
		return err
	}
	fields, err := decodeFields(payload)
	if err != nil {
		return err
	}
	query, args, err := buildInsert(col, fields)
	if err != nil {
		return err
	}
	return b.exec(ctx, query, args)
}

func (b *MySQLBackend) UpdateByID(ctx context.Context, collection, id string, payload json.RawMessage) error {
	col, err := b.collection(collection)
	if err != nil {
		return err
	}
	fields, err := decodeFields(payload)
	if err != nil {
		return err
	}
	query, args, err := buildUpdate(col, id, fields)
	if err != nil {
		return err
	}
	return b.exec(ctx, query, args)
}

func (b *MySQLBackend) DeleteByID(ctx context.Context, collection, id string) error {
	col, err := b.collection(collection)
	if err != nil {
		return err
	}
	query, args := buildDelete(col, id)
	return b.exec(ctx, query, args)
}

func (b *MySQLBackend) Ping(ctx context.Context) error {
	return b.db.DB.PingContext(ctx)
}

// decodeFields turns a JSON object into column values. Nested objects and
// arrays are stored as JSON text.
func decodeFields(payload json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var obj map[string]json.RawMessage
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if obj == nil {
		return nil, errors.New("payload must be a JSON object")
	}

	fields := make(map[string]any, len(obj))
	for k, raw := range obj {
		if !identRe.MatchString(k) {
			return nil, fmt.Errorf("invalid column name %q", k)
		}
		v, err := columnValue(raw)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", k, err)
		}
		fields[k] = v
	}
	return fields, nil
}

func columnValue(raw json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	switch trimmed[0] {
	case '{', '[':
		return string(trimmed), nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if n, ok := v.(json.Number); ok {
		return n.String(), nil
	}
	return v, nil
}

func quote(ident string) string {
	return "`" + ident + "`"
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func buildInsert(col Collection, fields map[string]any) (string, []any, error) {
	if len(fields) == 0 {
		return "", nil, errors.New("nothing to insert")
	}
	keys := sortedKeys(fields)
	cols := make([]string, len(keys))
	marks := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		cols[i] = quote(k)
		marks[i] = "?"
		args[i] = fields[k]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(col.Table), strings.Join(cols, ", "), strings.Join(marks, ", "))
	return query, args, nil
}

func buildUpdate(col Collection, id string, fields map[string]any) (string, []any, error) {
	keys := sortedKeys(fields)
	sets := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys)+1)
	for _, k := range keys {
		if k == col.PrimaryKey {
			continue
		}
		sets = append(sets, quote(k)+" = ?")
		args = append(args, fields[k])
	}
	if len(sets) == 0 {
		return "", nil, errors.New("nothing to update")
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		quote(col.Table), strings.Join(sets, ", "), quote(col.PrimaryKey))
	return query, args, nil
}

func buildDelete(col Collection, id string) (string, []any) {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quote(col.Table), quote(col.PrimaryKey)), []any{id}
}
