package proxy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/edvin/jitaccess/internal/model"
)

const (
	// MaxRows caps the rows returned from a single statement.
	MaxRows = 10000
	// StatementTimeout bounds a single statement including connect.
	StatementTimeout = 30 * time.Second

	connectTimeout = 10 * time.Second
)

// Opener opens a database handle. It matches sql.Open.
type Opener func(driverName, dataSourceName string) (*sql.DB, error)

// TokenSource mints short-lived IAM authentication tokens.
type TokenSource interface {
	Token(ctx context.Context, host string, port int, region, user string) (string, error)
}

// ConnParams identifies the target database and the credential to use.
type ConnParams struct {
	Engine   string
	Host     string
	Port     int
	Username string
	Password string
	Database string
	IAMAuth  bool
	Region   string
}

// Result is the outcome of one statement. Exactly one of Rows or
// AffectedRows is set.
type Result struct {
	Columns      []string         `json:"columns,omitempty"`
	Rows         []map[string]any `json:"results,omitempty"`
	RowCount     int              `json:"row_count"`
	Truncated    bool             `json:"truncated,omitempty"`
	AffectedRows *int64           `json:"affectedRows,omitempty"`
}

// Count returns the number of rows read or affected.
func (r *Result) Count() int64 {
	if r.AffectedRows != nil {
		return *r.AffectedRows
	}
	return int64(r.RowCount)
}

// Executor runs one statement per connection. It holds no connection state
// between calls.
type Executor struct {
	open    Opener
	tokens  TokenSource
	maxRows int
	timeout time.Duration
}

func NewExecutor(tokens TokenSource) *Executor {
	return &Executor{
		open:    sql.Open,
		tokens:  tokens,
		maxRows: MaxRows,
		timeout: StatementTimeout,
	}
}

var queryVerbs = map[string]bool{
	"SELECT": true, "SHOW": true, "DESCRIBE": true, "DESC": true, "EXPLAIN": true, "WITH": true,
}

// Execute opens a dedicated connection, runs statement inside a transaction
// and closes the connection. Read-tier statements run in a read-only
// transaction that is always rolled back.
func (e *Executor) Execute(ctx context.Context, c ConnParams, statement, verb, tier string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if c.IAMAuth {
		if e.tokens == nil {
			return nil, errors.New("IAM authentication is not configured")
		}
		token, err := e.tokens.Token(ctx, c.Host, c.port(), c.Region, c.Username)
		if err != nil {
			return nil, fmt.Errorf("mint IAM token: %w", err)
		}
		c.Password = token
	}

	driver, dsn, err := dataSource(c)
	if err != nil {
		return nil, err
	}
	db, err := e.open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open connection: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	readOnly := tier == model.TierRead
	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	var res *Result
	if queryVerbs[verb] {
		res, err = e.query(ctx, tx, statement)
	} else {
		res, err = exec(ctx, tx, statement)
	}
	if err != nil || readOnly {
		_ = tx.Rollback()
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

func (e *Executor) query(ctx context.Context, tx *sql.Tx, statement string) (*Result, error) {
	rows, err := tx.QueryContext(ctx, statement)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	res := &Result{Columns: cols, Rows: []map[string]any{}}
	for rows.Next() {
		if len(res.Rows) >= e.maxRows {
			res.Truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res.RowCount = len(res.Rows)
	return res, nil
}

func exec(ctx context.Context, tx *sql.Tx, statement string) (*Result, error) {
	r, err := tx.ExecContext(ctx, statement)
	if err != nil {
		return nil, err
	}
	n, err := r.RowsAffected()
	if err != nil {
		return nil, err
	}
	return &Result{AffectedRows: &n}, nil
}

func (c ConnParams) port() int {
	if c.Port != 0 {
		return c.Port
	}
	if c.Engine == model.EnginePostgres {
		return 5432
	}
	return 3306
}

// dataSource builds the driver name and DSN. Multi-statement execution stays
// disabled on both drivers.
func dataSource(c ConnParams) (driver, dsn string, err error) {
	addr := net.JoinHostPort(c.Host, strconv.Itoa(c.port()))
	switch c.Engine {
	case "", model.EngineMySQL:
		cfg := mysql.NewConfig()
		cfg.User = c.Username
		cfg.Passwd = c.Password
		cfg.Net = "tcp"
		cfg.Addr = addr
		cfg.DBName = c.Database
		cfg.Timeout = connectTimeout
		cfg.ReadTimeout = StatementTimeout
		cfg.WriteTimeout = StatementTimeout
		cfg.MultiStatements = false
		if c.IAMAuth {
			cfg.AllowCleartextPasswords = true
			cfg.TLSConfig = "true"
		}
		return "mysql", cfg.FormatDSN(), nil
	case model.EnginePostgres:
		q := url.Values{}
		q.Set("connect_timeout", strconv.Itoa(int(connectTimeout/time.Second)))
		if c.IAMAuth {
			q.Set("sslmode", "require")
		} else {
			q.Set("sslmode", "prefer")
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(c.Username, c.Password),
			Host:     addr,
			Path:     "/" + c.Database,
			RawQuery: q.Encode(),
		}
		return "pgx", u.String(), nil
	}
	return "", "", fmt.Errorf("unsupported engine %q", c.Engine)
}
