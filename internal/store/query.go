package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mohammad-safakhou/reviewqa/internal/helpers"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// MaxStructuredRows bounds how many rows a generated query may return.
const MaxStructuredRows = 10000

var dollarTag = regexp.MustCompile(`^\$[A-Za-z_]*\$`)

// InvalidQueryError reports a generated query the database rejected.
type InvalidQueryError struct {
	Query string
	Err   error
}

func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("invalid SQL query: %v", e.Err)
}

func (e *InvalidQueryError) Unwrap() error { return e.Err }

// Table is a stringified result set.
type Table struct {
	Columns []string            `json:"columns"`
	Rows    []map[string]string `json:"rows"`
	// Truncated is set when the result exceeded MaxStructuredRows.
	Truncated bool `json:"truncated,omitempty"`
}

// ExecuteStructuredQuery runs a generated query in a read-only transaction.
// Rejected queries yield *InvalidQueryError.
func (s *Store) ExecuteStructuredQuery(ctx context.Context, query string) (Table, error) {
	ctx, span := tracer.Start(ctx, "store.ExecuteStructuredQuery")
	defer span.End()
	query = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(query), ";"))
	span.SetAttributes(attribute.Int("query.length", len(query)))
	if query == "" {
		return Table{}, &InvalidQueryError{Query: query, Err: errors.New("empty query")}
	}
	if err := singleStatement(query); err != nil {
		record(ctx, "structured_query", err)
		return Table{}, &InvalidQueryError{Query: query, Err: err}
	}

	var out Table
	err := helpers.Retry(ctx, s.Retry, func(ctx context.Context) error {
		t, err := s.runReadOnly(ctx, query)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	record(ctx, "structured_query", err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Table{}, err
	}
	span.SetAttributes(attribute.Int("rows", len(out.Rows)))
	return out, nil
}

func (s *Store) runReadOnly(ctx context.Context, query string) (Table, error) {
	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Table{}, err
	}
	defer tx.Rollback()

	if s.ReaderRole != "" {
		if _, err := tx.ExecContext(ctx, "SET LOCAL ROLE "+pq.QuoteIdentifier(s.ReaderRole)); err != nil {
			return Table{}, helpers.Permanent(fmt.Errorf("assume reader role: %w", err))
		}
	}

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return Table{}, classifyQueryError(query, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Table{}, classifyQueryError(query, err)
	}
	t := Table{Columns: cols, Rows: []map[string]string{}}
	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if len(t.Rows) >= MaxStructuredRows {
			t.Truncated = true
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Table{}, classifyQueryError(query, err)
		}
		row := make(map[string]string, len(cols))
		for i, c := range cols {
			row[c] = stringify(values[i])
		}
		t.Rows = append(t.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return Table{}, classifyQueryError(query, err)
	}
	return t, nil
}

// singleStatement rejects text holding more than one statement. Semicolons
// inside quoted strings, quoted identifiers, dollar-quoted bodies and comments
// do not count.
func singleStatement(query string) error {
	for i := 0; i < len(query); i++ {
		switch c := query[i]; {
		case c == '\'' || c == '"':
			j := strings.IndexByte(query[i+1:], c)
			if j < 0 {
				return nil
			}
			i += j + 1
		case c == '-' && strings.HasPrefix(query[i:], "--"):
			j := strings.IndexByte(query[i:], '\n')
			if j < 0 {
				return nil
			}
			i += j
		case c == '/' && strings.HasPrefix(query[i:], "/*"):
			j := strings.Index(query[i+2:], "*/")
			if j < 0 {
				return nil
			}
			i += j + 3
		case c == '$':
			m := dollarTag.FindString(query[i:])
			if m == "" {
				continue
			}
			j := strings.Index(query[i+len(m):], m)
			if j < 0 {
				return nil
			}
			i += len(m) + j + len(m) - 1
		case c == ';':
			return errors.New("multiple statements are not allowed")
		}
	}
	return nil
}

// classifyQueryError marks errors caused by the query text as permanent.
// Everything else, such as a dropped connection, stays retryable.
func classifyQueryError(query string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			return err
		}
		return helpers.Permanent(&InvalidQueryError{Query: query, Err: err})
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return helpers.Permanent(&InvalidQueryError{Query: query, Err: err})
}

func stringify(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case string:
		return x
	case time.Time:
		return x.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
