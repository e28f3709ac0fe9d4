package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"

	_ "github.com/lib/pq"
	"github.com/mohammad-safakhou/reviewqa/internal/helpers"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Store is the read side of the review database.
type Store struct {
	DB *sql.DB
	// Retry applies to reads that fail for transient reasons. The zero value
	// makes a single attempt.
	Retry helpers.RetryPolicy
	// ReaderRole is assumed for the duration of every generated query.
	// Empty runs them as the connecting user.
	ReaderRole string
}

// DefaultReaderRole is the SELECT-only role created by the migrations.
const DefaultReaderRole = "reviewqa_reader"

// EmbeddingDimensions is the vector width of the company and review
// embedding columns.
const EmbeddingDimensions = 768

var (
	metricsOnce    sync.Once
	queryCounter   otelmetric.Int64Counter
	failureCounter otelmetric.Int64Counter
	metricsInitErr error
)

var tracer = otel.Tracer("reviewqa/internal/store")

func initStoreMetrics() {
	meter := otel.Meter("store")
	var err error
	queryCounter, err = meter.Int64Counter("store_queries_total")
	if err != nil {
		metricsInitErr = err
		return
	}
	failureCounter, err = meter.Int64Counter("store_query_failures_total")
	if err != nil {
		metricsInitErr = err
	}
}

func record(ctx context.Context, op string, err error) {
	metricsOnce.Do(initStoreMetrics)
	if metricsInitErr != nil {
		return
	}
	attrs := otelmetric.WithAttributes(attribute.String("op", op))
	queryCounter.Add(ctx, 1, attrs)
	if err != nil {
		failureCounter.Add(ctx, 1, attrs)
	}
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string, retry helpers.RetryPolicy) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DB: db, Retry: retry, ReaderRole: DefaultReaderRole}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}
