// Package search writes documents into Elasticsearch.
package search

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/johndauphine/catalog-etl/internal/catalog"
	"github.com/johndauphine/catalog-etl/internal/logging"
	"github.com/johndauphine/catalog-etl/internal/metrics"
	"github.com/johndauphine/catalog-etl/internal/retry"
)

// DefaultBulkSize is the number of documents per bulk request.
const DefaultBulkSize = 500

// Options configures a Loader.
type Options struct {
	// BulkSize is the sub-batch size of Load. Default 500.
	BulkSize int

	// Retry bounds retries of every request. Default 5m total, 120s max delay.
	Retry retry.Policy

	// BreakerThreshold is the number of consecutive failed requests that
	// opens the circuit breaker. Default 5.
	BreakerThreshold uint32

	// BreakerTimeout is how long the breaker stays open. Default 30s.
	BreakerTimeout time.Duration

	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper
}

// Loader ensures indexes exist and bulk-writes documents.
type Loader struct {
	es       *elasticsearch.Client
	bulkSize int
	policy   retry.Policy
	cb       *gobreaker.CircuitBreaker[struct{}]
}

// New creates a Loader for the cluster at baseURL. No request is made.
func New(baseURL string, opts Options) (*Loader, error) {
	if opts.BulkSize <= 0 {
		opts.BulkSize = DefaultBulkSize
	}
	if opts.Retry == (retry.Policy{}) {
		opts.Retry = retry.Bounded(5*time.Minute, 2*time.Minute)
	}
	if opts.BreakerThreshold == 0 {
		opts.BreakerThreshold = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    []string{baseURL},
		DisableRetry: true,
		Transport:    opts.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}

	return &Loader{
		es:       es,
		bulkSize: opts.BulkSize,
		policy:   opts.Retry,
		cb:       newBreaker(opts.BreakerThreshold, opts.BreakerTimeout),
	}, nil
}

// Ping checks that the cluster answers.
func (l *Loader) Ping(ctx context.Context) error {
	res, err := l.es.Ping(l.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	defer drain(res)
	if res.IsError() {
		return statusError("ping", res)
	}
	return nil
}

// IndexExists reports whether name exists.
func (l *Loader) IndexExists(ctx context.Context, name string) (bool, error) {
	return retry.DoValue(ctx, l.policy, "index exists "+name, func() (bool, error) {
		var exists bool
		err := l.call(func() error {
			res, err := l.es.Indices.Exists([]string{name}, l.es.Indices.Exists.WithContext(ctx))
			if err != nil {
				return err
			}
			defer drain(res)
			switch res.StatusCode {
			case http.StatusOK:
				exists = true
				return nil
			case http.StatusNotFound:
				return nil
			}
			return statusError("index exists "+name, res)
		})
		return exists, err
	})
}

// CreateIndex creates name with the given settings and mappings. It returns
// ErrIndexExists if the index is already there.
func (l *Loader) CreateIndex(ctx context.Context, name string, schema []byte) error {
	return retry.Do(ctx, l.policy, "create index "+name, func() error {
		return l.call(func() error {
			res, err := l.es.Indices.Create(name,
				l.es.Indices.Create.WithContext(ctx),
				l.es.Indices.Create.WithBody(bytes.NewReader(schema)))
			if err != nil {
				return err
			}
			defer drain(res)
			if !res.IsError() {
				return nil
			}
			serr := statusError("create index "+name, res)
			if serr.Type == "resource_already_exists_exception" {
				return fmt.Errorf("%s: %w", name, ErrIndexExists)
			}
			return serr
		})
	})
}

// EnsureIndex creates name unless it exists. Losing a creation race to
// another writer counts as success. It reports whether it created the index.
func (l *Loader) EnsureIndex(ctx context.Context, name string, schema []byte) (bool, error) {
	exists, err := l.IndexExists(ctx, name)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	err = l.CreateIndex(ctx, name, schema)
	if errors.Is(err, ErrIndexExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	logging.Info("Created index %s", name)
	return true, nil
}

// Load writes docs into index keyed by document id, replacing any previous
// version. Documents are sent in sub-batches; each sub-batch is retried as a
// whole until it reports no item errors or the retry budget runs out.
func (l *Loader) Load(ctx context.Context, index string, docs []catalog.Document) error {
	for start := 0; start < len(docs); start += l.bulkSize {
		end := min(start+l.bulkSize, len(docs))
		batch := docs[start:end]

		body, err := encodeBulk(batch)
		if err != nil {
			return err
		}
		err = retry.Do(ctx, l.policy, "bulk load "+index, func() error {
			return l.call(func() error {
				return l.bulk(ctx, index, body, len(batch))
			})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) bulk(ctx context.Context, index string, body []byte, n int) error {
	start := time.Now()
	res, err := l.es.Bulk(bytes.NewReader(body),
		l.es.Bulk.WithContext(ctx),
		l.es.Bulk.WithIndex(index))
	if err != nil {
		metrics.RecordBulk(index, "transport_error", n, time.Since(start))
		return err
	}
	defer drain(res)

	if res.IsError() {
		metrics.RecordBulk(index, "transport_error", n, time.Since(start))
		return statusError("bulk load "+index, res)
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		metrics.RecordBulk(index, "transport_error", n, time.Since(start))
		return fmt.Errorf("decoding bulk response: %w", err)
	}
	if !br.Errors {
		metrics.RecordBulk(index, "success", n, time.Since(start))
		logging.Debug("Loaded %d documents into %s in %v", n, index, time.Since(start).Round(time.Millisecond))
		return nil
	}

	metrics.RecordBulk(index, "item_error", n, time.Since(start))
	bulkErr := &BulkError{Index: index, Total: n}
	for _, item := range br.Items {
		for _, r := range item {
			if r.Error != nil {
				bulkErr.Items = append(bulkErr.Items, ItemError{
					ID:     r.ID,
					Status: r.Status,
					Type:   r.Error.Type,
					Reason: r.Error.Reason,
				})
			}
		}
	}
	return bulkErr
}

// call runs fn through the circuit breaker and marks errors that retrying
// cannot fix as permanent.
func (l *Loader) call(fn func() error) error {
	_, err := l.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrIndexExists) {
		return retry.Permanent(err)
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) && !statusErr.Retryable() {
		return retry.Permanent(err)
	}
	return err
}

type bulkAction struct {
	Index struct {
		ID string `json:"_id"`
	} `json:"index"`
}

type bulkResponse struct {
	Errors bool                         `json:"errors"`
	Items  []map[string]bulkItemResult `json:"items"`
}

type bulkItemResult struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

// encodeBulk renders docs as NDJSON index actions.
func encodeBulk(docs []catalog.Document) ([]byte, error) {
	var buf bytes.Buffer
	for _, d := range docs {
		var action bulkAction
		action.Index.ID = d.DocumentID()
		meta, err := json.Marshal(action)
		if err != nil {
			return nil, err
		}
		src, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("encoding document %s: %w", d.DocumentID(), err)
		}
		buf.Grow(len(meta) + len(src) + 2)
		buf.Write(meta)
		buf.WriteByte('\n')
		buf.Write(src)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

type errorBody struct {
	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

func statusError(op string, res *esapi.Response) *StatusError {
	e := &StatusError{Op: op, StatusCode: res.StatusCode}
	if res.Body == nil {
		return e
	}
	var body errorBody
	if err := json.NewDecoder(res.Body).Decode(&body); err == nil {
		e.Type = body.Error.Type
		e.Reason = body.Error.Reason
	}
	return e
}

func drain(res *esapi.Response) {
	if res.Body != nil {
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}
}
