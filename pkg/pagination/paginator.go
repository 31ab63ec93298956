package pagination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/sdp-client/pkg/client"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrPrematureEnd is returned when the server stops sending records before
// the total it declared was reached.
var ErrPrematureEnd = errors.New("unexpected end of data")

// Prometheus metrics for paginated reads.
var (
	pagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sdp_pages_fetched_total",
		Help: "Total pages fetched by paginators",
	})

	recordsReadTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sdp_records_read_total",
		Help: "Total records handed out by paginators",
	})

	paginationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdp_paginations_total",
		Help: "Total finished paginations by final state",
	}, []string{"state"})
)

// PageFetcher is the interface the SDP client must implement for single-page
// fetching. client.PageSource implements it.
type PageFetcher interface {
	// FetchPage fetches the page described by li. HTTP statuses of 300 and
	// above are reported through the response's Err.
	FetchPage(ctx context.Context, li client.ListInfo) (*client.Response, error)
}

// State of a paginator.
type State int

const (
	StateFetching State = iota
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config holds paginator configuration.
type Config struct {
	// PageSize is the row_count of each request.
	PageSize int

	// Limit caps the number of records read; 0 reads everything.
	Limit int

	// ListInfo carries sort, fields and search criteria sent with every page.
	// A StartIndex above 1 starts reading at that record.
	ListInfo client.ListInfo

	// RequestTotalCount asks the server for total_count on each page.
	RequestTotalCount bool

	// Flatten turns nested objects into dotted keys (state.name).
	Flatten bool
}

// DefaultConfig returns the API's default page size with no limit.
func DefaultConfig() Config {
	return Config{
		PageSize: client.DefaultRowCount,
	}
}

// Paginator drives repeated page fetches into one record stream.
// It is not safe for concurrent use.
//
//	p, _ := pagination.NewPaginator(source, pagination.DefaultConfig())
//	for p.Next(ctx) {
//		rec := p.Record()
//	}
//	if err := p.Err(); err != nil { ... }
type Paginator struct {
	fetcher PageFetcher
	config  Config
	logger  zerolog.Logger

	sessionID string
	cursor    client.ListInfo
	state     State
	err       error

	buffer  []client.Record
	current client.Record

	skipped  int
	pages    int
	fetched  int
	consumed int
	total    int
	last     *client.Response
	started  time.Time
}

// NewPaginator creates a paginator reading through fetcher.
func NewPaginator(fetcher PageFetcher, config Config) (*Paginator, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("page fetcher is required")
	}
	if config.PageSize <= 0 {
		config.PageSize = client.DefaultRowCount
	}
	if config.Limit < 0 {
		return nil, fmt.Errorf("limit must be >= 0 (got %d)", config.Limit)
	}

	cursor := config.ListInfo.Clone()
	cursor.RowCount = config.PageSize
	if cursor.StartIndex < 1 {
		cursor.StartIndex = client.DefaultStartIndex
	}
	if config.RequestTotalCount {
		cursor.GetTotalCount = true
	}
	cursor.HasMoreRows = nil
	cursor.TotalCount = nil
	if err := cursor.Validate(); err != nil {
		return nil, fmt.Errorf("list_info: %w", err)
	}

	sessionID := uuid.NewString()

	return &Paginator{
		fetcher:   fetcher,
		config:    config,
		logger:    log.With().Str("component", "paginator").Str("session_id", sessionID).Logger(),
		sessionID: sessionID,
		cursor:    cursor,
		skipped:   cursor.StartIndex - 1,
		state:     StateFetching,
		total:     -1,
	}, nil
}

// Next advances to the next record, fetching a page when the buffer is empty.
// It returns false when the stream is finished or failed; Err tells which.
func (p *Paginator) Next(ctx context.Context) bool {
	p.current = nil

	for len(p.buffer) == 0 {
		if p.state != StateFetching {
			return false
		}
		p.fetchPage(ctx)
	}

	p.current = p.buffer[0]
	p.buffer[0] = nil
	p.buffer = p.buffer[1:]
	p.consumed++
	recordsReadTotal.Inc()

	return true
}

// Record returns the record Next advanced to.
func (p *Paginator) Record() client.Record {
	return p.current
}

// Err returns the failure cause, nil after normal completion.
func (p *Paginator) Err() error {
	return p.err
}

// All drains the paginator and returns every remaining record. On failure
// the records read so far are returned with the error.
func (p *Paginator) All(ctx context.Context) ([]client.Record, error) {
	var records []client.Record
	for p.Next(ctx) {
		records = append(records, p.Record())
	}
	return records, p.Err()
}

// State returns the current state.
func (p *Paginator) State() State { return p.state }

// Pages returns the number of page requests made.
func (p *Paginator) Pages() int { return p.pages }

// Consumed returns the number of records handed out by Next.
func (p *Paginator) Consumed() int { return p.consumed }

// Total returns the known size of the result set, -1 while unknown.
func (p *Paginator) Total() int { return p.total }

// SessionID identifies this pagination in logs.
func (p *Paginator) SessionID() string { return p.sessionID }

// LastResponse returns the envelope of the most recent page request.
func (p *Paginator) LastResponse() *client.Response { return p.last }

func (p *Paginator) fetchPage(ctx context.Context) {
	if p.pages == 0 {
		p.started = time.Now()
	}

	req := p.cursor.Clone()
	if p.config.Limit > 0 {
		remaining := p.config.Limit - p.fetched
		if remaining <= 0 {
			p.finish(p.fetched)
			return
		}
		req.RowCount = min(req.RowCount, remaining)
	}

	p.logger.Trace().
		Int("start_index", req.StartIndex).
		Int("row_count", req.RowCount).
		Msg("Loading page")

	resp, err := p.fetcher.FetchPage(ctx, req)
	p.pages++
	pagesFetchedTotal.Inc()
	p.last = resp

	prior := p.fetched
	if err == nil && resp != nil {
		err = resp.Err()
	}
	if err == nil && resp == nil {
		err = fmt.Errorf("%w: no response", client.ErrMalformedResponse)
	}
	if err != nil {
		p.fail(fmt.Errorf("fetch page at %d: %w", req.StartIndex, err), prior)
		return
	}

	records := resp.Records
	if p.config.Limit > 0 && len(records) > req.RowCount {
		records = records[:req.RowCount]
	}
	if p.config.Flatten {
		records = flattenAll(records, p.logger)
	}

	n := len(records)
	p.fetched += n
	p.buffer = append(p.buffer, records...)

	if tc := resp.TotalCount(); tc >= 0 {
		// total_count covers the whole collection, not just the records
		// from the first requested start_index on.
		p.total = max(tc-p.skipped, 0)
		if p.config.Limit > 0 {
			p.total = min(p.total, p.config.Limit)
		}
	}

	p.logger.Debug().
		Int("start_index", req.StartIndex).
		Int("row_count", req.RowCount).
		Int("records", n).
		Int("total", p.total).
		Msg("Page loaded")

	more, moreKnown := resp.HasMoreRows()

	switch {
	case n == 0:
		if p.total >= 0 && prior < p.total {
			p.fail(fmt.Errorf("%w: expected %d, read %d", ErrPrematureEnd, p.total, prior), prior)
			return
		}
		p.finish(prior)

	case n < req.RowCount:
		p.finish(prior + n)

	case p.config.Limit > 0 && p.fetched >= p.config.Limit:
		p.finish(p.config.Limit)

	case moreKnown && !more:
		p.finish(p.fetched)

	case p.total >= 0 && p.fetched >= p.total:
		p.finish(p.fetched)

	default:
		p.cursor = p.cursor.NextPage()
	}
}

func (p *Paginator) finish(total int) {
	p.state = StateDone
	p.total = total
	paginationsTotal.WithLabelValues(StateDone.String()).Inc()

	p.logger.Info().
		Int("pages", p.pages).
		Int("records", total).
		Dur("duration", time.Since(p.started)).
		Msg("Pagination complete")
}

func (p *Paginator) fail(err error, consumed int) {
	p.state = StateFailed
	p.err = err
	p.total = consumed
	paginationsTotal.WithLabelValues(StateFailed.String()).Inc()

	p.logger.Error().
		Err(err).
		Int("pages", p.pages).
		Int("records", consumed).
		Msg("Pagination failed")
}
