package client

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Record is one JSON object returned by the API.
type Record json.RawMessage

// MarshalJSON returns the raw object.
func (r Record) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON stores a copy of data.
func (r *Record) UnmarshalJSON(data []byte) error {
	*r = append((*r)[0:0], data...)
	return nil
}

// Decode unmarshals the record into v.
func (r Record) Decode(v any) error {
	return json.Unmarshal(r, v)
}

// Fields decodes the record into a generic map.
func (r Record) Fields() (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(r, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// StatusClass groups HTTP status codes.
type StatusClass string

const (
	StatusInformational StatusClass = "informational"
	StatusSuccess       StatusClass = "success"
	StatusRedirect      StatusClass = "redirect"
	StatusClientError   StatusClass = "client_error"
	StatusServerError   StatusClass = "server_error"
)

// ClassOf classifies an HTTP status code.
func ClassOf(code int) StatusClass {
	switch {
	case code < 200:
		return StatusInformational
	case code < 300:
		return StatusSuccess
	case code < 400:
		return StatusRedirect
	case code < 500:
		return StatusClientError
	default:
		return StatusServerError
	}
}

// Response is the envelope of one API call: status, timing checkpoints,
// extracted records and whatever else the server reported.
type Response struct {
	Endpoint   string
	StatusCode int

	TransactionStart time.Time
	RequestStart     time.Time
	RequestEnd       time.Time
	ParseStart       time.Time
	ParseEnd         time.Time
	TransactionEnd   time.Time

	// Records holds the objects found under the result field.
	Records []Record

	// Dropped counts result array elements that were not JSON objects.
	Dropped int

	// ErrorPayload is the response_status object (or the raw body) of a non-200 reply.
	ErrorPayload json.RawMessage

	// Link is the Location header of a 3xx reply.
	Link string

	// ResponseStatus is the response_status object of a 200 reply, if present.
	ResponseStatus json.RawMessage

	// ListInfo is the list_info object of the reply, if present.
	ListInfo *ListInfo

	// Extra keeps the remaining top-level fields of a 200 reply.
	Extra map[string]json.RawMessage
}

// Class returns the status class of the response.
func (r *Response) Class() StatusClass {
	return ClassOf(r.StatusCode)
}

// IsSuccessful reports a 2xx status.
func (r *Response) IsSuccessful() bool { return r.Class() == StatusSuccess }

// IsRedirect reports a 3xx status.
func (r *Response) IsRedirect() bool { return r.Class() == StatusRedirect }

// IsError reports a status of 400 or above.
func (r *Response) IsError() bool { return r.StatusCode >= 400 }

// Err returns an *APIError for statuses of 300 and above, nil otherwise.
func (r *Response) Err() error {
	if r.StatusCode < 300 {
		return nil
	}
	return &APIError{
		StatusCode: r.StatusCode,
		ErrorClass: ClassifyStatus(r.StatusCode),
		Endpoint:   r.Endpoint,
		Payload:    r.ErrorPayload,
		Link:       r.Link,
	}
}

// Len returns the number of records.
func (r *Response) Len() int { return len(r.Records) }

// Record returns the record at index i, or nil when out of range.
func (r *Response) Record(i int) Record {
	if i < 0 || i >= len(r.Records) {
		return nil
	}
	return r.Records[i]
}

// TotalCount returns the server-reported size of the result set, -1 if not reported.
func (r *Response) TotalCount() int {
	if r.ListInfo == nil || r.ListInfo.TotalCount == nil {
		return -1
	}
	return *r.ListInfo.TotalCount
}

// HasMoreRows returns the server's has_more_rows flag and whether it was sent.
func (r *Response) HasMoreRows() (more bool, ok bool) {
	if r.ListInfo == nil || r.ListInfo.HasMoreRows == nil {
		return false, false
	}
	return *r.ListInfo.HasMoreRows, true
}

// RequestElapsed is the time spent on the HTTP exchange.
func (r *Response) RequestElapsed() time.Duration { return elapsed(r.RequestStart, r.RequestEnd) }

// ParsingElapsed is the time spent decoding the body.
func (r *Response) ParsingElapsed() time.Duration { return elapsed(r.ParseStart, r.ParseEnd) }

// TransactionElapsed is the time spent on the whole call, throttling included.
func (r *Response) TransactionElapsed() time.Duration {
	return elapsed(r.TransactionStart, r.TransactionEnd)
}

// ResponseTime formats RequestElapsed.
func (r *Response) ResponseTime() string { return FormatElapsed(r.RequestElapsed()) }

// ParsingTime formats ParsingElapsed.
func (r *Response) ParsingTime() string { return FormatElapsed(r.ParsingElapsed()) }

// TransactionTime formats TransactionElapsed.
func (r *Response) TransactionTime() string { return FormatElapsed(r.TransactionElapsed()) }

// RecordsPerSecond returns the record throughput of the transaction, or "?"
// when there are no records or no elapsed time.
func (r *Response) RecordsPerSecond() string {
	secs := r.TransactionElapsed().Seconds()
	if len(r.Records) == 0 || secs <= 0 {
		return "?"
	}
	return FormatDecimal(float64(len(r.Records)) / secs)
}

// ParsingTimePerRecord returns the parsing milliseconds per record, or "?"
// when there are no records.
func (r *Response) ParsingTimePerRecord() string {
	if len(r.Records) == 0 {
		return "?"
	}
	ms := float64(r.ParsingElapsed()) / float64(time.Millisecond)
	return FormatDecimal(ms / float64(len(r.Records)))
}

// elapsed returns end-start, or zero if either checkpoint is unset.
func elapsed(start, end time.Time) time.Duration {
	if start.IsZero() || end.IsZero() {
		return 0
	}
	return end.Sub(start)
}

// FormatElapsed renders d as HH:MM:SS.mmm with a leading "-" for negative
// values. Hours are not wrapped.
func FormatElapsed(d time.Duration) string {
	ms := d.Milliseconds()
	sign := ""
	if ms < 0 {
		sign = "-"
		ms = -ms
	}

	return fmt.Sprintf("%s%02d:%02d:%02d.%03d",
		sign,
		ms/3_600_000,
		(ms%3_600_000)/60_000,
		(ms%60_000)/1_000,
		ms%1_000)
}

var decimalPrinter = message.NewPrinter(language.English)

// FormatDecimal renders v with grouping separators and two decimals (1,234.50).
func FormatDecimal(v float64) string {
	return decimalPrinter.Sprintf("%.2f", v)
}

// String summarises the response for logs and CLI output.
func (r *Response) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s records=%d", r.StatusCode, r.Endpoint, len(r.Records))
	fmt.Fprintf(&b, " response=%s parsing=%s transaction=%s rps=%s",
		r.ResponseTime(), r.ParsingTime(), r.TransactionTime(), r.RecordsPerSecond())
	if r.Link != "" {
		fmt.Fprintf(&b, " link=%s", r.Link)
	}
	return b.String()
}
