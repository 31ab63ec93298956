// Package pagination reads SDP list endpoints page by page as one record stream.
//
// The API pages with list_info {row_count, start_index}. A Paginator requests
// pages in order through a PageFetcher (usually client.PageSource) and hands
// out records one at a time, scanner style:
//
//	source := client.PageSource{Client: c, Endpoint: "/api/v3/assets", ResultField: "assets"}
//	p, err := pagination.NewPaginator(source, pagination.DefaultConfig())
//	for p.Next(ctx) {
//		handle(p.Record())
//	}
//	if err := p.Err(); err != nil {
//		return err
//	}
//
// The stream ends after a page shorter than requested, an empty page, the
// configured limit, or when the server reports has_more_rows=false or a
// total_count that has been reached. An empty page before a total_count the
// server declared fails with ErrPrematureEnd. Transport, decode and HTTP status
// failures fail the stream with the cause available from Err.
//
// Pages are fetched sequentially: every call goes through the shared token
// tracker and rate limiter, so parallel page requests would only queue there.
package pagination
