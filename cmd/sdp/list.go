package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/sdp-client/pkg/client"
	"github.com/Sternrassler/sdp-client/pkg/pagination"
)

var (
	listResultField string
	listLimit       int
	listPageSize    int
	listFlatten     bool
	listFields      []string
	listSortField   string
	listTotal       bool
	listOutput      string
)

var listCmd = &cobra.Command{
	Use:   "list <endpoint>",
	Short: "Read every record of a list endpoint",
	Example: `  sdp list /api/v3/assets --field assets --fields name,state.name --flatten
  sdp list /api/v3/requests --field requests --limit 200 --output json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if listOutput != "table" && listOutput != "json" {
			return fmt.Errorf("unsupported output format: %s", listOutput)
		}

		pageSize, err := resolvePageSize(listPageSize, cfg.PageSize)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		pc := pagination.DefaultConfig()
		pc.PageSize = pageSize
		pc.Limit = listLimit
		pc.Flatten = listFlatten
		pc.RequestTotalCount = listTotal
		pc.ListInfo.FieldsRequired = requiredFields(listFields)
		pc.ListInfo.SortField = listSortField

		source := client.PageSource{Client: a.client, Endpoint: args[0], ResultField: listResultField}
		p, err := pagination.NewPaginator(source, pc)
		if err != nil {
			return err
		}

		started := time.Now()
		records, err := p.All(cmd.Context())
		if err != nil {
			return fmt.Errorf("list %s: %w", args[0], err)
		}

		out := cmd.OutOrStdout()
		if listOutput == "json" {
			return writeRecordsJSON(out, records)
		}

		rendered, err := renderRecords(records, listFields)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, rendered)
		fmt.Fprintf(out, "%d records in %d pages (%s)\n", p.Consumed(), p.Pages(), client.FormatElapsed(time.Since(started)))
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&listResultField, "field", "", "result field holding the records (e.g. assets)")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum number of records to read (0 reads all)")
	listCmd.Flags().IntVar(&listPageSize, "page-size", 0, "records per request (default from page_size)")
	listCmd.Flags().BoolVar(&listFlatten, "flatten", false, "flatten nested objects into dotted keys")
	listCmd.Flags().StringSliceVar(&listFields, "fields", nil, "fields to request and show")
	listCmd.Flags().StringVar(&listSortField, "sort", "", "sort field")
	listCmd.Flags().BoolVar(&listTotal, "total", false, "ask the server for total_count")
	listCmd.Flags().StringVarP(&listOutput, "output", "o", "table", "output format: table or json")
}

// resolvePageSize returns the --page-size flag, or the configured page size
// when the flag is unset.
func resolvePageSize(flag, configured int) (int, error) {
	if flag == 0 {
		return configured, nil
	}
	if flag < 1 || flag > client.MaxRowCount {
		return 0, fmt.Errorf("--page-size must be between 1 and %d, got %d", client.MaxRowCount, flag)
	}
	return flag, nil
}

// requiredFields maps display columns to the top-level fields the server
// must return: state.name needs state.
func requiredFields(columns []string) []string {
	var fields []string
	for _, c := range columns {
		top, _, _ := strings.Cut(c, pagination.FlattenSeparator)
		if top != "" && !slices.Contains(fields, top) {
			fields = append(fields, top)
		}
	}
	return fields
}

// writeRecordsJSON writes one record per line.
func writeRecordsJSON(w io.Writer, records []client.Record) error {
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

// renderRecords renders records as a table. Without explicit columns the keys
// of the first record are used in sorted order.
func renderRecords(records []client.Record, columns []string) (string, error) {
	rows := make([]map[string]any, 0, len(records))
	for i, rec := range records {
		fields, err := rec.Fields()
		if err != nil {
			return "", fmt.Errorf("record %d: %w", i, err)
		}
		rows = append(rows, fields)
	}

	if len(columns) == 0 && len(rows) > 0 {
		for k := range rows[0] {
			columns = append(columns, k)
		}
		slices.Sort(columns)
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)

	header := make(table.Row, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	t.AppendHeader(header)

	for _, fields := range rows {
		row := make(table.Row, len(columns))
		for i, c := range columns {
			row[i] = cellValue(fields, c)
		}
		t.AppendRow(row)
	}

	return t.Render(), nil
}

// cellValue looks up a column, following dotted paths into nested objects
// when the record was not flattened.
func cellValue(fields map[string]any, column string) string {
	v, ok := fields[column]
	if !ok {
		var cur any = fields
		for _, part := range strings.Split(column, pagination.FlattenSeparator) {
			m, isMap := cur.(map[string]any)
			if !isMap {
				return ""
			}
			if cur, ok = m[part]; !ok {
				return ""
			}
		}
		v = cur
	}

	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
