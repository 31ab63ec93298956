package client

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Paging defaults used by the API when list_info is omitted.
const (
	DefaultRowCount   = 50
	DefaultStartIndex = 1

	// MaxRowCount is the largest page the API serves.
	MaxRowCount = 100
)

// SortOrder is the direction of sort_field.
type SortOrder string

const (
	SortAscending  SortOrder = "asc"
	SortDescending SortOrder = "desc"
)

// Condition is a search criteria operator.
type Condition string

const (
	ConditionIs             Condition = "is"
	ConditionIsNot          Condition = "is not"
	ConditionContains       Condition = "contains"
	ConditionNotContains    Condition = "not contains"
	ConditionStartsWith     Condition = "starts with"
	ConditionEndsWith       Condition = "ends with"
	ConditionGreaterThan    Condition = "greater than"
	ConditionGreaterOrEqual Condition = "greater or equal"
	ConditionLesserThan     Condition = "lesser than"
	ConditionLesserOrEqual  Condition = "lesser or equal"
	ConditionBetween        Condition = "between"
	ConditionNotBetween     Condition = "not between"
)

// Logical operators joining sibling criteria.
const (
	LogicalAnd = "AND"
	LogicalOr  = "OR"
)

// Criteria is one node of a search_criteria tree. It is sent as-is.
type Criteria struct {
	Field           string     `json:"field,omitempty"`
	Condition       Condition  `json:"condition,omitempty"`
	Value           any        `json:"value,omitempty"`
	Values          []any      `json:"values,omitempty"`
	LogicalOperator string     `json:"logical_operator,omitempty"`
	Children        []Criteria `json:"children,omitempty"`
}

// ListInfo is the list_info object: the page cursor of a request and the
// paging state reported in a response.
type ListInfo struct {
	RowCount       int            `json:"row_count"`
	StartIndex     int            `json:"start_index"`
	SortField      string         `json:"sort_field,omitempty"`
	SortOrder      SortOrder      `json:"sort_order,omitempty"`
	FieldsRequired []string       `json:"fields_required,omitempty"`
	SearchFields   map[string]any `json:"search_fields,omitempty"`
	GetTotalCount  bool           `json:"get_total_count,omitempty"`

	// SearchCriteria is a Criteria, a []Criteria or a json.RawMessage.
	SearchCriteria any `json:"search_criteria,omitempty"`

	// Set by the server only.
	HasMoreRows *bool `json:"has_more_rows,omitempty"`
	TotalCount  *int  `json:"total_count,omitempty"`
}

// DefaultListInfo returns a cursor on the first page with the default page size.
func DefaultListInfo() ListInfo {
	return ListInfo{
		RowCount:   DefaultRowCount,
		StartIndex: DefaultStartIndex,
	}
}

// Validate checks the cursor.
func (li ListInfo) Validate() error {
	if li.RowCount < 1 {
		return fmt.Errorf("row_count must be >= 1 (got %d)", li.RowCount)
	}
	if li.StartIndex < 1 {
		return fmt.Errorf("start_index must be >= 1 (got %d)", li.StartIndex)
	}
	if li.SortOrder != "" && li.SortOrder != SortAscending && li.SortOrder != SortDescending {
		return fmt.Errorf("invalid sort_order %q", li.SortOrder)
	}
	return nil
}

// Clone returns a copy that shares no slices or maps with li.
// SearchCriteria is treated as immutable and shared.
func (li ListInfo) Clone() ListInfo {
	c := li
	c.FieldsRequired = slices.Clone(li.FieldsRequired)
	c.SearchFields = maps.Clone(li.SearchFields)
	if li.HasMoreRows != nil {
		v := *li.HasMoreRows
		c.HasMoreRows = &v
	}
	if li.TotalCount != nil {
		v := *li.TotalCount
		c.TotalCount = &v
	}
	return c
}

// NextPage returns the cursor of the following page.
func (li ListInfo) NextPage() ListInfo {
	next := li.Clone()
	next.StartIndex += li.RowCount
	next.HasMoreRows = nil
	next.TotalCount = nil
	return next
}

// request strips the server-only fields.
func (li ListInfo) request() ListInfo {
	r := li
	r.HasMoreRows = nil
	r.TotalCount = nil
	return r
}

// InputData is the input_data query parameter.
type InputData struct {
	ListInfo *ListInfo `json:"list_info,omitempty"`
}

// Encode returns the JSON form of the input data.
func (in InputData) Encode() (string, error) {
	if in.ListInfo != nil {
		li := in.ListInfo.request()
		in.ListInfo = &li
	}
	data, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("encode input_data: %w", err)
	}
	return string(data), nil
}
