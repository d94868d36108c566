// Package sqlshim recognizes the small surface of SQL this layer intercepts
// — CREATE TABLE ... dev_margin = x, single-row INSERT, and SELECT by
// timestamp — without attempting to be a general SQL parser. Anything
// outside that surface is classified Passthrough and left for the real
// row store to execute unmodified. The recognition rules are pattern-based
// by design, mirroring the regex-driven statement handling the connector
// this shim replaces used for the same narrow grammar.
package sqlshim

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind identifies which of the recognized statement shapes a raw SQL
// string matched.
type Kind int

const (
	Passthrough Kind = iota
	CreateTable
	Insert
	SelectPoint
	SelectRange
)

func (k Kind) String() string {
	switch k {
	case CreateTable:
		return "create_table"
	case Insert:
		return "insert"
	case SelectPoint:
		return "select_point"
	case SelectRange:
		return "select_range"
	default:
		return "passthrough"
	}
}

const timestampLayout = "2006-01-02 15:04:05"

var (
	timestampPattern = `\d+-\d+-\d+\s+\d+:\d+:\d+`
	valuePattern     = `-?\d+(?:\.\d+)?`

	createTablePattern = regexp.MustCompile(`create\s+table\s+(\w+)`)
	devMarginPattern   = regexp.MustCompile(`dev_margin\s*=\s*(` + valuePattern + `)`)

	insertIntoPattern = regexp.MustCompile(`insert\s+into\s+(\w+)`)
	insertValuesPattern = regexp.MustCompile(
		`values\s*\(\s*'(` + timestampPattern + `)'\s*,\s*(` + valuePattern + `)\s*\)`)

	fromTablePattern = regexp.MustCompile(`from\s+(\w+)`)
	wherePattern     = regexp.MustCompile(`\bwhere\b`)
	equalityPattern  = regexp.MustCompile(`timestamp\s*=\s*'(` + timestampPattern + `)'`)
	conditionPattern = regexp.MustCompile(`timestamp\s*(<=|>=|<|>)\s*'(` + timestampPattern + `)'`)
)

// Statement is the classification result. Exactly one of the typed fields
// is populated, matching Kind.
type Statement struct {
	Kind Kind
	Raw  string

	CreateTable *CreateTableStmt
	Insert      *InsertStmt
	SelectPoint *SelectPointStmt
	SelectRange *SelectRangeStmt
}

// CreateTableStmt is a CREATE TABLE carrying an inline dev_margin = x
// clause. DevMargin is a pointer so a margin of exactly 0.0 stays
// distinguishable from "no dev_margin clause present"; treating both
// cases as the same would silently disable compression for any table
// configured with a zero margin.
type CreateTableStmt struct {
	Table     string
	DevMargin *float64
}

// InsertStmt is a single-row INSERT into a two-column (timestamp, value)
// table.
type InsertStmt struct {
	Table     string
	Timestamp time.Time
	Value     float64
}

// SelectPointStmt is a SELECT bound to an exact WHERE timestamp = '...'.
type SelectPointStmt struct {
	Table     string
	Timestamp time.Time
}

// SelectRangeStmt is a SELECT with an open WHERE clause (<, >, <=, >=) or
// no WHERE clause at all.
type SelectRangeStmt struct {
	Table string
	Start *time.Time
	End   *time.Time
}

func preprocess(raw string) string {
	s := strings.ReplaceAll(raw, "\n", " ")
	s = regexp.MustCompile(`\s+`).ReplaceAllString(s, " ")
	return strings.ToLower(strings.TrimSpace(s))
}

// Classify recognizes the shape of a raw SQL statement. It never returns
// an error for statements outside its narrow grammar; those classify as
// Passthrough and are expected to go straight to the row store.
func Classify(raw string) (Statement, error) {
	stmt := preprocess(raw)

	switch {
	case strings.HasPrefix(stmt, "insert"):
		return classifyInsert(raw, stmt)
	case strings.HasPrefix(stmt, "select"):
		return classifySelect(raw, stmt)
	case strings.HasPrefix(stmt, "create table"):
		return classifyCreateTable(raw, stmt)
	default:
		return Statement{Kind: Passthrough, Raw: raw}, nil
	}
}

func classifyInsert(raw, stmt string) (Statement, error) {
	tableMatch := insertIntoPattern.FindStringSubmatch(stmt)
	if tableMatch == nil {
		return Statement{}, fmt.Errorf("sqlshim: could not find table name in INSERT")
	}
	valueMatch := insertValuesPattern.FindStringSubmatch(stmt)
	if valueMatch == nil {
		return Statement{}, fmt.Errorf("sqlshim: INSERT must supply exactly (timestamp, value)")
	}

	ts, err := time.Parse(timestampLayout, valueMatch[1])
	if err != nil {
		return Statement{}, fmt.Errorf("sqlshim: invalid timestamp in INSERT: %w", err)
	}
	val, err := strconv.ParseFloat(valueMatch[2], 64)
	if err != nil {
		return Statement{}, fmt.Errorf("sqlshim: invalid value in INSERT: %w", err)
	}

	return Statement{
		Kind: Insert,
		Raw:  raw,
		Insert: &InsertStmt{
			Table:     tableMatch[1],
			Timestamp: ts,
			Value:     val,
		},
	}, nil
}

func classifySelect(raw, stmt string) (Statement, error) {
	tableMatch := fromTablePattern.FindStringSubmatch(stmt)
	if tableMatch == nil {
		return Statement{}, fmt.Errorf("sqlshim: could not find table name in SELECT")
	}
	table := tableMatch[1]

	hasOpenCondition := strings.Contains(stmt, "<") || strings.Contains(stmt, ">")
	hasWhere := wherePattern.MatchString(stmt)

	if hasOpenCondition || !hasWhere {
		rangeStmt, err := parseSelectRange(stmt, table)
		if err != nil {
			return Statement{}, err
		}
		return Statement{
			Kind:        SelectRange,
			Raw:         raw,
			SelectRange: rangeStmt,
		}, nil
	}

	match := equalityPattern.FindStringSubmatch(stmt)
	if match == nil {
		return Statement{}, fmt.Errorf("sqlshim: expected WHERE timestamp = '...' in SELECT")
	}
	ts, err := time.Parse(timestampLayout, match[1])
	if err != nil {
		return Statement{}, fmt.Errorf("sqlshim: invalid timestamp in SELECT: %w", err)
	}

	return Statement{
		Kind: SelectPoint,
		Raw:  raw,
		SelectPoint: &SelectPointStmt{
			Table:     table,
			Timestamp: ts,
		},
	}, nil
}

func parseSelectRange(stmt, table string) (*SelectRangeStmt, error) {
	result := &SelectRangeStmt{Table: table}

	for _, match := range conditionPattern.FindAllStringSubmatch(stmt, -1) {
		ts, err := time.Parse(timestampLayout, match[2])
		if err != nil {
			return nil, fmt.Errorf("sqlshim: invalid timestamp in SELECT: %w", err)
		}
		t := ts
		switch match[1] {
		case ">", ">=":
			result.Start = &t
		case "<", "<=":
			result.End = &t
		}
	}

	return result, nil
}

func classifyCreateTable(raw, stmt string) (Statement, error) {
	tableMatch := createTablePattern.FindStringSubmatch(stmt)
	if tableMatch == nil {
		return Statement{}, fmt.Errorf("sqlshim: could not find table name in CREATE TABLE")
	}

	devMatch := devMarginPattern.FindStringSubmatch(stmt)
	if devMatch == nil {
		return Statement{Kind: Passthrough, Raw: raw}, nil
	}

	margin, err := strconv.ParseFloat(devMatch[1], 64)
	if err != nil {
		return Statement{}, fmt.Errorf("sqlshim: invalid dev_margin in CREATE TABLE: %w", err)
	}

	return Statement{
		Kind: CreateTable,
		Raw:  raw,
		CreateTable: &CreateTableStmt{
			Table:     tableMatch[1],
			DevMargin: &margin,
		},
	}, nil
}
