package classifier

import (
	"fmt"
	"strings"
)

// Shape tags the form a classifier response arrived in.
type Shape int

const (
	ShapeTable Shape = iota + 1
	ShapeRecords
	ShapeScalars
)

func (s Shape) String() string {
	switch s {
	case ShapeTable:
		return "table"
	case ShapeRecords:
		return "records"
	case ShapeScalars:
		return "scalars"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// Table is a column-oriented result: one row per document.
type Table struct {
	Columns []string `json:"columns"`
	Data    [][]any  `json:"data"`
}

// RawPredictions is classifier output before normalization. Exactly one of
// Table, Records or Scalars is meaningful, selected by Shape.
type RawPredictions struct {
	Shape   Shape
	Table   *Table
	Records []map[string]any
	Scalars []any
}

// Prediction is one normalized label record.
type Prediction struct {
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	Prediction string `json:"prediction"`
}

// IsSpam reports whether the label is "spam", ignoring case and surrounding
// whitespace.
func (p Prediction) IsSpam() bool {
	return strings.ToLower(strings.TrimSpace(p.Prediction)) == "spam"
}

// Normalize collapses any supported shape into label records, preserving
// order. A tabular "pred" column is read as "prediction".
func Normalize(raw RawPredictions) []Prediction {
	switch raw.Shape {
	case ShapeTable:
		return fromTable(raw.Table)
	case ShapeRecords:
		out := make([]Prediction, 0, len(raw.Records))
		for _, rec := range raw.Records {
			out = append(out, fromRecord(rec))
		}
		return out
	case ShapeScalars:
		out := make([]Prediction, 0, len(raw.Scalars))
		for _, v := range raw.Scalars {
			out = append(out, Prediction{Prediction: stringify(v)})
		}
		return out
	default:
		return nil
	}
}

func fromTable(t *Table) []Prediction {
	if t == nil {
		return nil
	}

	cols := make([]string, len(t.Columns))
	copy(cols, t.Columns)
	if !contains(cols, "prediction") {
		for i, c := range cols {
			if c == "pred" {
				cols[i] = "prediction"
			}
		}
	}

	out := make([]Prediction, 0, len(t.Data))
	for _, row := range t.Data {
		rec := make(map[string]any, len(cols))
		for i, c := range cols {
			if i < len(row) {
				rec[c] = row[i]
			}
		}
		out = append(out, fromRecord(rec))
	}
	return out
}

func fromRecord(rec map[string]any) Prediction {
	return Prediction{
		Subject:    stringify(rec["subject"]),
		Body:       stringify(rec["body"]),
		Prediction: stringify(rec["prediction"]),
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
