// Package codec converts sample lists to and from the per-frame CSV label
// matrix, the JSON annotation document and the export bundle.
package codec

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/frame.annotator/internal/scheme"
	"github.com/banshee-data/frame.annotator/internal/segment"
)

// ErrShapeMismatch is returned when a matrix does not have the expected
// number of rows, e.g. CSV rows against media frames.
var ErrShapeMismatch = errors.New("shape mismatch")

// NaNPolicy selects how import treats rows holding NaN or empty cells.
type NaNPolicy string

const (
	NaNDrop NaNPolicy = "drop"
	NaNZero NaNPolicy = "zero"
	NaNFail NaNPolicy = "fail"
)

// ParseNaNPolicy accepts drop, zero or fail.
func ParseNaNPolicy(s string) (NaNPolicy, error) {
	switch p := NaNPolicy(s); p {
	case NaNDrop, NaNZero, NaNFail:
		return p, nil
	}
	return "", fmt.Errorf("unknown nan policy %q", s)
}

// Dialect is the result of sniffing a CSV file.
type Dialect struct {
	Delimiter  rune
	HeaderRows int
}

// Sniff picks comma or semicolon from the first non-empty line and counts
// leading rows holding a non-numeric cell.
func Sniff(data []byte) Dialect {
	d := Dialect{Delimiter: ','}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	first := true
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if first {
			if strings.Count(line, ";") > strings.Count(line, ",") {
				d.Delimiter = ';'
			}
			first = false
		}
		if isNumericLine(line, d.Delimiter) {
			break
		}
		d.HeaderRows++
	}
	return d
}

func isNumericLine(line string, delim rune) bool {
	for _, f := range strings.Split(line, string(delim)) {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, err := strconv.ParseFloat(f, 64); err != nil {
			return false
		}
	}
	return true
}

// ReadMatrix reads a 0/1 label matrix with s.N() columns. Rows with NaN or
// empty cells are handled per policy.
func ReadMatrix(r io.Reader, s *scheme.Scheme, policy NaNPolicy) (*mat.Dense, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	d := Sniff(data)

	cr := csv.NewReader(bytes.NewReader(data))
	cr.Comma = d.Delimiter
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	n := s.N()
	var values []float64
	rows, line := 0, 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse csv: %w", err)
		}
		line++
		if line <= d.HeaderRows {
			if line == d.HeaderRows {
				if err := checkHeader(rec, s); err != nil {
					return nil, err
				}
			}
			continue
		}
		if len(rec) != n {
			return nil, fmt.Errorf("%w: line %d has %d columns, scheme has %d", scheme.ErrSchemeMismatch, line, len(rec), n)
		}
		row, hasNaN, err := parseLabelRow(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if hasNaN {
			switch policy {
			case NaNZero:
			case NaNFail:
				return nil, fmt.Errorf("%w: line %d contains NaN", scheme.ErrSchemeMismatch, line)
			default:
				continue
			}
		}
		values = append(values, row...)
		rows++
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: no label rows", ErrShapeMismatch)
	}
	return mat.NewDense(rows, n, values), nil
}

func checkHeader(rec []string, s *scheme.Scheme) error {
	names := s.AttributeNames()
	if len(rec) != len(names) {
		return fmt.Errorf("%w: header has %d columns, scheme has %d", scheme.ErrSchemeMismatch, len(rec), len(names))
	}
	for i, name := range names {
		if strings.TrimSpace(rec[i]) != name {
			return fmt.Errorf("%w: header column %d is %q, want %q", scheme.ErrSchemeMismatch, i, rec[i], name)
		}
	}
	return nil
}

func parseLabelRow(rec []string) ([]float64, bool, error) {
	row := make([]float64, len(rec))
	hasNaN := false
	for i, f := range rec {
		f = strings.TrimSpace(f)
		if f == "" {
			hasNaN = true
			continue
		}
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, false, fmt.Errorf("%w: column %d is %q", scheme.ErrSchemeMismatch, i, f)
		}
		if math.IsNaN(v) {
			hasNaN = true
			continue
		}
		if v != 0 && v != 1 {
			return nil, false, fmt.Errorf("%w: column %d is %v, want 0 or 1", scheme.ErrSchemeMismatch, i, v)
		}
		row[i] = v
	}
	return row, hasNaN, nil
}

// ImportCSV reads a label CSV and compresses it into a sample list that
// must cover exactly frames rows.
func ImportCSV(r io.Reader, s *scheme.Scheme, frames int, policy NaNPolicy) (segment.List, error) {
	m, err := ReadMatrix(r, s, policy)
	if err != nil {
		return nil, err
	}
	if rows, _ := m.Dims(); rows != frames {
		return nil, fmt.Errorf("%w: csv has %d rows, media has %d frames", ErrShapeMismatch, rows, frames)
	}
	return FromMatrix(m, s)
}

// FromMatrix compresses per-frame rows into runs: a sample closes whenever
// the next row differs.
func FromMatrix(m mat.Matrix, s *scheme.Scheme) (segment.List, error) {
	rows, cols := m.Dims()
	if cols != s.N() {
		return nil, fmt.Errorf("%w: matrix has %d columns, scheme has %d", scheme.ErrSchemeMismatch, cols, s.N())
	}
	var out segment.List
	start := 0
	for i := 0; i < rows; i++ {
		if i+1 < rows && rowsEqual(m, i, i+1, cols) {
			continue
		}
		v, err := scheme.FromFloats(s, mat.Row(nil, i, m))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out = append(out, segment.Sample{Start: start, End: i, Vector: v})
		start = i + 1
	}
	return out, nil
}

func rowsEqual(m mat.Matrix, a, b, cols int) bool {
	for j := 0; j < cols; j++ {
		if m.At(a, j) != m.At(b, j) {
			return false
		}
	}
	return true
}

// ToMatrix expands a sample list into one row per frame.
func ToMatrix(l segment.List) *mat.Dense {
	s := l.Scheme()
	if s == nil {
		return nil
	}
	m := mat.NewDense(l.Frames(), s.N(), nil)
	for _, smp := range l {
		row := smp.Vector.Floats()
		for f := smp.Start; f <= smp.End; f++ {
			m.SetRow(f, row)
		}
	}
	return m
}

// ExportCSV writes the header of attribute names followed by one 0/1 row
// per frame.
func ExportCSV(w io.Writer, l segment.List, delim rune) error {
	s := l.Scheme()
	if s == nil {
		return fmt.Errorf("%w: empty sample list", ErrShapeMismatch)
	}
	if delim == 0 {
		delim = ','
	}
	cw := csv.NewWriter(w)
	cw.Comma = delim
	if err := cw.Write(s.AttributeNames()); err != nil {
		return err
	}
	rec := make([]string, s.N())
	for _, smp := range l {
		for i, b := range smp.Vector.Bits() {
			rec[i] = strconv.Itoa(b)
		}
		for f := smp.Start; f <= smp.End; f++ {
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}
