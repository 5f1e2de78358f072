package media

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// DefaultMocapFPS is used when Options.MocapFPS is unset.
const DefaultMocapFPS = 100

// MocapReader serves rows of a motion-capture CSV held in memory.
type MocapReader struct {
	path    string
	fps     float64
	columns []string
	data    *mat.Dense
}

func openMocap(path string, opts Options) (Reader, error) {
	return OpenMocap(path, opts.MocapFPS)
}

// OpenMocap reads a motion-capture CSV. Leading rows that do not parse as
// numbers are treated as headers; the last of them names the columns.
func OpenMocap(path string, fps float64) (*MocapReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mocap %s: %w", path, err)
	}
	defer f.Close()
	r, err := ReadMocap(f, fps)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.path = path
	return r, nil
}

// ReadMocap parses motion-capture CSV from r.
func ReadMocap(r io.Reader, fps float64) (*MocapReader, error) {
	if fps <= 0 {
		fps = DefaultMocapFPS
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var columns []string
	var values []float64
	width, rows := 0, 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMediaUnsupported, err)
		}
		row, ok := parseRow(rec)
		if !ok {
			if rows > 0 {
				return nil, fmt.Errorf("%w: non-numeric row %d", ErrMediaUnsupported, rows+1)
			}
			columns = rec
			continue
		}
		if width == 0 {
			width = len(row)
		}
		if len(row) != width {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrMediaUnsupported, rows+1, len(row), width)
		}
		values = append(values, row...)
		rows++
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: no data rows", ErrMediaUnsupported)
	}
	return &MocapReader{fps: fps, columns: columns, data: mat.NewDense(rows, width, values)}, nil
}

func parseRow(rec []string) ([]float64, bool) {
	out := make([]float64, len(rec))
	for i, s := range rec {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func (m *MocapReader) Len() int {
	r, _ := m.data.Dims()
	return r
}

func (m *MocapReader) FPS() float64      { return m.fps }
func (m *MocapReader) MediaType() Type   { return Mocap }
func (m *MocapReader) Close() error      { return nil }
func (m *MocapReader) Columns() []string { return m.columns }

// Frame returns a copy of row i.
func (m *MocapReader) Frame(i int) (Frame, error) {
	if i < 0 || i >= m.Len() {
		return Frame{}, fmt.Errorf("%w: %d of %d", ErrFrameOutOfRange, i, m.Len())
	}
	return Frame{Index: i, Values: mat.Row(nil, i, m.data)}, nil
}

// Window returns rows [start, start+n) as a matrix view, clipped to the
// stream length.
func (m *MocapReader) Window(start, n int) mat.Matrix {
	rows, cols := m.data.Dims()
	start = max(0, min(start, rows-1))
	n = max(1, min(n, rows-start))
	return m.data.Slice(start, start+n, 0, cols)
}
