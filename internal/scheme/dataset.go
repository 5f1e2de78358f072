package scheme

import (
	"encoding/json"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// DatasetKind is the cache kind tag for datasets.
const DatasetKind = "dataset"

// Dataset couples a scheme with an optional n×n dependency matrix. A one at
// (i, j) means attribute j may be set together with attribute i. The matrix
// is consulted by the annotation dialog; the editing algebra ignores it.
type Dataset struct {
	ID           int64
	Name         string
	Scheme       *Scheme
	Dependencies *mat.Dense
}

// NewDataset validates name, scheme and dependency rows. deps may be nil.
func NewDataset(name string, s *Scheme, deps [][]int) (*Dataset, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: dataset name is empty", ErrSchemeInvalid)
	}
	if s == nil {
		return nil, fmt.Errorf("%w: dataset %q has no scheme", ErrSchemeInvalid, name)
	}
	d := &Dataset{Name: name, Scheme: s}
	if deps != nil {
		m, err := dependencyMatrix(s.N(), deps)
		if err != nil {
			return nil, err
		}
		d.Dependencies = m
	}
	return d, nil
}

func dependencyMatrix(n int, rows [][]int) (*mat.Dense, error) {
	if len(rows) != n {
		return nil, fmt.Errorf("%w: dependency matrix has %d rows, want %d", ErrSchemeInvalid, len(rows), n)
	}
	data := make([]float64, 0, n*n)
	for i, row := range rows {
		if len(row) != n {
			return nil, fmt.Errorf("%w: dependency row %d has %d columns, want %d", ErrSchemeInvalid, i, len(row), n)
		}
		for j, v := range row {
			if v != 0 && v != 1 {
				return nil, fmt.Errorf("%w: dependency (%d,%d) = %d, want 0 or 1", ErrSchemeInvalid, i, j, v)
			}
			data = append(data, float64(v))
		}
	}
	return mat.NewDense(n, n, data), nil
}

// DependencyRows returns the dependency matrix as integer rows, or nil.
func (d *Dataset) DependencyRows() [][]int {
	if d.Dependencies == nil {
		return nil
	}
	r, c := d.Dependencies.Dims()
	out := make([][]int, r)
	for i := 0; i < r; i++ {
		out[i] = make([]int, c)
		for j := 0; j < c; j++ {
			out[i][j] = int(d.Dependencies.At(i, j))
		}
	}
	return out
}

// Permits reports whether every pair of set bits in v is allowed by the
// dependency matrix. Without a matrix every combination is permitted.
func (d *Dataset) Permits(v Vector) bool {
	if d.Dependencies == nil {
		return true
	}
	var set []int
	for i, b := range v.bits {
		if b {
			set = append(set, i)
		}
	}
	for _, i := range set {
		for _, j := range set {
			if i != j && d.Dependencies.At(i, j) == 0 {
				return false
			}
		}
	}
	return true
}

func (d *Dataset) CacheID() int64      { return d.ID }
func (d *Dataset) SetCacheID(id int64) { d.ID = id }
func (d *Dataset) CacheKind() string   { return DatasetKind }

type datasetJSON struct {
	Name         string  `json:"name"`
	Scheme       *Scheme `json:"scheme"`
	Dependencies [][]int `json:"dependencies,omitempty"`
}

func (d *Dataset) MarshalJSON() ([]byte, error) {
	return json.Marshal(datasetJSON{Name: d.Name, Scheme: d.Scheme, Dependencies: d.DependencyRows()})
}

func (d *Dataset) UnmarshalJSON(data []byte) error {
	var raw datasetJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := NewDataset(raw.Name, raw.Scheme, raw.Dependencies)
	if err != nil {
		return err
	}
	parsed.ID = d.ID
	*d = *parsed
	return nil
}
