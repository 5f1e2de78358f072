package codec

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/frame.annotator/internal/scheme"
	"github.com/banshee-data/frame.annotator/internal/segment"
)

// TimestampLayout renders creation timestamps as YYYY-MM-DD_HH-MM-SS.
const TimestampLayout = "2006-01-02_15-04-05"

// Document is the JSON form of an annotation.
type Document struct {
	AnnotatorID          int              `json:"annotator_id"`
	Dataset              *scheme.Dataset  `json:"dataset"`
	Annotations          []DocumentSample `json:"annotations"`
	Name                 string           `json:"name"`
	Path                 string           `json:"path"`
	Footprint            string           `json:"footprint"`
	Timestamp            string           `json:"timestamp"`
	AdditionalMediaPaths []string         `json:"additional_media_paths"`
}

// DocumentSample is one sample with its nested group/attribute vector.
type DocumentSample struct {
	Start      int                       `json:"start"`
	End        int                       `json:"end"`
	Annotation map[string]map[string]int `json:"annotation"`
}

// EncodeSamples converts a list into document samples.
func EncodeSamples(l segment.List) []DocumentSample {
	out := make([]DocumentSample, len(l))
	for i, s := range l {
		out[i] = DocumentSample{Start: s.Start, End: s.End, Annotation: s.Vector.Map()}
	}
	return out
}

// DecodeSamples binds document samples to s and validates coverage of
// frames. A non-positive frames skips the coverage check.
func DecodeSamples(ds []DocumentSample, s *scheme.Scheme, frames int) (segment.List, error) {
	out := make(segment.List, len(ds))
	for i, d := range ds {
		v, err := scheme.FromMap(s, d.Annotation)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		out[i] = segment.Sample{Start: d.Start, End: d.End, Vector: v}
	}
	if frames <= 0 {
		frames = out.Frames()
	}
	if err := out.Validate(frames, s); err != nil {
		return nil, err
	}
	return out, nil
}

// FormatTimestamp renders t with TimestampLayout.
func FormatTimestamp(t time.Time) string { return t.Format(TimestampLayout) }

// ParseTimestamp parses a TimestampLayout string in local time.
func ParseTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, s, time.Local)
}

// Samples decodes the document's annotations against its dataset scheme.
func (d *Document) Samples() (segment.List, error) {
	if d.Dataset == nil || d.Dataset.Scheme == nil {
		return nil, fmt.Errorf("%w: document has no dataset scheme", scheme.ErrSchemeInvalid)
	}
	return DecodeSamples(d.Annotations, d.Dataset.Scheme, 0)
}

// WriteDocument writes d as indented JSON.
func WriteDocument(w io.Writer, d *Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}

// ReadDocument parses a JSON annotation document.
func ReadDocument(r io.Reader) (*Document, error) {
	var d Document
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return nil, fmt.Errorf("decode annotation document: %w", err)
	}
	if d.Name == "" {
		return nil, fmt.Errorf("annotation document has no name")
	}
	return &d, nil
}
