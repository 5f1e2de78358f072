package app

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/frame.annotator/internal/codec"
	"github.com/banshee-data/frame.annotator/internal/scheme"
	"github.com/banshee-data/frame.annotator/internal/segment"
)

// AnnotationKind is the cache kind tag for annotations.
const AnnotationKind = "annotation"

// Annotation is the persisted state of one annotated recording.
type Annotation struct {
	ID          int64
	AnnotatorID int
	Dataset     *scheme.Dataset
	Name        string
	MediaPath   string
	Fingerprint string
	Frames      int
	Samples     segment.List
	Created     time.Time
	ExtraMedia  []string
	// Progress is the labelled share of frames in percent, refreshed on
	// every flush.
	Progress int
}

func (a *Annotation) CacheID() int64      { return a.ID }
func (a *Annotation) SetCacheID(id int64) { a.ID = id }
func (a *Annotation) CacheKind() string   { return AnnotationKind }
func (a *Annotation) CacheLabel() string  { return fmt.Sprintf("%s (%d%%)", a.Name, a.Progress) }

// Document renders the annotation in its export form.
func (a *Annotation) Document() *codec.Document {
	extra := a.ExtraMedia
	if extra == nil {
		extra = []string{}
	}
	return &codec.Document{
		AnnotatorID:          a.AnnotatorID,
		Dataset:              a.Dataset,
		Annotations:          codec.EncodeSamples(a.Samples),
		Name:                 a.Name,
		Path:                 a.MediaPath,
		Footprint:            a.Fingerprint,
		Timestamp:            codec.FormatTimestamp(a.Created),
		AdditionalMediaPaths: extra,
	}
}

// annotationJSON is the cache payload: the export document plus the
// bookkeeping fields it lacks.
type annotationJSON struct {
	codec.Document
	Frames   int `json:"frames"`
	Progress int `json:"progress"`
}

func (a *Annotation) MarshalJSON() ([]byte, error) {
	return json.Marshal(annotationJSON{Document: *a.Document(), Frames: a.Frames, Progress: a.Progress})
}

func (a *Annotation) UnmarshalJSON(data []byte) error {
	var aux annotationJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Dataset == nil || aux.Dataset.Scheme == nil {
		return fmt.Errorf("%w: annotation %q has no dataset", scheme.ErrSchemeInvalid, aux.Name)
	}
	samples, err := codec.DecodeSamples(aux.Annotations, aux.Dataset.Scheme, aux.Frames)
	if err != nil {
		return fmt.Errorf("annotation %q: %w", aux.Name, err)
	}
	created, err := codec.ParseTimestamp(aux.Timestamp)
	if err != nil {
		return fmt.Errorf("annotation %q: bad timestamp %q: %w", aux.Name, aux.Timestamp, err)
	}
	*a = Annotation{
		ID:          a.ID,
		AnnotatorID: aux.AnnotatorID,
		Dataset:     aux.Dataset,
		Name:        aux.Name,
		MediaPath:   aux.Path,
		Fingerprint: aux.Footprint,
		Frames:      aux.Frames,
		Samples:     samples,
		Created:     created,
		ExtraMedia:  aux.AdditionalMediaPaths,
		Progress:    aux.Progress,
	}
	return nil
}

// Streams lists the media to load for playback, primary first.
func (a *Annotation) Streams() []string {
	out := []string{a.MediaPath}
	for _, p := range a.ExtraMedia {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
