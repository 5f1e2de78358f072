package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/klauspost/compress/zip"

	"github.com/banshee-data/frame.annotator/internal/fsutil"
	"github.com/banshee-data/frame.annotator/internal/logutil"
	"github.com/banshee-data/frame.annotator/internal/security"
	"github.com/banshee-data/frame.annotator/internal/segment"
)

// Bundle file names.
const (
	AnnotationFile = "annotation.csv"
	SchemeFile     = "dataset_scheme.json"
	MetaFile       = "meta_informations.json"
	TimelineFile   = "timeline.png"
)

// ExportOptions selects the optional parts of a bundle.
type ExportOptions struct {
	CopyMedia bool
	Scheme    bool
	Meta      bool
	Timeline  bool
	Zip       bool
}

// Bundle is everything an export needs.
type Bundle struct {
	Document *Document
	Samples  segment.List
	// Media is the file system holding the media files referenced by the
	// document; nil means the host file system.
	Media fsutil.FileSystem
}

// BundleName is the folder name for an annotation export.
func BundleName(name string, annotatorID int) string {
	return fmt.Sprintf("annotation_%s_by_%d", security.SanitizeFilename(name), annotatorID)
}

// WriteBundle writes the export folder under dir and returns its path, or
// the path of the zip archive when opts.Zip is set.
func WriteBundle(fsys fsutil.FileSystem, dir string, b Bundle, opts ExportOptions) (string, error) {
	if b.Document == nil {
		return "", fmt.Errorf("export bundle: no document")
	}
	folder, err := security.SafeJoin(dir, BundleName(b.Document.Name, b.Document.AnnotatorID))
	if err != nil {
		return "", err
	}
	if err := fsys.MkdirAll(folder, 0o755); err != nil {
		return "", fmt.Errorf("create bundle folder: %w", err)
	}

	var written []string
	put := func(name string, render func(io.Writer) error) error {
		var buf bytes.Buffer
		if err := render(&buf); err != nil {
			return fmt.Errorf("render %s: %w", name, err)
		}
		path := filepath.Join(folder, name)
		if err := fsutil.WriteFile(fsys, path, buf.Bytes()); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		written = append(written, name)
		return nil
	}

	if err := put(AnnotationFile, func(w io.Writer) error { return ExportCSV(w, b.Samples, ',') }); err != nil {
		return "", err
	}
	if opts.Scheme && b.Document.Dataset != nil {
		err := put(SchemeFile, func(w io.Writer) error {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(b.Document.Dataset)
		})
		if err != nil {
			return "", err
		}
	}
	if opts.Meta {
		doc := *b.Document
		doc.Annotations = EncodeSamples(b.Samples)
		if err := put(MetaFile, func(w io.Writer) error { return WriteDocument(w, &doc) }); err != nil {
			return "", err
		}
	}
	if opts.Timeline {
		if err := put(TimelineFile, func(w io.Writer) error { return WriteTimeline(w, b.Document.Name, b.Samples) }); err != nil {
			return "", err
		}
	}
	if opts.CopyMedia {
		src := b.Media
		if src == nil {
			src = fsutil.OSFileSystem{}
		}
		for _, p := range append([]string{b.Document.Path}, b.Document.AdditionalMediaPaths...) {
			if p == "" {
				continue
			}
			name := filepath.Base(p)
			if _, err := fsutil.CopyFile(fsys, filepath.Join(folder, name), src, p); err != nil {
				return "", err
			}
			written = append(written, name)
		}
	}
	logutil.Diagf("codec: wrote bundle %s (%d files)", folder, len(written))

	if !opts.Zip {
		return folder, nil
	}
	archive := folder + ".zip"
	if err := zipFolder(fsys, folder, archive, written); err != nil {
		return "", err
	}
	if err := fsys.RemoveAll(folder); err != nil {
		return "", fmt.Errorf("remove bundle folder: %w", err)
	}
	return archive, nil
}

func zipFolder(fsys fsutil.FileSystem, folder, archive string, names []string) error {
	out, err := fsys.Create(archive)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	zw := zip.NewWriter(out)
	base := filepath.Base(folder)
	for _, name := range names {
		if err := addToZip(zw, fsys, filepath.Join(folder, name), base+"/"+name); err != nil {
			zw.Close()
			out.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return fmt.Errorf("finish archive: %w", err)
	}
	return out.Close()
}

func addToZip(zw *zip.Writer, fsys fsutil.FileSystem, path, entry string) error {
	f, err := fsys.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	w, err := zw.CreateHeader(&zip.FileHeader{Name: entry, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("add %s: %w", entry, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("compress %s: %w", entry, err)
	}
	return nil
}
