// Command annotator manages frame annotations over the local object cache
// and serves a headless session for scripted labelling.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/banshee-data/frame.annotator/internal/app"
	"github.com/banshee-data/frame.annotator/internal/cache"
	"github.com/banshee-data/frame.annotator/internal/codec"
	"github.com/banshee-data/frame.annotator/internal/config"
	"github.com/banshee-data/frame.annotator/internal/events"
	"github.com/banshee-data/frame.annotator/internal/logutil"
	"github.com/banshee-data/frame.annotator/internal/media"
	"github.com/banshee-data/frame.annotator/internal/model"
	"github.com/banshee-data/frame.annotator/internal/monitor"
	"github.com/banshee-data/frame.annotator/internal/scheme"
	"github.com/banshee-data/frame.annotator/internal/version"
)

const usage = `Usage: annotator [-data dir] [-log-level level] <command> [flags]

Commands:
  dataset    Register a dataset from a scheme JSON file
  model      Register a network for retrieval mode
  new        Create an annotation for a media file
  import     Create an annotation from a label CSV
  export     Write an annotation bundle
  list       List stored annotations
  delete     Delete a stored entry by id
  relink     Point an annotation at a moved media file
  serve      Open an annotation and serve the debug HTTP surface
  settings   Show or change settings
  migrate    Manage the cache schema
  version    Print build information
`

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatalf("annotator: %v", err)
	}
}

// env is the state shared by every command that touches the cache.
type env struct {
	dataDir      string
	settingsPath string
	settings     *config.Settings
	store        *cache.Store
	out          io.Writer
}

func (e *env) close() {
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			logutil.Opsf("annotator: close cache: %v", err)
		}
	}
}

func (e *env) openStore() error {
	if err := os.MkdirAll(e.dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	s, err := cache.Open(filepath.Join(e.dataDir, config.CacheFileName))
	if err != nil {
		return err
	}
	e.store = s
	return nil
}

func (e *env) newApp(bus *events.Bus) (*app.App, error) {
	return app.New(app.Config{Store: e.store, Settings: e.settings, Bus: bus})
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("annotator", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	dataDir := fs.String("data", "", "Application-data directory (default $XDG_DATA_HOME/frame-annotator)")
	logLevel := fs.String("log-level", "", "Override logging_level: off, error, warning, info or debug")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return flag.ErrHelp
	}

	dir, err := config.DataDir(*dataDir)
	if err != nil {
		return err
	}
	e := &env{dataDir: dir, settingsPath: filepath.Join(dir, config.SettingsFileName), out: stdout}
	if e.settings, err = config.LoadSettings(e.settingsPath); err != nil {
		return err
	}
	level := e.settings.GetLoggingLevel()
	if *logLevel != "" {
		level = *logLevel
	}
	if err := logutil.Configure(level, stderr); err != nil {
		return err
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "version":
		fmt.Fprintln(stdout, version.String())
		return nil
	case "settings":
		return runSettings(e, rest)
	case "help":
		fs.Usage()
		return nil
	}

	if err := e.openStore(); err != nil {
		return err
	}
	defer e.close()
	ctx := context.Background()

	switch cmd {
	case "migrate":
		return cache.RunMigrateCommand(rest, e.store, stdout)
	case "dataset":
		return runDataset(ctx, e, rest)
	case "model":
		return runModel(ctx, e, rest)
	case "new":
		return runNew(ctx, e, rest)
	case "import":
		return runImport(ctx, e, rest)
	case "export":
		return runExport(ctx, e, rest)
	case "list":
		return runList(ctx, e)
	case "delete":
		return runDelete(ctx, e, rest)
	case "relink":
		return runRelink(ctx, e, rest)
	case "serve":
		return runServe(e, rest)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("annotator "+name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

func runSettings(e *env, args []string) error {
	action := "show"
	if len(args) > 0 {
		action = args[0]
	}
	switch action {
	case "show":
		data, err := json.MarshalIndent(e.settings, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(e.out, string(data))
		return nil
	case "defaults":
		data, err := json.MarshalIndent(config.DefaultSettings(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(e.out, string(data))
		return nil
	case "keys":
		fmt.Fprintln(e.out, strings.Join(config.Keys(), "\n"))
		return nil
	case "set":
		if len(args) != 3 {
			return errors.New("usage: annotator settings set <key> <value>")
		}
		if err := e.settings.Set(args[1], args[2]); err != nil {
			return err
		}
		if err := config.SaveSettings(e.settingsPath, e.settings); err != nil {
			return err
		}
		fmt.Fprintf(e.out, "%s = %s\n", args[1], args[2])
		return nil
	default:
		return fmt.Errorf("unknown settings action %q (show, defaults, keys, set)", action)
	}
}

func runDataset(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("dataset", e.out)
	name := fs.String("name", "", "Dataset name")
	schemePath := fs.String("scheme", "", "Scheme JSON file")
	depsPath := fs.String("deps", "", "Optional dependency matrix JSON file (n×n rows of 0/1)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	data, err := os.ReadFile(*schemePath)
	if err != nil {
		return fmt.Errorf("read scheme: %w", err)
	}
	s, err := scheme.Parse(data)
	if err != nil {
		return err
	}
	var deps [][]int
	if *depsPath != "" {
		raw, err := os.ReadFile(*depsPath)
		if err != nil {
			return fmt.Errorf("read dependencies: %w", err)
		}
		if err := json.Unmarshal(raw, &deps); err != nil {
			return fmt.Errorf("%w: dependencies: %v", scheme.ErrSchemeInvalid, err)
		}
	}

	a, err := e.newApp(nil)
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	ds, err := a.CreateDataset(ctx, *name, s, deps)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "dataset %d %q (%d attributes)\n", ds.ID, ds.Name, s.N())
	return nil
}

func parseShape(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid shape %q", s)
		}
		out = append(out, n)
	}
	return out, nil
}

func runModel(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("model", e.out)
	name := fs.String("name", "", "Model name (default: file name)")
	path := fs.String("path", "", "Weights file")
	mediaType := fs.String("type", string(media.Mocap), "Media type: video or mocap")
	rate := fs.Float64("rate", e.settings.GetMocapFPS(), "Sampling rate in frames per second")
	input := fs.String("input", "", "Input shape as frames,channels (0 accepts any)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	in, err := parseShape(*input)
	if err != nil {
		return err
	}
	m, err := model.New(*name, *path, media.Type(*mediaType), *rate, in, nil)
	if err != nil {
		return err
	}

	a, err := e.newApp(nil)
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	if err := a.AddModel(ctx, m); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "model %d %s\n", m.ID, m)
	return nil
}

func runNew(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("new", e.out)
	datasetID := fs.Int64("dataset", 0, "Dataset id")
	mediaPath := fs.String("media", "", "Primary media file")
	name := fs.String("name", "", "Annotation name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := e.newApp(nil)
	if err != nil {
		return err
	}
	an, err := a.Create(ctx, *datasetID, *mediaPath, *name)
	if cerr := a.Close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "annotation %d %q (%d frames)\n", an.ID, an.Name, an.Frames)
	return nil
}

func runImport(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("import", e.out)
	datasetID := fs.Int64("dataset", 0, "Dataset id")
	mediaPath := fs.String("media", "", "Primary media file")
	csvPath := fs.String("csv", "", "Label CSV, one row per frame")
	name := fs.String("name", "", "Annotation name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := e.newApp(nil)
	if err != nil {
		return err
	}
	an, err := a.Import(ctx, *csvPath, *mediaPath, *datasetID, *name)
	if cerr := a.Close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "annotation %d %q (%d samples, %d%% labelled)\n", an.ID, an.Name, len(an.Samples), an.Progress)
	return nil
}

func runExport(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("export", e.out)
	id := fs.Int64("id", 0, "Annotation id")
	dir := fs.String("dir", ".", "Output directory")
	copyMedia := fs.Bool("media", false, "Copy media files into the bundle")
	withScheme := fs.Bool("scheme", true, "Write the dataset scheme")
	withMeta := fs.Bool("meta", true, "Write the annotation metadata")
	withTimeline := fs.Bool("timeline", true, "Render the label timeline")
	zip := fs.Bool("zip", false, "Compress the bundle into a zip archive")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := e.newApp(nil)
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	out, err := a.Export(ctx, *id, *dir, codec.ExportOptions{
		CopyMedia: *copyMedia,
		Scheme:    *withScheme,
		Meta:      *withMeta,
		Timeline:  *withTimeline,
		Zip:       *zip,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(e.out, out)
	return nil
}

func runList(ctx context.Context, e *env) error {
	a, err := e.newApp(nil)
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	entries, err := a.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tUPDATED")
	for _, en := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", en.ID, en.Label, en.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func runDelete(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("delete", e.out)
	id := fs.Int64("id", 0, "Entry id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := e.newApp(nil)
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	if err := a.Delete(ctx, *id); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "deleted %d\n", *id)
	return nil
}

func runRelink(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("relink", e.out)
	id := fs.Int64("id", 0, "Annotation id")
	mediaPath := fs.String("media", "", "New location of the media file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := e.newApp(nil)
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	if err := a.Relink(ctx, *id, *mediaPath); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "relinked %d to %s\n", *id, *mediaPath)
	return nil
}

// runServe opens an annotation and serves it until SIGINT or SIGTERM. The
// first signal shuts down gracefully with a final save; a second one
// terminates immediately.
func runServe(e *env, args []string) error {
	fs := newFlagSet("serve", e.out)
	listen := fs.String("listen", "127.0.0.1:8080", "Listen address")
	id := fs.Int64("id", 0, "Annotation id to open (0 serves without one)")
	mediaPath := fs.String("media", "", "Media path override for -id")
	busBuffer := fs.Int("events-buffer", 1024, "Per-subscriber event buffer")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *listen == "" {
		return errors.New("listen address is required")
	}

	bus := events.NewBus(*busBuffer)
	defer bus.Close()
	a, err := e.newApp(bus)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *id != 0 {
		if _, err := a.Open(ctx, *id, *mediaPath); err != nil {
			_ = a.Close(context.Background())
			return err
		}
	}

	ws := monitor.NewWebServer(monitor.WebServerConfig{Address: *listen, App: a, Bus: bus})
	saver := app.NewAutosaver(app.AutosaverConfig{Saver: a, Interval: e.settings.GetAutosaveInterval()})

	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := ws.Start(ctx); err != nil {
			errCh <- err
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		if err := saver.Run(ctx); err != nil {
			logutil.Opsf("autosave: %v", err)
		}
	}()

	<-ctx.Done()
	// Restore default signal handling so a second signal kills the process.
	stop()
	logutil.Opsf("annotator: shutting down")
	wg.Wait()

	err = a.Close(context.Background())
	select {
	case serr := <-errCh:
		return serr
	default:
	}
	if err != nil {
		return fmt.Errorf("final save: %w", err)
	}
	logutil.Opsf("annotator: graceful shutdown complete")
	return nil
}
