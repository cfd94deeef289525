package crash

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	bundlePrefix   = "safe-mode-"
	bundleTimeFmt  = "20060102T150405.000000000Z"
	keepLogFiles   = 3
	logTailLines   = 100
	metaFileName   = "meta.json"
	tailFileName   = "log-tail.txt"
	bundleLogsDir  = "logs"
	bundleDirPerms = 0o755
)

// Bundle is a crash report directory on disk.
type Bundle struct {
	Path      string    `json:"path"`
	Signature string    `json:"signature"`
	CreatedAt time.Time `json:"createdAt"`
}

// Meta is the content of a bundle's meta.json.
type Meta struct {
	Signature  string    `json:"signature"`
	Timestamp  time.Time `json:"timestamp"`
	AppVersion string    `json:"appVersion"`
	Platform   string    `json:"platform"`
	Arch       string    `json:"arch"`
	Error      struct {
		Message string `json:"message"`
		Stack   string `json:"stack"`
	} `json:"error"`
}

// Bundles manages crash bundles under a reports directory, copying recent
// logs from a log directory.
type Bundles struct {
	reportsDir string
	logDir     string
	logger     *slog.Logger
	now        func() time.Time
}

// NewBundles returns a Bundles rooted at reportsDir. logDir may be empty.
func NewBundles(reportsDir, logDir string, logger *slog.Logger) *Bundles {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bundles{
		reportsDir: reportsDir,
		logDir:     logDir,
		logger:     logger.With("component", "crash_bundles"),
		now:        time.Now,
	}
}

// Dir returns the reports directory.
func (b *Bundles) Dir() string { return b.reportsDir }

// Create writes a bundle for ev. Each step is attempted independently so a
// failure copying logs never loses the metadata. The returned error joins
// every step that failed; the bundle path is returned whenever the
// directory itself could be created.
func (b *Bundles) Create(ev Event) (Bundle, error) {
	sig := Signature(ev)
	ts := b.now().UTC()
	bundle := Bundle{
		Path:      filepath.Join(b.reportsDir, bundlePrefix+ts.Format(bundleTimeFmt)+"-"+sig),
		Signature: sig,
		CreatedAt: ts,
	}
	if err := os.MkdirAll(bundle.Path, bundleDirPerms); err != nil {
		return Bundle{}, fmt.Errorf("create bundle dir: %w", err)
	}

	var errs []error
	guard := func(step string, fn func() error) {
		defer func() {
			if r := recover(); r != nil {
				errs = append(errs, fmt.Errorf("%s: panic: %v", step, r))
			}
		}()
		if err := fn(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step, err))
		}
	}

	guard("write meta", func() error { return b.writeMeta(bundle, ev) })
	var logs []string
	guard("list logs", func() (err error) {
		logs, err = b.recentLogs()
		return err
	})
	guard("copy logs", func() error { return copyLogs(logs, filepath.Join(bundle.Path, bundleLogsDir)) })
	guard("write log tail", func() error { return writeTail(logs, filepath.Join(bundle.Path, tailFileName)) })

	err := errors.Join(errs...)
	if err != nil {
		b.logger.Warn("crash bundle incomplete", "path", bundle.Path, "error", err)
	}
	return bundle, err
}

func (b *Bundles) writeMeta(bundle Bundle, ev Event) error {
	meta := Meta{
		Signature:  bundle.Signature,
		Timestamp:  bundle.CreatedAt,
		AppVersion: ev.AppVersion,
		Platform:   ev.Platform,
		Arch:       ev.Arch,
	}
	meta.Error.Message = ev.Message
	meta.Error.Stack = ev.Stack
	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(bundle.Path, metaFileName), payload, 0o644)
}

// recentLogs returns up to keepLogFiles .log files in name order, newest last.
func (b *Bundles) recentLogs() ([]string, error) {
	if b.logDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(b.logDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.HasSuffix(entry.Name(), ".log") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	if len(names) > keepLogFiles {
		names = names[len(names)-keepLogFiles:]
	}
	paths := make([]string, 0, len(names))
	for _, name := range names {
		paths = append(paths, filepath.Join(b.logDir, name))
	}
	return paths, nil
}

func copyLogs(paths []string, dest string) error {
	if len(paths) == 0 {
		return nil
	}
	if err := os.MkdirAll(dest, bundleDirPerms); err != nil {
		return err
	}
	var errs []error
	for _, src := range paths {
		if err := copyFile(src, filepath.Join(dest, filepath.Base(src))); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeTail(paths []string, dest string) error {
	if len(paths) == 0 {
		return nil
	}
	content, err := os.ReadFile(paths[len(paths)-1])
	if err != nil {
		return err
	}
	lines := strings.Split(string(content), "\n")
	if len(lines) > logTailLines {
		lines = lines[len(lines)-logTailLines:]
	}
	return os.WriteFile(dest, []byte(strings.Join(lines, "\n")), 0o644)
}

// List returns every bundle in the reports directory, oldest first.
func (b *Bundles) List() ([]Bundle, error) {
	return listBundles(b.reportsDir)
}

func listBundles(dir string) ([]Bundle, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var bundles []Bundle
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !strings.HasPrefix(name, bundlePrefix) {
			continue
		}
		rest := strings.TrimPrefix(name, bundlePrefix)
		idx := strings.LastIndex(rest, "-")
		if idx <= 0 {
			continue
		}
		created, err := time.Parse(bundleTimeFmt, rest[:idx])
		if err != nil {
			continue
		}
		bundles = append(bundles, Bundle{
			Path:      filepath.Join(dir, name),
			Signature: rest[idx+1:],
			CreatedAt: created,
		})
	}
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].CreatedAt.Before(bundles[j].CreatedAt) })
	return bundles, nil
}
