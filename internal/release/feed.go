// Package release manages the release-channel feed files that updaters poll,
// the rollout state kept next to them and the advisory lock that serializes
// every job mutating them.
package release

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Channel names a release channel directory under the releases root.
type Channel string

const (
	Stable Channel = "stable"
	Canary Channel = "canary"
)

// FeedFiles are the updater metadata files published per channel.
var FeedFiles = []string{"latest.yml", "latest-mac.yml"}

var (
	// ErrFeedMissing is returned when a channel lacks one of its feed files.
	ErrFeedMissing = errors.New("release: feed file missing")
	// ErrInvalidFeed is returned when a feed file is not a YAML mapping.
	ErrInvalidFeed = errors.New("release: feed is not a yaml mapping")
)

// Feed is the subset of updater metadata the jobs inspect.
type Feed struct {
	Version      string `yaml:"version" json:"version"`
	Rollback     bool   `yaml:"rollback" json:"rollback"`
	RollbackFrom string `yaml:"rollbackFrom" json:"rollbackFrom,omitempty"`
}

// Stamp lists the fields written into a feed when it is republished.
// Empty RollbackFrom with Rollback unset clears both tags.
type Stamp struct {
	Version      string
	Rollback     bool
	RollbackFrom string
}

// Store reads and writes everything under the releases directory.
type Store struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithClock injects the time source used for state timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Store{dir: dir, logger: logger.With("component", "release_store"), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the current time from the store clock.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// Dir returns the releases root.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) feedPath(ch Channel, name string) string {
	return filepath.Join(s.dir, string(ch), name)
}

// ReadFeed returns the raw bytes of a channel feed file.
func (s *Store) ReadFeed(ch Channel, name string) ([]byte, error) {
	data, err := os.ReadFile(s.feedPath(ch, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrFeedMissing, ch, name)
		}
		return nil, fmt.Errorf("read feed %s/%s: %w", ch, name, err)
	}
	return data, nil
}

// ReadChannel returns every feed file of a channel keyed by name.
func (s *Store) ReadChannel(ch Channel) (map[string][]byte, error) {
	out := make(map[string][]byte, len(FeedFiles))
	for _, name := range FeedFiles {
		data, err := s.ReadFeed(ch, name)
		if err != nil {
			return nil, err
		}
		out[name] = data
	}
	return out, nil
}

// Metadata parses the primary feed file of a channel.
func (s *Store) Metadata(ch Channel) (Feed, error) {
	data, err := s.ReadFeed(ch, FeedFiles[0])
	if err != nil {
		return Feed{}, err
	}
	return ParseFeed(data)
}

// ParseFeed decodes the fields of Feed from YAML.
func ParseFeed(data []byte) (Feed, error) {
	var f Feed
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Feed{}, fmt.Errorf("%w: %v", ErrInvalidFeed, err)
	}
	return f, nil
}

// StampFeed rewrites the version and rollback tags of a YAML feed while
// leaving every other key, and the key order, untouched.
func StampFeed(data []byte, stamp Stamp) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFeed, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, ErrInvalidFeed
	}
	root := doc.Content[0]
	setScalar(root, "version", "!!str", stamp.Version)
	if stamp.Rollback {
		setScalar(root, "rollback", "!!bool", "true")
		if stamp.RollbackFrom != "" {
			setScalar(root, "rollbackFrom", "!!str", stamp.RollbackFrom)
		} else {
			removeKey(root, "rollbackFrom")
		}
	} else {
		removeKey(root, "rollback")
		removeKey(root, "rollbackFrom")
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("encode feed: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode feed: %w", err)
	}
	return buf.Bytes(), nil
}

func setScalar(mapping *yaml.Node, key, tag, value string) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			v := mapping.Content[i+1]
			v.Kind = yaml.ScalarNode
			v.Tag = tag
			v.Value = value
			v.Style = 0
			v.Content = nil
			return
		}
	}
	mapping.Content = append(mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value},
	)
}

func removeKey(mapping *yaml.Node, key string) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content = append(mapping.Content[:i], mapping.Content[i+2:]...)
			return
		}
	}
}

// WriteFeed publishes data as a channel feed file. It reports false without
// touching the file when the current content is already identical.
func (s *Store) WriteFeed(ch Channel, name string, data []byte) (bool, error) {
	return s.WriteChannel(ch, map[string][]byte{name: data})
}

// WriteChannel publishes several feed files of one channel. Every changed
// file is staged before the first rename, so a failure while staging leaves
// the channel untouched. Files whose content is already identical are
// skipped; it reports whether anything was written.
func (s *Store) WriteChannel(ch Channel, files map[string][]byte) (bool, error) {
	if err := os.MkdirAll(filepath.Join(s.dir, string(ch)), 0o755); err != nil {
		return false, fmt.Errorf("create channel dir: %w", err)
	}
	type staged struct {
		name, path, tmp string
		size            int
	}
	var pending []staged
	defer func() {
		for _, st := range pending {
			os.Remove(st.tmp)
		}
	}()
	for _, name := range channelOrder(files) {
		data := files[name]
		path := s.feedPath(ch, name)
		if current, err := os.ReadFile(path); err == nil && bytes.Equal(current, data) {
			continue
		}
		if _, err := ParseFeed(data); err != nil {
			return false, fmt.Errorf("%s/%s: %w", ch, name, err)
		}
		tmp, err := stageTemp(path, data, 0o644)
		if err != nil {
			return false, fmt.Errorf("stage %s/%s: %w", ch, name, err)
		}
		pending = append(pending, staged{name: name, path: path, tmp: tmp, size: len(data)})
	}
	if len(pending) == 0 {
		return false, nil
	}
	// The primary feed flips last so updaters never see it ahead of the rest.
	for i := len(pending) - 1; i >= 0; i-- {
		st := pending[i]
		if err := os.Rename(st.tmp, st.path); err != nil {
			return false, fmt.Errorf("rename %s/%s: %w", ch, st.name, err)
		}
		s.logger.Info("feed published", "channel", ch, "file", st.name, "bytes", st.size)
	}
	return true, nil
}

// channelOrder lists the names in files with the known feed files first, in
// FeedFiles order, followed by any other names sorted.
func channelOrder(files map[string][]byte) []string {
	out := make([]string, 0, len(files))
	known := make(map[string]bool, len(FeedFiles))
	for _, name := range FeedFiles {
		known[name] = true
		if _, ok := files[name]; ok {
			out = append(out, name)
		}
	}
	var extra []string
	for name := range files {
		if !known[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

// writeAtomic writes through a temp file in the target directory so readers
// never observe a partial file.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := stageTemp(path, data, perm)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// stageTemp writes data to a synced temp file next to path and returns its
// name. The caller renames or removes it.
func stageTemp(path string, data []byte, perm os.FileMode) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(step string, err error) (string, error) {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("%s temp file: %w", step, err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fail("write", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return fail("chmod", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return tmpName, nil
}
