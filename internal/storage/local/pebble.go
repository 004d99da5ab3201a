package local

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

const versionKeyPrefix = "version/"

// PebbleStorage keeps file contents in a directory and their versions in a
// Pebble index, so versions survive restarts.
type PebbleStorage struct {
	mu        sync.RWMutex
	dir       string
	indexPath string
	db        *pebble.DB
	logger    *zap.Logger
}

// NewPebbleStorage creates a PebbleStorage over dir (not yet opened). An empty
// indexPath places the index in dir/.index.
func NewPebbleStorage(dir, indexPath string, logger *zap.Logger) *PebbleStorage {
	if indexPath == "" {
		indexPath = filepath.Join(dir, ".index")
	}
	return &PebbleStorage{
		dir:       dir,
		indexPath: indexPath,
		logger:    logger,
	}
}

// Init opens the index and gives every unindexed file version 0.
func (p *PebbleStorage) Init() error {
	info, err := os.Stat(p.dir)
	if err != nil {
		return fmt.Errorf("storage dir %s: %w", p.dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory: %s", p.dir)
	}

	db, err := pebble.Open(p.indexPath, &pebble.Options{
		Logger: &pebbleLogger{p.logger},
	})
	if err != nil {
		return fmt.Errorf("pebble open %s: %w", p.indexPath, err)
	}
	p.db = db

	names, added, err := p.indexExisting()
	if err != nil {
		p.db = nil
		db.Close()
		return err
	}

	p.logger.Info("File storage opened",
		zap.String("dir", p.dir),
		zap.String("index", p.indexPath),
		zap.Int("files", len(names)),
		zap.Int("indexed", added),
	)
	return nil
}

// indexExisting records version 0 for every file the index does not know yet.
func (p *PebbleStorage) indexExisting() ([]string, int, error) {
	names, err := p.listFiles()
	if err != nil {
		return nil, 0, err
	}
	batch := p.db.NewBatch()
	defer batch.Close()
	added := 0
	for _, name := range names {
		if _, err := p.readVersion(name); errors.Is(err, ErrNotFound) {
			if err := batch.Set(versionKey(name), []byte("0"), nil); err != nil {
				return nil, 0, err
			}
			added++
		} else if err != nil {
			return nil, 0, err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, 0, fmt.Errorf("index commit: %w", err)
	}
	return names, added, nil
}

// Close closes the index.
func (p *PebbleStorage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

// List returns the names of stored files.
func (p *PebbleStorage) List() ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.listFiles()
}

// Size returns the on-disk size of name.
func (p *PebbleStorage) Size(name string) (int64, error) {
	size, _, err := p.Stat(name)
	return size, err
}

// Version returns the indexed version of name.
func (p *PebbleStorage) Version(name string) (int, error) {
	_, v, err := p.Stat(name)
	return v, err
}

// Stat returns size and version of name.
func (p *PebbleStorage) Stat(name string) (int64, int, error) {
	if !ValidName(name) {
		return 0, 0, ErrNotFound
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	fi, err := os.Stat(p.path(name))
	if err != nil || !fi.Mode().IsRegular() {
		return 0, 0, ErrNotFound
	}
	v, err := p.versionOrZero(name)
	if err != nil {
		return 0, 0, err
	}
	return fi.Size(), v, nil
}

// Read returns content and version of name.
func (p *PebbleStorage) Read(name string) ([]byte, int, error) {
	if !ValidName(name) {
		return nil, 0, ErrNotFound
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	content, err := os.ReadFile(p.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read %s: %w", name, err)
	}
	v, err := p.versionOrZero(name)
	if err != nil {
		return nil, 0, err
	}
	return content, v, nil
}

// Store writes content under name. A new name keeps the announced version; an
// existing name moves to max(current+1, announced).
func (p *PebbleStorage) Store(name string, version int, content []byte) (int, error) {
	if !ValidName(name) {
		return 0, ErrInvalidName
	}
	if version < 0 {
		version = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	next := version
	if _, err := os.Stat(p.path(name)); err == nil {
		cur, err := p.versionOrZero(name)
		if err != nil {
			return 0, err
		}
		if cur+1 > next {
			next = cur + 1
		}
	}

	tmp, err := os.CreateTemp(p.dir, ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("store %s: %w", name, err)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("store %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("store %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), p.path(name)); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("store %s: %w", name, err)
	}

	if err := p.db.Set(versionKey(name), []byte(strconv.Itoa(next)), pebble.Sync); err != nil {
		return 0, fmt.Errorf("pebble set: %w", err)
	}
	p.logger.Info("File stored", zap.String("file", name), zap.Int("version", next), zap.Int("size", len(content)))
	return next, nil
}

func (p *PebbleStorage) path(name string) string {
	return filepath.Join(p.dir, name)
}

func (p *PebbleStorage) listFiles() ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", p.dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || !ValidName(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// versionOrZero treats a file without an index entry as version 0.
func (p *PebbleStorage) versionOrZero(name string) (int, error) {
	v, err := p.readVersion(name)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	return v, err
}

func (p *PebbleStorage) readVersion(name string) (int, error) {
	if p.db == nil {
		return 0, errors.New("storage closed")
	}
	data, closer, err := p.db.Get(versionKey(name))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()
	v, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("corrupt version for %s: %w", name, err)
	}
	return v, nil
}

func versionKey(name string) []byte {
	return []byte(versionKeyPrefix + name)
}

// pebbleLogger adapts zap.Logger to the pebble.Logger interface.
type pebbleLogger struct {
	z *zap.Logger
}

func (l *pebbleLogger) Infof(format string, args ...any) {
	l.z.Sugar().Infof(format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...any) {
	l.z.Sugar().Errorf(format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...any) {
	l.z.Sugar().Fatalf(format, args...)
}
