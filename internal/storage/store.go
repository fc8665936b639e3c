// Package storage keeps games on disk, one directory per game holding the
// game state, its opaque data and one mailbox file per seat. Every write
// replaces its file atomically.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/chronologos/ddnet/internal/coordinator"
	"github.com/chronologos/ddnet/internal/game"
	"github.com/chronologos/ddnet/internal/mailbox"
)

const (
	DirKey = "storage.dir"

	gameFile        = "game.toml"
	dataFile        = "data.bin"
	fileMode        = 0o600
	dirMode         = 0o700
	tempFilePattern = ".ddnet-*.tmp"
)

var ErrGameExists = errors.New("game already exists")

var _ coordinator.Store = (*Store)(nil)

// Store is a coordinator.Store backed by TOML files under one directory.
type Store struct {
	dir string
}

var (
	lockRegistryMu sync.Mutex
	pathLockMap    = map[string]*sync.RWMutex{}
)

func lockForPath(path string) *sync.RWMutex {
	lockRegistryMu.Lock()
	defer lockRegistryMu.Unlock()

	if mu, ok := pathLockMap[path]; ok {
		return mu
	}
	mu := &sync.RWMutex{}
	pathLockMap[path] = mu
	return mu
}

// New opens the store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("storage directory is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage directory: %w", err)
	}
	if err := os.MkdirAll(abs, dirMode); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &Store{dir: filepath.Clean(abs)}, nil
}

// NewFromViper opens the store at the configured storage.dir.
func NewFromViper(cfg *viper.Viper) (*Store, error) {
	if cfg == nil {
		cfg = viper.New()
	}
	return New(cfg.GetString(DirKey))
}

// Dir returns the root directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) gameDir(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid game id %q", id)
	}
	return filepath.Join(s.dir, id), nil
}

func (s *Store) path(id, name string) (string, error) {
	dir, err := s.gameDir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func mailboxFile(player int) string {
	return "mailbox-" + strconv.Itoa(player) + ".toml"
}

func (s *Store) LoadGame(ctx context.Context, id string) (*game.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(id, gameFile)
	if err != nil {
		return nil, err
	}

	var file gameSchema
	found, err := readTOML(path, &file)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", game.ErrNotFound, id)
	}
	if err := validateVersion("game", file.Version); err != nil {
		return nil, err
	}
	return fromGameSchema(file)
}

func (s *Store) SaveGame(ctx context.Context, st *game.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(st.ID, gameFile)
	if err != nil {
		return err
	}
	return writeTOML(path, toGameSchema(st))
}

func (s *Store) CreateGame(ctx context.Context, st *game.State) error {
	path, err := s.path(st.ID, gameFile)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrGameExists, st.ID)
	}
	return s.SaveGame(ctx, st)
}

// SaveGameData writes the opaque data of a new game and returns its path
// relative to the store root.
func (s *Store) SaveGameData(ctx context.Context, id string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := s.path(id, dataFile)
	if err != nil {
		return "", err
	}
	if err := writeFile(path, data); err != nil {
		return "", err
	}
	return filepath.ToSlash(filepath.Join(id, dataFile)), nil
}

// GameData reads what SaveGameData stored.
func (s *Store) GameData(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(id, dataFile)
	if err != nil {
		return nil, err
	}
	mu := lockForPath(path)
	mu.RLock()
	defer mu.RUnlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", game.ErrNotFound, id)
	}
	return data, err
}

func (s *Store) LoadMailbox(ctx context.Context, id string, player int) (*mailbox.Mailbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(id, mailboxFile(player))
	if err != nil {
		return nil, err
	}

	var file mailboxSchema
	found, err := readTOML(path, &file)
	if err != nil {
		return nil, err
	}
	if !found {
		return mailbox.New(), nil
	}
	if err := validateVersion("mailbox", file.Version); err != nil {
		return nil, err
	}
	mb, err := fromMailboxSchema(file)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return mb, nil
}

func (s *Store) SaveMailbox(ctx context.Context, id string, player int, mb *mailbox.Mailbox) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(id, mailboxFile(player))
	if err != nil {
		return err
	}
	file, err := toMailboxSchema(mb)
	if err != nil {
		return err
	}
	return writeTOML(path, file)
}

// DeleteGame removes everything stored for a game.
func (s *Store) DeleteGame(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.gameDir(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete game %s: %w", id, err)
	}
	return nil
}

// Games lists the ids of all stored games.
func (s *Store) Games(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dir, e.Name(), gameFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func readTOML(path string, v any) (bool, error) {
	mu := lockForPath(path)
	mu.RLock()
	defer mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

func writeTOML(path string, v any) error {
	data, err := toml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return writeFile(path, data)
}

// writeFile replaces path with data through a temp file and rename.
func writeFile(path string, data []byte) error {
	mu := lockForPath(path)
	mu.Lock()
	defer mu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Chmod(fileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tempName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	cleanup = false
	return nil
}
