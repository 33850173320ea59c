package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// StaticSource
// ---------------------------------------------------------------------------

// StaticSource holds a token in memory. Set notifies watchers, which makes it
// usable for environment-provided tokens and tests alike.
type StaticSource struct {
	mu       sync.Mutex
	token    string
	watchers []chan string
}

func NewStaticSource(token string) *StaticSource {
	return &StaticSource{token: token}
}

func (s *StaticSource) Current(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *StaticSource) Watch(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 8)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, w := range s.watchers {
			if w == ch {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// Set replaces the token and notifies every watcher. A watcher whose buffer
// is full loses its oldest pending token so the newest one always lands.
func (s *StaticSource) Set(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	for _, w := range s.watchers {
		select {
		case w <- token:
		default:
			select {
			case <-w:
			default:
			}
			select {
			case w <- token:
			default:
			}
		}
	}
}

// ---------------------------------------------------------------------------
// FileSource
// ---------------------------------------------------------------------------

// FileSource reads the token from a file and watches it with fsnotify. The
// parent directory is watched so that atomic replace-by-rename is seen.
type FileSource struct {
	Path   string
	logger zerolog.Logger
}

func NewFileSource(path string, logger zerolog.Logger) *FileSource {
	return &FileSource{
		Path:   filepath.Clean(path),
		logger: logger.With().Str("component", "credential-file").Str("path", path).Logger(),
	}
}

// Current returns the trimmed file contents; a missing file means no token.
func (s *FileSource) Current(context.Context) (string, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read credential file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *FileSource) Watch(ctx context.Context) (<-chan string, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(s.Path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(s.Path), err)
	}

	ch := make(chan string, 1)
	go func() {
		defer close(ch)
		defer fw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != s.Path {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
					continue
				}
				token, err := s.Current(ctx)
				if err != nil {
					s.logger.Warn().Err(err).Msg("credential file changed but could not be read")
					continue
				}
				select {
				case ch <- token:
				case <-ctx.Done():
					return
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				s.logger.Warn().Err(err).Msg("file watcher error")
			}
		}
	}()
	return ch, nil
}

// ---------------------------------------------------------------------------
// RedisSource
// ---------------------------------------------------------------------------

// RedisSource reads the token from a Redis key and re-reads it whenever a
// message is published on Channel.
type RedisSource struct {
	client  *redis.Client
	Key     string
	Channel string
	logger  zerolog.Logger
}

func NewRedisSource(client *redis.Client, key, channel string, logger zerolog.Logger) *RedisSource {
	return &RedisSource{
		client:  client,
		Key:     key,
		Channel: channel,
		logger:  logger.With().Str("component", "credential-redis").Str("key", key).Logger(),
	}
}

func (s *RedisSource) Current(ctx context.Context) (string, error) {
	token, err := s.client.Get(ctx, s.Key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get credential key: %w", err)
	}
	return strings.TrimSpace(token), nil
}

func (s *RedisSource) Watch(ctx context.Context) (<-chan string, error) {
	sub := s.client.Subscribe(ctx, s.Channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", s.Channel, err)
	}

	ch := make(chan string, 1)
	msgs := sub.Channel()
	go func() {
		defer close(ch)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				token, err := s.Current(ctx)
				if err != nil {
					s.logger.Warn().Err(err).Msg("credential change announced but key could not be read")
					continue
				}
				select {
				case ch <- token:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}
