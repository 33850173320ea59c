package credential

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

func receiveToken(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed before %q arrived", want)
			}
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for token %q", want)
		}
	}
}

func TestStaticSource_SetKeepsLatestWhenBufferFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := NewStaticSource("")
	ch, err := src.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	for i := 1; i <= 20; i++ {
		src.Set(fmt.Sprintf("tok-%d", i))
	}

	var last string
	for drained := false; !drained; {
		select {
		case last = <-ch:
		default:
			drained = true
		}
	}
	if last != "tok-20" {
		t.Fatalf("expected last delivered token tok-20, got %q", last)
	}
}

func TestFileSource_CurrentMissingFile(t *testing.T) {
	src := NewFileSource(filepath.Join(t.TempDir(), "token"), zerolog.Nop())
	token, err := src.Current(context.Background())
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if token != "" {
		t.Fatalf("expected no token, got %q", token)
	}
}

func TestFileSource_WatchSeesRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("first\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	src := NewFileSource(path, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	token, err := src.Current(ctx)
	if err != nil || token != "first" {
		t.Fatalf("expected first, got %q (%v)", token, err)
	}

	ch, err := src.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := os.WriteFile(path, []byte("second\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	receiveToken(t, ch, "second")
}

func TestRedisSource_CurrentAndWatch(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	src := NewRedisSource(client, "dashboard:token", "dashboard:token:changed", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	token, err := src.Current(ctx)
	if err != nil || token != "" {
		t.Fatalf("expected no token for missing key, got %q (%v)", token, err)
	}

	mr.Set("dashboard:token", "tok-1")
	token, err = src.Current(ctx)
	if err != nil || token != "tok-1" {
		t.Fatalf("expected tok-1, got %q (%v)", token, err)
	}

	ch, err := src.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	mr.Set("dashboard:token", "tok-2")
	mr.Publish("dashboard:token:changed", "rotated")
	receiveToken(t, ch, "tok-2")
}

func TestRedisSource_DrivesWatcher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Set("k", "tok-1")

	spy := &reconnectorSpy{}
	w := NewWatcher(NewRedisSource(client, "k", "c", zerolog.Nop()), spy, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	waitFor(t, "initial token", func() bool { return w.Token() == "tok-1" })
	mr.Set("k", "tok-2")
	mr.Publish("c", "")
	waitFor(t, "rotated token", func() bool { return w.Token() == "tok-2" })
}
