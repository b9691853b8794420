package queue

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestPerJIDOrderAndCrossJIDConcurrency(t *testing.T) {
	q := New(t.TempDir(), 4, nil)
	defer q.Shutdown(time.Second)

	var mu sync.Mutex
	runs := make(map[string][]string)
	done := make(chan struct{}, 8)

	record := func(jid, label string) {
		mu.Lock()
		runs[jid] = append(runs[jid], label)
		mu.Unlock()
		done <- struct{}{}
	}

	for _, label := range []string{"a", "b", "c", "d"} {
		label := label
		if err := q.EnqueueTask("one@g.us", label, func(ctx context.Context) error {
			record("one@g.us", label)
			return nil
		}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	for _, label := range []string{"x", "y"} {
		label := label
		if err := q.EnqueueTask("two@g.us", label, func(ctx context.Context) error {
			record("two@g.us", label)
			return nil
		}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	for i := 0; i < 6; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for queue items")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if got := strings.Join(runs["one@g.us"], ""); got != "abcd" {
		t.Fatalf("jid one order = %q, want abcd", got)
	}
	if got := strings.Join(runs["two@g.us"], ""); got != "xy" {
		t.Fatalf("jid two order = %q, want xy", got)
	}
}

func TestGlobalConcurrencyLimit(t *testing.T) {
	q := New(t.TempDir(), 2, nil)
	defer q.Shutdown(time.Second)

	var mu sync.Mutex
	running, peak := 0, 0
	release := make(chan struct{})
	done := make(chan struct{}, 4)

	for _, jid := range []string{"a", "b", "c", "d"} {
		if err := q.EnqueueTask(jid, jid, func(ctx context.Context) error {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			<-release
			mu.Lock()
			running--
			mu.Unlock()
			done <- struct{}{}
			return nil
		}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	time.Sleep(200 * time.Millisecond)
	close(release)
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for tasks")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestSendMessageWithoutLiveProcess(t *testing.T) {
	q := New(t.TempDir(), 1, nil)
	defer q.Shutdown(time.Second)

	delivered, err := q.SendMessage("ghost@g.us", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if delivered {
		t.Fatal("delivered = true without a live process")
	}
}

func TestSendMessageWritesInputFile(t *testing.T) {
	ipcDir := t.TempDir()
	q := New(ipcDir, 1, nil)
	defer q.Shutdown(time.Second)

	q.RegisterProcess("g@g.us", "mygroup", "g2-mygroup-1", nil)

	delivered, err := q.SendMessage("g@g.us", "follow-up")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !delivered {
		t.Fatal("delivered = false with a live process")
	}

	entries, err := os.ReadDir(filepath.Join(ipcDir, "mygroup", "input"))
	if err != nil {
		t.Fatalf("read input dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("input files = %d, want 1", len(entries))
	}
	if strings.HasSuffix(entries[0].Name(), ".tmp") {
		t.Fatalf("input file left as tmp: %s", entries[0].Name())
	}

	raw, err := os.ReadFile(filepath.Join(ipcDir, "mygroup", "input", entries[0].Name()))
	if err != nil {
		t.Fatalf("read input file: %v", err)
	}
	var msg map[string]string
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("input file is not JSON: %v", err)
	}
	if msg["type"] != "message" || msg["text"] != "follow-up" {
		t.Fatalf("unexpected payload: %v", msg)
	}
}

func TestCloseStdinWritesSentinel(t *testing.T) {
	ipcDir := t.TempDir()
	q := New(ipcDir, 1, nil)
	defer q.Shutdown(time.Second)

	q.RegisterProcess("g@g.us", "mygroup", "g2-mygroup-1", nil)
	if err := q.CloseStdin("g@g.us"); err != nil {
		t.Fatalf("close stdin: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ipcDir, "mygroup", "input", "_close")); err != nil {
		t.Fatalf("sentinel missing: %v", err)
	}
}

func TestIdleTimerResetPostponesFire(t *testing.T) {
	fired := make(chan struct{}, 1)
	timer := NewIdleTimer(80*time.Millisecond, func() { fired <- struct{}{} })
	defer timer.Stop()

	for i := 0; i < 3; i++ {
		time.Sleep(40 * time.Millisecond)
		timer.Reset()
	}
	select {
	case <-fired:
		t.Fatal("timer fired despite resets")
	default:
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired after resets stopped")
	}
}
