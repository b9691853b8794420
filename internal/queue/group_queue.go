// Package queue serializes agent work per chat JID. Each JID gets its
// own FIFO worker; a weighted semaphore caps how many containers run at
// once across all JIDs. The queue also owns the live subprocess registry
// and the stdin pipe path into a running container.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/g2/internal/store"
)

// queueDepth bounds each per-JID worker's backlog. Enqueue fails loudly
// instead of blocking the pipeline loop when a worker is this far behind.
const queueDepth = 64

// ProcessMessagesFunc runs a message-check for one JID. Injected after
// construction because the pipeline needs the queue and the queue needs
// the pipeline's runner.
type ProcessMessagesFunc func(ctx context.Context, jid string) error

// ContainerStopper issues the runtime's graceful stop for a named
// container. Used during shutdown force-termination.
type ContainerStopper interface {
	StopContainer(ctx context.Context, name string) error
}

// TaskRunner executes one claimed scheduled task.
type TaskRunner func(ctx context.Context) error

type workKind int

const (
	workMessageCheck workKind = iota
	workTaskRun
)

type workItem struct {
	kind   workKind
	taskID string
	runner TaskRunner
}

type worker struct {
	items chan workItem
}

// LiveProcess is the queue's handle on a running container.
type LiveProcess struct {
	Folder        string
	ContainerName string
	Proc          *os.Process
}

// GroupQueue is the per-JID execution queue.
type GroupQueue struct {
	ipcDir  string
	sem     *semaphore.Weighted
	stopper ContainerStopper

	mu              sync.Mutex
	workers         map[string]*worker
	live            map[string]*LiveProcess
	processMessages ProcessMessagesFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the queue. maxConcurrent bounds simultaneously running
// containers across all JIDs.
func New(ipcDir string, maxConcurrent int, stopper ContainerStopper) *GroupQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &GroupQueue{
		ipcDir:  ipcDir,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		stopper: stopper,
		workers: make(map[string]*worker),
		live:    make(map[string]*LiveProcess),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetMessageProcessor injects the message-check runner. Must be called
// before the first EnqueueMessageCheck.
func (q *GroupQueue) SetMessageProcessor(fn ProcessMessagesFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processMessages = fn
}

// EnqueueMessageCheck queues a message-check for jid.
func (q *GroupQueue) EnqueueMessageCheck(jid string) error {
	return q.enqueue(jid, workItem{kind: workMessageCheck})
}

// EnqueueTask queues a scheduled-task run on jid's worker so it cannot
// overlap a message-driven container for the same chat.
func (q *GroupQueue) EnqueueTask(jid, taskID string, runner TaskRunner) error {
	return q.enqueue(jid, workItem{kind: workTaskRun, taskID: taskID, runner: runner})
}

func (q *GroupQueue) enqueue(jid string, item workItem) error {
	q.mu.Lock()
	w, ok := q.workers[jid]
	if !ok {
		w = &worker{items: make(chan workItem, queueDepth)}
		q.workers[jid] = w
		q.wg.Add(1)
		go q.runWorker(jid, w)
	}
	q.mu.Unlock()

	select {
	case w.items <- item:
		return nil
	default:
		return fmt.Errorf("queue for %s is full", jid)
	}
}

// runWorker drains one JID's items strictly in order.
func (q *GroupQueue) runWorker(jid string, w *worker) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case item := <-w.items:
			q.runItem(jid, item)
		}
	}
}

func (q *GroupQueue) runItem(jid string, item workItem) {
	if err := q.sem.Acquire(q.ctx, 1); err != nil {
		return
	}
	defer q.sem.Release(1)

	switch item.kind {
	case workMessageCheck:
		q.mu.Lock()
		fn := q.processMessages
		q.mu.Unlock()
		if fn == nil {
			slog.Error("message-check dropped, no processor installed", "jid", jid)
			return
		}
		if err := fn(q.ctx, jid); err != nil {
			slog.Error("message processing failed", "jid", jid, "error", err)
		}
	case workTaskRun:
		if err := item.runner(q.ctx); err != nil {
			slog.Error("scheduled task run failed", "jid", jid, "task_id", item.taskID, "error", err)
		}
	}
}

// RegisterProcess records the live container for a JID. Called by the
// runner right after spawn.
func (q *GroupQueue) RegisterProcess(jid, folder, containerName string, proc *os.Process) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.live[jid] = &LiveProcess{Folder: folder, ContainerName: containerName, Proc: proc}
}

// UnregisterProcess clears the live container record once the process
// exits.
func (q *GroupQueue) UnregisterProcess(jid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.live, jid)
}

// HasLiveProcess reports whether a container is currently running for jid.
func (q *GroupQueue) HasLiveProcess(jid string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.live[jid]
	return ok
}

// SendMessage delivers a follow-up transcript to the live container for
// jid via its input directory. Returns false when no container is live,
// in which case the caller should enqueue a fresh message-check instead.
func (q *GroupQueue) SendMessage(jid, text string) (bool, error) {
	q.mu.Lock()
	lp, ok := q.live[jid]
	q.mu.Unlock()
	if !ok {
		return false, nil
	}
	payload, err := json.Marshal(map[string]string{
		"type": "message",
		"text": text,
	})
	if err != nil {
		return true, fmt.Errorf("marshal pipe message: %w", err)
	}
	if err := q.writeInputFile(lp.Folder, payload); err != nil {
		return true, err
	}
	return true, nil
}

// CloseStdin drops the end-of-input sentinel for jid's live container.
// The runner's stdin pump closes the pipe when it sees it. No-op when
// nothing is live.
func (q *GroupQueue) CloseStdin(jid string) error {
	q.mu.Lock()
	lp, ok := q.live[jid]
	q.mu.Unlock()
	if !ok {
		return nil
	}
	dir := filepath.Join(q.ipcDir, lp.Folder, "input")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create input dir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, "_close"))
	if err != nil {
		return fmt.Errorf("write close sentinel: %w", err)
	}
	return f.Close()
}

// writeInputFile publishes one input file atomically. File names start
// with the wire timestamp so the pump streams them in arrival order.
func (q *GroupQueue) writeInputFile(folder string, payload []byte) error {
	dir := filepath.Join(q.ipcDir, folder, "input")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create input dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s.json",
		time.Now().UTC().Format(store.TimestampLayout),
		uuid.NewString()[:8])
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write input file: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish input file: %w", err)
	}
	return nil
}

// Shutdown stops accepting work and waits up to timeout for in-flight
// runs, then force-terminates whatever is still live.
func (q *GroupQueue) Shutdown(timeout time.Duration) {
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("queue shutdown timed out, force-terminating live containers")
	}

	q.mu.Lock()
	remaining := make([]*LiveProcess, 0, len(q.live))
	for _, lp := range q.live {
		remaining = append(remaining, lp)
	}
	q.mu.Unlock()

	for _, lp := range remaining {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if q.stopper != nil {
			if err := q.stopper.StopContainer(stopCtx, lp.ContainerName); err != nil {
				slog.Warn("container stop failed, killing process", "container", lp.ContainerName, "error", err)
				if lp.Proc != nil {
					_ = lp.Proc.Kill()
				}
			}
		} else if lp.Proc != nil {
			_ = lp.Proc.Kill()
		}
		cancel()
	}
}
