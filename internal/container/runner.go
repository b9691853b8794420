package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/nextlevelbuilder/g2/internal/config"
	"github.com/nextlevelbuilder/g2/internal/store"
)

const (
	stopBudget        = 15 * time.Second
	hardTimeoutMargin = 30 * time.Second
	inputPollInterval = 200 * time.Millisecond
	stderrTailBytes   = 200
	closeSentinel     = "_close"
)

// secretKeys is the closed set of credentials forwarded to the agent.
// The secrets file is read here and nowhere else, and the values ride
// only in the stdin payload.
var secretKeys = []string{
	"CLAUDE_CODE_OAUTH_TOKEN",
	"ANTHROPIC_API_KEY",
	"CLAUDE_CODE_USE_BEDROCK",
	"AWS_REGION",
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
}

// RunInput describes one agent invocation.
type RunInput struct {
	Prompt          string
	SessionID       string
	GroupFolder     string
	ChatJID         string
	IsMain          bool
	IsScheduledTask bool
}

// containerInput is the single JSON document written to container stdin.
type containerInput struct {
	Prompt          string            `json:"prompt"`
	SessionID       string            `json:"sessionId,omitempty"`
	GroupFolder     string            `json:"groupFolder"`
	ChatJID         string            `json:"chatJid"`
	IsMain          bool              `json:"isMain"`
	IsScheduledTask bool              `json:"isScheduledTask,omitempty"`
	Secrets         map[string]string `json:"secrets,omitempty"`
}

// Output is the final outcome of one run.
type Output struct {
	Status       string // "success" or "error"
	Result       *string
	NewSessionID string
	Error        string
}

// OnProcess hands the spawned process to the caller right after start,
// so the queue can own lifecycle bookkeeping.
type OnProcess func(proc *os.Process, containerName string)

// OnOutput receives parsed frames in emission order. Supplying it
// selects streaming mode.
type OnOutput func(frame OutputFrame)

// Runner spawns agent containers and speaks the stdout protocol.
type Runner struct {
	runtime *Runtime
	mounts  *MountBuilder
	cfg     *config.Config
}

// NewRunner wires the runner.
func NewRunner(rt *Runtime, mounts *MountBuilder, cfg *config.Config) *Runner {
	return &Runner{runtime: rt, mounts: mounts, cfg: cfg}
}

// Run executes one agent container to completion.
func (r *Runner) Run(ctx context.Context, group *store.RegisteredGroup, in RunInput, onProcess OnProcess, onOutput OnOutput) *Output {
	start := time.Now()
	containerName := fmt.Sprintf("%s%s-%d", NamePrefix, in.GroupFolder, start.UnixMilli())

	if err := r.mounts.Prepare(group, in.IsMain); err != nil {
		return errorOutput(fmt.Sprintf("prepare workspace: %v", err))
	}
	mounts, err := r.mounts.BuildMounts(group, in.IsMain)
	if err != nil {
		return errorOutput(fmt.Sprintf("build mounts: %v", err))
	}

	hardTimeout, idleTimeout := r.timeouts(group)
	_ = idleTimeout // the idle discipline is caller-driven via the input dir

	args := []string{"run", "--rm", "-i", "--name", containerName}
	for _, m := range mounts {
		args = append(args, r.runtime.MountFlag(m)...)
	}
	args = append(args, r.cfg.ContainerImage)

	if r.cfg.Verbose {
		slog.Debug("spawning container",
			"container", containerName,
			"image", r.cfg.ContainerImage,
			"mounts", len(mounts),
			"group", in.GroupFolder)
	}

	cmd := exec.Command(r.runtime.Binary(), args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errorOutput(fmt.Sprintf("stdin pipe: %v", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errorOutput(fmt.Sprintf("stdout pipe: %v", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errorOutput(fmt.Sprintf("stderr pipe: %v", err))
	}

	if err := cmd.Start(); err != nil {
		return errorOutput(fmt.Sprintf("spawn container: %v", err))
	}
	if onProcess != nil {
		onProcess(cmd.Process, containerName)
	}

	payload := containerInput{
		Prompt:          in.Prompt,
		SessionID:       in.SessionID,
		GroupFolder:     in.GroupFolder,
		ChatJID:         in.ChatJID,
		IsMain:          in.IsMain,
		IsScheduledTask: in.IsScheduledTask,
		Secrets:         r.loadSecrets(),
	}

	processDone := make(chan struct{})
	go r.pumpStdin(stdin, payload, in.GroupFolder, processDone)

	parser := &frameParser{}
	stdoutBuf := newCappedBuffer(r.cfg.ContainerMaxOutputSize)
	stderrBuf := newCappedBuffer(r.cfg.ContainerMaxOutputSize)

	frames := make(chan OutputFrame, 16)
	var sessionID string
	sawFrame := false

	// Single consumer keeps onOutput strictly in emission order.
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for frame := range frames {
			if frame.NewSessionID != "" {
				sessionID = frame.NewSessionID
			}
			if onOutput != nil {
				onOutput(frame)
			}
		}
	}()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer close(frames)
		buf := make([]byte, 32*1024)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				stdoutBuf.Write(buf[:n])
				for _, frame := range parser.Feed(buf[:n]) {
					sawFrame = true
					frames <- frame
				}
			}
			if err != nil {
				return
			}
		}
	}()
	go func() {
		_, _ = io.Copy(stderrBuf, stderr)
	}()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var exitErr error
	timedOut := false
	select {
	case exitErr = <-waitErr:
	case <-time.After(hardTimeout):
		timedOut = true
		slog.Warn("container hard timeout", "container", containerName, "timeout", hardTimeout)
		stopCtx, cancel := context.WithTimeout(context.Background(), stopBudget)
		if err := r.runtime.StopContainer(stopCtx, containerName); err != nil {
			slog.Warn("graceful stop failed, killing", "container", containerName, "error", err)
			_ = cmd.Process.Kill()
		}
		cancel()
		exitErr = <-waitErr
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), stopBudget)
		_ = r.runtime.StopContainer(stopCtx, containerName)
		cancel()
		exitErr = <-waitErr
	}
	close(processDone)
	<-readerDone
	<-consumerDone

	out := r.resolveOutcome(outcomeState{
		streaming:   onOutput != nil,
		sawFrame:    sawFrame,
		timedOut:    timedOut,
		hardTimeout: hardTimeout,
		exitErr:     exitErr,
		sessionID:   sessionID,
		parser:      parser,
		stdout:      stdoutBuf,
		stderr:      stderrBuf,
	})

	r.writeRunLog(containerName, in, out, time.Since(start), stdoutBuf, stderrBuf)
	return out
}

type outcomeState struct {
	streaming   bool
	sawFrame    bool
	timedOut    bool
	hardTimeout time.Duration
	exitErr     error
	sessionID   string
	parser      *frameParser
	stdout      *cappedBuffer
	stderr      *cappedBuffer
}

func (r *Runner) resolveOutcome(s outcomeState) *Output {
	switch {
	case s.timedOut && s.sawFrame:
		// The agent already answered; the stall is idle cleanup.
		return &Output{Status: "success", NewSessionID: s.sessionID}
	case s.timedOut:
		return errorOutput(fmt.Sprintf("timeout after %dms", s.hardTimeout.Milliseconds()))
	case s.exitErr != nil:
		code := -1
		if ee, ok := s.exitErr.(*exec.ExitError); ok {
			code = ee.ExitCode()
		}
		return &Output{
			Status: "error",
			Error:  fmt.Sprintf("exited code=%d: %s", code, tail(s.stderr.Bytes(), stderrTailBytes)),
		}
	case s.streaming:
		return &Output{Status: "success", NewSessionID: s.sessionID}
	default:
		return r.parseBatchOutcome(s)
	}
}

// parseBatchOutcome handles runs without a streaming consumer: the last
// complete frame wins, else the last non-empty stdout line (agents that
// die early sometimes print a bare JSON line), else a generic error.
func (r *Runner) parseBatchOutcome(s outcomeState) *Output {
	if last := s.parser.LastFrame(); last != nil {
		return &Output{
			Status:       frameStatus(last),
			Result:       last.Result,
			NewSessionID: firstNonEmpty(last.NewSessionID, s.sessionID),
			Error:        last.Error,
		}
	}
	if line := lastNonEmptyLine(s.stdout.Bytes()); line != nil {
		var frame OutputFrame
		if err := json.Unmarshal(line, &frame); err == nil {
			slog.Warn("no sentinel frames, used last stdout line")
			return &Output{
				Status:       frameStatus(&frame),
				Result:       frame.Result,
				NewSessionID: frame.NewSessionID,
				Error:        frame.Error,
			}
		}
	}
	return errorOutput("no parseable output from container")
}

func frameStatus(f *OutputFrame) string {
	if f.Status != "" {
		return f.Status
	}
	return "success"
}

// pumpStdin writes the initial input document, then streams follow-up
// files from the group's input directory in name order until the close
// sentinel appears or the process exits.
func (r *Runner) pumpStdin(stdin io.WriteCloser, payload containerInput, folder string, processDone <-chan struct{}) {
	defer stdin.Close()

	doc, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal container input failed", "error", err)
		return
	}
	if _, err := stdin.Write(append(doc, '\n')); err != nil {
		slog.Warn("write container input failed", "error", err)
		return
	}

	inputDir := filepath.Join(r.mounts.ipcDir, folder, "input")
	ticker := time.NewTicker(inputPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-processDone:
			return
		case <-ticker.C:
		}

		entries, err := os.ReadDir(inputDir)
		if err != nil {
			continue
		}
		names := make([]string, 0, len(entries))
		closing := false
		for _, e := range entries {
			name := e.Name()
			if name == closeSentinel {
				closing = true
				continue
			}
			if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			path := filepath.Join(inputDir, name)
			data, err := os.ReadFile(path)
			if err != nil {
				slog.Warn("read input file failed", "file", name, "error", err)
				continue
			}
			if _, err := stdin.Write(append(bytes.TrimRight(data, "\n"), '\n')); err != nil {
				slog.Warn("pipe input file failed", "file", name, "error", err)
				return
			}
			_ = os.Remove(path)
		}

		if closing {
			_ = os.Remove(filepath.Join(inputDir, closeSentinel))
			return
		}
	}
}

// loadSecrets reads the credentials env file. A missing file just means
// the agent runs without forwarded credentials.
func (r *Runner) loadSecrets() map[string]string {
	env, err := godotenv.Read(r.cfg.SecretsEnvPath())
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("secrets file unreadable", "error", err)
		}
		return nil
	}
	secrets := make(map[string]string)
	for _, key := range secretKeys {
		if v, ok := env[key]; ok && v != "" {
			secrets[key] = v
		}
	}
	if len(secrets) == 0 {
		return nil
	}
	return secrets
}

// timeouts resolves the hard and idle timeouts with per-group overrides.
// The hard timeout always leaves room for one idle cycle plus margin.
func (r *Runner) timeouts(group *store.RegisteredGroup) (hard, idle time.Duration) {
	hard = r.cfg.ContainerTimeout
	idle = r.cfg.IdleTimeout
	if group != nil && group.ContainerConfig != nil {
		if cc := group.ContainerConfig; cc.TimeoutMs > 0 {
			hard = time.Duration(cc.TimeoutMs) * time.Millisecond
		}
		if cc := group.ContainerConfig; cc.IdleTimeoutMs > 0 {
			idle = time.Duration(cc.IdleTimeoutMs) * time.Millisecond
		}
	}
	if min := idle + hardTimeoutMargin; hard < min {
		hard = min
	}
	return hard, idle
}

// IdleTimeout returns the effective idle timeout for a group, for the
// caller-driven stdin-close discipline.
func (r *Runner) IdleTimeout(group *store.RegisteredGroup) time.Duration {
	_, idle := r.timeouts(group)
	return idle
}

// writeRunLog persists a per-run log file. Secrets never appear here;
// the input document is logged without them.
func (r *Runner) writeRunLog(containerName string, in RunInput, out *Output, elapsed time.Duration, stdoutBuf, stderrBuf *cappedBuffer) {
	dir := filepath.Join(r.cfg.LogsDir(), in.GroupFolder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("create log dir failed", "error", err)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "container: %s\n", containerName)
	fmt.Fprintf(&b, "group: %s chat: %s scheduled: %v\n", in.GroupFolder, in.ChatJID, in.IsScheduledTask)
	fmt.Fprintf(&b, "status: %s elapsed: %s\n", out.Status, elapsed.Round(time.Millisecond))
	if out.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", out.Error)
	}
	if r.cfg.Verbose {
		fmt.Fprintf(&b, "prompt:\n%s\n", in.Prompt)
		fmt.Fprintf(&b, "--- stdout (truncated=%v) ---\n%s\n", stdoutBuf.Truncated(), stdoutBuf.Bytes())
		fmt.Fprintf(&b, "--- stderr (truncated=%v) ---\n%s\n", stderrBuf.Truncated(), stderrBuf.Bytes())
	} else {
		fmt.Fprintf(&b, "stdout: %d bytes (truncated=%v), stderr: %d bytes\n",
			len(stdoutBuf.Bytes()), stdoutBuf.Truncated(), len(stderrBuf.Bytes()))
	}

	path := filepath.Join(dir, containerName+".log")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		slog.Warn("write run log failed", "error", err)
	}
}

func errorOutput(msg string) *Output {
	return &Output{Status: "error", Error: msg}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func tail(data []byte, n int) string {
	s := strings.TrimSpace(string(data))
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}

// cappedBuffer accumulates up to max bytes, then flags truncation and
// drops the rest.
type cappedBuffer struct {
	max       int
	buf       bytes.Buffer
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte   { return b.buf.Bytes() }
func (b *cappedBuffer) Truncated() bool { return b.truncated }
