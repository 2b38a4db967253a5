package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

type child struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     *os.File
	ctx        context.Context
	cancel     context.CancelFunc
	exited     chan struct{}
	readerDone chan struct{}
	waitErr    error
	started    time.Time
	once       sync.Once
}

// release stops the per-process goroutines once the process has exited. Output
// written before the exit is still delivered unless the pipe stays open (a
// grandchild holding stdout) past outputDrainDelay.
func (c *child) release() {
	c.once.Do(func() {
		timer := time.NewTimer(outputDrainDelay)
		defer timer.Stop()
		select {
		case <-c.readerDone:
		case <-timer.C:
		}
		_ = c.stdout.Close()
		<-c.readerDone
		c.cancel()
	})
}

// Exit describes how the last upstream process ended.
type Exit struct {
	Code   int       `json:"code"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
	Uptime string    `json:"uptime"`
}

func (e *Exit) String() string {
	if e.Error != "" {
		return fmt.Sprintf("exit code %d (%s)", e.Code, e.Error)
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

func newExit(c *child) *Exit {
	ret := &Exit{Code: -1, At: time.Now(), Uptime: time.Since(c.started).Round(time.Millisecond).String()}
	if c.cmd.ProcessState != nil {
		ret.Code = c.cmd.ProcessState.ExitCode()
	}
	if c.waitErr != nil {
		ret.Error = c.waitErr.Error()
	}
	return ret
}

// lineLogger forwards child stderr to the structured logger, one record per line.
type lineLogger struct {
	logger  *slog.Logger
	pending []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.pending = append(l.pending, p...)
	for {
		index := bytes.IndexByte(l.pending, '\n')
		if index < 0 {
			break
		}
		if line := bytes.TrimSpace(l.pending[:index]); len(line) > 0 {
			l.logger.Info(string(line))
		}
		l.pending = l.pending[index+1:]
	}
	if len(l.pending) > 64*1024 {
		l.logger.Info(string(l.pending))
		l.pending = nil
	}
	return len(p), nil
}

func newLineLogger(logger *slog.Logger) *lineLogger {
	return &lineLogger{logger: logger}
}
