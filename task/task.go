// Package task runs external programs, such as the tagger training
// entrypoints, from a consumer.
package task

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/DuC-cnZj/predict-bus/hub"
	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

const maxOutput = 4096

// CommandError is returned when the command can not start, exits non zero
// or runs out of time.
type CommandError struct {
	Name     string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("command %s exit %d: %v", e.Name, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("command %s exit %d: %v, output: %s", e.Name, e.ExitCode, e.Err, e.Output)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExecHandler runs Name once per message. The payload is written to the
// command's stdin and the routing key, message id and queue are passed as
// PREDICT_ROUTING_KEY, PREDICT_MESSAGE_ID and PREDICT_QUEUE.
type ExecHandler struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration

	// Retries is how many more times a failing command is started before
	// the error is returned.
	Retries    int
	RetryDelay time.Duration
}

var _ hub.Handler = (*ExecHandler)(nil)

func (e *ExecHandler) Handle(ctx context.Context, msg *hub.Message) error {
	defer func(t time.Time) { log.Debugf("ExecHandler %s message %s %v.", e.Name, msg.Id, time.Since(t)) }(time.Now())

	if e.Retries <= 0 {
		return e.run(ctx, msg)
	}

	delay := e.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = delay
	b.MaxElapsedTime = 0

	return backoff.RetryNotify(func() error {
		return e.run(ctx, msg)
	}, backoff.WithMaxRetries(backoff.WithContext(b, ctx), uint64(e.Retries)), func(err error, next time.Duration) {
		log.Warnf("%s failed for message %s, retry in %s: %v", e.Name, msg.Id, next, err)
	})
}

func (e *ExecHandler) run(ctx context.Context, msg *hub.Message) error {
	var (
		execCtx context.Context
		cancel  context.CancelFunc
	)
	if e.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, e.Timeout)
	} else {
		execCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	cmd := exec.CommandContext(execCtx, e.Name, e.Args...)
	cmd.Dir = e.Dir
	cmd.Stdin = bytes.NewReader(msg.Body)
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env,
		"PREDICT_ROUTING_KEY="+msg.RoutingKey,
		"PREDICT_MESSAGE_ID="+msg.Id,
		"PREDICT_QUEUE="+msg.Queue,
	)

	output, err := cmd.CombinedOutput()
	if err == nil {
		log.Debugf("%s output: %s", e.Name, output)
		return nil
	}

	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	if ctxErr := execCtx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %v", ctxErr, err)
	}

	return &CommandError{Name: e.Name, ExitCode: code, Output: tail(output), Err: err}
}

func tail(b []byte) string {
	if len(b) > maxOutput {
		b = b[len(b)-maxOutput:]
	}
	return string(bytes.TrimSpace(b))
}
