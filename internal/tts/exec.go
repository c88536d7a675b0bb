package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/mattn/go-shellwords"
)

type execBackend struct {
	cmd []string
}

// NewExecBackend runs command once per request. The request JSON is written
// to stdin and the process must print WAV bytes to stdout.
func NewExecBackend(command string) (Backend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("tts command empty")
	}
	return &execBackend{cmd: args}, nil
}

func (e *execBackend) Generate(ctx context.Context, req Request) ([]byte, error) {
	data, err := sonic.Marshal(req)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		if msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", e.cmd[0], err, msg)
		}
		return nil, fmt.Errorf("%s: %w", e.cmd[0], err)
	}
	if stdout.Len() == 0 {
		return nil, errors.New("tts command produced no audio")
	}
	return stdout.Bytes(), nil
}

func (e *execBackend) Ping(context.Context) error {
	_, err := exec.LookPath(e.cmd[0])
	return err
}
