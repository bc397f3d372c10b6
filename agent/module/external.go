package module

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/itskum47/hostwatch/wire"
)

// DefaultExternalTimeout bounds an external probe when none is configured.
const DefaultExternalTimeout = 30 * time.Second

var ErrExternalProbe = errors.New("external probe failed")

// NewExternalProbe returns an InvokeFunc that runs command, writes the probe
// configuration to its stdin as JSON and decodes stdout as a report.
// Empty output means no report this cycle.
func NewExternalProbe(command []string, timeout time.Duration) InvokeFunc {
	if timeout <= 0 {
		timeout = DefaultExternalTimeout
	}
	return func(ctx context.Context, cfg Config) (*wire.Report, error) {
		if len(command) == 0 {
			return nil, fmt.Errorf("%w: empty command", ErrExternalProbe)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		input, err := json.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("encode probe config: %w", err)
		}

		cmd := exec.CommandContext(ctx, command[0], command[1:]...)
		var stdout, stderr bytes.Buffer
		cmd.Stdin = bytes.NewReader(input)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrExternalProbe, command[0], ctx.Err())
			}
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				return nil, fmt.Errorf("%w: %s: %v", ErrExternalProbe, command[0], err)
			}
			return nil, fmt.Errorf("%w: %s: %v: %s", ErrExternalProbe, command[0], err, msg)
		}

		out := bytes.TrimSpace(stdout.Bytes())
		if len(out) == 0 || bytes.Equal(out, []byte("null")) {
			return nil, nil
		}
		var report wire.Report
		if err := json.Unmarshal(out, &report); err != nil {
			return nil, fmt.Errorf("%w: %s: decode output: %v", ErrExternalProbe, command[0], err)
		}
		return &report, nil
	}
}

// RegisterExternal registers an external probe under name.
func (r *Registry) RegisterExternal(name string, command []string, timeout time.Duration) error {
	return r.Register(name, External, NewExternalProbe(command, timeout))
}
