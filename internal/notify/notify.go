// Package notify alerts a human when a workflow key needs external
// intervention.
package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/phasegate/internal/events"
	"github.com/msageha/phasegate/internal/model"
)

type Notifier struct {
	command []string
	desktop bool
	timeout time.Duration
	logger  *zap.Logger
}

func New(cfg model.NotifyConfig, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = model.DefaultNotifyTimeoutSec * time.Second
	}
	return &Notifier{
		command: append([]string(nil), cfg.Command...),
		desktop: cfg.Desktop,
		timeout: timeout,
		logger:  logger,
	}
}

// Enabled reports whether Send does anything on this host.
func (n *Notifier) Enabled() bool {
	return len(n.command) > 0 || (n.desktop && runtime.GOOS == "darwin")
}

// Send runs the configured command, or posts a macOS notification when only
// desktop notifications are enabled.
func (n *Notifier) Send(ctx context.Context, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	var cmd *exec.Cmd
	if len(n.command) > 0 {
		args := append(append([]string(nil), n.command[1:]...), title, message)
		cmd = exec.CommandContext(ctx, n.command[0], args...)
	} else {
		script := fmt.Sprintf(
			`display notification "%s" with title "%s" sound name "default"`,
			escapeAppleScript(message), escapeAppleScript(title),
		)
		cmd = exec.CommandContext(ctx, "osascript", "-e", script)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", cmd.Path, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Subscriber notifies on escalation_exhausted events. Failures are logged;
// a notification never fails a gate decision.
func (n *Notifier) Subscriber() events.Subscriber {
	return func(e events.Event) {
		if e.Type != events.EventEscalationExhausted {
			return
		}
		title := "phasegate: retries exhausted"
		message := fmt.Sprintf("%s needs external intervention after %v attempts", e.Key, e.Data["attempts"])
		if err := n.Send(context.Background(), title, message); err != nil {
			n.logger.Warn("notification failed", zap.String("key", e.Key.String()), zap.Error(err))
		}
	}
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
