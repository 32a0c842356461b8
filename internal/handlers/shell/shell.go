// Package shell delivers desktop notifications by running a local notifier
// command such as notify-send.
package shell

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"remindflow/internal/domain"
	"remindflow/internal/ports"
)

var _ ports.ChannelSender = Desktop{}

// Desktop runs Command with Args followed by the notification title and
// content.
type Desktop struct {
	Command string
	Args    []string
}

func (h Desktop) Channel() domain.Channel { return domain.ChannelDesktop }

func (h Desktop) Send(ctx context.Context, n *domain.Notification) error {
	if h.Command == "" {
		return domain.Permanent(domain.ChannelDesktop, "command is required", nil)
	}
	args := append(append([]string{}, h.Args...), n.Title, n.Content)
	cmd := exec.CommandContext(ctx, h.Command, args...)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return domain.Permanent(domain.ChannelDesktop, "notifier not found", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return domain.Transient(domain.ChannelDesktop,
		fmt.Sprintf("notifier failed: out=%s", strings.TrimSpace(string(out))), err)
}
