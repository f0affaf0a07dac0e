// Package notify mirrors selected gateway traffic to chat backends: cron
// results marked deliver and pending tool approvals. Backends are optional
// and independent; a failing one never blocks the others.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/adytum-sh/adytum/internal/bus"
	"github.com/adytum-sh/adytum/internal/config"
	"github.com/adytum-sh/adytum/internal/cron"
	"github.com/adytum-sh/adytum/internal/gateway"
	"github.com/adytum-sh/adytum/pkg/protocol"
)

// TargetNotify routes an outbound message to the notifier backends.
const TargetNotify = "notify"

// Notifier is one delivery backend.
type Notifier interface {
	Name() string
	Send(ctx context.Context, text string) error
}

// Backends builds every enabled backend from config. Backends that fail to
// initialize are logged and skipped, not fatal.
func Backends(cfg config.NotifyConfig) []Notifier {
	var out []Notifier
	if cfg.Telegram.Enabled {
		tg, err := NewTelegram(cfg.Telegram)
		if err != nil {
			slog.Error("notify.telegram_init", "error", err)
		} else {
			out = append(out, tg)
		}
	}
	if cfg.Discord.Enabled {
		dc, err := NewDiscord(cfg.Discord)
		if err != nil {
			slog.Error("notify.discord_init", "error", err)
		} else {
			out = append(out, dc)
		}
	}
	return out
}

// Fanout drains the outbound queue and forwards approval requests.
type Fanout struct {
	backends []Notifier
	router   bus.MessageRouter
	pub      bus.EventPublisher
}

func NewFanout(backends []Notifier, router bus.MessageRouter, pub bus.EventPublisher) *Fanout {
	return &Fanout{backends: backends, router: router, pub: pub}
}

// Start consumes until ctx ends. With no backends it still drains the queue
// so producers never see it fill up.
func (f *Fanout) Start(ctx context.Context) {
	if f.pub != nil && len(f.backends) > 0 {
		f.pub.Subscribe("notify-fanout", func(event bus.Event) {
			var text string
			switch event.Name {
			case protocol.EventApprovalReq:
				if info, ok := event.Payload.(gateway.PendingApproval); ok {
					text = approvalText(info)
				}
			case protocol.EventCron:
				text = cronText(event.Payload)
			}
			if text == "" {
				return
			}
			// Broadcast handlers must not block; backend sends hit the network.
			go f.deliver(ctx, text)
		})
	}

	go func() {
		defer func() {
			if f.pub != nil {
				f.pub.Unsubscribe("notify-fanout")
			}
		}()
		for {
			msg, ok := f.router.ConsumeOutbound(ctx)
			if !ok {
				return
			}
			if msg.Target != TargetNotify || strings.TrimSpace(msg.Content) == "" {
				continue
			}
			f.deliver(ctx, msg.Content)
		}
	}()
}

func (f *Fanout) deliver(ctx context.Context, text string) {
	for _, backend := range f.backends {
		if err := backend.Send(ctx, text); err != nil {
			slog.Warn("notify.send_failed", "backend", backend.Name(), "error", err)
		}
	}
}

func approvalText(info gateway.PendingApproval) string {
	return fmt.Sprintf("Approval needed: %s (session %s). Respond in the dashboard within the timeout or the call is denied.",
		info.Description, info.SessionKey)
}

// cronText formats a finished run of a deliver-flagged job. Failures and
// non-deliver jobs stay on the dashboard only.
func cronText(payload interface{}) string {
	m, ok := payload.(map[string]interface{})
	if !ok || m["type"] != protocol.CronEventFinished {
		return ""
	}
	job, ok := m["job"].(*cron.Job)
	if !ok || !job.Deliver {
		return ""
	}
	detail, _ := m["detail"].(string)
	if strings.TrimSpace(detail) == "" {
		detail = "(no output)"
	}
	return fmt.Sprintf("Cron %q finished:\n%s", job.Name, detail)
}

// splitForSend breaks text into chunks of at most maxLen bytes, preferring
// a newline in the back half of the chunk so messages read cleanly.
func splitForSend(text string, maxLen int) []string {
	var chunks []string
	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxLen {
			cutAt := maxLen
			if idx := strings.LastIndexByte(text[:maxLen], '\n'); idx > maxLen/2 {
				cutAt = idx + 1
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}
