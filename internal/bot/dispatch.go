package bot

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	"gatebot/internal/storage"
	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
)

const (
	// handlerConcurrency bounds in-flight update handlers so a burst of
	// updates cannot spawn unbounded goroutines.
	handlerConcurrency = 64

	handlerTimeout = 30 * time.Second
)

func (a *App) dispatchLoop(ctx context.Context, in <-chan kit.Update) error {
	sem := make(chan struct{}, handlerConcurrency)
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-in:
			if !ok {
				return nil
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			go func(up kit.Update) {
				defer func() {
					<-sem
					if r := recover(); r != nil {
						a.log.Error("update handler panicked",
							logx.Any("panic", r),
							logx.String("stack", string(debug.Stack())))
					}
				}()
				hctx, cancel := context.WithTimeout(ctx, handlerTimeout)
				defer cancel()
				a.handleUpdate(hctx, up)
			}(up)
		}
	}
}

func (a *App) handleUpdate(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m := up.Message
		if m == nil || m.From.IsBot {
			return
		}
		a.rememberUser(ctx, m.From)
		if m.Content != nil {
			a.handleUpload(ctx, m)
			return
		}
		if strings.HasPrefix(m.Text, "/") {
			a.handleCommand(ctx, m)
		}

	case kit.UpdateCallback:
		cb := up.Callback
		if cb == nil {
			return
		}
		a.rememberUser(ctx, cb.From)
		a.handleCallback(ctx, cb)

	case kit.UpdateJoinRequest:
		jr := up.JoinRequest
		if jr == nil {
			return
		}
		a.rememberUser(ctx, jr.From)
		if err := a.gate.RecordJoinRequest(ctx, jr.From.ID, jr.ChannelID); err != nil {
			a.log.Warn("join request not recorded",
				logx.Int64("user", jr.From.ID),
				logx.Int64("channel", jr.ChannelID),
				logx.Err(err))
		}
	}
}

func (a *App) rememberUser(ctx context.Context, u kit.User) {
	if u.ID == 0 {
		return
	}
	err := a.store.UpsertUser(ctx, storage.User{
		ID:        u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		IsBot:     u.IsBot,
		JoinedAt:  time.Now(),
	})
	if err != nil {
		a.log.Warn("user upsert failed", logx.Int64("user", u.ID), logx.Err(err))
	}
}

// handleCommand parses "/cmd[@botname] args..." and routes it.
func (a *App) handleCommand(ctx context.Context, m *kit.Message) {
	fields := strings.Fields(m.Text)
	if len(fields) == 0 {
		return
	}
	cmd := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		if h := a.adapter.Handle(); h != "" && !strings.EqualFold(cmd[at+1:], h) {
			// Addressed to another bot.
			return
		}
		cmd = cmd[:at]
	}
	args := fields[1:]

	switch strings.ToLower(cmd) {
	case "start":
		a.cmdStart(ctx, m, args)

	case "status":
		a.adminOnly(ctx, m, a.cmdStatus)
	case "total_req":
		a.adminOnly(ctx, m, a.cmdTotalReq)
	case "del_req":
		a.adminOnly(ctx, m, func(c context.Context, msg *kit.Message) { a.cmdDelReq(c, msg, args) })
	case "set_sub":
		a.adminOnly(ctx, m, func(c context.Context, msg *kit.Message) { a.cmdSetSub(c, msg, args) })
	case "get_sub":
		a.adminOnly(ctx, m, a.cmdGetSub)
	case "del_sub":
		a.adminOnly(ctx, m, func(c context.Context, msg *kit.Message) { a.cmdDelSub(c, msg, args) })
	case "broadcast":
		a.adminOnly(ctx, m, a.cmdBroadcast)
	}
}

func (a *App) adminOnly(ctx context.Context, m *kit.Message, fn func(context.Context, *kit.Message)) {
	if !a.isAdmin(m.From.ID) {
		a.reply(ctx, m.ChatID, "This command is restricted.")
		return
	}
	fn(ctx, m)
}

// reply sends plain HTML text to a chat, logging (not propagating) errors.
func (a *App) reply(ctx context.Context, chatID int64, text string) {
	_, err := a.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, &kit.SendOptions{
		ParseMode:      "HTML",
		DisablePreview: true,
	})
	if err != nil {
		a.log.Warn("reply failed", logx.Int64("chat", chatID), logx.Err(err))
	}
}
