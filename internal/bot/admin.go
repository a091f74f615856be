package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"
	"gatebot/pkg/tgui"
)

func (a *App) cmdStatus(ctx context.Context, m *kit.Message) {
	users, err := a.store.CountUsers(ctx)
	if err != nil {
		a.replyErr(ctx, m.ChatID, err)
		return
	}
	files, err := a.vault.FileCount(ctx)
	if err != nil {
		a.replyErr(ctx, m.ChatID, err)
		return
	}
	reqs, err := a.gate.RequestCount(ctx)
	if err != nil {
		a.replyErr(ctx, m.ChatID, err)
		return
	}
	required, err := a.gate.Required(ctx)
	if err != nil {
		a.replyErr(ctx, m.ChatID, err)
		return
	}

	uptime := time.Since(a.startedAt).Round(time.Second)
	text := tgui.JoinH("\n",
		tgui.B("Bot status"),
		tgui.Esc(fmt.Sprintf("Users: %d", users)),
		tgui.Esc(fmt.Sprintf("Stored files: %d", files)),
		tgui.Esc(fmt.Sprintf("Join requests: %d", reqs)),
		tgui.Esc(fmt.Sprintf("Required channels: %d", len(required))),
		tgui.Esc(fmt.Sprintf("Uptime: %s", uptime)),
	).String()
	a.reply(ctx, m.ChatID, text)
}

func (a *App) cmdTotalReq(ctx context.Context, m *kit.Message) {
	n, err := a.gate.RequestCount(ctx)
	if err != nil {
		a.replyErr(ctx, m.ChatID, err)
		return
	}
	a.reply(ctx, m.ChatID, fmt.Sprintf("Total join requests recorded: %d", n))
}

func (a *App) cmdDelReq(ctx context.Context, m *kit.Message, args []string) {
	if len(args) == 0 {
		a.reply(ctx, m.ChatID, "Usage: /del_req &lt;user_id&gt; or /del_req all")
		return
	}

	if strings.EqualFold(args[0], "all") {
		n, err := a.gate.DeleteAllRequests(ctx)
		if err != nil {
			a.replyErr(ctx, m.ChatID, err)
			return
		}
		a.reply(ctx, m.ChatID, fmt.Sprintf("Deleted %d join request(s).", n))
		return
	}

	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		a.reply(ctx, m.ChatID, "That doesn't look like a user id.")
		return
	}
	n, err := a.gate.DeleteRequests(ctx, userID)
	if err != nil {
		a.replyErr(ctx, m.ChatID, err)
		return
	}
	a.reply(ctx, m.ChatID, fmt.Sprintf("Deleted %d join request(s) for user %d.", n, userID))
}

func (a *App) cmdSetSub(ctx context.Context, m *kit.Message, args []string) {
	if len(args) == 0 {
		a.reply(ctx, m.ChatID, "Usage: /set_sub &lt;channel_id&gt;")
		return
	}
	channelID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		a.reply(ctx, m.ChatID, "That doesn't look like a channel id.")
		return
	}

	// The bot must be able to see the channel, otherwise it can't create
	// invite links for the gate card.
	title, err := a.adapter.ChannelTitle(ctx, channelID)
	if err != nil {
		a.reply(ctx, m.ChatID, "I can't access that channel. Add me as an admin there first.")
		return
	}

	if err := a.gate.AddRequirement(ctx, channelID); err != nil {
		a.replyErr(ctx, m.ChatID, err)
		return
	}
	a.reply(ctx, m.ChatID, tgui.JoinH(" ",
		tgui.Esc("Channel"), tgui.B(title), tgui.Esc("is now required."),
	).String())
}

func (a *App) cmdGetSub(ctx context.Context, m *kit.Message) {
	required, err := a.gate.Required(ctx)
	if err != nil {
		a.replyErr(ctx, m.ChatID, err)
		return
	}
	if len(required) == 0 {
		a.reply(ctx, m.ChatID, "No channels are required right now.")
		return
	}

	parts := make([]tgui.H, 0, len(required)+1)
	parts = append(parts, tgui.B("Required channels"))
	for _, id := range required {
		title, err := a.adapter.ChannelTitle(ctx, id)
		if err != nil || strings.TrimSpace(title) == "" {
			title = "(unreachable)"
		}
		parts = append(parts, tgui.H(tgui.Code(strconv.FormatInt(id, 10)).String()+" "+tgui.Esc(title).String()))
	}
	a.reply(ctx, m.ChatID, tgui.JoinH("\n", parts...).String())
}

func (a *App) cmdDelSub(ctx context.Context, m *kit.Message, args []string) {
	if len(args) == 0 {
		a.reply(ctx, m.ChatID, "Usage: /del_sub &lt;channel_id&gt;")
		return
	}
	channelID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		a.reply(ctx, m.ChatID, "That doesn't look like a channel id.")
		return
	}
	if err := a.gate.RemoveRequirement(ctx, channelID); err != nil {
		a.replyErr(ctx, m.ChatID, err)
		return
	}
	a.reply(ctx, m.ChatID, fmt.Sprintf("Channel %d is no longer required.", channelID))
}

func (a *App) cmdBroadcast(ctx context.Context, m *kit.Message) {
	text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(m.Text), "/broadcast"))
	if at := strings.Index(text, " "); strings.HasPrefix(text, "@") && at > 0 {
		// /broadcast@botname form: drop the mention.
		text = strings.TrimSpace(text[at:])
	} else if strings.HasPrefix(text, "@") {
		text = ""
	}
	if text == "" {
		a.reply(ctx, m.ChatID, "Usage: /broadcast &lt;message&gt;")
		return
	}

	if !a.broadcastMu.TryLock() {
		a.reply(ctx, m.ChatID, "A broadcast is already running.")
		return
	}

	progress, err := a.adapter.SendText(ctx, kit.ChatTarget{ChatID: m.ChatID},
		"Broadcast started…", &kit.SendOptions{ParseMode: "HTML"})
	if err != nil {
		a.broadcastMu.Unlock()
		a.log.Warn("broadcast progress message failed", logx.Err(err))
		return
	}

	opts := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}

	// The run outlives the command handler; tie it to the app context.
	a.sup.Go0("broadcast.run", func(c context.Context) {
		defer a.broadcastMu.Unlock()

		cursor, err := a.store.Users(c)
		if err != nil {
			a.log.Warn("broadcast audience failed", logx.Err(err))
			_ = a.adapter.EditText(c, progress, "Broadcast failed: could not read the audience.", nil)
			return
		}

		report, err := a.disp.Run(c, cursor, text, opts)

		summary := fmt.Sprintf("Broadcast finished.\nAttempted: %d\nDelivered: %d\nFailed: %d",
			report.Attempted, report.Succeeded, report.Failed)
		if err != nil {
			summary = fmt.Sprintf("Broadcast stopped early (%v).\nAttempted: %d\nDelivered: %d\nFailed: %d",
				err, report.Attempted, report.Succeeded, report.Failed)
		}

		ectx, cancel := context.WithTimeout(context.WithoutCancel(c), 10*time.Second)
		defer cancel()
		if err := a.adapter.EditText(ectx, progress, summary, nil); err != nil {
			a.log.Warn("broadcast summary failed", logx.Err(err))
		}
	})
}

func (a *App) replyErr(ctx context.Context, chatID int64, err error) {
	a.log.Warn("command failed", logx.Err(err))
	a.reply(ctx, chatID, "Something went wrong, please try again.")
}
