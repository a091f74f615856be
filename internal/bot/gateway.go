package bot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	kit "gatebot/internal/transport"
	"gatebot/internal/vault"
	logx "gatebot/pkg/logx"
	"gatebot/pkg/tgui"
)

const (
	deepLinkPrefix = "file_"

	callbackScope  = "gate"
	callbackVerify = "verify"
)

// shareLink builds the public deep link for a stored token.
func (a *App) shareLink(token string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s%s", a.adapter.Handle(), deepLinkPrefix, token)
}

func (a *App) cmdStart(ctx context.Context, m *kit.Message, args []string) {
	if len(args) > 0 && strings.HasPrefix(args[0], deepLinkPrefix) {
		a.handleFileLink(ctx, m.ChatID, m.From.ID, strings.TrimPrefix(args[0], deepLinkPrefix))
		return
	}

	missing, err := a.gate.Missing(ctx, m.From.ID)
	if err != nil {
		a.log.Warn("gate check failed", logx.Int64("user", m.From.ID), logx.Err(err))
		a.reply(ctx, m.ChatID, "Something went wrong, please try again.")
		return
	}
	if len(missing) > 0 {
		a.sendGateCard(ctx, m.ChatID, missing, "")
		return
	}

	a.sendWelcome(ctx, m.ChatID, m.From)
}

func (a *App) sendWelcome(ctx context.Context, chatID int64, u kit.User) {
	name := strings.TrimSpace(u.FirstName)
	if name == "" {
		name = "there"
	}
	text := tgui.JoinH("\n",
		tgui.H("Hi "+tgui.B(name).String()+"!"),
		tgui.Esc("Send me a file link to receive the file, or just wait for new drops."),
	).String()

	if img := strings.TrimSpace(a.gateImages().WelcomeImage); img != "" {
		if _, err := a.adapter.SendPhotoURL(ctx, kit.ChatTarget{ChatID: chatID}, img, text, &kit.SendOptions{ParseMode: "HTML"}); err == nil {
			return
		}
		// Fall back to plain text when the image URL is broken.
	}
	a.reply(ctx, chatID, text)
}

// sendGateCard shows the join-request buttons for every channel the user
// is still missing, plus a verify button. When token is non-empty the
// verify callback carries it so the file is delivered right after the
// user passes the gate.
func (a *App) sendGateCard(ctx context.Context, chatID int64, missing []int64, token string) {
	kb := tgui.NewInline()
	for i, id := range missing {
		title, err := a.adapter.ChannelTitle(ctx, id)
		if err != nil || strings.TrimSpace(title) == "" {
			title = fmt.Sprintf("Channel %d", i+1)
		}
		link, err := a.adapter.CreateJoinRequestLink(ctx, id)
		if err != nil {
			a.log.Warn("invite link failed", logx.Int64("channel", id), logx.Err(err))
			continue
		}
		kb.Row(tgui.URLBtn("Join "+title, link))
	}
	kb.Row(tgui.Btn("I've requested to join ✅", tgui.Data(callbackScope, callbackVerify, token)))

	text := tgui.JoinH("\n",
		tgui.B("One more step!"),
		tgui.Esc("Tap each button below and request to join, then press the verify button."),
	).String()

	opt := &kit.SendOptions{ParseMode: "HTML", ReplyMarkupAdapter: kb.Markup()}
	if img := strings.TrimSpace(a.gateImages().GateImage); img != "" {
		if _, err := a.adapter.SendPhotoURL(ctx, kit.ChatTarget{ChatID: chatID}, img, text, opt); err == nil {
			return
		}
	}
	if _, err := a.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, opt); err != nil {
		a.log.Warn("gate card failed", logx.Int64("chat", chatID), logx.Err(err))
	}
}

func (a *App) handleCallback(ctx context.Context, cb *kit.Callback) {
	scope, action, payload := tgui.Split(cb.Data)
	if scope != callbackScope || action != callbackVerify {
		return
	}

	missing, err := a.gate.Missing(ctx, cb.From.ID)
	if err != nil {
		a.log.Warn("gate check failed", logx.Int64("user", cb.From.ID), logx.Err(err))
		_ = a.adapter.AnswerCallback(ctx, cb.ID, "Something went wrong, please try again.", true)
		return
	}
	if len(missing) > 0 {
		_ = a.adapter.AnswerCallback(ctx, cb.ID,
			fmt.Sprintf("You still need to request to join %d channel(s).", len(missing)), true)
		return
	}

	// Normalize records so a later requirement lookup sees the full set.
	if err := a.gate.RecordCompletion(ctx, cb.From.ID); err != nil {
		a.log.Warn("completion not recorded", logx.Int64("user", cb.From.ID), logx.Err(err))
	}

	_ = a.adapter.AnswerCallback(ctx, cb.ID, "Verified!", false)

	if payload != "" {
		a.deliverFile(ctx, cb.ChatID, payload)
		return
	}
	a.sendWelcome(ctx, cb.ChatID, cb.From)
}

func (a *App) handleFileLink(ctx context.Context, chatID, userID int64, token string) {
	missing, err := a.gate.Missing(ctx, userID)
	if err != nil {
		a.log.Warn("gate check failed", logx.Int64("user", userID), logx.Err(err))
		a.reply(ctx, chatID, "Something went wrong, please try again.")
		return
	}
	if len(missing) > 0 {
		a.sendGateCard(ctx, chatID, missing, token)
		return
	}
	a.deliverFile(ctx, chatID, token)
}

func (a *App) deliverFile(ctx context.Context, chatID int64, token string) {
	rec, err := a.vault.Resolve(ctx, token)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			a.reply(ctx, chatID, "This link is invalid or has expired.")
			return
		}
		a.log.Warn("resolve failed", logx.String("token", token), logx.Err(err))
		a.reply(ctx, chatID, "Something went wrong, please try again.")
		return
	}

	if _, err := a.adapter.SendContent(ctx, kit.ChatTarget{ChatID: chatID}, rec.Ref, rec.Caption, nil); err != nil {
		a.log.Warn("delivery failed",
			logx.String("token", token),
			logx.Int64("chat", chatID),
			logx.Err(err))
		a.reply(ctx, chatID, "Could not deliver the file, please try again.")
	}
}

// handleUpload stores uploaded media in the vault and replies with the
// share link. Uploaders pass the same gate as downloaders.
func (a *App) handleUpload(ctx context.Context, m *kit.Message) {
	if m.Content == nil {
		return
	}

	missing, err := a.gate.Missing(ctx, m.From.ID)
	if err != nil {
		a.log.Warn("gate check failed", logx.Int64("user", m.From.ID), logx.Err(err))
		a.reply(ctx, m.ChatID, "Something went wrong, please try again.")
		return
	}
	if len(missing) > 0 {
		a.sendGateCard(ctx, m.ChatID, missing, "")
		return
	}

	token, err := a.vault.Store(ctx, *m.Content, m.From.ID, m.Caption)
	if err != nil {
		a.log.Warn("store failed", logx.Int64("user", m.From.ID), logx.Err(err))
		a.reply(ctx, m.ChatID, "Could not store the file, please try again.")
		return
	}

	link := a.shareLink(token)
	kb := tgui.NewInline().
		Row(tgui.URLBtn("Share", "https://t.me/share/url?url="+url.QueryEscape(link)))

	text := tgui.JoinH("\n",
		tgui.B("File stored."),
		tgui.H("Share link: "+tgui.Code(link).String()),
	).String()
	_, err = a.adapter.SendText(ctx, kit.ChatTarget{ChatID: m.ChatID}, text, &kit.SendOptions{
		ParseMode:          "HTML",
		DisablePreview:     true,
		ReplyMarkupAdapter: kb.Markup(),
	})
	if err != nil {
		a.log.Warn("share link reply failed", logx.Int64("chat", m.ChatID), logx.Err(err))
	}
}
