package transport

import "context"

type UpdateKind string

const (
	UpdateMessage     UpdateKind = "message"
	UpdateCallback    UpdateKind = "callback"
	UpdateJoinRequest UpdateKind = "join_request"
)

type Update struct {
	Kind        UpdateKind
	Message     *Message
	Callback    *Callback
	JoinRequest *JoinRequest
}

// User carries the sender identity attached to an update.
// Metadata fields are best-effort; only ID is guaranteed.
type User struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
	IsBot     bool
}

type Message struct {
	ID     int
	ChatID int64
	From   User
	Text   string

	// Content is set when the message carries a media attachment.
	// Caption is the attachment caption (empty for plain text).
	Content *ContentRef
	Caption string
}

type Callback struct {
	ID        string
	From      User
	ChatID    int64
	MessageID int
	Data      string
}

// JoinRequest is emitted when a user requests to join a channel the bot
// administers (Telegram chat_join_request update).
type JoinRequest struct {
	From      User
	ChannelID int64
}

// ContentKind tags the media variant of a ContentRef.
type ContentKind string

const (
	ContentDocument ContentKind = "document"
	ContentVideo    ContentKind = "video"
	ContentPhoto    ContentKind = "photo"
	ContentAudio    ContentKind = "audio"
)

func (k ContentKind) Valid() bool {
	switch k {
	case ContentDocument, ContentVideo, ContentPhoto, ContentAudio:
		return true
	}
	return false
}

// ContentRef points at content stored on the transport side.
// FileID is the transport's stable identifier; the optional fields are
// only meaningful for some kinds (photos have no file name or mime type).
type ContentRef struct {
	Kind     ContentKind
	FileID   string
	UniqueID string
	FileName string
	MIMEType string
	FileSize int64
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// Adapter is the transport boundary. Everything above it deals in the
// neutral types of this package; dispatch-by-kind for media happens
// below it, once, in the concrete adapter.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendContent(ctx context.Context, to ChatTarget, ref ContentRef, caption string, opt *SendOptions) (MessageRef, error)
	SendPhotoURL(ctx context.Context, to ChatTarget, url, caption string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error

	// CreateJoinRequestLink returns an invite URL for the channel that
	// creates a join request instead of joining directly.
	CreateJoinRequestLink(ctx context.Context, channelID int64) (string, error)
	ChannelTitle(ctx context.Context, channelID int64) (string, error)

	// Handle returns the bot's public username (without "@").
	Handle() string
}
