// Package telegram is the conversational front-end: one chat drives one
// agent session. It translates Telegram updates into gateway calls and
// renders approval requests as inline keyboards whose callbacks settle the
// pending decision.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/haasonsaas/tether/internal/approval"
	"github.com/haasonsaas/tether/pkg/models"
)

const helpText = `I relay your messages to a coding agent running on this machine.

/new - start a fresh conversation
/stop - cancel the running query
/mode <default|acceptEdits|plan|bypassPermissions> - set permission mode
/status - show session state

Anything else is sent to the agent. While a query is running your messages
are injected into it.`

// Service is what the adapter needs from the coordination core.
type Service interface {
	// HandleMessage routes one user utterance: inject into the running
	// query, or start a new one.
	HandleMessage(ctx context.Context, owner, text string) error

	// SubmitDecision settles a pending approval. False means the token is
	// unknown or already settled.
	SubmitDecision(token string, approved bool) bool

	// NewConversation drops the stored conversation token so the next
	// message starts fresh.
	NewConversation(ctx context.Context, owner string) error

	// StopQuery cancels the in-flight query, if any.
	StopQuery(owner string) bool

	// SetPermissionMode updates the session's permission mode.
	SetPermissionMode(ctx context.Context, owner string, mode models.PermissionMode) error

	// Status describes the session for the owner.
	Status(ctx context.Context, owner string) (string, error)
}

// Config holds configuration for the Telegram adapter.
type Config struct {
	// Token is the bot token from @BotFather (required).
	Token string

	// AllowedChatIDs restricts who may talk to the bot. Empty means the
	// bot refuses everyone; this gateway can run arbitrary commands, so
	// there is no open mode.
	AllowedChatIDs []int64

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("telegram: token is required")
	}
	if len(c.AllowedChatIDs) == 0 {
		return fmt.Errorf("telegram: at least one allowed chat id is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter connects a Telegram bot to the coordination core. It implements
// approval.Notifier (inline-keyboard prompts) and the gateway's outbound
// message interface.
type Adapter struct {
	config  Config
	bot     *bot.Bot
	service Service
	allowed map[int64]bool
	logger  *slog.Logger
}

// NewAdapter creates the adapter and registers its update handlers.
func NewAdapter(config Config, service Service) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	a := &Adapter{
		config:  config,
		service: service,
		allowed: make(map[int64]bool, len(config.AllowedChatIDs)),
		logger:  config.Logger.With("adapter", "telegram"),
	}
	for _, id := range config.AllowedChatIDs {
		a.allowed[id] = true
	}

	b, err := bot.New(config.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	a.bot = b

	b.RegisterHandler(bot.HandlerTypeMessageText, "", bot.MatchTypePrefix, a.onMessage)
	b.RegisterHandler(bot.HandlerTypeCallbackQueryData, decisionApprovePrefix, bot.MatchTypePrefix, a.onDecision)
	b.RegisterHandler(bot.HandlerTypeCallbackQueryData, decisionDenyPrefix, bot.MatchTypePrefix, a.onDecision)
	return a, nil
}

// Start runs the long-polling loop. Blocks until ctx is cancelled.
func (a *Adapter) Start(ctx context.Context) {
	a.logger.Info("telegram adapter started")
	a.bot.Start(ctx)
	a.logger.Info("telegram adapter stopped")
}

// onMessage handles incoming text messages and commands.
func (a *Adapter) onMessage(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	if update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID
	if !a.allowed[chatID] {
		a.logger.Warn("message from disallowed chat dropped", "chat_id", chatID)
		return
	}

	owner := ownerFromChatID(chatID)
	text := strings.TrimSpace(update.Message.Text)
	a.logger.Debug("received message", "chat_id", chatID, "len", len(text))

	command, arg := splitCommand(text)
	switch command {
	case "/start", "/help":
		a.reply(ctx, chatID, helpText)
	case "/new":
		if err := a.service.NewConversation(ctx, owner); err != nil {
			a.replyError(ctx, chatID, err)
			return
		}
		a.reply(ctx, chatID, "Started a fresh conversation.")
	case "/stop":
		if a.service.StopQuery(owner) {
			a.reply(ctx, chatID, "Query cancelled.")
		} else {
			a.reply(ctx, chatID, "No query is running.")
		}
	case "/mode":
		mode, err := models.ParsePermissionMode(arg)
		if arg == "" || err != nil {
			a.reply(ctx, chatID, "Usage: /mode <default|acceptEdits|plan|bypassPermissions>")
			return
		}
		if err := a.service.SetPermissionMode(ctx, owner, mode); err != nil {
			a.replyError(ctx, chatID, err)
			return
		}
		a.reply(ctx, chatID, fmt.Sprintf("Permission mode set to %s.", mode))
	case "/status":
		status, err := a.service.Status(ctx, owner)
		if err != nil {
			a.replyError(ctx, chatID, err)
			return
		}
		a.reply(ctx, chatID, status)
	default:
		if err := a.service.HandleMessage(ctx, owner, text); err != nil {
			a.replyError(ctx, chatID, err)
		}
	}
}

// onDecision handles approval keyboard callbacks.
func (a *Adapter) onDecision(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	q := update.CallbackQuery
	if q == nil {
		return
	}
	token, approved, ok := parseDecision(q.Data)

	answer := func(text string) {
		_, err := b.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
			CallbackQueryID: q.ID,
			Text:            text,
		})
		if err != nil {
			a.logger.Warn("callback answer failed", "error", err)
		}
	}

	if !ok {
		answer("Malformed decision")
		return
	}
	if !a.service.SubmitDecision(token, approved) {
		answer("This request already expired or was settled")
		return
	}
	if approved {
		answer("Approved")
	} else {
		answer("Denied")
	}
}

// Send delivers text to the owner's chat. Implements the gateway's
// outbound interface.
func (a *Adapter) Send(ctx context.Context, owner, text string) error {
	chatID, err := chatIDFromOwner(owner)
	if err != nil {
		return err
	}
	_, err = a.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
	if err != nil {
		return fmt.Errorf("telegram: send to %d: %w", chatID, err)
	}
	return nil
}

// NotifyApproval renders the approval prompt with an Allow/Deny keyboard.
// Implements approval.Notifier.
func (a *Adapter) NotifyApproval(ctx context.Context, n approval.Notification) error {
	chatID, err := chatIDFromOwner(n.Owner)
	if err != nil {
		return err
	}
	_, err = a.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   approvalMessage(n),
		ReplyMarkup: &tgmodels.InlineKeyboardMarkup{
			InlineKeyboard: [][]tgmodels.InlineKeyboardButton{{
				{Text: "✅ Allow", CallbackData: decisionApprovePrefix + n.CorrelationToken},
				{Text: "❌ Deny", CallbackData: decisionDenyPrefix + n.CorrelationToken},
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("telegram: approval prompt to %d: %w", chatID, err)
	}
	return nil
}

func (a *Adapter) reply(ctx context.Context, chatID int64, text string) {
	_, err := a.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
	if err != nil {
		a.logger.Warn("reply failed", "chat_id", chatID, "error", err)
	}
}

func (a *Adapter) replyError(ctx context.Context, chatID int64, err error) {
	a.logger.Error("command failed", "chat_id", chatID, "error", err)
	a.reply(ctx, chatID, fmt.Sprintf("Error: %v", err))
}

const (
	decisionApprovePrefix = "approve:"
	decisionDenyPrefix    = "deny:"
)

// parseDecision extracts the correlation token and verdict from keyboard
// callback data.
func parseDecision(data string) (token string, approved, ok bool) {
	switch {
	case strings.HasPrefix(data, decisionApprovePrefix):
		token = strings.TrimPrefix(data, decisionApprovePrefix)
		approved = true
	case strings.HasPrefix(data, decisionDenyPrefix):
		token = strings.TrimPrefix(data, decisionDenyPrefix)
	default:
		return "", false, false
	}
	return token, approved, token != ""
}

// splitCommand separates a leading slash command from its argument. Non-
// command text returns an empty command.
func splitCommand(text string) (command, arg string) {
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	command, arg, _ = strings.Cut(text, " ")
	// Commands may carry a bot mention suffix in group chats.
	command, _, _ = strings.Cut(command, "@")
	return command, strings.TrimSpace(arg)
}

// ownerFromChatID maps a Telegram chat to a session owner key.
func ownerFromChatID(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}

func chatIDFromOwner(owner string) (int64, error) {
	chatID, err := strconv.ParseInt(owner, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: owner %q is not a chat id: %w", owner, err)
	}
	return chatID, nil
}

// approvalMessage renders the out-of-band approval prompt.
func approvalMessage(n approval.Notification) string {
	var sb strings.Builder
	sb.WriteString("🔐 Permission request\n\n")
	fmt.Fprintf(&sb, "Tool: %s\n", n.ToolName)
	if n.InputSummary != "" {
		fmt.Fprintf(&sb, "Input: %s\n", n.InputSummary)
	}
	if !n.Deadline.IsZero() {
		fmt.Fprintf(&sb, "\n⚠️ Times out at %s\n", n.Deadline.Format(time.Kitchen))
	}
	sb.WriteString("\nDo you allow this operation?")
	return sb.String()
}
