// Package dispatcher routes chat messages to commands or the completion
// client and delivers the replies.
package dispatcher

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	cmdpkg "github.com/stupiduntilnot/cookbot/internal/commander"
	"github.com/stupiduntilnot/cookbot/internal/control"
	"github.com/stupiduntilnot/cookbot/internal/db"
	"github.com/stupiduntilnot/cookbot/internal/history"
	"github.com/stupiduntilnot/cookbot/internal/logging"
	"github.com/stupiduntilnot/cookbot/internal/metrics"
	"github.com/stupiduntilnot/cookbot/internal/prompt"
)

// Canned replies.
const (
	GreetingReply = "Привет! Я кулинарный помощник. " +
		"Задавайте мне любые вопросы по кулинарии, и я постараюсь помочь! 🍳"
	HelpReply = "Что я умею:\n" +
		"/start: приветствие\n" +
		"/help: эта справка\n" +
		"/reset: очистить историю диалога\n" +
		"/recipe <блюдо>: подробный рецепт\n\n" +
		"Или просто задайте вопрос о кулинарии."
	ResetReply       = "История диалога очищена. Начнём заново!"
	RecipeUsageReply = "Укажите блюдо после команды, например: /recipe борщ"
	EmptyTextReply   = "Пожалуйста, отправьте текстовое сообщение."
	GeneralApology   = "Извините, сейчас не могу ответить. " +
		"Попробуйте позже или отправьте /reset, чтобы начать диалог заново."
	RecipeApology = "Извините, не удалось подготовить рецепт. " +
		"Попробуйте позже или уточните название блюда."
)

// Routes label how a message was handled in logs, metrics and the journal.
const (
	RouteStart       = "start"
	RouteHelp        = "help"
	RouteReset       = "reset"
	RouteRecipe      = "recipe"
	RouteRecipeUsage = "recipe_usage"
	RouteGeneral     = "general"
	RouteEmpty       = "empty"
)

// Generator produces a model reply. *completion.Client implements it.
type Generator interface {
	Generate(ctx context.Context, userText string, hist []history.Message, kind prompt.Kind) (string, bool)
}

// Config tunes the poll loop and the per-chat lanes.
type Config struct {
	// PollTimeout is the long poll timeout in seconds passed to GetUpdates.
	PollTimeout int
	// PollSleep is the pause after a failed poll; consecutive failures
	// multiply it by control.RetryBackoffSeconds.
	PollSleep time.Duration
	// LaneBuffer bounds the messages queued for one chat.
	LaneBuffer int
	// RootEventID parents every journal event, usually process.started.
	RootEventID *int64
}

// Dispatcher handles inbound messages. Messages of one chat are handled one
// after another; different chats proceed concurrently.
type Dispatcher struct {
	commander cmdpkg.Commander
	generator Generator
	history   *history.Store
	cfg       Config

	journal db.Journal
	metrics *metrics.Metrics
	logger  zerolog.Logger
	circuit *control.CircuitBreaker

	mu    sync.Mutex
	lanes map[int64]*lane
	wg    sync.WaitGroup
}

type Option func(*Dispatcher)

func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l.With().Str("component", "dispatcher").Logger() }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithJournal(j db.Journal) Option {
	return func(d *Dispatcher) {
		if j != nil {
			d.journal = j
		}
	}
}

func WithCircuitBreaker(c *control.CircuitBreaker) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.circuit = c
		}
	}
}

func New(commander cmdpkg.Commander, generator Generator, store *history.Store, cfg Config, opts ...Option) *Dispatcher {
	if cfg.PollSleep <= 0 {
		cfg.PollSleep = time.Second
	}
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = 16
	}
	d := &Dispatcher{
		commander: commander,
		generator: generator,
		history:   store,
		cfg:       cfg,
		journal:   db.NopJournal{},
		logger:    zerolog.Nop(),
		circuit:   control.NewCircuitBreaker(5, 30*time.Second),
		lanes:     map[int64]*lane{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ParseCommand splits "/name@bot argument" into its lowercase name and the
// trimmed argument. ok is false for text that is not a command.
func ParseCommand(text string) (name, arg string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest := text, ""
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		head, rest = text[:i], text[i:]
	}
	name = strings.TrimPrefix(head, "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return "", "", false
	}
	return strings.ToLower(name), strings.TrimSpace(rest), true
}

// Handle processes one message to completion, including the history append.
// Callers must not run two Handle calls for the same chat concurrently.
func (d *Dispatcher) Handle(ctx context.Context, msg cmdpkg.Message) {
	chatID := msg.Chat.ID
	requestID := uuid.NewString()
	log := d.logger.With().Str("request_id", requestID).Int64("chat_id", chatID).Logger()

	text := ""
	if msg.Text != nil {
		text = *msg.Text
	}
	var userID int64
	if msg.From != nil {
		userID = msg.From.ID
	}
	log.Info().Int64("user_id", userID).Str("text", logging.Truncate(text, 200)).Msg("message received")

	eventID := d.logEvent(log, d.cfg.RootEventID, db.EventMessageReceived, map[string]any{
		"request_id": requestID,
		"chat_id":    chatID,
		"user_id":    userID,
		"message_id": msg.MessageID,
		"text":       logging.Truncate(text, 1000),
	})
	parent := &eventID
	if eventID == 0 {
		parent = d.cfg.RootEventID
	}

	if strings.TrimSpace(text) == "" {
		d.reply(ctx, log, parent, RouteEmpty, chatID, EmptyTextReply)
		return
	}

	kind := prompt.General
	userText := text
	route := RouteGeneral
	if name, arg, ok := ParseCommand(text); ok {
		switch name {
		case "start":
			d.reply(ctx, log, parent, RouteStart, chatID, GreetingReply)
			return
		case "help":
			d.reply(ctx, log, parent, RouteHelp, chatID, HelpReply)
			return
		case "reset":
			d.history.Clear(chatID)
			d.metrics.RecordHistoryReset()
			d.logEvent(log, parent, db.EventHistoryReset, map[string]any{"request_id": requestID, "chat_id": chatID})
			log.Info().Msg("history reset")
			d.reply(ctx, log, parent, RouteReset, chatID, ResetReply)
			return
		case "recipe":
			if arg == "" {
				d.reply(ctx, log, parent, RouteRecipeUsage, chatID, RecipeUsageReply)
				return
			}
			kind, userText, route = prompt.Recipe, arg, RouteRecipe
		}
	}
	d.metrics.RecordMessage(route)

	if err := d.commander.SendChatAction(ctx, chatID, cmdpkg.ActionTyping); err != nil {
		log.Debug().Err(err).Msg("send typing action failed")
	}

	var hist []history.Message
	if kind == prompt.General {
		hist = d.history.Get(chatID)
	}
	start := time.Now()
	answer, ok := d.generator.Generate(ctx, userText, hist, kind)
	if !ok {
		d.logEvent(log, parent, db.EventCompletionFailed, map[string]any{
			"request_id": requestID,
			"kind":       kind.String(),
			"latency_ms": time.Since(start).Milliseconds(),
		})
		log.Error().Str("kind", kind.String()).Msg("no answer from completion backend")
		apology := GeneralApology
		if kind == prompt.Recipe {
			apology = RecipeApology
		}
		d.send(ctx, log, parent, chatID, apology)
		return
	}
	d.logEvent(log, parent, db.EventCompletionSucceeded, map[string]any{
		"request_id": requestID,
		"kind":       kind.String(),
		"latency_ms": time.Since(start).Milliseconds(),
		"chars":      len([]rune(answer)),
	})

	if !d.send(ctx, log, parent, chatID, answer) {
		return
	}
	d.history.Append(chatID, history.RoleUser, userText)
	d.history.Append(chatID, history.RoleAssistant, answer)
}

// reply answers a message that needs no backend call.
func (d *Dispatcher) reply(ctx context.Context, log zerolog.Logger, parent *int64, route string, chatID int64, text string) {
	d.metrics.RecordMessage(route)
	d.logEvent(log, parent, db.EventCommandHandled, map[string]any{"route": route})
	d.send(ctx, log, parent, chatID, text)
}

// send delivers text and reports whether it got through.
func (d *Dispatcher) send(ctx context.Context, log zerolog.Logger, parent *int64, chatID int64, text string) bool {
	if err := d.commander.SendMessage(ctx, chatID, text); err != nil {
		log.Error().Err(err).Msg("send reply failed")
		d.logEvent(log, parent, db.EventReplyFailed, map[string]any{"error": logging.Truncate(err.Error(), 500)})
		return false
	}
	log.Info().Str("reply", logging.Truncate(text, 100)).Msg("reply sent")
	d.logEvent(log, parent, db.EventReplySent, map[string]any{"chars": len([]rune(text))})
	return true
}

// logEvent journals an event. Journal failures never break message handling.
func (d *Dispatcher) logEvent(log zerolog.Logger, parent *int64, eventType string, payload map[string]any) int64 {
	id, err := d.journal.LogEvent(parent, eventType, payload)
	if err != nil {
		log.Warn().Err(err).Str("event_type", eventType).Msg("journal write failed")
		return 0
	}
	return id
}
