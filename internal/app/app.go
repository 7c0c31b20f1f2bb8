package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/newthinker/relaybot/internal/config"
	"github.com/newthinker/relaybot/internal/core"
	"github.com/newthinker/relaybot/internal/llm"
	"github.com/newthinker/relaybot/internal/llm/factory"
	"github.com/newthinker/relaybot/internal/metrics"
	"github.com/newthinker/relaybot/internal/storage/archive"
	"github.com/newthinker/relaybot/internal/storage/history"
	"github.com/newthinker/relaybot/internal/telegram"
	"go.uber.org/zap"
)

// Replies sent to users.
const (
	greetingFormat = "Привет! Я AI-ассистент (сейчас используется: %s).\n\n" +
		"Отправьте любое сообщение, и я отвечу.\n" +
		"Очистить историю: /clear, /reset или напишите «очистить контекст»."
	clearedText      = "Контекст диалога очищен!"
	clearFailedText  = "Произошла ошибка при очистке контекста. Пожалуйста, попробуйте еще раз."
	generateFailText = "Извините, возникла ошибка при генерации ответа. Пожалуйста, попробуйте еще раз."

	clearPhrase = "очистить контекст"
)

// Update kinds used as metric labels.
const (
	KindCommand = "command"
	KindClear   = "clear"
	KindText    = "text"
	KindIgnored = "ignored"
)

// Frontend is the chat transport the App reads updates from and replies through.
type Frontend interface {
	GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]telegram.Update, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Dependencies are the collaborators an App is built from. Transcripts and
// Metrics are optional.
type Dependencies struct {
	Frontend    Frontend
	History     history.Store
	Active      *factory.Active
	Transcripts *archive.Transcripts
	Metrics     *metrics.Registry
}

// App relays chat updates to the active LLM provider.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	frontend    Frontend
	history     history.Store
	active      *factory.Active
	transcripts *archive.Transcripts
	metrics     *metrics.Registry

	slots chan struct{}
	wg    sync.WaitGroup

	// queues holds pending updates per user. A user has a draining goroutine
	// exactly while its key is present.
	queueMu sync.Mutex
	queues  map[history.UserID][]telegram.Update

	pollRetry time.Duration

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	offset  int64
	handled int64
}

// New creates a new App instance
func New(cfg *config.Config, deps Dependencies, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = config.Defaults()
	}
	workers := cfg.Bot.Workers
	if workers < 1 {
		workers = 1
	}
	store := deps.History
	if store == nil {
		store = history.NewMemoryStore(cfg.Context.MaxMessages)
	}

	return &App{
		cfg:         cfg,
		logger:      logger,
		frontend:    deps.Frontend,
		history:     store,
		active:      deps.Active,
		transcripts: deps.Transcripts,
		metrics:     deps.Metrics,
		slots:       make(chan struct{}, workers),
		queues:      make(map[history.UserID][]telegram.Update),
		pollRetry:   time.Second,
	}
}

// Active returns the provider the App generates with.
func (a *App) Active() *factory.Active {
	return a.active
}

// History returns the conversation store.
func (a *App) History() history.Store {
	return a.history
}

// Start long-polls the frontend and dispatches updates until ctx is done.
// In-flight handlers are waited for before it returns.
func (a *App) Start(ctx context.Context) error {
	if a.frontend == nil {
		return fmt.Errorf("app: no frontend configured")
	}
	if a.active == nil {
		return core.WrapError(core.ErrNoProviderAvailable, nil)
	}

	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app already running")
	}
	a.running = true
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()
	defer cancel()

	a.logger.Info("relaybot starting",
		zap.String("provider", a.active.Key),
		zap.String("model", a.active.Model),
		zap.Int("workers", cap(a.slots)),
	)

	timeoutSec := int(a.cfg.Bot.PollTimeout / time.Second)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = a.pollRetry
	retry.MaxInterval = time.Minute
	retry.MaxElapsedTime = 0

	for ctx.Err() == nil {
		updates, err := a.frontend.GetUpdates(ctx, a.nextOffset(), timeoutSec)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			wait := retry.NextBackOff()
			a.logger.Warn("polling updates failed",
				zap.Error(err),
				zap.Duration("retry_in", wait),
			)
			sleep(ctx, wait)
			continue
		}
		retry.Reset()

		for _, u := range updates {
			a.setOffset(u.UpdateID + 1)
			a.dispatch(ctx, u)
		}
	}

	a.logger.Info("relaybot shutting down, waiting for in-flight handlers")
	a.wg.Wait()

	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	return ctx.Err()
}

// Stop stops the polling loop
func (a *App) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
}

// dispatch queues the update behind the user's earlier ones. Only the head of
// each user's queue holds a worker slot, so one busy user cannot starve others.
func (a *App) dispatch(ctx context.Context, u telegram.Update) {
	if u.Message == nil || u.Message.From == nil || strings.TrimSpace(u.Message.Text) == "" {
		a.recordUpdate(KindIgnored)
		return
	}

	user := history.UserIDFromInt(u.Message.From.ID)
	a.queueMu.Lock()
	q, draining := a.queues[user]
	a.queues[user] = append(q, u)
	a.queueMu.Unlock()
	if draining {
		return
	}

	// Handlers outlive shutdown so accepted messages still get a reply.
	hctx := context.WithoutCancel(ctx)

	a.wg.Add(1)
	go a.drain(hctx, user)
}

// drain handles the user's queued updates in arrival order.
func (a *App) drain(ctx context.Context, user history.UserID) {
	defer a.wg.Done()
	for {
		a.queueMu.Lock()
		q := a.queues[user]
		if len(q) == 0 {
			delete(a.queues, user)
			a.queueMu.Unlock()
			return
		}
		u := q[0]
		a.queues[user] = q[1:]
		a.queueMu.Unlock()

		a.slots <- struct{}{}
		a.Handle(ctx, u)
		<-a.slots
	}
}

// Handle processes one update synchronously.
func (a *App) Handle(ctx context.Context, u telegram.Update) {
	if u.Message == nil || u.Message.From == nil {
		a.recordUpdate(KindIgnored)
		return
	}
	msg := u.Message
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		a.recordUpdate(KindIgnored)
		return
	}

	a.mu.Lock()
	a.handled++
	a.mu.Unlock()

	user := history.UserIDFromInt(msg.From.ID)
	logger := a.logger.With(zap.String("user", string(user)), zap.Int64("chat_id", msg.Chat.ID))

	switch command(text) {
	case "/start", "/help":
		a.recordUpdate(KindCommand)
		a.send(ctx, logger, msg.Chat.ID, a.Greeting())
		return
	case "/clear", "/reset":
		a.handleClear(ctx, logger, user, msg.Chat.ID)
		return
	}
	if strings.EqualFold(text, clearPhrase) {
		a.handleClear(ctx, logger, user, msg.Chat.ID)
		return
	}

	a.recordUpdate(KindText)
	reply, err := a.Reply(ctx, user, text)
	if err != nil {
		logger.Error("generation failed",
			zap.String("provider", a.providerKey()),
			zap.String("code", core.Code(err)),
			zap.Error(err),
		)
		a.send(ctx, logger, msg.Chat.ID, generateFailText)
		return
	}
	a.send(ctx, logger, msg.Chat.ID, reply)
}

func (a *App) handleClear(ctx context.Context, logger *zap.Logger, user history.UserID, chatID int64) {
	a.recordUpdate(KindClear)
	if _, err := a.Clear(ctx, user); err != nil {
		logger.Error("clearing context failed", zap.Error(err))
		a.send(ctx, logger, chatID, clearFailedText)
		return
	}
	logger.Info("context cleared")
	a.send(ctx, logger, chatID, clearedText)
}

func (a *App) send(ctx context.Context, logger *zap.Logger, chatID int64, text string) {
	if err := a.frontend.SendMessage(ctx, chatID, text); err != nil {
		logger.Error("sending reply failed", zap.Error(err))
	}
}

// Greeting is the /start reply naming the active provider.
func (a *App) Greeting() string {
	name := "none"
	if a.active != nil {
		name = a.active.DisplayName
	}
	return fmt.Sprintf(greetingFormat, name)
}

// Reply appends text to the user's conversation, asks the active provider and
// stores its answer. The user's lock is held for the whole exchange.
// On failure the user message stays in the history.
func (a *App) Reply(ctx context.Context, user history.UserID, text string) (string, error) {
	if a.active == nil {
		return "", core.WrapError(core.ErrNoProviderAvailable, nil)
	}

	unlock := a.history.Lock(user)
	defer unlock()

	if prompt := a.cfg.Bot.SystemPrompt; prompt != "" && a.history.Len(user) == 0 {
		a.history.Append(user, llm.RoleSystem, prompt)
	}
	a.history.Append(user, llm.RoleUser, text)
	msgs := a.history.Get(user)

	start := time.Now()
	resp, err := a.active.Provider.Chat(ctx, llm.ChatRequest{
		Model:       a.active.Model,
		Messages:    msgs,
		Temperature: a.cfg.LLM.Temperature,
		MaxTokens:   a.cfg.LLM.MaxTokensPtr(),
	})
	elapsed := time.Since(start)

	if err != nil {
		a.recordGeneration(outcome(err), elapsed)
		return "", err
	}
	a.recordGeneration("ok", elapsed)

	a.history.Append(user, llm.RoleAssistant, resp.Content)
	a.logger.Info("reply generated",
		zap.String("user", string(user)),
		zap.String("provider", a.active.Key),
		zap.Duration("duration", elapsed),
		zap.Int("input_tokens", resp.Usage.InputTokens),
		zap.Int("output_tokens", resp.Usage.OutputTokens),
	)
	a.refreshConversations()
	return resp.Content, nil
}

// Clear archives the user's conversation when an archive is configured and
// then drops it. It returns the transcript path, or "" when nothing was archived.
// An archive failure is logged and does not block the clear.
func (a *App) Clear(ctx context.Context, user history.UserID) (string, error) {
	unlock := a.history.Lock(user)
	defer unlock()

	var path string
	if a.transcripts != nil && a.history.Len(user) > 0 {
		p, err := a.transcripts.Save(ctx, archive.Transcript{
			UserID:   string(user),
			Provider: a.providerKey(),
			Messages: a.history.Get(user),
		})
		if err != nil {
			a.logger.Warn("archiving transcript failed",
				zap.String("user", string(user)),
				zap.Error(err),
			)
			a.recordTranscript("error")
		} else {
			path = p
			a.recordTranscript("ok")
		}
	}

	a.history.Clear(user)
	if a.metrics != nil {
		a.metrics.RecordContextClear()
	}
	a.refreshConversations()
	return path, nil
}

// GetStats returns application statistics
func (a *App) GetStats() map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return map[string]any{
		"running":       a.running,
		"provider":      a.providerKey(),
		"workers":       cap(a.slots),
		"handled":       a.handled,
		"offset":        a.offset,
		"conversations": len(a.history.UserIDs()),
	}
}

func (a *App) nextOffset() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.offset
}

func (a *App) setOffset(offset int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if offset > a.offset {
		a.offset = offset
	}
}

func (a *App) providerKey() string {
	if a.active == nil {
		return ""
	}
	return a.active.Key
}

func (a *App) recordUpdate(kind string) {
	if a.metrics != nil {
		a.metrics.RecordUpdate(kind)
	}
}

func (a *App) recordGeneration(result string, d time.Duration) {
	if a.metrics != nil {
		a.metrics.RecordGeneration(a.providerKey(), result, d.Seconds())
	}
}

func (a *App) recordTranscript(status string) {
	if a.metrics != nil {
		a.metrics.RecordTranscript(status)
	}
}

func (a *App) refreshConversations() {
	if a.metrics != nil {
		a.metrics.SetConversationsActive(len(a.history.UserIDs()))
	}
}

// command returns the lowercased bot command in text without any @botname
// suffix, or "" when text is not a command.
func command(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd := strings.Fields(text)[0]
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd)
}

func outcome(err error) string {
	if code := core.Code(err); code != "" {
		return code
	}
	return "UNKNOWN"
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
