package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dusk-indust/consensus/internal/chat"
	"github.com/dusk-indust/consensus/internal/config"
	"github.com/dusk-indust/consensus/internal/invoker"
	"github.com/dusk-indust/consensus/internal/observability"
	"github.com/dusk-indust/consensus/internal/orchestrator"
	"github.com/dusk-indust/consensus/internal/prefs"
	"github.com/dusk-indust/consensus/internal/store"
	"github.com/dusk-indust/consensus/internal/wire"
)

// DispatchRequest is one prompt from a consumer. Models wins over Model;
// when both are empty the user's preferences and then the configured
// defaults decide. Consensus selects the consensus defaults in that case.
type DispatchRequest struct {
	ConversationID string            `json:"conversationId,omitempty"`
	Prompt         string            `json:"message"`
	Model          string            `json:"model,omitempty"`
	Models         []string          `json:"models,omitempty"`
	Consensus      bool              `json:"consensus,omitempty"`
	Attachments    []chat.Attachment `json:"attachments,omitempty"`
}

// Options configures a Service.
type Options struct {
	Defaults       config.Defaults
	MaxModels      int
	Concurrency    int
	EventBuffer    int
	PersistTimeout time.Duration
	TitleTimeout   time.Duration
	Logger         *slog.Logger
}

// OptionsFromConfig derives Options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) Options {
	return Options{
		Defaults:       cfg.Defaults,
		MaxModels:      cfg.Limits.MaxModels,
		EventBuffer:    cfg.Limits.EventBuffer,
		PersistTimeout: cfg.Timeouts.Persist,
		TitleTimeout:   cfg.Timeouts.Title,
		Logger:         logger,
	}
}

// Service runs exchanges: it resolves models, fans the prompt out, drives
// the lifecycle, persists the outcome and names new conversations.
type Service struct {
	store    store.Store
	prefs    prefs.Store
	mux      *orchestrator.Multiplexer
	titles   *TitleGenerator
	registry *Registry
	opts     Options
	logger   *slog.Logger
}

// NewService wires a Service. prefs may be nil, in which case only the
// configured defaults apply.
func NewService(inv invoker.Invoker, st store.Store, pf prefs.Store, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	muxOpts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithConcurrency(opts.Concurrency),
	}
	if opts.EventBuffer > 0 {
		muxOpts = append(muxOpts, orchestrator.WithBuffer(opts.EventBuffer))
	}
	titleModel := opts.Defaults.TitleModel
	if titleModel == "" {
		titleModel = opts.Defaults.Model
	}
	return &Service{
		store:    st,
		prefs:    pf,
		mux:      orchestrator.NewMultiplexer(inv, muxOpts...),
		titles:   NewTitleGenerator(inv, titleModel, opts.TitleTimeout, logger),
		registry: NewRegistry(),
		opts:     opts,
		logger:   logger,
	}
}

// Dispatch runs one exchange for userID and reports its progress to sink.
//
// Errors returned before any event reached sink (unauthorized, unknown
// conversation, invalid request) leave nothing behind. Later failures are
// also reported to sink.
func (s *Service) Dispatch(ctx context.Context, userID string, req DispatchRequest, sink Sink) (Settlement, error) {
	if userID == "" {
		return Settlement{}, chat.E(chat.KindUnauthorized, "dispatch", errors.New("no identity"))
	}
	logger := observability.FromContext(ctx, s.logger).With("user_id", userID)

	models := s.resolveModels(ctx, userID, req)
	creq := chat.Request{
		ConversationID: req.ConversationID,
		UserID:         userID,
		Prompt:         req.Prompt,
		Models:         models,
		Attachments:    req.Attachments,
	}
	if err := creq.Validate(s.opts.MaxModels); err != nil {
		return Settlement{}, err
	}

	conv, msgs, err := s.conversation(ctx, userID, req.ConversationID, models)
	if err != nil {
		return Settlement{}, err
	}
	creq.ConversationID = conv.ID
	logger = logger.With("conversation_id", conv.ID)
	view := s.registry.Open(conv, msgs)
	defer s.registry.Release(view)

	var mu sync.Mutex
	emit := func(ev wire.Event) {
		if sink == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		sink(ev)
	}

	// The title side effect starts as soon as the aggregate exists and runs
	// beside persistence. Dispatch waits for it so its update can still
	// reach sink.
	var titleWG sync.WaitGroup
	onResult := func(res chat.AggregateResult) {
		if len(msgs) > 0 {
			return
		}
		titleWG.Add(1)
		go func() {
			defer titleWG.Done()
			s.titleSideEffect(context.WithoutCancel(ctx), userID, conv.ID, creq.Prompt, firstResponse(res), emit, logger)
		}()
	}

	m := NewManager(creq, view, s.store, ManagerOptions{
		Sink:           emit,
		Logger:         logger,
		PersistTimeout: s.opts.PersistTimeout,
		OnResult:       onResult,
	})
	m.Begin()
	logger.Info("exchange started", "exchange_id", m.ID(), "models", models)

	events := s.mux.Run(ctx, invoker.Call{
		History:     history(msgs),
		Prompt:      creq.Prompt,
		Attachments: creq.Attachments,
	}, models)
	st, runErr := m.Run(ctx, events)
	titleWG.Wait()

	if m.State() != StateAborted {
		s.recordPrefs(ctx, userID, models, logger)
	}
	return st, runErr
}

// GenerateTitle names a conversation from an exchange the caller supplies
// and stores the title.
func (s *Service) GenerateTitle(ctx context.Context, userID, conversationID, userMessage, response string) (chat.Conversation, error) {
	if conversationID == "" || strings.TrimSpace(userMessage) == "" {
		return chat.Conversation{}, chat.E(chat.KindInvalidRequest, "generate title", errors.New("conversation id and user message are required"))
	}
	if _, err := s.store.GetConversation(ctx, userID, conversationID); err != nil {
		return chat.Conversation{}, fmt.Errorf("exchange: generate title: %w", err)
	}
	title := s.titles.Generate(ctx, userMessage, response)
	return s.applyTitle(ctx, userID, conversationID, title, nil)
}

// View returns the view of a conversation while an exchange has it open.
func (s *Service) View(conversationID string) (*View, bool) {
	return s.registry.Get(conversationID)
}

// Forget drops the view of a deleted conversation.
func (s *Service) Forget(conversationID string) {
	s.registry.Forget(conversationID)
}

func (s *Service) titleSideEffect(ctx context.Context, userID, convID, prompt, response string, emit Sink, logger *slog.Logger) {
	title := s.titles.Generate(ctx, prompt, response)
	if _, err := s.applyTitle(ctx, userID, convID, title, emit); err != nil {
		logger.Warn("title update failed", "error_kind", chat.KindOf(err).String(), "error", err)
	}
}

// applyTitle stores title and, when the view changes, tells emit.
func (s *Service) applyTitle(ctx context.Context, userID, convID, title string, emit Sink) (chat.Conversation, error) {
	conv, err := s.store.UpdateConversationTitle(ctx, userID, convID, title)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("exchange: update title: %w", err)
	}
	if v, ok := s.registry.Get(convID); ok && v.SetTitle(conv.Title) && emit != nil {
		emit(wire.Event{Type: wire.TypeTitleUpdate, ConversationID: convID, Title: conv.Title})
	}
	return conv, nil
}

// resolveModels picks the target models: request, then preferences, then
// configured defaults.
func (s *Service) resolveModels(ctx context.Context, userID string, req DispatchRequest) []string {
	if len(req.Models) > 0 {
		return slices.Clone(req.Models)
	}
	if m := strings.TrimSpace(req.Model); m != "" {
		return []string{m}
	}

	var p prefs.Preferences
	if s.prefs != nil {
		loaded, err := s.prefs.Load(ctx, userID)
		if err != nil {
			s.logger.WarnContext(ctx, "loading preferences failed", "user_id", userID, "error", err)
		}
		p = loaded
	}
	if req.Consensus {
		if len(p.ConsensusModels) > 0 {
			return slices.Clone(p.ConsensusModels)
		}
		return slices.Clone(s.opts.Defaults.ConsensusModels)
	}
	if p.Model != "" {
		return []string{p.Model}
	}
	if s.opts.Defaults.Model != "" {
		return []string{s.opts.Defaults.Model}
	}
	return nil
}

func (s *Service) recordPrefs(ctx context.Context, userID string, models []string, logger *slog.Logger) {
	if s.prefs == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	p, err := s.prefs.Load(ctx, userID)
	if err == nil {
		err = s.prefs.Save(ctx, userID, p.Record(models))
	}
	if err != nil {
		logger.Warn("saving preferences failed", "error", err)
	}
}

// conversation loads the conversation and its history, or creates it.
func (s *Service) conversation(ctx context.Context, userID, id string, models []string) (chat.Conversation, []chat.Message, error) {
	if id == "" {
		conv, err := s.store.CreateConversation(ctx, chat.Conversation{
			UserID: userID,
			Title:  chat.DefaultTitle,
			Model:  chat.ModelString(models),
		})
		if err != nil {
			return chat.Conversation{}, nil, fmt.Errorf("exchange: create conversation: %w", err)
		}
		return conv, nil, nil
	}
	conv, err := s.store.GetConversation(ctx, userID, id)
	if err != nil {
		return chat.Conversation{}, nil, fmt.Errorf("exchange: load conversation: %w", err)
	}
	msgs, err := s.store.ListMessages(ctx, id)
	if err != nil {
		return chat.Conversation{}, nil, fmt.Errorf("exchange: load history: %w", err)
	}
	return conv, msgs, nil
}

// history turns stored messages into invoker turns. A consensus message
// contributes its first answer.
func history(msgs []chat.Message) []invoker.Turn {
	turns := make([]invoker.Turn, 0, len(msgs))
	for _, m := range msgs {
		content := m.Content
		if m.IsConsensus() {
			content = ""
			for _, r := range m.Consensus {
				if r.Content != "" && r.Error == "" {
					content = r.Content
					break
				}
			}
		}
		if content == "" {
			continue
		}
		turns = append(turns, invoker.Turn{Role: m.Role, Content: content})
	}
	return turns
}

// firstResponse is the text the title is based on: the first slot with
// content.
func firstResponse(res chat.AggregateResult) string {
	for _, s := range res.Slots() {
		if s.Content != "" {
			return s.Content
		}
	}
	return ""
}
