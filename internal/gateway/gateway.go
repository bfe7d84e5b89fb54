// Package gateway assembles the service from config and runs the HTTP
// listener alongside the housekeeping scheduler.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/stellarlinkco/tagflow/internal/config"
	"github.com/stellarlinkco/tagflow/internal/conversation"
	"github.com/stellarlinkco/tagflow/internal/crm"
	"github.com/stellarlinkco/tagflow/internal/cron"
	"github.com/stellarlinkco/tagflow/internal/feed"
	"github.com/stellarlinkco/tagflow/internal/guard"
	"github.com/stellarlinkco/tagflow/internal/media"
	"github.com/stellarlinkco/tagflow/internal/memory"
	"github.com/stellarlinkco/tagflow/internal/notify"
	"github.com/stellarlinkco/tagflow/internal/reply"
	"github.com/stellarlinkco/tagflow/internal/store"
	"github.com/stellarlinkco/tagflow/internal/webhook"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	cronStateFile     = "cron_state.json"
)

// Completer is the part of model.Model the pipeline calls.
type Completer interface {
	Complete(ctx context.Context, req model.Request) (*model.Response, error)
}

// ModelFactory builds a completion model for the given model name.
type ModelFactory func(cfg *config.Config, modelName string) (Completer, error)

// Options for creating a Gateway
type Options struct {
	ModelFactory ModelFactory
	Notifier     notify.Notifier
	SignalChan   chan os.Signal // for testing signal handling
}

// DefaultModelFactory creates an agentsdk-go model for the configured
// provider.
func DefaultModelFactory(cfg *config.Config, modelName string) (Completer, error) {
	var provider model.Provider
	switch cfg.Provider.Type {
	case "anthropic":
		provider = &model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: modelName,
			MaxTokens: cfg.Provider.MaxTokens,
		}
	default: // "openai" or empty
		provider = &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: modelName,
			MaxTokens: cfg.Provider.MaxTokens,
		}
	}
	mdl, err := provider.Model(context.Background())
	if err != nil {
		return nil, fmt.Errorf("create %s model: %w", modelName, err)
	}
	return mdl, nil
}

// CronStatePath is where the running service persists housekeeping state.
func CronStatePath(cfg *config.Config) string {
	return filepath.Join(cfg.Store.DataDir, cronStateFile)
}

type Gateway struct {
	cfg        *config.Config
	store      store.Store
	guard      *guard.Guard
	index      *memory.Index
	summarizer *memory.Summarizer
	manager    *conversation.Manager
	handler    *webhook.Handler
	feed       *feed.Hub
	server     *http.Server
	cron       *cron.Service
	signalChan chan os.Signal // for testing
	addrCh     chan net.Addr
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		guard:      guard.New(),
		signalChan: opts.SignalChan,
		addrCh:     make(chan net.Addr, 1),
	}

	st, err := store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	g.store = st

	factory := opts.ModelFactory
	if factory == nil {
		factory = DefaultModelFactory
	}
	replyLLM, summaryLLM := g.buildModels(factory)

	g.summarizer = memory.NewSummarizer(summaryLLM, cfg.Compaction, cfg.SummaryCacheTTL())
	creds := store.FileCredentials(cfg.Store.TokenPath)
	crmClient := crm.NewClient(cfg.CRM, creds)

	notifier := opts.Notifier
	if notifier == nil {
		notifier, err = notify.New(cfg.Notify.Telegram)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("create notifier: %w", err)
		}
	}

	deps := conversation.Deps{
		CRM:         crmClient,
		Sender:      crmClient,
		Compactor:   memory.NewCompactor(g.summarizer, cfg.Compaction),
		Echoes:      g.guard,
		Notifier:    notifier,
		ReplyWindow: cfg.Reply.Window,
		TopK:        cfg.RAG.TopK,
	}
	if cfg.RAG.Enabled {
		idx, err := memory.NewIndex(cfg.Store.EmbeddingDir, memory.NewEmbedder(cfg.RAG))
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("create retrieval index: %w", err)
		}
		g.index = idx
		deps.Index = idx
		deps.Retriever = memory.NewRetriever(idx, cfg.RAG)
	}
	if replyLLM != nil {
		deps.Generator = reply.NewGenerator(replyLLM, cfg.Reply, cfg.Provider.MaxTokens)
	}
	g.manager = conversation.NewManager(st, cfg.Server.TagName, deps)

	var rewriter webhook.BodyRewriter
	if cfg.Media.Enabled {
		rw := &media.Rewriter{}
		if strings.TrimSpace(cfg.Media.APIKey) != "" {
			rw.Transcriber = media.NewWhisperTranscriber(cfg.Media, cfg.CRM.BaseURL, creds)
		}
		if summaryLLM != nil {
			rw.Describer = media.NewModelDescriber(summaryLLM, cfg.Media, cfg.CRM.BaseURL, creds)
		}
		rewriter = rw
	}

	handler, err := webhook.NewHandler(cfg.Webhook, cfg.Server.TagName, g.manager, g.guard, rewriter)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create webhook handler: %w", err)
	}
	g.handler = handler
	if cfg.Notify.Feed.Enabled {
		g.feed = feed.NewHub(cfg.Notify.Feed)
		handler.AttachFeed(g.feed)
	}
	g.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g.cron = cron.NewService(CronStatePath(cfg))
	if cfg.Housekeeping.Enabled {
		if err := cron.RegisterHousekeeping(g.cron, cfg.Housekeeping.Schedule, g.guard, cfg.GuardTTL(), g.summarizer); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("register housekeeping: %w", err)
		}
	}

	return g, nil
}

// buildModels returns nil models when no API key is configured; the
// pipeline then records conversations without replies and summarizes by
// transcript.
func (g *Gateway) buildModels(factory ModelFactory) (Completer, Completer) {
	if strings.TrimSpace(g.cfg.Provider.APIKey) == "" {
		log.Printf("[gateway] no provider api key; replies and llm summaries disabled")
		return nil, nil
	}
	replyModel := strings.TrimSpace(g.cfg.Provider.Model)
	if replyModel == "" {
		replyModel = config.DefaultReplyModel
	}
	summaryModel := strings.TrimSpace(g.cfg.Provider.SummaryModel)
	if summaryModel == "" {
		summaryModel = replyModel
	}

	replyLLM, err := factory(g.cfg, replyModel)
	if err != nil {
		log.Printf("[gateway] warning: %v", err)
		replyLLM = nil
	}
	summaryLLM, err := factory(g.cfg, summaryModel)
	if err != nil {
		log.Printf("[gateway] warning: %v", err)
		summaryLLM = nil
	}
	return replyLLM, summaryLLM
}

// Manager exposes the conversation pipeline for one-off CLI operations.
func (g *Gateway) Manager() *conversation.Manager {
	return g.manager
}

func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Addr blocks until Run is listening and returns the bound address.
func (g *Gateway) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case addr := <-g.addrCh:
		g.addrCh <- addr
		return addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ln, err := net.Listen("tcp", g.server.Addr)
	if err != nil {
		_ = g.Shutdown()
		return fmt.Errorf("listen %s: %w", g.server.Addr, err)
	}
	g.addrCh <- ln.Addr()

	if g.cfg.Housekeeping.Enabled {
		if err := g.cron.Start(ctx); err != nil {
			log.Printf("[gateway] cron start warning: %v", err)
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	log.Printf("[gateway] running on %s (tag %q, store %s)", ln.Addr(), g.cfg.Server.TagName, g.cfg.Store.Backend)

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	var runErr error
	select {
	case <-sigCh:
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("serve: %w", err)
		}
	}

	log.Printf("[gateway] shutting down...")
	if err := g.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (g *Gateway) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var firstErr error
	if err := g.server.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("shutdown http server: %w", err)
	}
	g.cron.Stop()
	if g.feed != nil {
		g.feed.Close()
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			log.Printf("[gateway] close store warning: %v", err)
		}
	}
	log.Printf("[gateway] shutdown complete")
	return firstErr
}

// Close releases resources without running the server.
func (g *Gateway) Close() error {
	if g.store == nil {
		return nil
	}
	return g.store.Close()
}
