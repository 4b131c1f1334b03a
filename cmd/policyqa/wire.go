package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/WessleyAI/policyqa/engine/audit"
	"github.com/WessleyAI/policyqa/engine/cache"
	"github.com/WessleyAI/policyqa/engine/domain"
	"github.com/WessleyAI/policyqa/engine/events"
	"github.com/WessleyAI/policyqa/engine/rag"
	"github.com/WessleyAI/policyqa/engine/rerank"
	"github.com/WessleyAI/policyqa/engine/retrieve"
	"github.com/WessleyAI/policyqa/engine/semantic"
	"github.com/WessleyAI/policyqa/engine/synth"
	"github.com/WessleyAI/policyqa/pkg/config"
	"github.com/WessleyAI/policyqa/pkg/llm"
	"github.com/WessleyAI/policyqa/pkg/metrics"
	"github.com/WessleyAI/policyqa/pkg/resilience"
	"github.com/WessleyAI/policyqa/pkg/tei"
)

// stack is the fully wired query pipeline plus everything that must be
// closed with it.
type stack struct {
	svc      *rag.Service
	cache    *cache.SemanticCache
	store    *semantic.VectorStore
	pipeline *metrics.Pipeline
	audit    *audit.Log
	nc       *nats.Conn
	logger   *slog.Logger
}

func buildStack(ctx context.Context, cfg config.Config, logger *slog.Logger) (*stack, error) {
	st := &stack{
		logger:   logger,
		pipeline: metrics.NewPipeline(metrics.New()),
	}

	store, err := semantic.New(cfg.Qdrant.Addr, cfg.Qdrant.Collection)
	if err != nil {
		return nil, err
	}
	st.store = store

	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	embedder := tei.NewEmbedClient(cfg.Embed.URL, cfg.Embed.Model, httpClient)
	scorer := tei.NewRerankClient(cfg.Rerank.URL, cfg.Rerank.Model, httpClient)
	gen := llm.New(llm.Config{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		System:  synth.DefaultSystemPrompt,
	}, httpClient)

	breaker := resilience.NewBreaker(resilience.BreakerOpts{
		FailThreshold: cfg.LLM.BreakerThreshold,
		Timeout:       cfg.LLM.BreakerCooldown,
		HalfOpenMax:   1,
		OnStateChange: func(from, to resilience.State) {
			logger.Warn("llm circuit breaker", "from", from.String(), "to", to.String())
			st.pipeline.ObserveBreaker(from.String(), to.String())
		},
	})
	limiter := resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.LLM.Rate, Burst: cfg.LLM.Burst})

	st.cache = st.buildCache(ctx, cfg)

	retriever := retrieve.New(store, retrieve.Options{
		Retries: cfg.Search.Retries,
		Timeout: cfg.Timeouts.Retrieval,
		Backoff: retrieve.DefaultOptions().Backoff,
	}, logger)
	reranker := rerank.New(scorer, rerank.Options{
		TopN:    cfg.Rerank.TopK,
		Workers: cfg.Rerank.Workers,
		Timeout: cfg.Timeouts.Rerank,
	}, logger)
	synthOpts := synth.DefaultOptions()
	synthOpts.Attempts = cfg.LLM.Retries
	synthOpts.Timeout = cfg.Timeouts.Generation
	synthesizer := synth.New(gen, synthOpts, logger, synth.WithBreaker(breaker), synth.WithLimiter(limiter))

	options := []rag.Option{
		rag.WithObserver(func(reqID string, from, to rag.State) {
			st.pipeline.ObserveTransition(reqID, from.String(), to.String())
		}),
		rag.WithListener(func(_ context.Context, out rag.Outcome) {
			elapsed := time.Duration(out.Response.ProcessingTimeMS * float64(time.Millisecond))
			st.pipeline.ObserveAnswer(out.Cached, out.Degraded, out.RerankDegraded, out.Rejected, elapsed)
		}),
	}

	if cfg.Audit.DSN != "" {
		a, err := audit.Open(ctx, cfg.Audit.DSN, logger)
		if err != nil {
			logger.Warn("query audit disabled", "err", err)
		} else {
			st.audit = a
			options = append(options, rag.WithListener(a.Listener()))
		}
	}

	if cfg.NATS.URL != "" {
		if err := st.connectNATS(cfg); err != nil {
			logger.Warn("nats disabled", "url", cfg.NATS.URL, "err", err)
		} else {
			pub := events.NewPublisher(st.nc, cfg.NATS.AnsweredSubject, logger)
			options = append(options, rag.WithListener(pub.Listener()))
		}
	}

	st.svc = rag.New(rag.Deps{
		Embedder:    embedder,
		Cache:       st.cache,
		Retriever:   retriever,
		Reranker:    reranker,
		Synthesizer: synthesizer,
	}, rag.Options{
		SearchLimit:      cfg.Search.Limit,
		EmbedTimeout:     cfg.Timeouts.Embed,
		HealthTimeout:    cfg.Timeouts.Health,
		RequestTimeout:   cfg.Timeouts.Request,
		EmbedConcurrency: cfg.Embed.Concurrency,
	}, logger, options...)
	return st, nil
}

// buildCache creates the semantic cache and, when Redis is configured,
// warms it from the persisted entries. Redis trouble only costs persistence.
func (st *stack) buildCache(ctx context.Context, cfg config.Config) *cache.SemanticCache {
	opts := cache.Options{
		Threshold:  cfg.Cache.Threshold,
		MaxEntries: cfg.Cache.MaxEntries,
		TTL:        cfg.Cache.TTL,
	}
	if cfg.Cache.RedisAddr == "" {
		return cache.New(opts, st.logger)
	}

	p, err := cache.DialRedis(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB, cfg.Cache.RedisKey)
	if err != nil {
		st.logger.Warn("cache persistence disabled", "kind", domain.KindCache, "err", err)
		return cache.New(opts, st.logger)
	}
	c := cache.New(opts, st.logger, cache.WithPersister(p))
	n, err := c.Warm(ctx)
	if err != nil {
		st.logger.Warn("cache warm failed", "kind", domain.KindCache, "err", err)
	} else {
		st.logger.Info("cache warmed", "entries", n)
	}
	return c
}

func (st *stack) connectNATS(cfg config.Config) error {
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("policyqa"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				st.logger.Warn("nats disconnected", "err", err)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if _, err := events.SubscribePurge(nc, cfg.NATS.PurgeSubject, st.cache, st.logger); err != nil {
		nc.Close()
		return err
	}
	st.nc = nc
	return nil
}

// Close waits for answered-query listeners, then releases every resource in
// reverse order of acquisition.
func (st *stack) Close() error {
	var errs []error
	if st.svc != nil {
		st.svc.Wait()
	}
	if st.nc != nil {
		if err := st.nc.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("nats drain: %w", err))
		}
	}
	if err := st.audit.Close(); err != nil {
		errs = append(errs, err)
	}
	if st.cache != nil {
		if err := st.cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if st.store != nil {
		if err := st.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
