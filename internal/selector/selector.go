// Package selector picks the context for a query by searching in tiers
// that widen step by step: the conversation, its pending uploads, recent
// content, the whole index, and a low-threshold last resort.
package selector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/embeddings"
	"github.com/fyrsmithlabs/recall/internal/metadata"
	"github.com/fyrsmithlabs/recall/internal/vectorstore"
)

var tracer = otel.Tracer("recall.selector")

// Tier names one retrieval strategy. Earlier tiers outrank later ones.
type Tier string

const (
	TierConversation Tier = "conversation"
	TierPending      Tier = "pending"
	TierRecent       Tier = "recent"
	TierGlobal       Tier = "global"
	TierEmergency    Tier = "emergency"
)

var tierRank = map[Tier]int{
	TierConversation: 1,
	TierPending:      2,
	TierRecent:       3,
	TierGlobal:       4,
	TierEmergency:    5,
}

// Rank returns the tier's position, 1 for conversation through 5.
func (t Tier) Rank() int { return tierRank[t] }

// Strategy names recorded in results and traces.
const (
	StrategyConversationOrPending = "conversation_or_pending"
	StrategyPendingOnly           = "pending_only"
	StrategyTimeWindow            = "time_window"
	StrategyRelaxed               = "threshold_relaxation"
	StrategyGlobal                = "global"
	StrategyEmergency             = "emergency"
)

// Embedder embeds query text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the part of vectorstore.Store the selector needs.
type Searcher interface {
	Search(ctx context.Context, query []float32, topK int, filter metadata.Filter) ([]vectorstore.Result, error)
}

// Request describes one selection.
type Request struct {
	Query          string
	TopK           int
	ConversationID string
	Filter         metadata.Filter
	MaxTokens      int

	// StrictIsolation limits the search to the conversation and pending
	// tiers. An empty result is then a valid answer.
	StrictIsolation bool

	// RecentUploads switches the recent tier to the created_at window.
	RecentUploads bool
}

// ContextResult is one selected chunk.
type ContextResult struct {
	ChunkID   string          `json:"chunk_id"`
	Content   string          `json:"content"`
	Metadata  metadata.Record `json:"metadata"`
	Score     float32         `json:"score"`
	Tier      Tier            `json:"tier"`
	Strategy  string          `json:"strategy"`
	Threshold float32         `json:"threshold"`
}

// Attempt records one tier (or one threshold of the recent tier).
type Attempt struct {
	Tier       Tier          `json:"tier"`
	Strategy   string        `json:"strategy"`
	Threshold  float32       `json:"threshold"`
	Candidates int           `json:"candidates"`
	Accepted   int           `json:"accepted"`
	Skipped    bool          `json:"skipped,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Trace explains how a selection was produced.
type Trace struct {
	Attempts       []Attempt     `json:"attempts"`
	TiersAttempted []Tier        `json:"tiers_attempted"`
	QualityDropped int           `json:"quality_dropped"`
	BudgetDropped  int           `json:"budget_dropped"`
	TokensUsed     int           `json:"tokens_used"`
	DegradedQuery  bool          `json:"degraded_query"`
	Elapsed        time.Duration `json:"elapsed"`
}

// Selection is the outcome of Select.
type Selection struct {
	Results     []ContextResult `json:"results"`
	ContextText string          `json:"context_text"`
	Trace       Trace           `json:"trace"`
}

// Selector runs tiered retrieval.
type Selector struct {
	embedder Embedder
	config   Config
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a Selector.
func New(embedder Embedder, config Config, logger *zap.Logger) (*Selector, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.clone()
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Selector{
		embedder: embedder,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Config returns the effective configuration.
func (s *Selector) Config() Config { return s.config }

// run collects the state of one Select call.
type run struct {
	s        *Selector
	store    Searcher
	req      Request
	vector   []float32
	fetchK   int
	seen     map[string]bool
	results  []ContextResult
	trace    *Trace
	attempts map[Tier]bool
}

// Select embeds the query and runs the tiers against store. Only caller
// errors and store failures are returned; an empty selection is not an
// error.
func (s *Selector) Select(ctx context.Context, store Searcher, req Request) (*Selection, error) {
	start := time.Now()
	if req.TopK < 0 {
		return nil, fmt.Errorf("%w: got %d", vectorstore.ErrInvalidTopK, req.TopK)
	}
	if req.TopK == 0 {
		req.TopK = s.config.TopK
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = s.config.MaxTokens
	}

	ctx, span := tracer.Start(ctx, "Selector.Select",
		trace.WithAttributes(
			attribute.Int("top_k", req.TopK),
			attribute.Bool("strict_isolation", req.StrictIsolation),
			attribute.Bool("conversation_scoped", req.ConversationID != ""),
		))
	defer span.End()

	vec, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	tr := &Trace{DegradedQuery: embeddings.IsFallbackVector(vec)}
	if tr.DegradedQuery {
		s.logger.Warn("query embedding is a fallback vector, results may be arbitrary")
	}

	r := &run{
		s:        s,
		store:    store,
		req:      req,
		vector:   vec,
		fetchK:   req.TopK * 2,
		seen:     make(map[string]bool),
		trace:    tr,
		attempts: make(map[Tier]bool),
	}
	if err := r.tiers(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	results := r.postFilter()
	tr.Elapsed = time.Since(start)

	span.SetAttributes(
		attribute.Int("results_count", len(results)),
		attribute.Int("tiers_attempted", len(tr.TiersAttempted)),
		attribute.Bool("degraded_query", tr.DegradedQuery),
	)
	s.logger.Debug("context selected",
		zap.Int("results", len(results)),
		zap.Int("tokens", tr.TokensUsed),
		zap.Int("quality_dropped", tr.QualityDropped),
		zap.Int("budget_dropped", tr.BudgetDropped),
		zap.Duration("elapsed", tr.Elapsed))

	return &Selection{
		Results:     results,
		ContextText: FormatContext(results),
		Trace:       *tr,
	}, nil
}

func (r *run) tiers(ctx context.Context) error {
	cfg := r.s.config
	conv := r.req.ConversationID

	if conv == "" {
		r.skip(TierConversation, StrategyConversationOrPending, *cfg.ConversationThreshold, "no conversation id")
		r.skip(TierPending, StrategyPendingOnly, *cfg.PendingThreshold, "no conversation id")
	} else {
		filter := r.req.Filter.And(metadata.ConversationCondition(conv))
		if _, err := r.search(ctx, TierConversation, StrategyConversationOrPending, filter, *cfg.ConversationThreshold); err != nil {
			return err
		}
		if r.full() {
			r.skip(TierPending, StrategyPendingOnly, *cfg.PendingThreshold, "top_k reached")
		} else {
			filter := r.req.Filter.And(metadata.PendingCondition(conv))
			if _, err := r.search(ctx, TierPending, StrategyPendingOnly, filter, *cfg.PendingThreshold); err != nil {
				return err
			}
		}
	}

	if r.req.StrictIsolation {
		reason := "strict isolation"
		r.skip(TierRecent, "", 0, reason)
		r.skip(TierGlobal, StrategyGlobal, *cfg.GlobalThreshold, reason)
		r.skip(TierEmergency, StrategyEmergency, *cfg.EmergencyThreshold, reason)
		return nil
	}

	if r.full() {
		r.skip(TierRecent, "", 0, "top_k reached")
	} else if err := r.recent(ctx); err != nil {
		return err
	}

	if len(r.results) > 0 {
		r.skip(TierGlobal, StrategyGlobal, *cfg.GlobalThreshold, "earlier tiers produced results")
	} else if _, err := r.search(ctx, TierGlobal, StrategyGlobal, r.req.Filter, *cfg.GlobalThreshold); err != nil {
		return err
	}

	if len(r.results) > 0 {
		r.skip(TierEmergency, StrategyEmergency, *cfg.EmergencyThreshold, "earlier tiers produced results")
	} else if _, err := r.search(ctx, TierEmergency, StrategyEmergency, r.req.Filter, *cfg.EmergencyThreshold); err != nil {
		return err
	}
	return nil
}

// recent runs the time-window variant when requested, otherwise one
// unfiltered search evaluated at each relaxed threshold in turn.
func (r *run) recent(ctx context.Context) error {
	cfg := r.s.config
	if r.req.RecentUploads {
		since := r.s.now().Add(-cfg.RecentWindow).Unix()
		filter := r.req.Filter.And(metadata.Gte{Key: metadata.KeyCreatedAt, Min: float64(since)})
		_, err := r.search(ctx, TierRecent, StrategyTimeWindow, filter, *cfg.RecentWindowThreshold)
		return err
	}

	start := time.Now()
	hits, err := r.query(ctx, TierRecent, r.req.Filter)
	if err != nil {
		return err
	}
	searchTime := time.Since(start)
	for i, threshold := range cfg.RecentThresholds {
		accepted := r.accept(hits, TierRecent, StrategyRelaxed, threshold)
		d := time.Duration(0)
		if i == 0 {
			d = searchTime
		}
		r.record(Attempt{
			Tier:       TierRecent,
			Strategy:   StrategyRelaxed,
			Threshold:  threshold,
			Candidates: len(hits),
			Accepted:   accepted,
			Duration:   d,
		})
		if accepted > 0 {
			break
		}
	}
	return nil
}

// search runs one store query for a tier and accepts the hits at or above
// threshold.
func (r *run) search(ctx context.Context, tier Tier, strategy string, filter metadata.Filter, threshold float32) (int, error) {
	start := time.Now()
	hits, err := r.query(ctx, tier, filter)
	if err != nil {
		return 0, err
	}
	accepted := r.accept(hits, tier, strategy, threshold)
	r.record(Attempt{
		Tier:       tier,
		Strategy:   strategy,
		Threshold:  threshold,
		Candidates: len(hits),
		Accepted:   accepted,
		Duration:   time.Since(start),
	})
	return accepted, nil
}

func (r *run) query(ctx context.Context, tier Tier, filter metadata.Filter) ([]vectorstore.Result, error) {
	ctx, span := tracer.Start(ctx, "Selector.tier", trace.WithAttributes(attribute.String("tier", string(tier))))
	defer span.End()

	hits, err := r.store.Search(ctx, r.vector, r.fetchK, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%s tier: %w", tier, err)
	}
	span.SetAttributes(attribute.Int("candidates", len(hits)))
	return hits, nil
}

// accept adds unseen hits at or above threshold, keeping the earliest tier
// for a chunk seen twice.
func (r *run) accept(hits []vectorstore.Result, tier Tier, strategy string, threshold float32) int {
	n := 0
	for _, h := range hits {
		if h.Score < threshold || r.seen[h.ChunkID] {
			continue
		}
		r.seen[h.ChunkID] = true
		r.results = append(r.results, ContextResult{
			ChunkID:   h.ChunkID,
			Content:   h.Content,
			Metadata:  h.Metadata,
			Score:     h.Score,
			Tier:      tier,
			Strategy:  strategy,
			Threshold: threshold,
		})
		n++
	}
	return n
}

func (r *run) full() bool { return len(r.results) >= r.req.TopK }

func (r *run) record(a Attempt) {
	r.trace.Attempts = append(r.trace.Attempts, a)
	if !r.attempts[a.Tier] {
		r.attempts[a.Tier] = true
		r.trace.TiersAttempted = append(r.trace.TiersAttempted, a.Tier)
	}
}

func (r *run) skip(tier Tier, strategy string, threshold float32, reason string) {
	r.trace.Attempts = append(r.trace.Attempts, Attempt{
		Tier:      tier,
		Strategy:  strategy,
		Threshold: threshold,
		Skipped:   true,
		Reason:    reason,
	})
}

// postFilter applies the quality floor, then the token budget over results
// ordered by (tier, score desc). Results without content, such as salvage
// placeholders, never count as context.
func (r *run) postFilter() []ContextResult {
	kept := r.results[:0:0]
	for _, res := range r.results {
		if res.Score < *r.s.config.MinScore || strings.TrimSpace(res.Content) == "" {
			r.trace.QualityDropped++
			continue
		}
		kept = append(kept, res)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		ri, rj := kept[i].Tier.Rank(), kept[j].Tier.Rank()
		if ri != rj {
			return ri < rj
		}
		return kept[i].Score > kept[j].Score
	})

	out := make([]ContextResult, 0, min(len(kept), r.req.TopK))
	tokens := 0
	for _, res := range kept {
		if len(out) >= r.req.TopK {
			break
		}
		t := EstimateTokens(res.Content)
		if tokens+t > r.req.MaxTokens {
			break
		}
		tokens += t
		out = append(out, res)
	}
	r.trace.BudgetDropped = len(kept) - len(out)
	r.trace.TokensUsed = tokens
	return out
}
