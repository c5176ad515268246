// Package rank – ranker.go computes ranked cross-conversation proposals:
// suggestions that a subject discussed elsewhere is relevant to the active
// conversation. Proposals are ephemeral and always recomputable; nothing
// here is persisted.
package rank

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cogfold/rebrief/pkg/rebrief/composer/ledger"
)

// exactMatchBoost rewards literal keyword overlap on top of an embedding
// similarity score, so semantic drift never fully displaces term matches.
const exactMatchBoost = 0.1

// Config tunes proposal scoring. MatchWeight and RecencyWeight are both in
// [0,1] and typically sum to at most 1.
type Config struct {
	// MatchWeight scales the similarity component.
	MatchWeight float64
	// RecencyWeight scales the recency component.
	RecencyWeight float64
	// MinSimilarity discards candidates whose keyword Jaccard falls below
	// it, before any ranking happens.
	MinSimilarity float64
	// MaxProposals caps the returned list.
	MaxProposals int
	// HalfLifeDays controls recency decay.
	HalfLifeDays float64
}

// DefaultConfig returns the stock weighting.
func DefaultConfig() Config {
	return Config{
		MatchWeight:   0.7,
		RecencyWeight: 0.3,
		MinSimilarity: 0.05,
		MaxProposals:  8,
		HalfLifeDays:  30,
	}
}

// Proposal is one ranked suggestion. Source and target conversations are
// always distinct.
type Proposal struct {
	ID                 string
	SourceConversation string
	SourceSubject      string
	TargetConversation string
	MatchedKeywords    []string
	Score              float64
	CreatedAt          time.Time
}

// EmbeddingIndex supplies semantic similarity between a keyword profile and
// a subject when a semantic index is available. Optional: a nil index means
// pure keyword-overlap scoring.
type EmbeddingIndex interface {
	Similarity(ctx context.Context, profileTerms []string, subject *ledger.Subject) (float64, error)
}

// Ranker scores candidate subjects from other conversations against the
// active conversation's keyword profile.
type Ranker struct {
	cfg        Config
	embeddings EmbeddingIndex
	logger     *slog.Logger
	now        func() time.Time
}

// NewRanker creates a Ranker with the given config. A zero MaxProposals or
// non-positive weights fall back to defaults.
func NewRanker(cfg Config, logger *slog.Logger) *Ranker {
	def := DefaultConfig()
	if cfg.MaxProposals <= 0 {
		cfg.MaxProposals = def.MaxProposals
	}
	if cfg.MatchWeight <= 0 && cfg.RecencyWeight <= 0 {
		cfg.MatchWeight, cfg.RecencyWeight = def.MatchWeight, def.RecencyWeight
	}
	if cfg.HalfLifeDays <= 0 {
		cfg.HalfLifeDays = def.HalfLifeDays
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ranker{
		cfg:    cfg,
		logger: logger.With("component", "ranker"),
		now:    time.Now,
	}
}

// SetEmbeddingIndex wires an optional semantic index after construction.
func (r *Ranker) SetEmbeddingIndex(idx EmbeddingIndex) {
	r.embeddings = idx
}

// scoredCandidate carries the raw components before blending.
type scoredCandidate struct {
	subject    *ledger.Subject
	source     string
	matched    []string
	similarity float64
	jaccard    float64
	recency    float64
	lastSeen   time.Time
}

// Rank scores every candidate subject against the target conversation's
// keyword profile and returns the top proposals, strictly descending by
// blended score, recency breaking ties. Candidates owned only by the target
// conversation, archived candidates, and candidates below the similarity
// floor are dropped. At most one proposal per source subject is returned.
func (r *Ranker) Rank(ctx context.Context, targetConversation string, profileTerms []string, candidates []*ledger.Subject) ([]Proposal, error) {
	now := r.now()
	scored := make([]scoredCandidate, 0, len(candidates))

	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cand.Archived {
			continue
		}
		source := sourceConversation(cand, targetConversation)
		if source == "" {
			// Only discussed in the target conversation itself: a proposal
			// must never point back into the conversation it is for.
			continue
		}

		jac := Jaccard(profileTerms, cand.Keywords)
		if jac < r.cfg.MinSimilarity {
			continue
		}

		similarity := jac
		if r.embeddings != nil {
			semantic, err := r.embeddings.Similarity(ctx, profileTerms, cand)
			if err != nil {
				r.logger.Warn("embedding similarity failed, using keyword overlap",
					"subject", cand.ID, "err", err)
			} else {
				similarity = semantic + exactMatchBoost*jac
			}
		}

		scored = append(scored, scoredCandidate{
			subject:    cand,
			source:     source,
			matched:    Intersect(profileTerms, cand.Keywords),
			similarity: similarity,
			jaccard:    jac,
			recency:    RecencyScore(cand.LastSeenAt, now, r.cfg.HalfLifeDays),
			lastSeen:   cand.LastSeenAt,
		})
	}

	ranked := rankCandidates(scored, r.cfg)

	proposals := make([]Proposal, 0, len(ranked))
	for _, sc := range ranked {
		proposals = append(proposals, Proposal{
			ID:                 uuid.NewString(),
			SourceConversation: sc.source,
			SourceSubject:      sc.subject.ID,
			TargetConversation: targetConversation,
			MatchedKeywords:    sc.matched,
			Score:              blend(sc.similarity, sc.recency, r.cfg),
			CreatedAt:          now,
		})
	}
	return proposals, nil
}

// rankCandidates deduplicates by subject, sorts by blended score descending
// with recency breaking ties, and truncates to MaxProposals.
func rankCandidates(scored []scoredCandidate, cfg Config) []scoredCandidate {
	// Dedup by source subject, keeping the better-scoring sighting.
	bySubject := make(map[string]scoredCandidate, len(scored))
	for _, sc := range scored {
		prev, ok := bySubject[sc.subject.ID]
		if !ok || blend(sc.similarity, sc.recency, cfg) > blend(prev.similarity, prev.recency, cfg) {
			bySubject[sc.subject.ID] = sc
		}
	}

	deduped := make([]scoredCandidate, 0, len(bySubject))
	for _, sc := range bySubject {
		deduped = append(deduped, sc)
	}

	sort.Slice(deduped, func(i, j int) bool {
		si := blend(deduped[i].similarity, deduped[i].recency, cfg)
		sj := blend(deduped[j].similarity, deduped[j].recency, cfg)
		if si != sj {
			return si > sj
		}
		return deduped[i].lastSeen.After(deduped[j].lastSeen)
	})

	if cfg.MaxProposals > 0 && len(deduped) > cfg.MaxProposals {
		deduped = deduped[:cfg.MaxProposals]
	}
	return deduped
}

// blend combines the similarity and recency components.
func blend(similarity, recency float64, cfg Config) float64 {
	return similarity*cfg.MatchWeight + recency*cfg.RecencyWeight
}

// sourceConversation picks the conversation a proposal would cite as its
// origin: the first owner that is not the target. Empty when none exists.
func sourceConversation(subj *ledger.Subject, target string) string {
	for _, id := range subj.ConversationIDs {
		if id != target {
			return id
		}
	}
	return ""
}
