// Package ledger – ledger.go implements the analysis ledger: the component
// that records Subjects, Keywords, and Summaries for each conversation in
// the object store and serves them back through short-TTL query caches.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// defaultCacheTTL bounds how stale per-conversation subject/keyword
	// query results may be before the store is consulted again.
	defaultCacheTTL = 5 * time.Second

	// rangeGap is the largest silence between two sightings that still
	// extends a subject's current discussion time range instead of opening
	// a new one.
	rangeGap = 10 * time.Minute
)

// Ledger records and retrieves analysis objects for conversations. All
// structural invariants (identity derivation, revision chains, summary
// versioning) are enforced here, not by callers.
type Ledger struct {
	store  Store
	logger *slog.Logger

	cacheTTL time.Duration
	now      func() time.Time

	cacheMu      sync.RWMutex
	subjectCache map[string]subjectCacheEntry
	keywordCache map[string]keywordCacheEntry
}

type subjectCacheEntry struct {
	subjects []*Subject
	cachedAt time.Time
}

type keywordCacheEntry struct {
	keywords []*Keyword
	cachedAt time.Time
}

// NewLedger creates a Ledger over the given store.
func NewLedger(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:        store,
		logger:       logger.With("component", "ledger"),
		cacheTTL:     defaultCacheTTL,
		now:          time.Now,
		subjectCache: make(map[string]subjectCacheEntry),
		keywordCache: make(map[string]keywordCacheEntry),
	}
}

// SetCacheTTL overrides the staleness bound of the subject and keyword
// caches. Call before the ledger is shared across goroutines.
func (l *Ledger) SetCacheTTL(d time.Duration) {
	if d > 0 {
		l.cacheTTL = d
	}
}

// ObserveKeywords records one sighting of each term in the conversation.
// New terms are created with frequency 1; existing terms get their counter
// bumped in a new revision. Terms that normalize to the same identity hit
// the same counter.
func (l *Ledger) ObserveKeywords(ctx context.Context, conversationID string, terms []string, at time.Time) ([]*Keyword, error) {
	normalized := NormalizeTerms(terms)
	out := make([]*Keyword, 0, len(normalized))

	for _, term := range normalized {
		kw := &Keyword{
			ObjectMeta:      ObjectMeta{ID: KeywordIdentity(term)},
			Term:            term,
			Frequency:       1,
			LastSeenAt:      at,
			ConversationIDs: []string{conversationID},
		}
		stored, created, err := l.store.CreateOrGetByIdentity(ctx, kw)
		if err != nil {
			return nil, fmt.Errorf("observe keyword %q: %w", term, err)
		}
		if created {
			out = append(out, stored.(*Keyword))
			continue
		}

		existing := stored.(*Keyword)
		existing.Frequency++
		existing.LastSeenAt = at
		existing.ConversationIDs = mergeID(existing.ConversationIDs, conversationID)
		rev, err := l.store.PutNewRevision(ctx, existing)
		if err != nil {
			return nil, fmt.Errorf("bump keyword %q: %w", term, err)
		}
		existing.PrevRevision, existing.Revision = existing.Revision, rev
		out = append(out, existing)
	}

	l.Invalidate(conversationID)
	return out, nil
}

// RecordSubject records a sighting of the subject identified by the given
// keyword set. A new subject starts with message count 1 and one time
// range; an existing one gets its count bumped, its time ranges extended,
// and the conversation linked, all as a new revision under the unchanged
// identity. The subject's keywords are observed as a side effect and
// back-linked to the subject.
func (l *Ledger) RecordSubject(ctx context.Context, conversationID string, terms []string, description string, at time.Time) (*Subject, error) {
	normalized := NormalizeTerms(terms)
	if len(normalized) == 0 {
		return nil, fmt.Errorf("record subject: no usable keywords")
	}

	subj := &Subject{
		ObjectMeta:      ObjectMeta{ID: SubjectIdentity(normalized)},
		Keywords:        normalized,
		Description:     description,
		TimeRanges:      []TimeRange{{Start: at, End: at}},
		CreatedAt:       at,
		LastSeenAt:      at,
		MessageCount:    1,
		ConversationIDs: []string{conversationID},
	}

	stored, created, err := l.store.CreateOrGetByIdentity(ctx, subj)
	if err != nil {
		return nil, fmt.Errorf("record subject: %w", err)
	}

	result := stored.(*Subject)
	if !created {
		result.MessageCount++
		result.LastSeenAt = at
		result.ConversationIDs = mergeID(result.ConversationIDs, conversationID)
		if description != "" && len(description) > len(result.Description) {
			result.Description = description
		}
		result.TimeRanges = extendRanges(result.TimeRanges, at)
		rev, err := l.store.PutNewRevision(ctx, result)
		if err != nil {
			return nil, fmt.Errorf("update subject %s: %w", result.ID, err)
		}
		result.PrevRevision, result.Revision = result.Revision, rev
	}

	if err := l.linkKeywords(ctx, conversationID, result, at); err != nil {
		return nil, err
	}

	l.Invalidate(conversationID)
	return result, nil
}

// linkKeywords observes the subject's terms and adds the subject to each
// keyword's back-reference list.
func (l *Ledger) linkKeywords(ctx context.Context, conversationID string, subj *Subject, at time.Time) error {
	keywords, err := l.ObserveKeywords(ctx, conversationID, subj.Keywords, at)
	if err != nil {
		return fmt.Errorf("link keywords for %s: %w", subj.ID, err)
	}
	for _, kw := range keywords {
		merged := mergeID(kw.SubjectIDs, subj.ID)
		if len(merged) == len(kw.SubjectIDs) {
			continue
		}
		kw.SubjectIDs = merged
		if _, err := l.store.PutNewRevision(ctx, kw); err != nil {
			return fmt.Errorf("backlink keyword %q: %w", kw.Term, err)
		}
	}
	return nil
}

// SetSubjectLevel persists a lazily computed abstraction level.
func (l *Ledger) SetSubjectLevel(ctx context.Context, subjectID string, level int) error {
	obj, err := l.store.GetByIdentity(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("load subject %s: %w", subjectID, err)
	}
	subj := obj.(*Subject)
	subj.Level = &level
	if _, err := l.store.PutNewRevision(ctx, subj); err != nil {
		return fmt.Errorf("store subject level: %w", err)
	}
	l.invalidateAllFor(subj)
	return nil
}

// ArchiveSubject soft-disables a subject. Archived subjects stay in the
// store and keep their identity; they are only excluded from active views.
func (l *Ledger) ArchiveSubject(ctx context.Context, subjectID string) error {
	obj, err := l.store.GetByIdentity(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("load subject %s: %w", subjectID, err)
	}
	subj := obj.(*Subject)
	if subj.Archived {
		return nil
	}
	subj.Archived = true
	if _, err := l.store.PutNewRevision(ctx, subj); err != nil {
		return fmt.Errorf("archive subject: %w", err)
	}
	l.invalidateAllFor(subj)
	return nil
}

// AttachSummary stores prose for a (subject, conversation) pair. The first
// summary for a pair starts at version 1; later calls replace it with an
// incremented version that points back at the replaced revision.
func (l *Ledger) AttachSummary(ctx context.Context, conversationID, subjectID, text string, keywordRefs []string) (*Summary, error) {
	sum := &Summary{
		ObjectMeta:     ObjectMeta{ID: SummaryIdentity(subjectID, conversationID)},
		SubjectID:      subjectID,
		ConversationID: conversationID,
		Text:           text,
		KeywordRefs:    append([]string(nil), keywordRefs...),
		Version:        1,
		CreatedAt:      l.now(),
	}

	stored, created, err := l.store.CreateOrGetByIdentity(ctx, sum)
	if err != nil {
		return nil, fmt.Errorf("attach summary: %w", err)
	}
	if created {
		return stored.(*Summary), nil
	}

	existing := stored.(*Summary)
	existing.Text = text
	existing.KeywordRefs = append([]string(nil), keywordRefs...)
	existing.Version++
	existing.CreatedAt = l.now()
	rev, err := l.store.PutNewRevision(ctx, existing)
	if err != nil {
		return nil, fmt.Errorf("version summary %s: %w", existing.ID, err)
	}
	existing.PrevRevision, existing.Revision = existing.Revision, rev
	return existing, nil
}

// Subjects returns every subject linked to the conversation, served from
// the query cache when fresh. The returned slice is shared with the cache;
// callers must treat it as read-only.
func (l *Ledger) Subjects(ctx context.Context, conversationID string) ([]*Subject, error) {
	l.cacheMu.RLock()
	entry, ok := l.subjectCache[conversationID]
	l.cacheMu.RUnlock()
	if ok && l.now().Sub(entry.cachedAt) < l.cacheTTL {
		return entry.subjects, nil
	}

	subjects, err := l.collectSubjects(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	l.cacheMu.Lock()
	l.subjectCache[conversationID] = subjectCacheEntry{subjects: subjects, cachedAt: l.now()}
	l.cacheMu.Unlock()
	return subjects, nil
}

func (l *Ledger) collectSubjects(ctx context.Context, conversationID string) ([]*Subject, error) {
	ch, err := l.store.Iterate(ctx, conversationID, TypeSubject)
	if err != nil {
		return nil, fmt.Errorf("iterate subjects: %w", err)
	}
	var subjects []*Subject
	for obj := range ch {
		subj, ok := obj.(*Subject)
		if !ok {
			l.logger.Warn("skipping non-subject object in subject stream", "id", obj.ObjectID())
			continue
		}
		subjects = append(subjects, subj)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Slice(subjects, func(i, j int) bool {
		return subjects[i].LastSeenAt.After(subjects[j].LastSeenAt)
	})
	return subjects, nil
}

// AllSubjects returns the latest revision of every subject across all
// conversations, most recently seen first, for cross-conversation ranking.
// Served through the same TTL cache as per-conversation listings.
func (l *Ledger) AllSubjects(ctx context.Context) ([]*Subject, error) {
	return l.Subjects(ctx, "")
}

// ActiveSubjects returns the conversation's non-archived subjects, most
// recently seen first.
func (l *Ledger) ActiveSubjects(ctx context.Context, conversationID string) ([]*Subject, error) {
	all, err := l.Subjects(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	active := make([]*Subject, 0, len(all))
	for _, s := range all {
		if !s.Archived {
			active = append(active, s)
		}
	}
	return active, nil
}

// Keywords returns every keyword seen in the conversation, cache-served
// when fresh. Shared slice semantics as Subjects.
func (l *Ledger) Keywords(ctx context.Context, conversationID string) ([]*Keyword, error) {
	l.cacheMu.RLock()
	entry, ok := l.keywordCache[conversationID]
	l.cacheMu.RUnlock()
	if ok && l.now().Sub(entry.cachedAt) < l.cacheTTL {
		return entry.keywords, nil
	}

	ch, err := l.store.Iterate(ctx, conversationID, TypeKeyword)
	if err != nil {
		return nil, fmt.Errorf("iterate keywords: %w", err)
	}
	var keywords []*Keyword
	for obj := range ch {
		kw, ok := obj.(*Keyword)
		if !ok {
			l.logger.Warn("skipping non-keyword object in keyword stream", "id", obj.ObjectID())
			continue
		}
		keywords = append(keywords, kw)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.cacheMu.Lock()
	l.keywordCache[conversationID] = keywordCacheEntry{keywords: keywords, cachedAt: l.now()}
	l.cacheMu.Unlock()
	return keywords, nil
}

// TopKeywords returns the conversation's n most frequent keywords,
// frequency descending, more recently seen first on ties.
func (l *Ledger) TopKeywords(ctx context.Context, conversationID string, n int) ([]*Keyword, error) {
	keywords, err := l.Keywords(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	sorted := append([]*Keyword(nil), keywords...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Frequency != sorted[j].Frequency {
			return sorted[i].Frequency > sorted[j].Frequency
		}
		return sorted[i].LastSeenAt.After(sorted[j].LastSeenAt)
	})
	if n > 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted, nil
}

// SubjectKeywords resolves a subject's keyword references to live Keyword
// objects. A reference that no longer resolves is logged and skipped — the
// subject must remain usable regardless.
func (l *Ledger) SubjectKeywords(ctx context.Context, subj *Subject) ([]*Keyword, error) {
	out := make([]*Keyword, 0, len(subj.Keywords))
	for _, term := range subj.Keywords {
		obj, err := l.store.GetByIdentity(ctx, KeywordIdentity(term))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				l.logger.Warn("subject references missing keyword", "subject", subj.ID, "term", term)
				continue
			}
			return nil, fmt.Errorf("resolve keyword %q: %w", term, err)
		}
		out = append(out, obj.(*Keyword))
	}
	return out, nil
}

// LatestSummary returns the freshest summary recorded for the
// conversation across all of its subjects, or ErrNotFound.
func (l *Ledger) LatestSummary(ctx context.Context, conversationID string) (*Summary, error) {
	ch, err := l.store.Iterate(ctx, conversationID, TypeSummary)
	if err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}
	var latest *Summary
	for obj := range ch {
		sum, ok := obj.(*Summary)
		if !ok {
			continue
		}
		if latest == nil || sum.CreatedAt.After(latest.CreatedAt) {
			latest = sum
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

// SummaryForSubject returns the live summary for one (subject,
// conversation) pair, or ErrNotFound.
func (l *Ledger) SummaryForSubject(ctx context.Context, subjectID, conversationID string) (*Summary, error) {
	obj, err := l.store.GetByIdentity(ctx, SummaryIdentity(subjectID, conversationID))
	if err != nil {
		return nil, err
	}
	return obj.(*Summary), nil
}

// IterateSubjects streams the conversation's subjects without collecting
// them first. The channel closes when the stream ends or ctx is cancelled.
func (l *Ledger) IterateSubjects(ctx context.Context, conversationID string) (<-chan *Subject, error) {
	ch, err := l.store.Iterate(ctx, conversationID, TypeSubject)
	if err != nil {
		return nil, fmt.Errorf("iterate subjects: %w", err)
	}
	out := make(chan *Subject)
	go func() {
		defer close(out)
		for obj := range ch {
			subj, ok := obj.(*Subject)
			if !ok {
				continue
			}
			select {
			case out <- subj:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// DecayRelevance multiplies every keyword's relevance score by factor,
// writing a new revision per touched keyword. Unset (zero) scores are left
// alone, as is everything when factor falls outside (0,1). Returns how many
// keywords were updated; a keyword that fails to persist is logged and
// skipped so one bad write never aborts the sweep.
func (l *Ledger) DecayRelevance(ctx context.Context, factor float64) (int, error) {
	if factor <= 0 || factor >= 1 {
		return 0, nil
	}
	ch, err := l.store.Iterate(ctx, "", TypeKeyword)
	if err != nil {
		return 0, fmt.Errorf("iterate keywords for decay: %w", err)
	}

	updated := 0
	for obj := range ch {
		kw, ok := obj.(*Keyword)
		if !ok || kw.Relevance == 0 {
			continue
		}
		kw.Relevance *= factor
		if _, err := l.store.PutNewRevision(ctx, kw); err != nil {
			l.logger.Warn("keyword decay write failed", "keyword", kw.Term, "error", err)
			continue
		}
		updated++
	}
	if err := ctx.Err(); err != nil {
		return updated, err
	}
	if updated > 0 {
		l.ClearCaches()
	}
	return updated, nil
}

// Invalidate drops the cached query results for one conversation.
func (l *Ledger) Invalidate(conversationID string) {
	l.cacheMu.Lock()
	delete(l.subjectCache, conversationID)
	delete(l.keywordCache, conversationID)
	l.cacheMu.Unlock()
}

// ClearCaches drops all cached query results.
func (l *Ledger) ClearCaches() {
	l.cacheMu.Lock()
	l.subjectCache = make(map[string]subjectCacheEntry)
	l.keywordCache = make(map[string]keywordCacheEntry)
	l.cacheMu.Unlock()
}

// invalidateAllFor invalidates the cache of every conversation linked to
// the subject, plus the cross-conversation listing.
func (l *Ledger) invalidateAllFor(subj *Subject) {
	for _, conv := range subj.ConversationIDs {
		l.Invalidate(conv)
	}
	l.Invalidate("")
}

// extendRanges grows the most recent time range when the sighting falls
// within rangeGap of its end, otherwise opens a new range.
func extendRanges(ranges []TimeRange, at time.Time) []TimeRange {
	if len(ranges) == 0 {
		return []TimeRange{{Start: at, End: at}}
	}
	last := &ranges[len(ranges)-1]
	if at.Sub(last.End) <= rangeGap {
		if at.After(last.End) {
			last.End = at
		}
		return ranges
	}
	return append(ranges, TimeRange{Start: at, End: at})
}

// mergeID appends id if absent, preserving order.
func mergeID(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
