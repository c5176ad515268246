// Package ledger – types.go defines the analysis objects tracked per
// conversation: Subjects (discussion themes identified by their keyword
// set), Keywords (normalized terms), and Summaries (versioned prose
// attached to a Subject within one conversation).
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// ObjectType discriminates the object kinds a Store can hold.
type ObjectType string

const (
	TypeSubject ObjectType = "subject"
	TypeKeyword ObjectType = "keyword"
	TypeSummary ObjectType = "summary"
)

// ObjectMeta carries the store-level identity of an object. ID is derived
// from the object's content identity and never changes; Revision is assigned
// by the store on every write, and PrevRevision links back to the revision
// the write replaced.
type ObjectMeta struct {
	ID           string
	Revision     string
	PrevRevision string
}

// ObjectID returns the content-derived identity.
func (m ObjectMeta) ObjectID() string { return m.ID }

// Object is anything the ledger persists through a Store.
type Object interface {
	ObjectID() string
	Type() ObjectType
	// InConversation reports whether the object belongs to the given
	// conversation. Used by stores to scope iteration.
	InConversation(conversationID string) bool
	// Clone returns a deep copy so store internals never alias caller state.
	Clone() Object
}

// TimeRange is one contiguous span during which a subject was discussed.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Subject is a tracked discussion theme. Its identity is derived from its
// normalized keyword set, order-independent, and never changes after
// creation; every update is a fresh revision under the same identity.
// Subjects can be archived (soft-disabled) but are never deleted.
type Subject struct {
	ObjectMeta

	// Keywords holds the normalized terms that identify this subject.
	Keywords    []string
	Description string
	// Level is the abstraction level (1..42), computed lazily; nil until scored.
	Level *int

	TimeRanges      []TimeRange
	CreatedAt       time.Time
	LastSeenAt      time.Time
	MessageCount    int
	ConversationIDs []string
	MemoryRefs      []string

	Archived bool
}

// Type implements Object.
func (s *Subject) Type() ObjectType { return TypeSubject }

// InConversation implements Object.
func (s *Subject) InConversation(conversationID string) bool {
	for _, id := range s.ConversationIDs {
		if id == conversationID {
			return true
		}
	}
	return false
}

// Clone implements Object.
func (s *Subject) Clone() Object {
	c := *s
	c.Keywords = append([]string(nil), s.Keywords...)
	c.TimeRanges = append([]TimeRange(nil), s.TimeRanges...)
	c.ConversationIDs = append([]string(nil), s.ConversationIDs...)
	c.MemoryRefs = append([]string(nil), s.MemoryRefs...)
	if s.Level != nil {
		lv := *s.Level
		c.Level = &lv
	}
	return &c
}

// PrimaryKeyword returns the first keyword of the identity set, or "".
func (s *Subject) PrimaryKeyword() string {
	if len(s.Keywords) == 0 {
		return ""
	}
	return s.Keywords[0]
}

// Name returns a short human-readable label for the subject: its description
// when present, otherwise the joined keyword set.
func (s *Subject) Name() string {
	if s.Description != "" {
		if i := strings.IndexAny(s.Description, ".\n"); i > 0 && i < 60 {
			return s.Description[:i]
		}
		if len(s.Description) > 60 {
			return s.Description[:60]
		}
		return s.Description
	}
	return strings.Join(s.Keywords, ", ")
}

// SubjectIdentity derives the stable subject ID from a keyword set. Terms
// are normalized, de-duplicated, and sorted before hashing, so identity is
// order-independent and case/whitespace-insensitive.
func SubjectIdentity(terms []string) string {
	normalized := NormalizeTerms(terms)
	sort.Strings(normalized)
	h := sha256.Sum256([]byte(strings.Join(normalized, "\n")))
	return "sub_" + hex.EncodeToString(h[:8])
}

// Keyword is a normalized term tracked across subjects and conversations.
// Its identity is the normalized term itself.
type Keyword struct {
	ObjectMeta

	Term       string
	Frequency  int
	LastSeenAt time.Time
	// Relevance is an optional externally computed score; zero means unset.
	Relevance float64

	SubjectIDs      []string
	ConversationIDs []string
}

// Type implements Object.
func (k *Keyword) Type() ObjectType { return TypeKeyword }

// InConversation implements Object.
func (k *Keyword) InConversation(conversationID string) bool {
	for _, id := range k.ConversationIDs {
		if id == conversationID {
			return true
		}
	}
	return false
}

// Clone implements Object.
func (k *Keyword) Clone() Object {
	c := *k
	c.SubjectIDs = append([]string(nil), k.SubjectIDs...)
	c.ConversationIDs = append([]string(nil), k.ConversationIDs...)
	return &c
}

// KeywordIdentity derives the stable keyword ID from a raw term.
func KeywordIdentity(term string) string {
	return "kw_" + NormalizeTerm(term)
}

// Summary is generated prose for one (Subject, Conversation) pair. At most
// one live Summary exists per pair; new text becomes a higher Version with
// PrevRevision pointing at the replaced revision.
type Summary struct {
	ObjectMeta

	SubjectID      string
	ConversationID string
	Text           string
	KeywordRefs    []string
	Version        int
	CreatedAt      time.Time
}

// Type implements Object.
func (s *Summary) Type() ObjectType { return TypeSummary }

// InConversation implements Object.
func (s *Summary) InConversation(conversationID string) bool {
	return s.ConversationID == conversationID
}

// Clone implements Object.
func (s *Summary) Clone() Object {
	c := *s
	c.KeywordRefs = append([]string(nil), s.KeywordRefs...)
	return &c
}

// SummaryIdentity derives the stable summary ID for a (subject,
// conversation) pair.
func SummaryIdentity(subjectID, conversationID string) string {
	h := sha256.Sum256([]byte(subjectID + "\x00" + conversationID))
	return "sum_" + hex.EncodeToString(h[:8])
}
