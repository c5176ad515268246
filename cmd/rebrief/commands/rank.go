package commands

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cogfold/rebrief/pkg/rebrief/composer"
	"github.com/cogfold/rebrief/pkg/rebrief/composer/ledger"
	"github.com/cogfold/rebrief/pkg/rebrief/composer/rank"
)

// newRankCmd creates the `rebrief rank` command: one-shot proposal ranking
// for a conversation, seeded from a YAML file of subjects.
func newRankCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rank [conversation]",
		Short: "Rank cross-conversation proposals once",
		Long: `Rank subjects from other conversations against a conversation's
keyword profile and print the proposals, best first. Subjects and the
profile come from a seed file:

  profile:
    conversation: conv-main
    terms: [rust, async, tokio]
  subjects:
    - conversation: conv-a
      keywords: [rust, tokio]
      description: picking an async runtime
      last_seen: 2026-08-01T00:00:00Z

Examples:
  rebrief rank --seed subjects.yaml
  rebrief rank conv-main --seed subjects.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: runRank,
	}

	cmd.Flags().String("seed", "", "YAML file with the profile and candidate subjects")
	_ = cmd.MarkFlagRequired("seed")
	return cmd
}

// rankSeed is the seed file layout.
type rankSeed struct {
	Profile struct {
		Conversation string   `yaml:"conversation"`
		Terms        []string `yaml:"terms"`
	} `yaml:"profile"`
	Subjects []struct {
		Conversation string    `yaml:"conversation"`
		Keywords     []string  `yaml:"keywords"`
		Description  string    `yaml:"description"`
		LastSeen     time.Time `yaml:"last_seen"`
	} `yaml:"subjects"`
}

func runRank(cmd *cobra.Command, args []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := buildLogger(cfg, cmd)

	seedPath, _ := cmd.Flags().GetString("seed")
	data, err := os.ReadFile(seedPath)
	if err != nil {
		return fmt.Errorf("reading seed file: %w", err)
	}
	var seed rankSeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parsing seed file: %w", err)
	}

	conversation := seed.Profile.Conversation
	if len(args) > 0 {
		conversation = args[0]
	}
	if conversation == "" {
		return fmt.Errorf("no target conversation: pass one as an argument or set profile.conversation")
	}

	ctx := cmd.Context()
	led := ledger.NewLedger(ledger.NewMemStore(), logger)
	for i, s := range seed.Subjects {
		at := s.LastSeen
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := led.RecordSubject(ctx, s.Conversation, s.Keywords, s.Description, at); err != nil {
			return fmt.Errorf("seeding subject %d: %w", i+1, err)
		}
	}

	candidates, err := led.AllSubjects(ctx)
	if err != nil {
		return fmt.Errorf("listing subjects: %w", err)
	}

	ranker := rank.NewRanker(rank.Config{
		MatchWeight:   cfg.Ranker.MatchWeight,
		RecencyWeight: cfg.Ranker.RecencyWeight,
		MinSimilarity: cfg.Ranker.MinSimilarity,
		MaxProposals:  cfg.Ranker.MaxProposals,
		HalfLifeDays:  cfg.Ranker.RecencyHalfLifeDays,
	}, logger)

	proposals, err := ranker.Rank(ctx, conversation, seed.Profile.Terms, candidates)
	if err != nil {
		return fmt.Errorf("ranking: %w", err)
	}
	if len(proposals) == 0 {
		fmt.Println("no proposals above the similarity floor")
		return nil
	}

	byID := make(map[string]*ledger.Subject, len(candidates))
	for _, s := range candidates {
		byID[s.ID] = s
	}
	for i, p := range proposals {
		line := fmt.Sprintf("%2d. %.3f  %s", i+1, p.Score, p.SourceConversation)
		if subj, ok := byID[p.SourceSubject]; ok {
			rendered := composer.RenderSubject(subj, composer.TierBalanced)
			line += "  " + rendered.Text
		}
		fmt.Println(line)
		fmt.Printf("      matched: %s\n", strings.Join(p.MatchedKeywords, ", "))
	}
	return nil
}
