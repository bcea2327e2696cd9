// Package discovery implements the Discovery Planner: deterministic
// alias/query generation, known-host strategy lookup, optional LLM query
// expansion, and SERP candidate triage.
package discovery

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/spec-harvester/convergence/internal/config"
	"github.com/spec-harvester/convergence/internal/llmclient"
	"github.com/spec-harvester/convergence/internal/logging"
	"github.com/spec-harvester/convergence/internal/types"
)

// DocHint tags the kind of document a query is expected to surface.
type DocHint string

const (
	DocHintManualPDF      DocHint = "manual_pdf"
	DocHintSpecPDF        DocHint = "spec_pdf"
	DocHintSupport        DocHint = "support"
	DocHintLabReview      DocHint = "lab_review"
	DocHintTeardownReview DocHint = "teardown_review"
	DocHintRetail         DocHint = "retail"
	DocHintGeneral        DocHint = "general"
)

// maxAliases caps the deterministic alias set.
const maxAliases = 12

// QueryRow is one structured search query the Fetch Scheduler's search lane
// issues against a SERP provider.
type QueryRow struct {
	Query        string
	TargetFields []string
	DocHint      DocHint
	FromLLM      bool
}

// SearchProfile is the Discovery Planner's full output for one round: the
// deterministic alias set plus the query rows to issue.
type SearchProfile struct {
	Aliases []string
	Queries []QueryRow
}

var digitGroupRE = regexp.MustCompile(`\d+`)

// GenerateAliases produces a deterministic, capped set of brand/model
// spelling variants: spacing, hyphenation, and digit-group-preserving
// forms. Output is stable across calls for the same product.
func GenerateAliases(p types.Product) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		key := strings.ToLower(s)
		if seen[key] || len(out) >= maxAliases {
			return
		}
		seen[key] = true
		out = append(out, s)
	}

	base := strings.TrimSpace(p.Brand + " " + p.Model)
	add(base)
	add(p.Brand + p.Model)
	add(strings.ReplaceAll(base, " ", "-"))
	add(strings.ReplaceAll(base, " ", ""))

	if p.Variant != "" {
		add(base + " " + p.Variant)
		add(base + "-" + strings.ReplaceAll(p.Variant, " ", "-"))
	}
	if p.SKU != "" {
		add(base + " " + p.SKU)
	}
	for _, a := range p.Aliases {
		add(a)
	}

	// Digit-group variants: "V3 Pro" -> "V 3 Pro", "V3Pro".
	if digitGroupRE.MatchString(base) {
		spaced := digitGroupRE.ReplaceAllStringFunc(base, func(m string) string { return " " + m + " " })
		add(strings.Join(strings.Fields(spaced), " "))
	}

	sort.Strings(out[min(1, len(out)):]) // keep the canonical base first, rest sorted
	if len(out) > maxAliases {
		out = out[:maxAliases]
	}
	return out
}

// deterministicDocHints picks the doc hints worth querying for from the
// field's tier preference: every field gets the manual/spec/support and
// retail/general hints, plus lab-review/teardown hints when the field's
// tier preference includes lab reviews.
func deterministicDocHints(field types.FieldContract) []DocHint {
	hints := []DocHint{DocHintManualPDF, DocHintSpecPDF, DocHintSupport}
	for _, t := range field.TierPreference {
		if t == types.TierLabReview {
			hints = append(hints, DocHintLabReview, DocHintTeardownReview)
		}
	}
	hints = append(hints, DocHintRetail, DocHintGeneral)
	return hints
}

// GenerateQueries builds the deterministic query set from aliases and
// deficit fields (NeedSet rows with non-zero score). When needset is empty
// (Round 0 bootstrap), it queries generally for every alias.
func GenerateQueries(aliases []string, needset []types.NeedSetRow, contract types.CategoryContract) []QueryRow {
	var rows []QueryRow
	if len(needset) == 0 {
		for _, alias := range aliases {
			rows = append(rows, QueryRow{Query: alias, DocHint: DocHintGeneral})
			rows = append(rows, QueryRow{Query: alias + " specifications", DocHint: DocHintSpecPDF})
		}
		return rows
	}

	for _, row := range needset {
		if row.NeedScore <= 0 {
			continue
		}
		field, ok := contract.FieldByKey(row.FieldKey)
		if !ok {
			continue
		}
		alias := aliases[0]
		for _, hint := range deterministicDocHints(field) {
			q := fmt.Sprintf("%s %s %s", alias, row.FieldKey, hint)
			rows = append(rows, QueryRow{Query: q, TargetFields: []string{row.FieldKey}, DocHint: hint})
		}
	}
	return dedupeQueries(rows)
}

func dedupeQueries(rows []QueryRow) []QueryRow {
	seen := map[string]bool{}
	out := make([]QueryRow, 0, len(rows))
	for _, r := range rows {
		key := strings.ToLower(r.Query)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

// ExpandWithLLM optionally asks an LLM for additional query phrasing when
// NeedSet shows deep-field deficits or a previous round yielded little.
// The LLM's raw output is never trusted directly: every candidate line
// must contain the brand token and preserve every digit group from the
// base alias, or it is dropped.
func ExpandWithLLM(ctx context.Context, client *llmclient.Client, product types.Product, deficitFields []string) ([]QueryRow, error) {
	if client == nil || !client.Enabled() {
		return nil, nil
	}
	prompt := fmt.Sprintf(
		"Generate up to 6 web search queries to find technical specifications for the product %q %q. "+
			"Focus on these missing fields: %s. One query per line, no numbering, no commentary.",
		product.Brand, product.Model, strings.Join(deficitFields, ", "))

	text, err := client.Generate(ctx, prompt)
	if err != nil {
		logging.Get(logging.CategoryDiscovery).Warn("llm query expansion failed: %v", err)
		return nil, nil
	}

	brandToken := strings.ToLower(product.Brand)
	modelDigits := digitGroups(product.Model)

	var rows []QueryRow
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		if brandToken != "" && !strings.Contains(lower, brandToken) {
			continue
		}
		if !digitGroupsPreserved(modelDigits, line) {
			continue
		}
		if len(rows) >= 6 {
			break
		}
		rows = append(rows, QueryRow{Query: line, TargetFields: deficitFields, DocHint: DocHintGeneral, FromLLM: true})
	}
	return rows, nil
}

func digitGroups(s string) []string {
	return digitGroupRE.FindAllString(s, -1)
}

func digitGroupsPreserved(groups []string, candidate string) bool {
	for _, g := range groups {
		if !strings.Contains(candidate, g) {
			return false
		}
	}
	return true
}

// TriageScore decomposes a SERP candidate's relevance into its fixed,
// explainable components.
type TriageScore struct {
	TierMatch      float64
	DocKindMatch   float64
	TokenMatch     float64
	PDFBonus       float64
	DeniedPenalty  float64
	DuplicatePenalty float64
}

// Total sums the decomposition into one ranking score.
func (s TriageScore) Total() float64 {
	return s.TierMatch + s.DocKindMatch + s.TokenMatch + s.PDFBonus - s.DeniedPenalty - s.DuplicatePenalty
}

// Candidate is one SERP result under triage.
type Candidate struct {
	URL     string
	Title   string
	Host    string
	Seen    bool // true if this host/URL was already selected this round
}

// TriageResult is one scored, reasoned candidate.
type TriageResult struct {
	Candidate Candidate
	Score     TriageScore
	Denied    bool
}

// Triage scores SERP candidates against the strategy table and a query's
// intended doc hint and target fields, returning results ordered by total
// score descending.
func Triage(candidates []Candidate, hint DocHint, productTokens []string, tables *config.OperatorTables, deniedHosts map[string]bool) []TriageResult {
	results := make([]TriageResult, 0, len(candidates))
	for _, c := range candidates {
		score := TriageScore{}
		var denied bool

		if entry, ok := tables.StrategyFor(c.Host); ok {
			score.TierMatch = tierMatchScore(entry.Tier)
			if strings.EqualFold(entry.DocKind, string(hint)) {
				score.DocKindMatch = 0.3
			}
		}
		if deniedHosts != nil && deniedHosts[c.Host] {
			score.DeniedPenalty = 1.0
			denied = true
		}
		score.TokenMatch = tokenMatchScore(c.Title, productTokens)
		if strings.HasSuffix(strings.ToLower(c.URL), ".pdf") {
			score.PDFBonus = 0.2
		}
		if c.Seen {
			score.DuplicatePenalty = 0.5
		}

		results = append(results, TriageResult{Candidate: c, Score: score, Denied: denied})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score.Total() > results[j].Score.Total()
	})
	return results
}

func tierMatchScore(tier int) float64 {
	switch tier {
	case 1:
		return 1.0
	case 2:
		return 0.8
	case 3:
		return 0.45
	case 4:
		return 0.25
	default:
		return 0
	}
}

func tokenMatchScore(title string, productTokens []string) float64 {
	if len(productTokens) == 0 {
		return 0
	}
	lower := strings.ToLower(title)
	hits := 0
	for _, t := range productTokens {
		if t != "" && strings.Contains(lower, strings.ToLower(t)) {
			hits++
		}
	}
	return float64(hits) / float64(len(productTokens))
}

// SelectTop returns the top k non-denied candidates by score.
func SelectTop(results []TriageResult, k int) []TriageResult {
	out := make([]TriageResult, 0, k)
	for _, r := range results {
		if r.Denied {
			continue
		}
		out = append(out, r)
		if len(out) >= k {
			break
		}
	}
	return out
}

// BuildEscalationQueries produces progressive re-queries using known facts
// as negative context: "found X, still missing Y". Used when fields remain
// unresolved after a prior round.
func BuildEscalationQueries(aliases []string, knownFacts map[string]string, missingFields []string) []QueryRow {
	if len(aliases) == 0 || len(missingFields) == 0 {
		return nil
	}
	var known []string
	for k, v := range knownFacts {
		known = append(known, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(known)

	var rows []QueryRow
	for _, field := range missingFields {
		q := aliases[0] + " " + field
		if len(known) > 0 {
			q += " (already found: " + strconv.Itoa(len(known)) + " fields)"
		}
		rows = append(rows, QueryRow{Query: q, TargetFields: []string{field}, DocHint: DocHintGeneral})
	}
	return rows
}
