package roundctl

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/spec-harvester/convergence/internal/consensus"
	"github.com/spec-harvester/convergence/internal/discovery"
	"github.com/spec-harvester/convergence/internal/eventstream"
	"github.com/spec-harvester/convergence/internal/evidenceindex"
	"github.com/spec-harvester/convergence/internal/extraction"
	"github.com/spec-harvester/convergence/internal/fetch"
	"github.com/spec-harvester/convergence/internal/hashid"
	"github.com/spec-harvester/convergence/internal/htmlparse"
	"github.com/spec-harvester/convergence/internal/identity"
	"github.com/spec-harvester/convergence/internal/logging"
	"github.com/spec-harvester/convergence/internal/needset"
	"github.com/spec-harvester/convergence/internal/retriever"
	"github.com/spec-harvester/convergence/internal/types"
)

// maxFetchCandidates bounds how many URLs one round's fetch stage ever
// dispatches, independent of how many candidates Triage scored.
const maxFetchCandidates = 15

// roundOutput carries the per-round values Run needs to finish assembling
// a types.RoundSummary and decide whether to keep going, beyond the fields
// that live directly on types.RoundSummary.
type roundOutput struct {
	needSetRows            []types.NeedSetRow
	needSetActive          int
	sourcesIdentityMatched int
	newQueries             int
	escalationExhausted    bool
	urlsFetched            int
}

func (c *Controller) runRound(ctx context.Context, runID string, round int, product types.Product, st *runState) (types.RoundSummary, roundOutput, error) {
	contract := c.deps.Contract
	bus := c.deps.Bus
	out := roundOutput{}

	needInputs := make([]needset.Input, 0, len(contract.Fields))
	for _, f := range contract.Fields {
		needInputs = append(needInputs, needset.Input{
			Field:        f,
			State:        st.fieldStates[f.Key],
			Identity:     st.identity,
			PublishGated: f.PublishGated,
		})
	}
	needRows := needset.ComputeAll(needInputs)
	out.needSetRows = needRows
	for _, r := range needRows {
		if r.NeedScore > 0 {
			out.needSetActive++
		}
	}
	bus.Emit(eventstream.StageNeedSet, eventstream.KindNeedSetComputed, eventstream.NeedSetComputedPayload{
		RoundIndex: round, Rows: len(needRows),
	})

	aliases := discovery.GenerateAliases(product)
	queries := c.planQueries(ctx, round, aliases, needRows, product)

	emitted := make([]string, 0, len(queries))
	fresh := queries[:0]
	for _, q := range queries {
		key := strings.ToLower(q.Query)
		if st.allTimeQuery[key] {
			continue
		}
		st.allTimeQuery[key] = true
		out.newQueries++
		emitted = append(emitted, q.Query)
		fresh = append(fresh, q)
	}
	out.escalationExhausted = round > 0 && out.needSetActive > 0 && len(fresh) == 0

	urls, urlHints := c.gatherURLs(ctx, round, product, fresh)
	if round == 0 {
		urls = append(urls, st.seedURLs...)
		if c.deps.Learning != nil {
			seeds, err := c.deps.Learning.SeedURLs(contract.Category, product.IdentityFingerprint, 20)
			if err != nil {
				logging.Get(logging.CategoryRound).Warn("seed urls: %v", err)
			}
			for _, s := range seeds {
				urls = append(urls, s.URL)
			}
		}
	}
	urls = dedupeStrings(urls)
	if len(urls) > maxFetchCandidates {
		urls = urls[:maxFetchCandidates]
	}
	out.urlsFetched = len(urls)

	results, err := c.deps.Fetcher.FetchURLs(ctx, urls, maxConcurrentFetches)
	if err != nil {
		return types.RoundSummary{RoundIndex: round, QueriesEmitted: emitted}, out, err
	}

	pTokens := productTokens(product)
	for i, res := range results {
		u := urls[i]
		if res.Body == nil {
			bus.Emit(eventstream.StageFetch, eventstream.KindSourceFetchFailed, eventstream.SourceFetchPayload{URL: u})
			c.maybeEnqueueRepair(u, product, contract)
			continue
		}
		sourceMatched := c.indexFetchResult(ctx, runID, round, product, contract, res, urlHints[u], pTokens, st)
		if sourceMatched {
			out.sourcesIdentityMatched++
		}
	}

	summary := types.RoundSummary{RoundIndex: round, QueriesEmitted: emitted}

	for _, field := range contract.Fields {
		c.runFieldPipeline(ctx, round, product, field, st)
	}

	return summary, out, nil
}

// planQueries builds the round's query set: deterministic generation for
// every round, plus escalation and optional LLM expansion once a field has
// stayed stuck past the first targeted round.
func (c *Controller) planQueries(ctx context.Context, round int, aliases []string, needRows []types.NeedSetRow, product types.Product) []discovery.QueryRow {
	contract := c.deps.Contract
	if round == 0 {
		return discovery.GenerateQueries(aliases, nil, contract)
	}
	queries := discovery.GenerateQueries(aliases, needRows, contract)

	var missingFields []string
	knownFacts := map[string]string{}
	for _, r := range needRows {
		if r.NeedScore > 0 {
			missingFields = append(missingFields, r.FieldKey)
		}
	}

	if round >= 2 && len(missingFields) > 0 {
		queries = append(queries, discovery.BuildEscalationQueries(aliases, knownFacts, missingFields)...)
		if c.deps.LLM != nil && c.deps.LLM.Enabled() {
			expanded, err := discovery.ExpandWithLLM(ctx, c.deps.LLM, product, missingFields)
			if err != nil {
				logging.Get(logging.CategoryDiscovery).Warn("llm expansion: %v", err)
			}
			queries = append(queries, expanded...)
		}
	}
	return queries
}

// gatherURLs runs every fresh query through the search provider, triages
// the combined candidate pool, and returns the selected URLs plus a
// url->DocHint map for sources whose doc_kind can't be resolved from the
// known-host table.
func (c *Controller) gatherURLs(ctx context.Context, round int, product types.Product, queries []discovery.QueryRow) ([]string, map[string]discovery.DocHint) {
	hints := map[string]discovery.DocHint{}
	if c.deps.Search == nil || len(queries) == 0 {
		return nil, hints
	}

	var all []discovery.Candidate
	queryHint := map[string]discovery.DocHint{}
	for _, q := range queries {
		cands, err := c.deps.Search.Search(ctx, q)
		if err != nil {
			logging.Get(logging.CategoryDiscovery).Warn("search %q: %v", q.Query, err)
			continue
		}
		for _, cand := range cands {
			queryHint[cand.URL] = q.DocHint
		}
		all = append(all, cands...)
	}
	if len(all) == 0 {
		return nil, hints
	}

	denied := map[string]bool{}
	for _, cand := range all {
		if c.deps.Frontier == nil {
			continue
		}
		health, err := c.deps.Frontier.DomainHealth(cand.Host)
		if err == nil && health.BudgetState == types.HostBlocked {
			denied[cand.Host] = true
		}
	}

	pTokens := productTokens(product)
	scored := discovery.Triage(all, discovery.DocHintGeneral, pTokens, c.deps.Tables, denied)
	top := discovery.SelectTop(scored, maxFetchCandidates)

	urls := make([]string, 0, len(top))
	for _, t := range top {
		urls = append(urls, t.Candidate.URL)
		hints[t.Candidate.URL] = queryHint[t.Candidate.URL]
	}
	return urls, hints
}

func (c *Controller) maybeEnqueueRepair(rawURL string, product types.Product, contract types.CategoryContract) {
	if c.deps.Queue == nil {
		return
	}
	if _, err := c.deps.Queue.Enqueue(types.JobRepairSearch, product.IdentityFingerprint, rawURL, map[string]string{"url": rawURL}, 1, hostOf(rawURL)); err != nil {
		logging.Get(logging.CategoryAutomation).Warn("enqueue repair search for %s: %v", rawURL, err)
	}
}

// indexFetchResult parses, classifies identity, and indexes one fetched
// source, updating the run's aggregate identity state. It reports whether
// the source cleared provisional-or-better identity match.
func (c *Controller) indexFetchResult(ctx context.Context, runID string, round int, product types.Product, contract types.CategoryContract, res fetch.Result, hint discovery.DocHint, pTokens []string, st *runState) bool {
	bus := c.deps.Bus
	host := hostOf(res.FinalURL)
	if host == "" {
		host = hostOf(res.URL)
	}

	contentHash := hashid.ContentHash(res.Body)
	sourceID := hashid.ContentHash([]byte(res.FinalURL))
	docID := hashid.ContentHash([]byte(sourceID + contentHash))

	parsed, err := htmlparse.Parse(res.FinalURL, docID, res.Body)
	if err != nil {
		logging.Get(logging.CategoryParse).Warn("parse %s: %v", res.FinalURL, err)
		return false
	}

	tier, docKind := types.TierForum, types.DocKind(hint)
	if docKind == "" {
		docKind = types.DocOther
	}
	if c.deps.Tables != nil {
		if entry, ok := c.deps.Tables.StrategyFor(host); ok {
			tier = types.Tier(entry.Tier)
			if entry.DocKind != "" {
				docKind = types.DocKind(entry.DocKind)
			}
		}
	}

	signals := identitySignals(parsed, host, res.FinalURL)
	th := identity.Thresholds{
		LockedThreshold:      c.deps.Config.Identity.LockedThreshold,
		ProvisionalThreshold: c.deps.Config.Identity.ProvisionalThreshold,
		DimensionToleranceMM: c.deps.Config.Identity.DimensionToleranceMM,
		ComponentOverlapMin:  c.deps.Config.Identity.ComponentOverlapMin,
	}
	level, certainty := identity.ClassifySource(pTokens, signals, th)
	mergeIdentity(st, level, certainty)

	src := types.Source{
		SourceID:            sourceID,
		URL:                 res.URL,
		FinalURL:            res.FinalURL,
		Host:                host,
		RootDomain:          rootDomain(host),
		Tier:                tier,
		DocKind:             docKind,
		ContentHash:         contentHash,
		Bytes:               int64(len(res.Body)),
		FetchedAt:           types.Now(),
		FetchMode:           fetchModeFor(res.FetcherUsed),
		StatusCode:          res.StatusCode,
		IdentityMatchLevel:  level,
		TargetMatchScore:    certainty,
	}
	_, getPriorErr := c.deps.Index.GetSource(sourceID)
	sourceSeenBefore := getPriorErr == nil

	if err := c.deps.Index.PutSource(src); err != nil {
		logging.Get(logging.CategoryIndex).Warn("put source %s: %v", sourceID, err)
		return false
	}

	facts, dropped := migrateFactKeys(parsed.Facts, contract)
	if dropped > 0 {
		logging.Get(logging.CategoryIndex).Debug("dropped %d facts with unmapped keys from %s", dropped, res.FinalURL)
	}

	doc := types.Document{
		DocID: docID, SourceID: sourceID, ContentHash: contentHash,
		ParserVersion: htmlparse.ParserVersion, ChunkerVersion: htmlparse.ChunkerVersion,
		ParsedOK: true, IndexedAtUnixMS: types.Now().UnixMilli(),
	}
	idxResult, err := c.deps.Index.IndexDocument(ctx, doc, parsed.Chunks, facts)
	if err != nil {
		logging.Get(logging.CategoryIndex).Warn("index document %s: %v", docID, err)
		return false
	}

	bus.Emit(eventstream.StageIndex, eventstream.KindSourceProcessed, eventstream.SourceProcessedPayload{SourceID: sourceID, DocKind: string(docKind)})
	bus.Emit(eventstream.StageIndex, eventstream.KindEvidenceIndexResult, eventstream.EvidenceIndexResultPayload{
		DocID: idxResult.DocID, New: !idxResult.DedupeHit && !sourceSeenBefore,
		ReuseMode: reuseModeFor(idxResult, sourceSeenBefore),
	})

	return level == types.IdentityProvisional || level == types.IdentityLocked
}

// mergeIdentity folds one source's classification into the run's running
// identity state: locked/provisional beats unlocked, and any conflicting
// source forces the aggregate into conflict regardless of certainty.
func mergeIdentity(st *runState, level types.IdentityMatchLevel, certainty float64) {
	if level == types.IdentityConflict {
		st.identity.Status = types.IdentityConflict
		return
	}
	if st.identity.Status == types.IdentityConflict {
		return
	}
	if rank(level) > rank(st.identity.Status) || (rank(level) == rank(st.identity.Status) && certainty > st.identity.Certainty) {
		st.identity.Status = level
		st.identity.Certainty = certainty
	}
	st.identity.PublishGateOpen = identity.PublishGateOpen(st.identity.Status)
}

// fetchModeFor maps the scheduler's fallback-ladder rung name to the
// evidence index's own fetch_mode vocabulary; the two enums are defined in
// separate packages and don't share string values.
func fetchModeFor(k fetch.FetcherKind) types.FetchMode {
	switch k {
	case fetch.FetcherHeadless:
		return types.FetchHeadlessBrowser
	case fetch.FetcherAlternate:
		return types.FetchAlternateCrawler
	default:
		return types.FetchHTTP
	}
}

func rank(level types.IdentityMatchLevel) int {
	switch level {
	case types.IdentityLocked:
		return 3
	case types.IdentityProvisional:
		return 2
	case types.IdentityUnlocked:
		return 1
	default:
		return 0
	}
}

// runFieldPipeline retrieves, extracts, and resolves one field's state for
// the current round.
func (c *Controller) runFieldPipeline(ctx context.Context, round int, product types.Product, field types.FieldContract, st *runState) {
	bus := c.deps.Bus
	if !identity.ExtractionAllowed(st.identity.Status, st.identity.AmbiguityLevel) {
		return
	}

	var anchors []types.FieldAnchorRow
	if c.deps.Learning != nil {
		var err error
		anchors, err = c.deps.Learning.ActiveAnchors(c.deps.Contract.Category, field.Key)
		if err != nil {
			logging.Get(logging.CategoryLearning).Warn("active anchors %s: %v", field.Key, err)
		}
	}

	pack := retriever.Retrieve(retriever.Input{Field: field, Product: product, Searcher: c.deps.Index, Anchors: anchors, Limit: 25})
	bus.Emit(eventstream.StageRound, eventstream.KindPrimeSourcesBuilt, eventstream.PrimeSourcesBuiltPayload{
		FieldKey: field.Key, Count: len(pack.Accepted), Complete: len(pack.MissReasons) == 0,
		Miss: firstMissReason(pack),
	})
	if len(pack.Accepted) == 0 {
		return
	}

	snippetSource := make(map[string]retriever.ScoredSnippet, len(pack.Accepted))
	for _, s := range pack.Accepted {
		snippetSource[s.SnippetID] = s
	}

	ec := extraction.BuildContext(field, product, "", nil, nil, pack)
	var units []types.EvidenceUnit
	produced, rejected := 0, 0
	for _, x := range c.deps.Extractors {
		batch, err := x.Extract(ctx, ec)
		if err != nil {
			continue
		}
		for _, u := range batch {
			if u.CandidateValue == "" {
				rejected++
				continue
			}
			produced++
			units = append(units, u)
		}
	}
	bus.Emit(eventstream.StageExtract, eventstream.KindExtractionBatchCompleted, eventstream.ExtractionBatchCompletedPayload{
		FieldKey: field.Key, Produced: produced, Rejected: rejected,
	})
	if len(units) == 0 {
		return
	}

	candidates := groupByValue(units)
	identityBlocks := st.identity.Status == types.IdentityConflict || st.identity.Status == types.IdentityFailed ||
		(field.RequiredLevel == types.LevelIdentity && st.identity.Status != types.IdentityLocked)

	decision := consensus.Decide(consensus.DecideInput{
		Candidates:     candidates,
		Policy:         field.EvidencePolicy,
		IdentityBlocks: identityBlocks,
		Weights:        consensus.DefaultWeights(),
	})

	if c.deps.Learning != nil {
		recordYieldPerHost(c.deps.Learning, c.deps.Contract.Category, field.Key, candidates, decision, snippetSource)
	}

	state := st.fieldStates[field.Key]
	state.FieldKey = field.Key
	state.Status = decision.Status
	if decision.UnknownReason != "" {
		state.UnknownReason = decision.UnknownReason
	}
	if decision.Winner != nil {
		state.Value = decision.Winner.Value
		state.Confidence = math.Min(st.identity.ConfidenceCap(), decision.WinnerScore)
		state.Refs = refSnippetIDs(decision.Winner.Units)
		state.RefsFromDistinctSources = distinctSourceCount(decision.Winner.Units, snippetSource)
		state.BestTierSeen = bestTier(decision.Winner.Units)
	}
	st.fieldStates[field.Key] = state

	if decision.Status == types.StatusAccepted && c.deps.Learning != nil {
		anchorPhrase, acceptedURL, docKind, tier := winnerAnchorAndSource(decision, snippetSource)
		if err := c.deps.Learning.CommitOnAccept(c.deps.Contract.Category, product.IdentityFingerprint, field, state, "", anchorPhrase, acceptedURL, docKind, tier); err != nil {
			logging.Get(logging.CategoryLearning).Warn("commit on accept %s: %v", field.Key, err)
		}
	}

	if decision.Status == types.StatusConflict && round >= 1 && c.deps.Queue != nil {
		if _, err := c.deps.Queue.Enqueue(types.JobRepairSearch, product.IdentityFingerprint, field.Key, map[string]string{"field_key": field.Key}, 2, ""); err != nil {
			logging.Get(logging.CategoryAutomation).Warn("enqueue repair for %s: %v", field.Key, err)
		}
	}
}

// reuseModeFor classifies why a source yielded no new document row: the
// same content was already indexed for this source (identical), or the
// source was known before but its content changed (updated). A genuinely
// first-seen source is not a reuse at all and gets no reuse_mode.
func reuseModeFor(res evidenceindex.IndexResult, sourceSeenBefore bool) string {
	switch {
	case res.DedupeHit:
		return string(types.ReuseIdentical)
	case sourceSeenBefore:
		return string(types.ReuseUpdated)
	default:
		return ""
	}
}

func firstMissReason(pack retriever.PrimeSourcePack) string {
	if len(pack.MissReasons) == 0 {
		return ""
	}
	return string(pack.MissReasons[0])
}

func groupByValue(units []types.EvidenceUnit) []consensus.Candidate {
	byValue := map[string][]types.EvidenceUnit{}
	var order []string
	for _, u := range units {
		if _, ok := byValue[u.CandidateValue]; !ok {
			order = append(order, u.CandidateValue)
		}
		byValue[u.CandidateValue] = append(byValue[u.CandidateValue], u)
	}
	sort.Strings(order)
	out := make([]consensus.Candidate, 0, len(order))
	for _, v := range order {
		out = append(out, consensus.Candidate{Value: v, Units: byValue[v]})
	}
	return out
}

func refSnippetIDs(units []types.EvidenceUnit) []string {
	out := make([]string, 0, len(units))
	for _, u := range units {
		out = append(out, u.SnippetID)
	}
	return out
}

func distinctSourceCount(units []types.EvidenceUnit, bySnippet map[string]retriever.ScoredSnippet) int {
	seen := map[string]bool{}
	for _, u := range units {
		id := u.SourceID
		if s, ok := bySnippet[u.SnippetID]; ok {
			id = s.Source.SourceID
		}
		seen[id] = true
	}
	return len(seen)
}

func bestTier(units []types.EvidenceUnit) types.Tier {
	best := types.Tier(0)
	for _, u := range units {
		if best == 0 || u.Tier < best {
			best = u.Tier
		}
	}
	return best
}

func winnerAnchorAndSource(d consensus.Decision, bySnippet map[string]retriever.ScoredSnippet) (anchorPhrase, acceptedURL string, docKind types.DocKind, tier types.Tier) {
	if d.Winner == nil || len(d.Winner.Units) == 0 {
		return "", "", "", 0
	}
	u := d.Winner.Units[0]
	s, ok := bySnippet[u.SnippetID]
	if !ok {
		return "", "", "", u.Tier
	}
	return truncateAnchor(s.Text), s.Source.URL, s.Source.DocKind, s.Source.Tier
}

func truncateAnchor(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}

func recordYieldPerHost(ls interface {
	RecordYield(category, host, fieldKey string, accepted bool) error
}, category, fieldKey string, candidates []consensus.Candidate, decision consensus.Decision, bySnippet map[string]retriever.ScoredSnippet) {
	if ls == nil {
		return
	}
	winnerHosts := map[string]bool{}
	if decision.Winner != nil {
		for _, u := range decision.Winner.Units {
			if s, ok := bySnippet[u.SnippetID]; ok {
				winnerHosts[s.Source.Host] = true
			}
		}
	}
	seen := map[string]bool{}
	for _, cand := range candidates {
		for _, u := range cand.Units {
			s, ok := bySnippet[u.SnippetID]
			if !ok || seen[s.Source.Host] {
				continue
			}
			seen[s.Source.Host] = true
			_ = ls.RecordYield(category, s.Source.Host, fieldKey, winnerHosts[s.Source.Host] && decision.Status == types.StatusAccepted)
		}
	}
}

func migrateFactKeys(facts []types.Fact, contract types.CategoryContract) ([]types.Fact, int) {
	known := map[string]bool{}
	for _, f := range contract.Fields {
		known[f.Key] = true
	}
	dropped := 0
	out := make([]types.Fact, 0, len(facts))
	for _, f := range facts {
		key := f.NormalizedKey
		if migrated, ok := contract.KeyMigrations[key]; ok {
			key = migrated
		}
		if !known[key] {
			dropped++
			continue
		}
		f.NormalizedKey = key
		out = append(out, f)
	}
	return out, dropped
}

func identitySignals(parsed htmlparse.Result, host, finalURL string) []identity.SourceSignal {
	var out []identity.SourceSignal
	for _, ch := range parsed.Chunks {
		if ch.Surface != types.SurfaceTitle && ch.Surface != types.SurfaceHeading {
			continue
		}
		out = append(out, identity.SourceSignal{Tokens: tokenize(ch.Text), FromTitle: true})
	}
	out = append(out, identity.SourceSignal{Tokens: tokenize(finalURL), FromURL: true})
	out = append(out, identity.SourceSignal{Tokens: tokenize(host), FromURL: true})
	return out
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	return fields
}

func productTokens(p types.Product) []string {
	toks := tokenize(p.Brand + " " + p.Model + " " + p.Variant + " " + p.SKU)
	for _, a := range p.Aliases {
		toks = append(toks, tokenize(a)...)
	}
	return toks
}

func hostOf(rawURL string) string {
	for i := 0; i < len(rawURL); i++ {
		if strings.HasPrefix(rawURL[i:], "://") {
			rest := rawURL[i+3:]
			if slash := strings.IndexByte(rest, '/'); slash >= 0 {
				return rest[:slash]
			}
			return rest
		}
	}
	return rawURL
}

func dedupeStrings(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
