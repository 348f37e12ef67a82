package research

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/publicsuffix"

	"github.com/target/research-fanout/internal/domain/model"
)

// ResearchSystemPrompt is sent with every provider research call.
const ResearchSystemPrompt = `You are a meticulous research analyst. Search the web where it helps, ` +
	`prefer primary sources, and cite every factual claim with its source URL. ` +
	`Structure the answer with headings and finish with a short list of open questions.`

// SynthesisSystemPrompt is sent with the synthesis call.
const SynthesisSystemPrompt = `You merge independent research reports into one authoritative report. ` +
	`Keep every well-supported finding, reconcile overlaps, call out contradictions explicitly, ` +
	`and keep source URLs next to the claims they support. Do not invent sources.`

// DefaultMaxCharsPerResult caps each provider's contribution to the synthesis prompt.
const DefaultMaxCharsPerResult = 60000

const truncatedMarker = "\n\n[truncated]"

// SynthesisPrompt builds the merge prompt from the job's completed results and external
// reports. Results appear in selection order and each is capped at maxChars runes.
func SynthesisPrompt(job *model.ResearchJob, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultMaxCharsPerResult
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Please synthesize the following research results into one comprehensive report for the query: %s\n", job.Prompt)

	completed := job.CompletedResults()
	for i, r := range completed {
		label := string(r.Provider)
		if r.Model != "" {
			label += " (" + r.Model + ")"
		}
		fmt.Fprintf(&b, "\n## Research result %d of %d: %s\n\n", i+1, len(completed), label)
		if r.Content != nil {
			b.WriteString(capRunes(strings.TrimSpace(*r.Content), maxChars))
		}
		b.WriteString("\n")
	}

	for i, rep := range job.ExternalReports {
		title := strings.TrimSpace(rep.Title)
		if title == "" {
			title = fmt.Sprintf("External report %d", i+1)
		}
		fmt.Fprintf(&b, "\n## Owner-supplied report: %s\n\n%s\n", title, capRunes(strings.TrimSpace(rep.Content), maxChars))
	}

	if groups := GroupSources(completed); len(groups) > 0 {
		b.WriteString("\n## Sources cited across results, by site\n\n")
		for _, g := range groups {
			fmt.Fprintf(&b, "- %s: %s\n", g.Site, strings.Join(g.URLs, ", "))
		}
	}
	return b.String()
}

// SourceGroup is the set of distinct URLs cited from one registrable domain.
type SourceGroup struct {
	Site string
	URLs []string
}

// GroupSources dedupes every cited URL across results and groups them by eTLD+1, so
// news.example.co.uk and www.example.co.uk land together. Groups are sorted by how many
// URLs they hold, then by name.
func GroupSources(results []*model.ProviderResult) []SourceGroup {
	index := make(map[string]int)
	seen := make(map[string]struct{})
	var groups []SourceGroup

	for _, r := range results {
		for _, s := range r.Sources {
			u := strings.TrimSpace(s.URL)
			if u == "" {
				continue
			}
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}

			site := siteOf(u, s.Domain)
			i, ok := index[site]
			if !ok {
				i = len(groups)
				index[site] = i
				groups = append(groups, SourceGroup{Site: site})
			}
			groups[i].URLs = append(groups[i].URLs, u)
		}
	}

	slices.SortStableFunc(groups, func(a, b SourceGroup) int {
		if d := len(b.URLs) - len(a.URLs); d != 0 {
			return d
		}
		return strings.Compare(a.Site, b.Site)
	})
	return groups
}

func siteOf(rawURL, fallback string) string {
	host := fallback
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	host = strings.ToLower(host)
	if site, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return site
	}
	return host
}

func capRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + truncatedMarker
}

// NotificationTitle is a one-line label for the job: the first line of its prompt,
// shortened to 80 runes.
func NotificationTitle(prompt string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(prompt), "\n")
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) <= 80 {
		return line
	}
	return string([]rune(line)[:79]) + "…"
}
