// Package analyze turns a batch of failing results into actionable failure
// clusters. Each failing result is attributed to a single dominant failure
// tag; clusters that reach the minimum size are bound to the prompt section
// most likely responsible.
package analyze

import (
	"sort"

	"go.uber.org/zap"

	"crewtune/internal/prompts"
	"crewtune/internal/rubric"
	"crewtune/internal/runner"
)

// DefaultMinClusterSize is the smallest cluster worth adapting for. A single
// failing case is treated as noise.
const DefaultMinClusterSize = 2

// tagPriority fixes the attribution order when two tags tie on point
// deficit. Intent violations outrank everything else because they are the
// one failure mode the adapter can reliably fix.
var tagPriority = []string{
	rubric.TagIntent,
	rubric.TagStructure,
	rubric.TagPersonalization,
	rubric.TagMessage,
	rubric.TagCTA,
	rubric.TagMalformed,
	rubric.TagTimeout,
	rubric.TagExecutionError,
}

// tagSections binds each failure tag to the prompt section whose
// instructions drive that part of the output.
var tagSections = map[string]string{
	rubric.TagIntent:          prompts.TaskPersonalize,
	rubric.TagStructure:       prompts.TaskWriteEmail,
	rubric.TagPersonalization: prompts.TaskResearchProspect,
	rubric.TagMessage:         prompts.TaskWriteEmail,
	rubric.TagCTA:             prompts.TaskWriteEmail,
	rubric.TagMalformed:       prompts.TaskWriteEmail,
	rubric.TagTimeout:         prompts.TaskLinkedInResearch,
	rubric.TagExecutionError:  prompts.TaskWriteEmail,
}

var tagRootCauses = map[string]string{
	rubric.TagIntent:          "emails ignore the prospect's stated selling intent and fall back to generic messaging",
	rubric.TagStructure:       "emails are missing required structural elements (greeting, proof point, value proposition or call to action)",
	rubric.TagPersonalization: "research output is too shallow for the writer to personalize beyond name and company",
	rubric.TagMessage:         "message quality is poor: tone, length or subject line miss the mark",
	rubric.TagCTA:             "emails end without a concrete call to action",
	rubric.TagMalformed:       "the writer returns output that cannot be parsed as a structured email",
	rubric.TagTimeout:         "cases exceed the execution deadline, most often in the research stage",
	rubric.TagExecutionError:  "the pipeline fails outright before producing an email",
}

// Cluster is a group of failures sharing one dominant tag.
type Cluster struct {
	Tag       string          `json:"tag"`
	Count     int             `json:"count"`
	Section   string          `json:"section"`
	RootCause string          `json:"root_cause"`
	Results   []runner.Result `json:"-"`
}

// Analyzer groups failing results by dominant tag.
type Analyzer struct {
	minSize int
	log     *zap.Logger
}

// New creates an analyzer. minSize <= 0 selects the default.
func New(minSize int, log *zap.Logger) *Analyzer {
	if minSize <= 0 {
		minSize = DefaultMinClusterSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Analyzer{minSize: minSize, log: log.Named("analyze")}
}

// Analyze clusters the batch's failures. Clusters are returned largest
// first; ties keep the tag priority order. A batch with no cluster at or
// above the minimum size yields nil, meaning there is nothing systematic
// to fix.
func (a *Analyzer) Analyze(batch *runner.Batch) []Cluster {
	groups := make(map[string][]runner.Result)
	for _, res := range batch.Failures() {
		tag := DominantTag(res.Score)
		if tag == "" {
			continue
		}
		groups[tag] = append(groups[tag], res)
	}

	var clusters []Cluster
	for tag, results := range groups {
		if len(results) < a.minSize {
			a.log.Debug("cluster below threshold",
				zap.String("tag", tag), zap.Int("count", len(results)))
			continue
		}
		clusters = append(clusters, Cluster{
			Tag:       tag,
			Count:     len(results),
			Section:   tagSections[tag],
			RootCause: tagRootCauses[tag],
			Results:   results,
		})
	}

	sort.SliceStable(clusters, func(i, j int) bool {
		if clusters[i].Count != clusters[j].Count {
			return clusters[i].Count > clusters[j].Count
		}
		return priorityRank(clusters[i].Tag) < priorityRank(clusters[j].Tag)
	})

	for _, c := range clusters {
		a.log.Info("failure cluster",
			zap.String("tag", c.Tag),
			zap.Int("count", c.Count),
			zap.String("section", c.Section))
	}
	return clusters
}

// DominantTag picks the single tag a failing score is attributed to: the
// failure with the largest point deficit, ties broken by the fixed priority
// order. Passing scores have no dominant tag.
func DominantTag(sc rubric.Score) string {
	if sc.Passed || len(sc.Deficits) == 0 {
		return ""
	}
	best := ""
	bestDeficit := -1
	bestRank := len(tagPriority)
	for tag, deficit := range sc.Deficits {
		rank := priorityRank(tag)
		if deficit > bestDeficit || (deficit == bestDeficit && rank < bestRank) {
			best, bestDeficit, bestRank = tag, deficit, rank
		}
	}
	return best
}

func priorityRank(tag string) int {
	for i, t := range tagPriority {
		if t == tag {
			return i
		}
	}
	return len(tagPriority)
}
