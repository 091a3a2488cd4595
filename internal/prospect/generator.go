package prospect

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Lookup resolves a template into a real prospect, typically through an
// external search backend. Implementations may fail freely: the generator
// always falls back to local synthesis so the batch size contract holds.
type Lookup interface {
	Find(ctx context.Context, tmpl Template) (*Prospect, error)
}

var (
	rolesByBand = map[Seniority][]string{
		SeniorityTechnical: {"CTO", "VP Engineering", "Head of Data", "Director of Analytics", "Chief Data Officer"},
		SeniorityBusiness:  {"CEO", "COO", "VP Operations", "Director of Business Operations", "Head of Strategy"},
		SeniorityExecutive: {"President", "Managing Director", "Partner", "General Manager", "EVP"},
	}

	bands = []Seniority{SeniorityTechnical, SeniorityBusiness, SeniorityExecutive}

	industries = []string{
		"technology", "financial services", "retail", "e-commerce",
		"logistics", "manufacturing", "consulting", "healthcare",
		"media", "telecommunications", "automotive", "insurance",
	}

	sizeBands = []string{"startup", "mid-market", "enterprise"}

	geographies = map[string][]string{
		"US":   {"United States", "New York", "San Francisco", "Chicago", "Boston", "Austin"},
		"EU":   {"London", "Berlin", "Paris", "Amsterdam", "Stockholm", "Dublin"},
		"APAC": {"Singapore", "Sydney", "Tokyo", "Hong Kong", "Bangalore"},
	}

	regions = []string{"US", "EU", "APAC"}

	sellingIntents = []string{
		"CRM data analytics and customer segmentation",
		"Supply chain optimization and visibility",
		"Financial reporting and FP&A automation",
		"E-commerce inventory and sales analytics",
		"Marketing attribution and ROI tracking",
		"Customer data platform consolidation",
		"Operational efficiency and cost reduction",
		"Multi-source data integration and reporting",
		"Product analytics and user behavior tracking",
		"Sales pipeline analytics and forecasting",
		"Real-time business intelligence dashboards",
		"Data warehouse modernization",
		"Compliance and regulatory reporting automation",
		"Predictive maintenance and IoT analytics",
		"HR analytics and workforce planning",
	}

	firstNames = []string{
		"Sarah", "Michael", "Jennifer", "David", "Emily", "James",
		"Jessica", "Robert", "Lisa", "William", "Amanda", "Christopher",
		"Michelle", "Daniel", "Melissa", "Matthew", "Stephanie", "Andrew",
	}

	lastNames = []string{
		"Johnson", "Smith", "Williams", "Brown", "Jones", "Garcia",
		"Miller", "Davis", "Rodriguez", "Martinez", "Anderson", "Taylor",
		"Thomas", "Moore", "Jackson", "Martin", "Lee", "Thompson",
	}

	companyPrefixes = []string{"Global", "Advanced", "Premier", "Summit", "Apex", "Vertex"}
	companySuffixes = []string{"Group", "Solutions", "Corporation", "Technologies", "Enterprises", "Systems"}
)

// Generator produces batches of diverse synthetic prospects. Diversity is
// controlled along seniority band, industry, and intent-present-vs-nil so
// every iteration exercises both fully specified and under-specified paths.
type Generator struct {
	rng    *rand.Rand
	lookup Lookup
	log    *zap.Logger
}

// NewGenerator creates a generator. lookup may be nil, in which case every
// prospect is synthesized locally. Passing a fixed seed makes output
// deterministic for tests.
func NewGenerator(seed int64, lookup Lookup, log *zap.Logger) *Generator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Generator{
		rng:    rand.New(rand.NewSource(seed)),
		lookup: lookup,
		log:    log.Named("prospect"),
	}
}

// Generate produces exactly n prospects. No two share a company+name pair.
// Roughly one third of the batch has a nil intent. Lookup failures degrade to
// local synthesis, never to a smaller batch.
func (g *Generator) Generate(ctx context.Context, n int) ([]Prospect, error) {
	if n <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", n)
	}

	templates := g.diverseTemplates(n)
	used := make(map[string]bool, n)
	out := make([]Prospect, 0, n)

	for i, tmpl := range templates {
		var p *Prospect
		if g.lookup != nil {
			found, err := g.lookup.Find(ctx, tmpl)
			if err != nil {
				g.log.Debug("lookup failed, synthesizing locally",
					zap.Int("index", i), zap.Error(err))
			} else if found != nil && !used[found.Identity()] {
				p = found
			}
		}
		if p == nil {
			synth := g.synthesize(tmpl, used)
			p = &synth
		}
		p.ID = uuid.NewString()
		used[p.Identity()] = true
		out = append(out, *p)
	}

	g.log.Info("generated batch",
		zap.Int("count", len(out)),
		zap.Int("with_intent", countWithIntent(out)))
	return out, nil
}

// diverseTemplates distributes n templates evenly across seniority bands and
// cycles industries so a batch never collapses onto a single segment. Every
// third template leaves the intent nil.
func (g *Generator) diverseTemplates(n int) []Template {
	templates := make([]Template, 0, n)
	for i := 0; i < n; i++ {
		band := bands[i%len(bands)]
		roles := rolesByBand[band]
		tmpl := Template{
			Role:      roles[g.rng.Intn(len(roles))],
			Seniority: band,
			Industry:  industries[i%len(industries)],
			SizeBand:  sizeBands[g.rng.Intn(len(sizeBands))],
			Geography: regions[g.rng.Intn(len(regions))],
		}
		if i%3 != 2 {
			intent := sellingIntents[g.rng.Intn(len(sellingIntents))]
			tmpl.Intent = &intent
		}
		templates = append(templates, tmpl)
	}
	g.rng.Shuffle(len(templates), func(i, j int) {
		templates[i], templates[j] = templates[j], templates[i]
	})
	return templates
}

// synthesize builds a local prospect from a template, retrying the company
// name with a numeric suffix until the identity is unique within the batch.
func (g *Generator) synthesize(tmpl Template, used map[string]bool) Prospect {
	first := firstNames[g.rng.Intn(len(firstNames))]
	last := lastNames[g.rng.Intn(len(lastNames))]

	company := fmt.Sprintf("%s %s %s",
		companyPrefixes[g.rng.Intn(len(companyPrefixes))],
		titleCase(tmpl.Industry),
		companySuffixes[g.rng.Intn(len(companySuffixes))])

	base := company
	for i := 1; used[company+"|"+first+" "+last]; i++ {
		company = fmt.Sprintf("%s %d", base, i)
	}

	locations := geographies[tmpl.Geography]
	country := locations[g.rng.Intn(len(locations))]
	title := tmpl.Role

	return Prospect{
		FirstName: first,
		LastName:  last,
		Company:   company,
		Title:     &title,
		Country:   &country,
		Intent:    tmpl.Intent,
	}
}

func countWithIntent(ps []Prospect) int {
	n := 0
	for _, p := range ps {
		if p.HasIntent() {
			n++
		}
	}
	return n
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
