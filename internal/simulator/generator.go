// Package simulator produces synthetic classroom alerts on a fixed cadence.
package simulator

import (
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/noah-isme/gema-alerts/internal/dto"
	"github.com/noah-isme/gema-alerts/internal/models"
)

// Default distributions used when none are configured.
const (
	DefaultCategoryDist = "attention:30,emotion:15,achievement:10,system:5,performance:15,drowsiness:10,engagement:15"
	DefaultPriorityDist = "low:40,medium:35,high:20,critical:5"
)

var messageTemplates = map[models.Category][]string{
	models.CategoryAttention: {
		"%s has been looking away from the screen for a while",
		"%s seems distracted during the current activity",
	},
	models.CategoryEmotion: {
		"%s appears frustrated with the current exercise",
		"%s shows signs of confusion",
	},
	models.CategoryAchievement: {
		"%s completed the exercise ahead of the group",
		"%s reached a new personal best",
	},
	models.CategorySystem: {
		"Camera feed for %s was interrupted",
		"Connection quality for %s dropped",
	},
	models.CategoryPerformance: {
		"%s answered several questions incorrectly in a row",
		"%s is progressing slower than usual",
	},
	models.CategoryDrowsiness: {
		"%s shows signs of drowsiness",
		"%s has had eyes closed for several seconds",
	},
	models.CategoryEngagement: {
		"%s stopped participating in the discussion",
		"%s has been idle for the last few minutes",
	},
}

type weightedValue struct {
	value  string
	weight int
}

// ParseDistribution parses "value:weight,value:weight" into a weight map.
func ParseDistribution(raw string) (map[string]int, error) {
	result := make(map[string]int)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		value, weightStr, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("invalid distribution entry %q: expected value:weight", part)
		}
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" {
			return nil, fmt.Errorf("invalid distribution entry %q: empty value", part)
		}
		weight, err := strconv.Atoi(strings.TrimSpace(weightStr))
		if err != nil {
			return nil, fmt.Errorf("invalid weight in %q: %w", part, err)
		}
		if weight < 0 {
			return nil, fmt.Errorf("invalid weight in %q: must not be negative", part)
		}
		result[value] += weight
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("distribution is empty")
	}
	total := 0
	for _, weight := range result {
		total += weight
	}
	if total == 0 {
		return nil, fmt.Errorf("distribution weights sum to zero")
	}
	return result, nil
}

func parseWeighted(raw string, allowed func(string) bool) ([]weightedValue, error) {
	dist, err := ParseDistribution(raw)
	if err != nil {
		return nil, err
	}
	values := make([]weightedValue, 0, len(dist))
	for value, weight := range dist {
		if !allowed(value) {
			return nil, fmt.Errorf("unknown value %q in distribution", value)
		}
		if weight == 0 {
			continue
		}
		values = append(values, weightedValue{value: value, weight: weight})
	}
	// map order is random; sort so seeded runs repeat
	sort.Slice(values, func(i, j int) bool { return values[i].value < values[j].value })
	return values, nil
}

// GeneratorConfig configures the weighted generator.
type GeneratorConfig struct {
	Seed         int64
	Subjects     []string
	CategoryDist string
	PriorityDist string
}

// Generator builds alert requests from weighted distributions.
type Generator struct {
	mu           sync.Mutex
	rng          *rand.Rand
	subjects     []string
	categoryDist []weightedValue
	priorityDist []weightedValue
}

// NewGenerator validates the distributions and returns a generator.
// A zero seed uses the current time.
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.CategoryDist == "" {
		cfg.CategoryDist = DefaultCategoryDist
	}
	if cfg.PriorityDist == "" {
		cfg.PriorityDist = DefaultPriorityDist
	}

	categories, err := parseWeighted(cfg.CategoryDist, func(v string) bool {
		_, ok := models.ParseCategory(v)
		return ok
	})
	if err != nil {
		return nil, fmt.Errorf("category distribution: %w", err)
	}
	priorities, err := parseWeighted(cfg.PriorityDist, func(v string) bool {
		_, ok := models.ParsePriority(v)
		return ok
	})
	if err != nil {
		return nil, fmt.Errorf("priority distribution: %w", err)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	subjects := make([]string, 0, len(cfg.Subjects))
	for _, subject := range cfg.Subjects {
		if trimmed := strings.TrimSpace(subject); trimmed != "" {
			subjects = append(subjects, trimmed)
		}
	}

	return &Generator{
		rng:          rand.New(rand.NewSource(seed)),
		subjects:     subjects,
		categoryDist: categories,
		priorityDist: priorities,
	}, nil
}

// Next returns the next synthetic alert request.
func (g *Generator) Next() dto.AlertCreateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	category := models.Category(g.selectWeighted(g.categoryDist))
	priority := g.selectWeighted(g.priorityDist)

	var subjectID *string
	name := "The class"
	if len(g.subjects) > 0 {
		subject := g.subjects[g.rng.Intn(len(g.subjects))]
		subjectID = &subject
		name = subject
	}

	templates := messageTemplates[category]
	message := fmt.Sprintf(templates[g.rng.Intn(len(templates))], name)

	return dto.AlertCreateRequest{
		SubjectID: subjectID,
		Category:  string(category),
		Priority:  priority,
		Message:   message,
	}
}

func (g *Generator) selectWeighted(choices []weightedValue) string {
	total := 0
	for _, c := range choices {
		total += c.weight
	}

	r := g.rng.Intn(total)
	cumulative := 0
	for _, c := range choices {
		cumulative += c.weight
		if r < cumulative {
			return c.value
		}
	}
	return choices[len(choices)-1].value
}
