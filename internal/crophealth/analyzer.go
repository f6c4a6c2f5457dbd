package crophealth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrUndecodable marks upload bytes that could not be decoded as an image.
var ErrUndecodable = errors.New("crophealth: undecodable image")

// Health statuses, ordered from best to worst.
const (
	StatusHealthy  = "healthy"
	StatusModerate = "moderate"
	StatusCritical = "critical"
)

// Issue severities.
const (
	SeverityNone     = "none"
	SeverityModerate = "moderate"
	SeverityHigh     = "high"
)

// Assessment provenance tags.
const (
	MethodRuleBased = "rule_based"
	MethodMLModel   = "ml_model"
)

// Issue is one detected problem with its severity and explanation.
type Issue struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// Assessment is the outcome of a crop-health analysis.
type Assessment struct {
	HealthStatus    string             `json:"healthStatus"`
	Confidence      int                `json:"confidence"`
	Issues          []Issue            `json:"issues"`
	Recommendations []string           `json:"recommendations"`
	Analysis        map[string]float64 `json:"analysis"`
	Method          string             `json:"method"`
}

// Options carries the optional analysis context. Growth stage tunes severity
// and guidance; coordinates only ever add a regional-monitoring note and are
// kept strictly away from the classification itself.
type Options struct {
	CropType  string
	CropStage string
	Latitude  *float64
	Longitude *float64
}

// Analyzer classifies leaf images by pixel-color statistics. The scan is
// CPU-bound, so a bounded gate keeps concurrent uploads from monopolizing the
// process.
type Analyzer struct {
	gate chan struct{}
}

// NewAnalyzer builds an analyzer admitting at most maxConcurrent simultaneous
// scans; values below 1 mean a single slot.
func NewAnalyzer(maxConcurrent int) *Analyzer {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Analyzer{gate: make(chan struct{}, maxConcurrent)}
}

// Analyze classifies the uploaded image. It is a pure function of its inputs:
// the same bytes, stage, and coordinates always produce the same assessment.
func (a *Analyzer) Analyze(ctx context.Context, data []byte, opts Options) (Assessment, error) {
	select {
	case a.gate <- struct{}{}:
		defer func() { <-a.gate }()
	case <-ctx.Done():
		return Assessment{}, ctx.Err()
	}

	pixels, pixelCount, err := decodeRGB(data)
	if err != nil {
		return Assessment{}, err
	}

	sig := measure(pixels, pixelCount)
	acc := evaluate(sig)
	applyStage(&acc, opts.CropStage)
	applyLocation(&acc, opts)

	return Assessment{
		HealthStatus:    acc.status,
		Confidence:      int(math.Round(acc.confidence)),
		Issues:          acc.issues,
		Recommendations: acc.recommendations,
		Analysis:        sig.rounded(),
		Method:          MethodRuleBased,
	}, nil
}

// signals holds the raw bucket percentages. Rules compare the raw values;
// only the reported analysis map is rounded.
type signals struct {
	yellowing    float64
	browning     float64
	greenness    float64
	darkSpots    float64
	pestPatterns float64
}

func (s signals) rounded() map[string]float64 {
	return map[string]float64{
		"yellowing":    round1(s.yellowing),
		"browning":     round1(s.browning),
		"greenness":    round1(s.greenness),
		"darkSpots":    round1(s.darkSpots),
		"pestPatterns": round1(s.pestPatterns),
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// measure samples every 10th pixel and buckets it by fixed RGB thresholds.
// The buckets are not exclusive. The denominator is pixelCount/10, a close
// approximation of the strided sample count kept deliberately: the rule
// thresholds were tuned against it.
func measure(pixels []uint8, pixelCount int) signals {
	const stride = channels * 10
	var yellowing, browning, green, dark, pest int
	for i := 0; i+2 < len(pixels); i += stride {
		r, g, b := pixels[i], pixels[i+1], pixels[i+2]
		if r > 200 && g > 180 && b < 150 {
			yellowing++
		}
		if r > 150 && g < 100 && b < 100 {
			browning++
		}
		if g > r && g > b && g > 100 {
			green++
		}
		if r < 80 && g < 80 && b < 80 {
			dark++
		}
		if r < 100 && g < 100 && b < 100 && !(r == g && g == b) {
			pest++
		}
	}

	denominator := float64(pixelCount) / 10
	if denominator <= 0 {
		return signals{}
	}
	pct := func(count int) float64 {
		return float64(count) / denominator * 100
	}
	return signals{
		yellowing:    pct(yellowing),
		browning:     pct(browning),
		greenness:    pct(green),
		darkSpots:    pct(dark),
		pestPatterns: pct(pest),
	}
}

type accumulator struct {
	status          string
	confidence      float64
	issues          []Issue
	recommendations []string
}

var statusRank = map[string]int{
	StatusHealthy:  0,
	StatusModerate: 1,
	StatusCritical: 2,
}

// escalate raises the status, never lowers it.
func (acc *accumulator) escalate(status string) {
	if statusRank[status] > statusRank[acc.status] {
		acc.status = status
	}
}

// lower drops the confidence toward a floor, never raises it.
func (acc *accumulator) lower(floor float64) {
	if floor < acc.confidence {
		acc.confidence = floor
	}
}

func (acc *accumulator) add(issue Issue, recommendations ...string) {
	acc.issues = append(acc.issues, issue)
	acc.recommendations = append(acc.recommendations, recommendations...)
}

// evaluate folds the ordered policy rules over a fresh accumulator. Each rule
// may escalate the status, lower the confidence, and append one issue with
// its guidance; an image that triggers nothing is declared healthy at
// confidence 90.
func evaluate(sig signals) accumulator {
	acc := accumulator{status: StatusHealthy, confidence: 100}

	if sig.yellowing > 15 {
		severity := SeverityModerate
		if sig.yellowing > 25 {
			severity = SeverityHigh
		}
		acc.escalate(StatusModerate)
		acc.lower(75)
		acc.add(Issue{
			Type:        "yellowing",
			Severity:    severity,
			Description: fmt.Sprintf("Leaf yellowing detected across %.1f%% of the sampled area. May indicate nutrient deficiency, water stress, or early disease symptoms.", sig.yellowing),
		},
			"Check for nitrogen deficiency. Apply balanced fertilizer if needed.",
			"Monitor watering schedule. Yellowing can indicate over or under-watering.")
	}

	if sig.browning > 10 {
		status, severity := StatusModerate, SeverityModerate
		if sig.browning > 20 {
			status, severity = StatusCritical, SeverityHigh
		}
		acc.escalate(status)
		acc.lower(70)
		acc.add(Issue{
			Type:        "browning",
			Severity:    severity,
			Description: fmt.Sprintf("Brown spots or necrosis detected across %.1f%% of the sampled area. Indicates tissue death, possibly due to disease or severe stress.", sig.browning),
		},
			"Immediate action required: Apply fungicide if fungal disease is suspected.",
			"Remove affected leaves to prevent spread.")
	}

	if sig.darkSpots > 5 {
		status, severity := StatusModerate, SeverityModerate
		if sig.darkSpots > 10 {
			status, severity = StatusCritical, SeverityHigh
		}
		acc.escalate(status)
		acc.lower(65)
		acc.add(Issue{
			Type:        "dark_spots",
			Severity:    severity,
			Description: fmt.Sprintf("Dark spots or lesions detected across %.1f%% of the sampled area. Possible bacterial or fungal infection.", sig.darkSpots),
		},
			"Apply appropriate fungicide or bactericide based on disease type.",
			"Improve air circulation and reduce humidity if possible.")
	}

	if sig.pestPatterns > 8 {
		status, severity := StatusModerate, SeverityModerate
		if sig.pestPatterns > 15 {
			status, severity = StatusCritical, SeverityHigh
		}
		acc.escalate(status)
		acc.lower(70)
		acc.add(Issue{
			Type:        "pest_damage",
			Severity:    severity,
			Description: fmt.Sprintf("Pest damage patterns detected across %.1f%% of the sampled area. Holes, irregular shapes, or feeding damage are likely.", sig.pestPatterns),
		},
			"Apply neem oil or appropriate pesticide to control pests.",
			"Remove visible pests manually if safe to do so.",
			"Monitor for pest eggs or larvae on the underside of leaves.")
	}

	if sig.greenness < 40 {
		status, severity := StatusModerate, SeverityModerate
		if sig.greenness < 25 {
			status, severity = StatusCritical, SeverityHigh
		}
		acc.escalate(status)
		acc.lower(60)
		acc.add(Issue{
			Type:        "low_vigor",
			Severity:    severity,
			Description: fmt.Sprintf("Low overall green vigor (%.1f%% healthy green). The canopy may be stressed, sparse, or discolored.", sig.greenness),
		},
			"Review irrigation and nutrient supply to restore vigor.",
			"Increase monitoring frequency until green coverage recovers.")
	}

	if len(acc.issues) == 0 {
		acc.status = StatusHealthy
		acc.confidence = 90
		acc.issues = []Issue{{
			Type:        "healthy",
			Severity:    SeverityNone,
			Description: "Leaves appear healthy with good green coloration. No visible disease symptoms or pest damage detected.",
		}}
		acc.recommendations = []string{
			"Continue current care practices.",
			"Regular monitoring recommended to maintain crop health.",
		}
	}
	return acc
}

// Stage guidance, exactly one sentence prepended per recognized stage.
const (
	seedlingAdvice   = "Seedling stage: young plants are fragile, so act on any detected issue promptly and shield seedlings from weather extremes."
	vegetativeAdvice = "Vegetative stage: maintain steady nitrogen supply and irrigation to support canopy growth."
	floweringAdvice  = "Flowering stage: avoid spraying during peak pollination hours and protect blossoms from heat stress."
	fruitingAdvice   = "Grain or fruiting stage: protect developing produce from pests and keep soil moisture even."
)

// applyStage adjusts the assessment for the reported growth stage. Seedlings
// are modeled as more fragile: moderate findings escalate. Other stages only
// contribute guidance. Unrecognized stages contribute nothing.
func applyStage(acc *accumulator, stage string) {
	normalized := strings.ToLower(strings.TrimSpace(stage))
	switch {
	case normalized == "":
	case strings.Contains(normalized, "seedling"):
		for i := range acc.issues {
			if acc.issues[i].Severity == SeverityModerate {
				acc.issues[i].Severity = SeverityHigh
			}
		}
		if acc.status == StatusModerate {
			acc.status = StatusCritical
		}
		acc.prepend(seedlingAdvice)
	case strings.Contains(normalized, "vegetative"):
		acc.prepend(vegetativeAdvice)
	case strings.Contains(normalized, "flowering"):
		acc.prepend(floweringAdvice)
	case strings.Contains(normalized, "fruiting") || strings.Contains(normalized, "grain"):
		acc.prepend(fruitingAdvice)
	}
}

func (acc *accumulator) prepend(advice string) {
	acc.recommendations = append([]string{advice}, acc.recommendations...)
}

const regionalAdvice = "Monitor regional pest and disease patterns reported near your location and coordinate with local agricultural extension services."

// applyLocation appends the regional note when coordinates were supplied.
// It must never touch status, confidence, or issues.
func applyLocation(acc *accumulator, opts Options) {
	if opts.Latitude != nil && opts.Longitude != nil {
		acc.recommendations = append(acc.recommendations, regionalAdvice)
	}
}
