package advisor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fasalmitra/fasalmitra/internal/config"
	"github.com/fasalmitra/fasalmitra/internal/expr"
	"github.com/fasalmitra/fasalmitra/internal/metrics"
	"github.com/fasalmitra/fasalmitra/internal/templates"
)

// Request carries one chat message plus the enrichment snapshots the gateway
// gathered for it. Weather and Market may be nil when enrichment failed; topic
// conditions see empty maps in that case.
type Request struct {
	Message string
	Weather map[string]any
	Market  map[string]any
}

// Reply is the advisor's answer. Matched reports whether a knowledge topic
// produced the text or the configured default stood in.
type Reply struct {
	Text    string `json:"text"`
	Topic   string `json:"topic,omitempty"`
	Matched bool   `json:"matched"`
}

// Stats summarizes the installed knowledge bundle for the health endpoint.
type Stats struct {
	Topics  int                     `json:"topics"`
	Sources []string                `json:"sources,omitempty"`
	Skipped []config.DefinitionSkip `json:"skipped,omitempty"`
}

type compiledTopic struct {
	name     string
	keywords []string
	when     expr.Program
	hasWhen  bool
	vars     map[string]string
	reply    *templates.Template
	priority int
}

// Advisor answers chat-widget questions from the operator-editable knowledge
// base: keyword match selects candidates, the topic's CEL condition gates
// them, and the winner's template renders the reply. Swap installs a freshly
// loaded bundle atomically so the fsnotify watcher can hot-reload topics.
type Advisor struct {
	defaultReply string
	env          *expr.Environment
	hybrid       *expr.HybridEvaluator
	renderer     *templates.Renderer
	recorder     *metrics.Recorder
	logger       *slog.Logger
	now          func() time.Time

	mu      sync.RWMutex
	topics  []compiledTopic
	sources []string
	skipped []config.DefinitionSkip
}

// New builds an advisor with no topics installed; call Swap with the loaded
// bundle before serving.
func New(cfg config.AdvisoryConfig, renderer *templates.Renderer, recorder *metrics.Recorder, logger *slog.Logger) (*Advisor, error) {
	if renderer == nil {
		renderer = templates.NewRenderer(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	hybrid, err := expr.NewHybridEvaluator(renderer)
	if err != nil {
		return nil, err
	}
	return &Advisor{
		defaultReply: cfg.DefaultReply,
		env:          env,
		hybrid:       hybrid,
		renderer:     renderer,
		recorder:     recorder,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// Swap compiles the bundle and installs it atomically. Topics whose reply
// template fails to compile are quarantined alongside the loader's own skips;
// an in-flight Reply keeps using the previous bundle until the swap finishes.
func (a *Advisor) Swap(bundle config.TopicBundle) {
	skipped := append([]config.DefinitionSkip{}, bundle.Skipped...)
	topics := make([]compiledTopic, 0, len(bundle.Topics))
	for name, cfg := range bundle.Topics {
		topic, err := a.compileTopic(name, cfg)
		if err != nil {
			a.logger.Warn("advisory topic quarantined",
				slog.String("topic", name),
				slog.String("error", err.Error()))
			skipped = append(skipped, config.DefinitionSkip{
				Kind:   "topic",
				Name:   name,
				Reason: err.Error(),
			})
			continue
		}
		topics = append(topics, topic)
	}
	sort.Slice(topics, func(i, j int) bool {
		if topics[i].priority != topics[j].priority {
			return topics[i].priority > topics[j].priority
		}
		return topics[i].name < topics[j].name
	})
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Name < skipped[j].Name })

	a.mu.Lock()
	a.topics = topics
	a.sources = append([]string{}, bundle.Sources...)
	a.skipped = skipped
	a.mu.Unlock()
	a.logger.Info("advisory topics installed",
		slog.Int("topics", len(topics)),
		slog.Int("skipped", len(skipped)))
}

func (a *Advisor) compileTopic(name string, cfg config.TopicConfig) (compiledTopic, error) {
	topic := compiledTopic{
		name:     name,
		vars:     cfg.Vars,
		priority: cfg.Priority,
	}
	for _, keyword := range cfg.Keywords {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword != "" {
			topic.keywords = append(topic.keywords, keyword)
		}
	}
	if when := strings.TrimSpace(cfg.When); when != "" {
		program, err := a.env.Compile(when)
		if err != nil {
			return compiledTopic{}, err
		}
		topic.when = program
		topic.hasWhen = true
	}
	var (
		reply *templates.Template
		err   error
	)
	if file := strings.TrimSpace(cfg.ReplyFile); file != "" {
		reply, err = a.renderer.CompileFile(file)
	} else {
		reply, err = a.renderer.CompileInline(name, cfg.Reply)
	}
	if err != nil {
		return compiledTopic{}, err
	}
	if reply == nil {
		return compiledTopic{}, fmt.Errorf("advisor: topic %s has an empty reply", name)
	}
	topic.reply = reply
	return topic, nil
}

// Stats reports the installed bundle for observability.
func (a *Advisor) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Stats{
		Topics:  len(a.topics),
		Sources: append([]string{}, a.sources...),
		Skipped: append([]config.DefinitionSkip{}, a.skipped...),
	}
}

// Reply answers the message. Candidates are topics whose keywords appear in
// the message (topics without keywords always qualify), ordered by priority
// then name; the first whose condition holds wins. Evaluation or render
// failures fall back to the default reply rather than failing the request.
func (a *Advisor) Reply(ctx context.Context, req Request) Reply {
	message := strings.TrimSpace(req.Message)
	activation := map[string]any{
		"message": map[string]any{
			"text":       message,
			"normalized": strings.ToLower(message),
		},
		"weather": orEmpty(req.Weather),
		"market":  orEmpty(req.Market),
		"vars":    map[string]any{},
		"now":     a.now().UTC(),
	}

	a.mu.RLock()
	topics := a.topics
	a.mu.RUnlock()

	normalized := strings.ToLower(message)
	for _, topic := range topics {
		select {
		case <-ctx.Done():
			return a.fallback(metrics.AdvisoryError)
		default:
		}
		if !topic.matches(normalized) {
			continue
		}
		if topic.hasWhen {
			ok, err := topic.when.EvalBool(activation)
			if err != nil {
				a.logger.Warn("advisory condition failed",
					slog.String("topic", topic.name),
					slog.String("error", err.Error()))
				continue
			}
			if !ok {
				continue
			}
		}
		text, err := a.render(topic, activation)
		if err != nil {
			a.logger.Warn("advisory reply render failed",
				slog.String("topic", topic.name),
				slog.String("error", err.Error()))
			return a.fallback(metrics.AdvisoryError)
		}
		a.recorder.ObserveAdvisoryReply(metrics.AdvisoryMatched)
		return Reply{Text: text, Topic: topic.name, Matched: true}
	}
	return a.fallback(metrics.AdvisoryFallback)
}

func (topic compiledTopic) matches(normalized string) bool {
	if len(topic.keywords) == 0 {
		return true
	}
	for _, keyword := range topic.keywords {
		if strings.Contains(normalized, keyword) {
			return true
		}
	}
	return false
}

// render evaluates the topic's vars in name order, merges them into the
// activation, and executes the reply template against the full map.
func (a *Advisor) render(topic compiledTopic, activation map[string]any) (string, error) {
	vars := activation["vars"].(map[string]any)
	names := make([]string, 0, len(topic.vars))
	for name := range topic.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value, err := a.hybrid.Evaluate(topic.vars[name], activation)
		if err != nil {
			return "", fmt.Errorf("advisor: var %s: %w", name, err)
		}
		vars[name] = value
	}
	text, err := topic.reply.Render(activation)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (a *Advisor) fallback(outcome metrics.AdvisoryOutcome) Reply {
	a.recorder.ObserveAdvisoryReply(outcome)
	return Reply{Text: a.defaultReply}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
