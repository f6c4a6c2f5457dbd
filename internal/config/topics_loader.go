package config

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/fasalmitra/fasalmitra/internal/expr"
)

const inlineSourceName = "inline-config"

// TopicBundle captures the merged topic definitions after loading every
// configured source. The advisor uses the metadata to explain what was loaded
// and why certain topics were skipped.
type TopicBundle struct {
	Topics  map[string]TopicConfig
	Sources []string
	Skipped []DefinitionSkip
}

type topicDocument struct {
	Topics map[string]TopicConfig `koanf:"topics"`
}

type topicAggregator struct {
	topics  map[string]TopicConfig
	origins map[string]string
	skips   map[string]*DefinitionSkip

	sources map[string]struct{}
}

func newTopicAggregator() *topicAggregator {
	return &topicAggregator{
		topics:  make(map[string]TopicConfig),
		origins: make(map[string]string),
		skips:   make(map[string]*DefinitionSkip),
		sources: make(map[string]struct{}),
	}
}

func (a *topicAggregator) addDocument(doc topicDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for name, cfg := range doc.Topics {
		a.addTopic(name, cfg, source)
	}
}

func (a *topicAggregator) addTopic(name string, cfg TopicConfig, source string) {
	if existing, ok := a.skips[name]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.origins[name]; ok {
		a.recordSkip(name, "duplicate definition", prev, source)
		delete(a.origins, name)
		delete(a.topics, name)
		return
	}
	a.origins[name] = source
	a.topics[name] = cfg
}

// validateTopics quarantines topics with broken expressions or an unusable
// reply block. Serving would fail later anyway; catching it here records the
// offending topic in SkippedTopics so health checks can surface a precise
// diagnosis instead of a mid-request error.
func (a *topicAggregator) validateTopics(env *expr.Environment) {
	for name, cfg := range a.topics {
		if err := validateTopic(cfg, env); err != nil {
			source := a.origins[name]
			a.recordSkip(name, fmt.Sprintf("invalid topic: %v", err), source)
			delete(a.origins, name)
			delete(a.topics, name)
		}
	}
}

func (a *topicAggregator) recordSkip(name, reason string, sources ...string) {
	if skip, ok := a.skips[name]; ok {
		if skip.Reason == "" {
			skip.Reason = reason
		}
		for _, src := range sources {
			skip.Sources = appendUnique(skip.Sources, src)
		}
		return
	}
	skip := &DefinitionSkip{
		Kind:    "topic",
		Name:    name,
		Reason:  reason,
		Sources: []string{},
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
	a.skips[name] = skip
}

func (a *topicAggregator) bundle() TopicBundle {
	topics := make(map[string]TopicConfig, len(a.topics))
	for name, cfg := range a.topics {
		topics[name] = cfg
	}
	skipped := make([]DefinitionSkip, 0, len(a.skips))
	for _, skip := range a.skips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool {
		return skipped[i].Name < skipped[j].Name
	})
	sources := make([]string, 0, len(a.sources))
	for src := range a.sources {
		if src != "" {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	return TopicBundle{Topics: topics, Sources: sources, Skipped: skipped}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

func buildTopicBundle(ctx context.Context, inlineTopics map[string]TopicConfig, advisoryCfg AdvisoryConfig) (TopicBundle, error) {
	agg := newTopicAggregator()
	if len(inlineTopics) > 0 {
		agg.addDocument(topicDocument{Topics: inlineTopics}, inlineSourceName)
	}

	files, err := collectTopicSources(ctx, advisoryCfg)
	if err != nil {
		return TopicBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return TopicBundle{}, ctx.Err()
		default:
		}
		doc, err := loadTopicDocument(path)
		if err != nil {
			return TopicBundle{}, err
		}
		agg.addDocument(doc, path)
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return TopicBundle{}, err
	}
	agg.validateTopics(env)
	return agg.bundle(), nil
}

func validateTopic(cfg TopicConfig, env *expr.Environment) error {
	if strings.TrimSpace(cfg.Reply) == "" && strings.TrimSpace(cfg.ReplyFile) == "" {
		return fmt.Errorf("reply or replyFile required")
	}
	if strings.TrimSpace(cfg.Reply) != "" && strings.TrimSpace(cfg.ReplyFile) != "" {
		return fmt.Errorf("reply and replyFile are mutually exclusive")
	}
	if len(cfg.Keywords) == 0 && strings.TrimSpace(cfg.When) == "" {
		return fmt.Errorf("keywords or when required")
	}
	if when := strings.TrimSpace(cfg.When); when != "" {
		if _, err := env.Compile(when); err != nil {
			return fmt.Errorf("when: %w", err)
		}
	}
	for name, expression := range cfg.Vars {
		trimmed := strings.TrimSpace(expression)
		if trimmed == "" {
			continue
		}
		// Template vars compile lazily against the renderer; only CEL vars
		// can be checked here.
		if strings.Contains(trimmed, "{{") {
			continue
		}
		if _, err := env.CompileValue(trimmed); err != nil {
			return fmt.Errorf("vars.%s: %w", name, err)
		}
	}
	return nil
}

func collectTopicSources(ctx context.Context, advisoryCfg AdvisoryConfig) ([]string, error) {
	if advisoryCfg.TopicsFile != "" {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := ensureFileExists(advisoryCfg.TopicsFile); err != nil {
			return nil, err
		}
		return []string{advisoryCfg.TopicsFile}, nil
	}
	if advisoryCfg.TopicsFolder == "" {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	stat, err := os.Stat(advisoryCfg.TopicsFolder)
	if err != nil {
		return nil, fmt.Errorf("config: topics folder %s: %w", advisoryCfg.TopicsFolder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: topics folder %s is not a directory", advisoryCfg.TopicsFolder)
	}
	var files []string
	err = filepath.WalkDir(advisoryCfg.TopicsFolder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !isSupportedTopicsFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk topics folder %s: %w", advisoryCfg.TopicsFolder, err)
	}
	sort.Strings(files)
	return files, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: topics file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: topics file %s: expected a file, found directory", path)
	}
	return nil
}

func loadTopicDocument(path string) (topicDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return topicDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return topicDocument{}, fmt.Errorf("config: load topics from %s: %w", path, err)
	}
	var doc topicDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return topicDocument{}, fmt.Errorf("config: decode topics from %s: %w", path, err)
	}
	if doc.Topics == nil {
		doc.Topics = make(map[string]TopicConfig)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported topics file extension %s", ext)
	}
}

func isSupportedTopicsFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}

func cloneTopicMap(in map[string]TopicConfig) map[string]TopicConfig {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}
