package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestBuildTopicBundleMergesSources(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	topicsFile := filepath.Join(dir, "topics.yaml")
	contents := "topics:\n  file-topic:\n    description: from file\n    keywords:\n      - weather\n    reply: file reply {{ .message.crop }}\n"
	if err := os.WriteFile(topicsFile, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write topics file: %v", err)
	}

	inline := map[string]TopicConfig{
		"inline-topic": {Description: "inline", Keywords: []string{"price"}, Reply: "inline reply"},
	}

	bundle, err := buildTopicBundle(ctx, inline, AdvisoryConfig{TopicsFile: topicsFile})
	if err != nil {
		t.Fatalf("buildTopicBundle should succeed: %v", err)
	}
	if len(bundle.Topics) != 2 {
		t.Fatalf("expected two topics, got %d", len(bundle.Topics))
	}
	if _, ok := bundle.Topics["inline-topic"]; !ok {
		t.Fatalf("expected inline topic present")
	}
	if _, ok := bundle.Topics["file-topic"]; !ok {
		t.Fatalf("expected file topic present")
	}
	if !slices.Contains(bundle.Sources, inlineSourceName) {
		t.Fatalf("expected inline source recorded, got %v", bundle.Sources)
	}
	if !slices.Contains(bundle.Sources, filepath.Clean(topicsFile)) {
		t.Fatalf("expected file source recorded, got %v", bundle.Sources)
	}
	if len(bundle.Skipped) != 0 {
		t.Fatalf("expected no skipped topics, got %v", bundle.Skipped)
	}
}

func TestBuildTopicBundleSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	topicsFile := filepath.Join(dir, "topics.yaml")
	contents := "topics:\n  dup-topic:\n    description: from file\n    keywords:\n      - price\n    reply: file reply\n"
	if err := os.WriteFile(topicsFile, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write topics file: %v", err)
	}

	inline := map[string]TopicConfig{
		"dup-topic": {Description: "inline", Keywords: []string{"price"}, Reply: "inline reply"},
	}

	bundle, err := buildTopicBundle(ctx, inline, AdvisoryConfig{TopicsFile: topicsFile})
	if err != nil {
		t.Fatalf("buildTopicBundle should succeed: %v", err)
	}
	if len(bundle.Topics) != 0 {
		t.Fatalf("expected duplicate topics to be skipped, got %v", bundle.Topics)
	}
	if len(bundle.Skipped) != 1 {
		t.Fatalf("expected one skipped entry, got %d", len(bundle.Skipped))
	}
	skip := bundle.Skipped[0]
	if skip.Reason != "duplicate definition" {
		t.Fatalf("unexpected skip reason: %v", skip.Reason)
	}
	if !slices.Contains(skip.Sources, inlineSourceName) {
		t.Fatalf("expected inline source recorded in skip: %v", skip)
	}
	if !slices.Contains(skip.Sources, filepath.Clean(topicsFile)) {
		t.Fatalf("expected file source recorded in skip: %v", skip)
	}
}

func TestBuildTopicBundleSkipsInvalidWhen(t *testing.T) {
	ctx := context.Background()
	inline := map[string]TopicConfig{
		"bad-when": {
			Keywords: []string{"price"},
			When:     "1 + 1",
			Reply:    "never rendered",
		},
	}

	bundle, err := buildTopicBundle(ctx, inline, AdvisoryConfig{})
	if err != nil {
		t.Fatalf("buildTopicBundle should succeed: %v", err)
	}
	if len(bundle.Topics) != 0 {
		t.Fatalf("expected invalid topic to be skipped, got %v", bundle.Topics)
	}
	if len(bundle.Skipped) != 1 {
		t.Fatalf("expected a single skipped topic, got %v", bundle.Skipped)
	}
	skipped := bundle.Skipped[0]
	if skipped.Kind != "topic" {
		t.Fatalf("expected topic skip, got %v", skipped.Kind)
	}
	if skipped.Name != "bad-when" {
		t.Fatalf("expected bad-when to be skipped, got %v", skipped.Name)
	}
	if !strings.Contains(skipped.Reason, "invalid topic") {
		t.Fatalf("expected invalid topic reason, got %q", skipped.Reason)
	}
}

func TestBuildTopicBundleSkipsMissingReply(t *testing.T) {
	ctx := context.Background()
	inline := map[string]TopicConfig{
		"no-reply": {Keywords: []string{"price"}},
	}

	bundle, err := buildTopicBundle(ctx, inline, AdvisoryConfig{})
	if err != nil {
		t.Fatalf("buildTopicBundle should succeed: %v", err)
	}
	if len(bundle.Topics) != 0 {
		t.Fatalf("expected reply-less topic to be skipped, got %v", bundle.Topics)
	}
	if len(bundle.Skipped) != 1 || !strings.Contains(bundle.Skipped[0].Reason, "reply or replyFile required") {
		t.Fatalf("unexpected skip set: %v", bundle.Skipped)
	}
}

func TestBuildTopicBundleSkipsBadVars(t *testing.T) {
	ctx := context.Background()
	inline := map[string]TopicConfig{
		"bad-vars": {
			Keywords: []string{"price"},
			Vars:     map[string]string{"broken": "message.["},
			Reply:    "never rendered",
		},
		"template-vars": {
			Keywords: []string{"price"},
			Vars:     map[string]string{"crop": "{{ .message.crop }}"},
			Reply:    "rendered",
		},
	}

	bundle, err := buildTopicBundle(ctx, inline, AdvisoryConfig{})
	if err != nil {
		t.Fatalf("buildTopicBundle should succeed: %v", err)
	}
	if _, ok := bundle.Topics["template-vars"]; !ok {
		t.Fatalf("template vars should pass load-time validation, got %v", bundle.Topics)
	}
	if _, ok := bundle.Topics["bad-vars"]; ok {
		t.Fatalf("expected bad-vars to be skipped")
	}
	if len(bundle.Skipped) != 1 || !strings.Contains(bundle.Skipped[0].Reason, "vars.broken") {
		t.Fatalf("unexpected skip set: %v", bundle.Skipped)
	}
}

func TestCollectTopicSourcesWalksFolder(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	nested := filepath.Join(dir, "seasonal")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("failed to create nested folder: %v", err)
	}
	for _, name := range []string{"a.yaml", "b.json", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("topics: {}\n"), 0o600); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	if err := os.WriteFile(filepath.Join(nested, "c.toml"), []byte(""), 0o600); err != nil {
		t.Fatalf("failed to write nested file: %v", err)
	}

	files, err := collectTopicSources(ctx, AdvisoryConfig{TopicsFolder: dir})
	if err != nil {
		t.Fatalf("collectTopicSources: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("expected yaml, json, and toml files only, got %v", files)
	}
	for _, f := range files {
		if strings.HasSuffix(f, ".txt") {
			t.Fatalf("txt file should be ignored: %v", files)
		}
	}
}
