package bot

import (
	"context"
	"testing"

	"github.com/chatweave/chatweave/internal/models"
	"github.com/chatweave/chatweave/internal/store"
)

func TestTopicBotPromptPersistsAITurn(t *testing.T) {
	st := store.NewInMemoryStore()
	sess := newBotSession(t, st)
	ff := &fakeFactory{clients: map[string]*fakeClient{
		"m1": {model: "m1", replies: []string{"time for your check in"}},
	}}
	exp := &models.Experiment{ID: "exp1", Prompt: "be kind", Model: "m1", MaxTokenLimit: 100}

	b, err := NewTopicBot(exp, ff.factory, st, &fakeHistory{}, nil, &models.ExperimentConfig{})
	if err != nil {
		t.Fatalf("new topic bot: %v", err)
	}
	text, err := b.Prompt(context.Background(), sess, "remind the participant")
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if text != "time for your check in" {
		t.Errorf("text = %q", text)
	}

	msgs := sessionMessages(t, st, sess.ID)
	if len(msgs) != 1 || msgs[0].Role != models.RoleAI || msgs[0].Content != text {
		t.Errorf("persisted = %+v, want a single AI turn", msgs)
	}
}

func TestTopicBotPromptAppliesPostSafety(t *testing.T) {
	st := store.NewInMemoryStore()
	sess := newBotSession(t, st)
	ff := &fakeFactory{clients: map[string]*fakeClient{
		"m1": {model: "m1", replies: []string{"risky generated text", "unsafe"}},
	}}
	notifier := &recordingNotifier{}
	exp := &models.Experiment{
		ID: "exp1", Prompt: "be kind", Model: "m1", MaxTokenLimit: 100,
		SafetyLayers: []models.SafetyLayer{
			{Name: "output-guard", Prompt: "judge", Target: models.SafetyTargetAI, Response: "let's change topics"},
		},
	}

	b, err := NewTopicBot(exp, ff.factory, st, &fakeHistory{}, notifier, &models.ExperimentConfig{})
	if err != nil {
		t.Fatalf("new topic bot: %v", err)
	}
	text, err := b.Prompt(context.Background(), sess, "nudge")
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if text != "let's change topics" {
		t.Errorf("text = %q, want the safety substitution", text)
	}
	if len(notifier.layers) != 1 || notifier.layers[0] != "output-guard" {
		t.Errorf("notified layers = %+v", notifier.layers)
	}
	msgs := sessionMessages(t, st, sess.ID)
	if len(msgs) != 1 || msgs[0].Content != "let's change topics" {
		t.Errorf("persisted = %+v", msgs)
	}
	if len(msgs[0].Tags) != 1 || msgs[0].Tags[0] != "output-guard" {
		t.Errorf("tags = %+v", msgs[0].Tags)
	}
}
