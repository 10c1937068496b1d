package bot

import (
	"context"
	"errors"
	"testing"

	"github.com/chatweave/chatweave/internal/genai"
	"github.com/chatweave/chatweave/internal/models"
	"github.com/chatweave/chatweave/internal/store"
)

// stepRunner simulates a multi-step pipeline that polls the cancel flag
// between steps.
type stepRunner struct {
	steps    []string
	onStep   func(step int)
	ranSteps int
}

func (r *stepRunner) Run(ctx context.Context, sessionID, input string, cancelled func() bool) (string, genai.Usage, error) {
	out := ""
	for i, step := range r.steps {
		if cancelled() {
			return "", genai.Usage{}, ErrPipelineCancelled
		}
		if r.onStep != nil {
			r.onStep(i)
		}
		out = step
		r.ranSteps++
	}
	return out, genai.Usage{PromptTokens: 20, CompletionTokens: 7}, nil
}

func TestPipelineBotDelegatesToRunner(t *testing.T) {
	st := store.NewInMemoryStore()
	sess := newBotSession(t, st)
	exp := &models.Experiment{ID: "exp1", Prompt: "p", Model: "m1"}
	ff := &fakeFactory{clients: map[string]*fakeClient{}}
	runner := &stepRunner{steps: []string{"draft", "final answer"}}

	b := NewPipelineBot(exp, runner, ff.factory, st, nil, nil)
	reply, err := b.Respond(context.Background(), sess, &models.IncomingMessage{ParticipantID: "p1", Body: "hi"})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply.Text != "final answer" {
		t.Errorf("reply = %q", reply.Text)
	}
	if reply.Usage.Total() != 27 {
		t.Errorf("usage = %d, want the runner's usage", reply.Usage.Total())
	}

	msgs := sessionMessages(t, st, sess.ID)
	if len(msgs) != 2 || msgs[1].Content != "final answer" {
		t.Errorf("persisted turns = %+v", msgs)
	}
}

func TestPipelineBotCooperativeCancellation(t *testing.T) {
	st := store.NewInMemoryStore()
	sess := newBotSession(t, st)
	exp := &models.Experiment{ID: "exp1", Prompt: "p", Model: "m1"}
	ff := &fakeFactory{clients: map[string]*fakeClient{}}

	cancels := NewCancelRegistry()
	runner := &stepRunner{steps: []string{"step1", "step2", "step3"}}
	// Flag the run after the first step completes; the runner notices at the
	// next boundary, never mid-step.
	runner.onStep = func(step int) {
		if step == 0 {
			cancels.Cancel(sess.ID)
		}
	}

	b := NewPipelineBot(exp, runner, ff.factory, st, nil, cancels)
	_, err := b.Respond(context.Background(), sess, &models.IncomingMessage{ParticipantID: "p1", Body: "hi"})
	if !errors.Is(err, ErrPipelineCancelled) {
		t.Fatalf("expected ErrPipelineCancelled, got %v", err)
	}
	if runner.ranSteps != 1 {
		t.Errorf("ran %d steps, want 1 before the flag was observed", runner.ranSteps)
	}
}

func TestPipelineBotClearsStaleCancelFlag(t *testing.T) {
	st := store.NewInMemoryStore()
	sess := newBotSession(t, st)
	exp := &models.Experiment{ID: "exp1", Prompt: "p", Model: "m1"}
	ff := &fakeFactory{clients: map[string]*fakeClient{}}

	cancels := NewCancelRegistry()
	cancels.Cancel(sess.ID) // leftover from a previous run
	runner := &stepRunner{steps: []string{"answer"}}

	b := NewPipelineBot(exp, runner, ff.factory, st, nil, cancels)
	reply, err := b.Respond(context.Background(), sess, &models.IncomingMessage{ParticipantID: "p1", Body: "hi"})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply.Text != "answer" {
		t.Errorf("a stale flag must not cancel a fresh run, got %q", reply.Text)
	}
}

func TestPipelineBotPreSafetyBlocksRunner(t *testing.T) {
	st := store.NewInMemoryStore()
	sess := newBotSession(t, st)
	ff := &fakeFactory{clients: map[string]*fakeClient{
		"m1": {model: "m1", replies: []string{"unsafe"}},
	}}
	exp := &models.Experiment{
		ID: "exp1", Prompt: "p", Model: "m1",
		SafetyLayers: []models.SafetyLayer{{
			Name: "input-guard", Prompt: "classify", Target: models.SafetyTargetHuman,
			Response: "let's talk about something else",
		}},
	}
	runner := &stepRunner{steps: []string{"never reached"}}

	b := NewPipelineBot(exp, runner, ff.factory, st, nil, nil)
	reply, err := b.Respond(context.Background(), sess, &models.IncomingMessage{ParticipantID: "p1", Body: "bad input"})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if reply.Text != "let's talk about something else" {
		t.Errorf("reply = %q", reply.Text)
	}
	if runner.ranSteps != 0 {
		t.Errorf("pipeline must not run after a pre-safety block, ran %d steps", runner.ranSteps)
	}

	msgs := sessionMessages(t, st, sess.ID)
	if len(msgs) != 2 {
		t.Fatalf("expected the human turn and the canned reply persisted, got %d", len(msgs))
	}
	if len(msgs[0].Tags) != 1 || msgs[0].Tags[0] != "input-guard" {
		t.Errorf("flagged human message should carry the layer tag, got %+v", msgs[0].Tags)
	}
}

func TestSafetyBotVerdictParsing(t *testing.T) {
	cases := []struct {
		output string
		safe   bool
	}{
		{"safe", true},
		{"Safe", true},
		{"SAFE: no issues found", true},
		{"  safe with notes ", true},
		{"unsafe", false},
		{"UNSAFE: self harm", false},
		{"Unsafe content detected", false},
		{"I think this is fine", false},
		{"", false},
		{"neither verdict", false},
	}
	for _, tc := range cases {
		if got := parseVerdict(tc.output); got != tc.safe {
			t.Errorf("parseVerdict(%q) = %v, want %v", tc.output, got, tc.safe)
		}
	}
}
