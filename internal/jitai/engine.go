// Package jitai contains the decision core: the Decision Policy Engine for scheduled
// outreach, the Chat Reply Engine for reactive replies, and the runner that drives the
// decision engine at each decision point.
package jitai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/MediBot/internal/contract"
	"github.com/BTreeMap/MediBot/internal/genai"
	"github.com/BTreeMap/MediBot/internal/models"
	"github.com/BTreeMap/MediBot/internal/prompts"
)

// Option configures the engines.
type Option func(*engineOptions)

type engineOptions struct {
	systemInstruction string
	guard             PolicyGuard
}

// WithSystemInstruction replaces the built-in system instruction.
func WithSystemInstruction(s string) Option {
	return func(o *engineOptions) {
		if s != "" {
			o.systemInstruction = s
		}
	}
}

// WithPolicyGuard selects how the decision engine treats decisions that break the
// quiet-hours or nonresponse rules.
func WithPolicyGuard(g PolicyGuard) Option {
	return func(o *engineOptions) { o.guard = g }
}

func applyOptions(opts []Option) engineOptions {
	o := engineOptions{systemInstruction: prompts.SystemInstruction, guard: GuardOverride}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// DecisionResult is a validated Decision plus whether the policy guard rewrote it.
type DecisionResult struct {
	Decision   models.Decision
	Overridden bool
}

// DecisionEngine turns a decision snapshot into a validated Decision.
type DecisionEngine struct {
	oracle genai.Oracle
	opts   engineOptions
}

// NewDecisionEngine creates a DecisionEngine backed by oracle.
func NewDecisionEngine(oracle genai.Oracle, opts ...Option) *DecisionEngine {
	o := applyOptions(opts)
	slog.Debug("jitai.NewDecisionEngine: created", "guard", o.guard, "customSystem", o.systemInstruction != prompts.SystemInstruction)
	return &DecisionEngine{oracle: oracle, opts: o}
}

// Decide returns a Decision or an error; no partial Decision is ever returned.
func (e *DecisionEngine) Decide(ctx context.Context, snap models.ContextSnapshot) (models.Decision, error) {
	res, err := e.Evaluate(ctx, snap)
	if err != nil {
		return models.Decision{}, err
	}
	return res.Decision, nil
}

// Evaluate is Decide that also reports whether the policy guard changed the oracle output.
func (e *DecisionEngine) Evaluate(ctx context.Context, snap models.ContextSnapshot) (DecisionResult, error) {
	if err := snap.ValidateForDecision(); err != nil {
		return DecisionResult{}, fmt.Errorf("invalid snapshot: %w", err)
	}

	task := prompts.BuildDecisionPrompt(snap)
	raw, err := e.oracle.Generate(ctx, e.opts.systemInstruction, task, contract.Decision)
	if err != nil {
		slog.Error("jitai.DecisionEngine.Decide: oracle call failed", "userID", snap.UserID, "decisionPoint", snap.DecisionPoint, "error", err)
		return DecisionResult{}, fmt.Errorf("decision oracle call failed: %w", err)
	}

	d, err := contract.ParseDecision(raw)
	if err != nil {
		slog.Warn("jitai.DecisionEngine.Decide: invalid model output", "userID", snap.UserID, "error", err, "rawLength", len(raw))
		return DecisionResult{}, err
	}

	d, overridden, err := e.opts.guard.Apply(snap, d)
	if err != nil {
		slog.Warn("jitai.DecisionEngine.Decide: decision rejected by policy guard", "userID", snap.UserID, "error", err)
		return DecisionResult{}, err
	}
	if overridden {
		slog.Warn("jitai.DecisionEngine.Decide: decision overridden by policy guard", "userID", snap.UserID, "isQuietHours", snap.IsQuietHours, "consecutiveNonresponses", snap.ConsecutiveNonresponses)
	}

	slog.Info("jitai.DecisionEngine.Decide: decision made", "userID", snap.UserID, "decisionPoint", snap.DecisionPoint, "send", d.Send, "reasonCodes", d.ReasonCodes, "followUpInHours", d.FollowUpInHours)
	return DecisionResult{Decision: d, Overridden: overridden}, nil
}

// ChatEngine turns a chat snapshot into a validated Chat reply.
type ChatEngine struct {
	oracle genai.Oracle
	opts   engineOptions
}

// NewChatEngine creates a ChatEngine backed by oracle.
func NewChatEngine(oracle genai.Oracle, opts ...Option) *ChatEngine {
	return &ChatEngine{oracle: oracle, opts: applyOptions(opts)}
}

// Chat returns a Chat reply or an error; no partial Chat is ever returned.
func (e *ChatEngine) Chat(ctx context.Context, snap models.ContextSnapshot) (models.Chat, error) {
	if err := snap.Validate(); err != nil {
		return models.Chat{}, fmt.Errorf("invalid snapshot: %w", err)
	}

	task := prompts.BuildChatPrompt(snap)
	raw, err := e.oracle.Generate(ctx, e.opts.systemInstruction, task, contract.Chat)
	if err != nil {
		slog.Error("jitai.ChatEngine.Chat: oracle call failed", "userID", snap.UserID, "error", err)
		return models.Chat{}, fmt.Errorf("chat oracle call failed: %w", err)
	}

	c, err := contract.ParseChat(raw)
	if err != nil {
		slog.Warn("jitai.ChatEngine.Chat: invalid model output", "userID", snap.UserID, "error", err, "rawLength", len(raw))
		return models.Chat{}, err
	}

	slog.Info("jitai.ChatEngine.Chat: reply generated", "userID", snap.UserID, "safetyFlags", c.SafetyFlags, "comB", c.ComBTags, "length", len(c.Message))
	return c, nil
}
