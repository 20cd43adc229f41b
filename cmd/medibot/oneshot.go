package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/MediBot/internal/genai"
	"github.com/BTreeMap/MediBot/internal/jitai"
	"github.com/BTreeMap/MediBot/internal/models"
	"github.com/BTreeMap/MediBot/internal/snapshot"
	"github.com/BTreeMap/MediBot/internal/store"
)

// newOracle is replaced in tests.
var newOracle = func(cfg Config) (genai.Oracle, error) {
	return genai.NewClient(buildGenAIOptions(cfg)...)
}

func newDecideCmd(cfg *Config) *cobra.Command {
	var fixture, participant, point string
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Run one decision and print the validated JSON",
		Long: "Run one decision against the oracle. With --fixture the context snapshot is read " +
			"from a JSON file; with --participant it is built from the store and the decision is " +
			"recorded without sending anything.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (fixture == "") == (participant == "") {
				return errors.New("exactly one of --fixture or --participant is required")
			}
			oracle, err := newOracle(*cfg)
			if err != nil {
				return err
			}
			if fixture != "" {
				return runDecideFixture(cmd.Context(), cmd.OutOrStdout(), *cfg, oracle, fixture)
			}
			dp, err := models.ParseDecisionPoint(point)
			if err != nil {
				return err
			}
			st, err := store.New(cfg.storeDSN())
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer st.Close()
			return runDecideParticipant(cmd.Context(), cmd.OutOrStdout(), *cfg, oracle, st, participant, dp)
		},
	}
	cmd.Flags().StringVar(&fixture, "fixture", "", "context snapshot JSON file")
	cmd.Flags().StringVar(&participant, "participant", "", "participant id to decide for (dry run, nothing is sent)")
	cmd.Flags().StringVar(&point, "point", string(models.DecisionPointEvening), "decision point for --participant: morning or evening")
	return cmd
}

func runDecideFixture(ctx context.Context, out io.Writer, cfg Config, oracle genai.Oracle, path string) error {
	snap, err := readSnapshot(path)
	if err != nil {
		return err
	}
	engine, _, err := engines(cfg, oracle)
	if err != nil {
		return err
	}
	res, err := engine.Evaluate(ctx, snap)
	if err != nil {
		return err
	}
	return printJSON(out, map[string]any{
		"decision":   res.Decision,
		"overridden": res.Overridden,
		"message":    jitai.FormatOutreach(res.Decision),
	})
}

func runDecideParticipant(ctx context.Context, out io.Writer, cfg Config, oracle genai.Oracle, st store.Store, id string, point models.DecisionPoint) error {
	engine, _, err := engines(cfg, oracle)
	if err != nil {
		return err
	}
	builder := snapshot.NewBuilder(snapshot.WithDefaultLocation(cfg.location()))
	runner := jitai.NewOutreachRunner(st, builder, engine, nil)
	rec, err := runner.DecideFor(ctx, id, point)
	if err != nil {
		return err
	}
	return printJSON(out, rec)
}

func newChatCmd(cfg *Config) *cobra.Command {
	var fixture, name string
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Answer one message with the chat engine and print the validated JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			oracle, err := newOracle(*cfg)
			if err != nil {
				return err
			}
			text := ""
			if len(args) == 1 {
				text = args[0]
			}
			return runChat(cmd.Context(), cmd.OutOrStdout(), *cfg, oracle, fixture, name, text)
		},
	}
	cmd.Flags().StringVar(&fixture, "fixture", "", "context snapshot JSON file; the message argument replaces its user_message")
	cmd.Flags().StringVar(&name, "name", "", "participant name when no fixture is given")
	return cmd
}

func runChat(ctx context.Context, out io.Writer, cfg Config, oracle genai.Oracle, fixture, name, text string) error {
	var snap models.ContextSnapshot
	if fixture != "" {
		var err error
		if snap, err = readSnapshot(fixture); err != nil {
			return err
		}
		if text != "" {
			snap.UserMessage = text
		}
	} else {
		if strings.TrimSpace(text) == "" {
			return errors.New("a message is required without --fixture")
		}
		builder := snapshot.NewBuilder(snapshot.WithDefaultLocation(cfg.location()))
		var err error
		snap, err = builder.ForChat(models.Participant{ID: "cli", Name: name}, nil, nil, text)
		if err != nil {
			return err
		}
	}

	_, engine, err := engines(cfg, oracle)
	if err != nil {
		return err
	}
	c, err := engine.Chat(ctx, snap)
	if err != nil {
		return err
	}
	return printJSON(out, map[string]any{
		"chat":    c,
		"message": jitai.FormatChat(c),
	})
}

func readSnapshot(path string) (models.ContextSnapshot, error) {
	var snap models.ContextSnapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, fmt.Errorf("failed to read fixture: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("failed to parse fixture %s: %w", path, err)
	}
	return snap, nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
