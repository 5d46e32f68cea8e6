package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"alchemist/internal/cache"
	"alchemist/internal/council"
	"alchemist/internal/digest"
	"alchemist/internal/engine"
	"alchemist/internal/extract"
	"alchemist/internal/flow"
	"alchemist/internal/llm"
	"alchemist/internal/resilience"
	"alchemist/internal/store"
	"alchemist/internal/usage"
)

// app holds the wired pipeline for one CLI invocation.
type app struct {
	store   *store.Store
	engine  *engine.Engine
	tracker *usage.Tracker
}

func newApp() (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	st, err := store.Open(cfg.Storage.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	models := llm.ModelSet{
		Default: cfg.LLM.Model,
		Deep:    cfg.LLM.DeepModel,
		Utility: cfg.LLM.UtilityModel,
	}
	client, err := llm.New(llm.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		BaseURL:  cfg.LLM.BaseURL,
		Model:    cfg.LLM.Model,
		Timeout:  cfg.LLMTimeout(),
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	guard := resilience.New(resilience.Policy{
		Timeout: cfg.LLMTimeout(),
		Retries: cfg.Resilience.Retries,
		Backoff: cfg.RetryBackoff(),
	}, st, logger)

	tracker, err := usage.NewTracker(cfg.Storage.UsageDir, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	coun := council.New(client, guard, models, logger)
	coun.SetUsage(cfg.LLM.Provider, tracker)

	scoped := extract.NewScoped(guard.WrapClient(client), models, cfg.Budgets.Utility, logger)
	flows := flow.NewMachine(st, scoped, logger)
	assembler := digest.NewAssembler(st, logger)
	respCache := cache.New(st, cfg.CacheTTL(), logger)

	eng := engine.New(st, flows, assembler, coun, respCache, cfg.Budgets, logger)
	return &app{store: st, engine: eng, tracker: tracker}, nil
}

func (a *app) close() {
	_ = a.tracker.Save()
	a.store.Close()
}

func runAsk(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	out, err := a.engine.Ask(cmd.Context(), engine.AskRequest{
		UserID:    userID,
		Question:  joinArgs(args),
		DeepThink: deepThink,
	})
	if err != nil {
		return err
	}
	printResponse(out)
	return nil
}

func runFlowTurn(cmd *cobra.Command, ft flow.Type, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	reply := joinArgs(args)
	if reply == "" {
		state, batch, err := a.engine.BeginFlow(ctx, userID, ft)
		if err != nil {
			return flowErr(err)
		}
		if state.Status == flow.StatusCompleted {
			fmt.Printf("%s already completed for this period.\n", ft)
			return nil
		}
		fmt.Printf("%s %s. Please tell me about: %s\n", ft, state.Status, strings.Join(batch, ", "))
		return nil
	}

	result, err := a.engine.SubmitFlow(ctx, userID, ft, reply)
	if err != nil {
		return flowErr(err)
	}
	if result.Discarded {
		fmt.Println("This flow was cancelled; your reply was not recorded.")
		return nil
	}
	for name, value := range result.Resolved {
		fmt.Printf("  recorded %s = %s\n", name, value.String())
	}
	for _, name := range result.Unknown {
		fmt.Printf("  noted %s as unknown\n", name)
	}
	if result.Completed {
		fmt.Printf("%s complete. Thanks!\n", ft)
		return nil
	}
	fmt.Printf("Still needed: %s\n", strings.Join(result.NextBatch, ", "))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ft, err := flowTypeArg(args[0])
	if err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	state, ok, err := a.engine.FlowStatus(cmd.Context(), userID, ft)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Printf("%s: not started\n", ft)
		return nil
	}
	fmt.Printf("%s: %s\n", ft, state.Status)
	fmt.Printf("  answered: %d field(s)\n", len(state.Answered))
	if len(state.Pending) > 0 {
		fmt.Printf("  pending:  %s\n", strings.Join(state.Pending, ", "))
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	ft, err := flowTypeArg(args[0])
	if err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	state, err := a.engine.CancelFlow(cmd.Context(), userID, ft)
	if err != nil {
		return flowErr(err)
	}
	fmt.Printf("%s cancelled; %d answered field(s) kept.\n", ft, len(state.Answered))
	return nil
}

func runUsage(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	stats := a.tracker.Stats()
	fmt.Printf("Total: %d tokens over %d call(s)\n", stats.Total.Total, stats.Total.Calls)
	printCounts("By model", stats.ByModel)
	printCounts("By role", stats.ByRole)
	printCounts("By mode", stats.ByMode)
	return nil
}

func printCounts(title string, counts map[string]usage.TokenCounts) {
	if len(counts) == 0 {
		return
	}
	fmt.Println(title + ":")
	for key, tc := range counts {
		fmt.Printf("  %-28s in=%d out=%d calls=%d\n", key, tc.Input, tc.Output, tc.Calls)
	}
}

func printResponse(out engine.AskResponse) {
	fmt.Println(out.Answer)
	fmt.Println()
	fmt.Println("Why:")
	for _, b := range out.RationaleBullets {
		fmt.Println("  - " + b)
	}
	for _, action := range out.RecommendedActions {
		fmt.Println(action.Title + ":")
		for _, step := range action.Steps {
			fmt.Println("  - " + step)
		}
	}
	if len(out.SuggestedQuestions) > 0 {
		fmt.Println("You could ask next:")
		for _, q := range out.SuggestedQuestions {
			fmt.Println("  - " + q)
		}
	}
	if len(out.SafetyFlags) > 0 {
		fmt.Println("Safety flags: " + strings.Join(out.SafetyFlags, ", "))
	}
	if out.Degraded {
		fmt.Println("(partial result: some specialists were unavailable)")
	}
	if out.CacheHit {
		fmt.Println("(served from cache)")
	}
	fmt.Println()
	fmt.Println(out.Disclaimer)
}

func flowErr(err error) error {
	switch {
	case errors.Is(err, flow.ErrConcurrentConflict):
		return fmt.Errorf("another reply for this flow is still being processed; please retry in a moment")
	case errors.Is(err, flow.ErrNotStarted):
		return fmt.Errorf("this flow has not been started yet")
	default:
		return err
	}
}
