package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nekobot/internal/llm"
	"github.com/haasonsaas/nekobot/pkg/models"
)

// =============================================================================
// Provider Command Handlers
// =============================================================================

type providerAddOptions struct {
	name         string
	providerType string
	model        string
	keys         []string
	baseURL      string
	temperature  float64
	maxTokens    int
}

func (o providerAddOptions) descriptor() llm.Descriptor {
	desc := llm.Descriptor{
		Name:    o.name,
		Type:    llm.ProviderType(strings.ToLower(o.providerType)),
		Model:   o.model,
		APIKeys: o.keys,
		BaseURL: o.baseURL,
	}
	cfg := map[string]any{}
	if o.temperature >= 0 {
		cfg["temperature"] = o.temperature
	}
	if o.maxTokens > 0 {
		cfg["max_tokens"] = o.maxTokens
	}
	if len(cfg) > 0 {
		desc.Config = cfg
	}
	return desc
}

// runProvidersList prints registered providers without their keys.
func runProvidersList(cmd *cobra.Command, configPath string) error {
	a, err := openApp(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)

	out := cmd.OutOrStdout()
	summaries := a.Router.ListProviders()
	if len(summaries) == 0 {
		fmt.Fprintln(out, "No providers registered.")
		return nil
	}
	fmt.Fprintf(out, "%-16s %-10s %-28s %-5s %s\n", "NAME", "TYPE", "MODEL", "KEYS", "BASE URL")
	for _, s := range summaries {
		fmt.Fprintf(out, "%-16s %-10s %-28s %-5d %s\n", s.Name, s.Type, s.Model, s.KeyCount, s.BaseURL)
	}
	return nil
}

// runProvidersAdd registers a provider and stores it for later starts.
func runProvidersAdd(cmd *cobra.Command, configPath string, opts providerAddOptions) error {
	a, err := openApp(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)

	desc := opts.descriptor()
	if err := a.Router.AddProvider(cmd.Context(), desc); err != nil {
		return fmt.Errorf("add provider: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added provider: %s (%s, %d key(s))\n", desc.Name, desc.Type, len(desc.APIKeys))
	return nil
}

// runProvidersRemove deletes a stored provider.
func runProvidersRemove(cmd *cobra.Command, configPath, name string) error {
	a, err := openApp(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)

	if err := a.Router.RemoveProvider(cmd.Context(), name); err != nil {
		return fmt.Errorf("remove provider: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed provider: %s\n", name)
	for _, p := range a.Config().LLM.Providers {
		if strings.EqualFold(p.Name, name) {
			fmt.Fprintln(cmd.OutOrStdout(), "  Note: it is still declared in the config file and returns on next start.")
			break
		}
	}
	return nil
}

// runProvidersTest probes each provider and fails if any is down.
func runProvidersTest(cmd *cobra.Command, configPath string, names []string) error {
	a, err := openApp(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)

	var results map[string]bool
	if len(names) == 0 {
		results = a.Router.CheckHealth(cmd.Context())
	} else {
		results = make(map[string]bool, len(names))
		for _, name := range names {
			results[name] = a.Router.TestConnection(cmd.Context(), name)
		}
	}

	out := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(out, "No providers registered.")
		return nil
	}
	ordered := make([]string, 0, len(results))
	for name := range results {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	down := 0
	for _, name := range ordered {
		status := "ok"
		if !results[name] {
			status = "FAILED"
			down++
		}
		fmt.Fprintf(out, "  %-16s %s\n", name, status)
	}
	if down > 0 {
		return fmt.Errorf("%d of %d provider(s) unreachable", down, len(results))
	}
	return nil
}

// runProvidersChat sends one prompt and prints the reply.
func runProvidersChat(cmd *cobra.Command, configPath, provider, prompt, system, model string, stream bool) error {
	a, err := openApp(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)

	ctx := cmd.Context()
	messages := []models.ChatMessage{{Role: models.RoleUser, Content: prompt}}
	opts := models.ChatOptions{Model: model, System: system}
	out := cmd.OutOrStdout()

	if !stream {
		result, err := a.Router.Chat(ctx, provider, messages, opts)
		if err != nil {
			return fmt.Errorf("chat failed: %w", err)
		}
		fmt.Fprintln(out, result.Content)
		fmt.Fprintf(cmd.ErrOrStderr(), "[%s, %d prompt + %d completion tokens]\n",
			result.Model, result.Usage.PromptTokens, result.Usage.CompletionTokens)
		return nil
	}

	s, err := a.Router.ChatStream(ctx, provider, messages, opts)
	if err != nil {
		return fmt.Errorf("chat failed: %w", err)
	}
	defer s.Close()
	for s.Next() {
		fmt.Fprint(out, s.Text())
	}
	fmt.Fprintln(out)
	if err := s.Err(); err != nil {
		return fmt.Errorf("stream failed: %w", err)
	}
	return nil
}
