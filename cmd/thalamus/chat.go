package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/thalamus/pkg/controller"
	"github.com/go-go-golems/thalamus/pkg/events"
	"github.com/go-go-golems/thalamus/pkg/graph"
)

type chatFlags struct {
	dataDir        string
	namespace      string
	promptDir      string
	providerURL    string
	providerAPIKey string
	memoryURL      string

	routerModel  string
	plannerModel string
	reflectModel string
	answerModel  string

	showThinking bool
	eventsLog    string
}

func newChatCommand() *cobra.Command {
	flags := &chatFlags{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Read turns from stdin and stream replies to stdout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.dataDir, "data-dir", defaultDataDir(), "directory for world state and chat history")
	cmd.Flags().StringVar(&flags.namespace, "namespace", "default", "user namespace for remote memory")
	cmd.Flags().StringVar(&flags.promptDir, "prompts", "prompts", "directory with per-stage prompt templates")
	cmd.Flags().StringVar(&flags.providerURL, "provider-endpoint", "http://localhost:1234/v1", "OpenAI-compatible chat endpoint")
	cmd.Flags().StringVar(&flags.providerAPIKey, "api-key", os.Getenv("THALAMUS_API_KEY"), "provider API key, if any")
	cmd.Flags().StringVar(&flags.memoryURL, "memory-endpoint", "", "remote memory endpoint; empty disables memory")
	cmd.Flags().StringVar(&flags.routerModel, "router-model", "", "model for the router role")
	cmd.Flags().StringVar(&flags.plannerModel, "planner-model", "", "model for the planner role")
	cmd.Flags().StringVar(&flags.reflectModel, "reflect-model", "", "model for the reflect role")
	cmd.Flags().StringVar(&flags.answerModel, "answer-model", "", "model for the answer role")
	cmd.Flags().BoolVar(&flags.showThinking, "show-thinking", false, "print intermediate stage output")
	cmd.Flags().StringVar(&flags.eventsLog, "events-log", "", "append the full turn event stream as JSONL to this file")

	_ = cmd.MarkFlagRequired("answer-model")
	return cmd
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".thalamus"
	}
	return filepath.Join(home, ".thalamus")
}

func (f *chatFlags) config() controller.Config {
	models := map[string]graph.RoleModel{
		graph.RoleAnswer: {Name: f.answerModel},
	}
	// Unbound roles fall back to the answer model inside the graph.
	for role, name := range map[string]string{
		graph.RoleRouter:  f.routerModel,
		graph.RolePlanner: f.plannerModel,
		graph.RoleReflect: f.reflectModel,
	} {
		if name != "" {
			models[role] = graph.RoleModel{Name: name}
		}
	}

	return controller.Config{
		WorldStatePath:   filepath.Join(f.dataDir, "world.json"),
		ChatHistoryPath:  filepath.Join(f.dataDir, "chat.jsonl"),
		UserNamespace:    f.namespace,
		RoleModels:       models,
		PromptDir:        f.promptDir,
		ProviderEndpoint: f.providerURL,
		ProviderAPIKey:   f.providerAPIKey,
		MemoryEndpoint:   f.memoryURL,
	}
}

func runChat(cmd *cobra.Command, flags *chatFlags) error {
	var options []controller.Option
	if flags.eventsLog != "" {
		bridge, err := newEventLogBridge(cmd, flags.eventsLog)
		if err != nil {
			return err
		}
		defer func() {
			_ = bridge.Close()
		}()
		options = append(options, controller.WithBridge(bridge))
	}

	c, err := controller.New(flags.config(), options...)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(cmd.InOrStdin())
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			fmt.Fprint(out, "> ")
			continue
		}

		stream, err := c.SubmitTurn(cmd.Context(), line)
		if err != nil {
			return err
		}
		renderTurn(out, stream, flags.showThinking)
		fmt.Fprint(out, "> ")
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "read stdin")
	}
	return nil
}

// newEventLogBridge runs a watermill bridge whose only handler appends
// every event envelope as one JSON line.
func newEventLogBridge(cmd *cobra.Command, path string) (*events.Bridge, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open events log")
	}

	bridge, err := events.NewBridge()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	var mu sync.Mutex
	bridge.AddHandler("events-log", func(msg *message.Message) error {
		mu.Lock()
		defer mu.Unlock()
		_, err := f.Write(append(msg.Payload, '\n'))
		return err
	})

	go func() {
		defer func() {
			_ = f.Close()
		}()
		if err := bridge.Run(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "events log stopped: %v\n", err)
		}
	}()
	<-bridge.Running()
	return bridge, nil
}

func renderTurn(out io.Writer, stream <-chan events.TurnEvent, showThinking bool) {
	for ev := range stream {
		switch p := ev.Payload.(type) {
		case events.NodeStartPayload:
			if showThinking {
				fmt.Fprintf(out, "[%s]\n", p.StageID)
			}
		case events.DeltaThinkingPayload:
			if showThinking {
				fmt.Fprint(out, p.Text)
			}
		case events.AssistantDeltaPayload:
			fmt.Fprint(out, p.Text)
		case events.AssistantStreamEndPayload:
			fmt.Fprintln(out)
		case events.ToolCallPayload:
			if showThinking {
				fmt.Fprintf(out, "[%s → %s]\n", p.StageID, p.Name)
			}
		case events.WorldCommitPayload:
			fmt.Fprintln(out, "(world updated)")
		case events.TurnEndErrorPayload:
			fmt.Fprintf(out, "error: %s (%s)\n", p.Message, p.Reason)
		case events.OverflowPayload:
			fmt.Fprintf(out, "(%d events dropped)\n", p.Dropped)
		}
	}
}
