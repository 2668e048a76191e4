package cmd

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawcore/internal/bus"
	"github.com/nextlevelbuilder/clawcore/internal/engine"
	"github.com/nextlevelbuilder/clawcore/pkg/protocol"
)

const displayWidth = 100

func chatCmd() *cobra.Command {
	var sessionID string
	var backend string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session in the working directory",
		Run: func(cmd *cobra.Command, args []string) {
			runChatWith(sessionID, backend)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "resume a persisted session by id")
	cmd.Flags().StringVar(&backend, "backend", "file", "session store backend (file or sqlite)")
	return cmd
}

func runChat(sessionID string) { runChatWith(sessionID, "file") }

func runChatWith(sessionID, backend string) {
	e, err := engine.New(engine.Options{
		HomeDir:        homeDir,
		WorkDir:        resolveWorkDir(),
		SessionBackend: backend,
		BraveAPIKey:    os.Getenv("BRAVE_API_KEY"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer e.Dispose()

	ui := &chatUI{engine: e, idle: make(chan struct{}, 1)}
	ui.subscribe()

	if err := e.CreateSession(sessionID); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Ctrl+C interrupts the in-flight turn; a second one while idle
	// exits through the scanner loop.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		for range sigCh {
			e.InterruptSession()
		}
	}()

	fmt.Fprintf(os.Stderr, "clawcore %s — %s\n", Version, resolveWorkDir())
	fmt.Fprintln(os.Stderr, `Type "exit" to quit, "/clear" for a fresh session, "/compact" to compress history.`)
	fmt.Fprintln(os.Stderr)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(os.Stderr)
			return
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return
		}

		if err := e.ProcessUserInput(input); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		ui.waitIdle()
		fmt.Fprintln(os.Stderr)
	}
}

// chatUI renders bus events and answers the interactive requests.
type chatUI struct {
	engine    *engine.Engine
	idle      chan struct{}
	streaming bool
}

func (u *chatUI) subscribe() {
	ev := u.engine.Events()

	ev.On(protocol.EventStateUpdate, func(p bus.Payload) {
		if s, _ := p["state"].(string); s == protocol.StateIdle {
			select {
			case u.idle <- struct{}{}:
			default:
			}
		}
	})

	ev.On(protocol.EventTextChunk, func(p bus.Payload) {
		if delta, _ := p["delta"].(string); delta != "" {
			u.streaming = true
			fmt.Print(delta)
		}
	})

	ev.On(protocol.EventMessageComplete, func(p bus.Payload) {
		if u.streaming {
			u.streaming = false
			fmt.Println()
			return
		}
		if content, _ := p["content"].(string); content != "" {
			fmt.Println(content)
		}
	})

	ev.On(protocol.EventToolExecutionComplete, func(p bus.Payload) {
		title, _ := p["title"].(string)
		summary, _ := p["summary"].(string)
		toolName, _ := p["toolName"].(string)
		line := fmt.Sprintf("  [%s] %s — %s", toolName, title, summary)
		fmt.Fprintln(os.Stderr, runewidth.Truncate(line, displayWidth, "…"))
	})

	ev.On(protocol.EventToolExecutionError, func(p bus.Payload) {
		toolName, _ := p["toolName"].(string)
		content, _ := p["content"].(string)
		line := fmt.Sprintf("  [%s] error: %s", toolName, strings.SplitN(content, "\n", 2)[0])
		fmt.Fprintln(os.Stderr, runewidth.Truncate(line, displayWidth, "…"))
	})

	ev.On(protocol.EventSessionError, func(p bus.Payload) {
		if e, ok := p["error"].(map[string]any); ok {
			fmt.Fprintf(os.Stderr, "\nAPI error (%v): %v\n", e["code"], e["message"])
		}
	})

	ev.On(protocol.EventSessionInterrupted, func(p bus.Payload) {
		fmt.Fprintln(os.Stderr, "\n(interrupted)")
	})

	ev.On(protocol.EventConversationUsage, func(p bus.Payload) {
		if usage, ok := p["usage"].(map[string]any); ok {
			fmt.Fprintf(os.Stderr, "  [context %v/%v tokens]\n", usage["useTokens"], usage["maxTokens"])
		}
	})

	ev.On(protocol.EventCompactExec, func(p bus.Payload) {
		if errMsg, ok := p["errMsg"].(string); ok && errMsg != "" {
			fmt.Fprintf(os.Stderr, "  [compacted with fallback: %s]\n", errMsg)
			return
		}
		fmt.Fprintf(os.Stderr, "  [history compacted: %v -> %v tokens]\n", p["tokenBefore"], p["tokenCompact"])
	})

	ev.On(protocol.EventTaskAgentStart, func(p bus.Payload) {
		fmt.Fprintf(os.Stderr, "  [subagent %v: %v]\n", p["subagent_type"], p["description"])
	})

	ev.On(protocol.EventTopicUpdate, func(p bus.Payload) {
		if isNew, _ := p["isNewTopic"].(bool); isNew {
			fmt.Fprintf(os.Stderr, "  [topic: %v]\n", p["title"])
		}
	})

	ev.On(protocol.EventConfigNoModels, func(p bus.Payload) {
		fmt.Fprintf(os.Stderr, "\n%v Run \"clawcore models add\" first.\n", p["message"])
	})

	ev.On(protocol.EventToolPermissionRequest, func(p bus.Payload) {
		go u.answerPermission(p)
	})
	ev.On(protocol.EventAskQuestionRequest, func(p bus.Payload) {
		go u.answerQuestion(p)
	})
	ev.On(protocol.EventPlanExitRequest, func(p bus.Payload) {
		go u.answerPlanExit(p)
	})
}

func (u *chatUI) waitIdle() { <-u.idle }

// emitResponse retries until the engine's Await has subscribed; the
// request fires before the matching response listener exists.
func (u *chatUI) emitResponse(topic string, payload bus.Payload) {
	for !u.engine.Events().Emit(topic, payload) {
		time.Sleep(5 * time.Millisecond)
	}
}

func (u *chatUI) answerPermission(p bus.Payload) {
	toolName, _ := p["toolName"].(string)
	title, _ := p["title"].(string)
	content, _ := p["content"].(string)

	var selected string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title(fmt.Sprintf("Allow %s? %s", toolName, title)).
			Description(runewidth.Truncate(content, displayWidth*4, "…")).
			Options(
				huh.NewOption("Yes, this time", protocol.PermissionAgree),
				huh.NewOption("Yes, always for this project", protocol.PermissionAllow),
				huh.NewOption("No", protocol.PermissionRefuse),
			).
			Value(&selected),
	))
	if err := form.Run(); err != nil {
		selected = protocol.PermissionRefuse
	}
	u.emitResponse(protocol.EventToolPermissionResponse, bus.Payload{
		"toolName": toolName,
		"selected": selected,
	})
}

func (u *chatUI) answerQuestion(p bus.Payload) {
	agentID, _ := p["agentId"].(string)
	questions, _ := p["questions"].([]any)

	answers := map[string]any{}
	for _, raw := range questions {
		q, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		question, _ := q["question"].(string)
		opts, _ := q["options"].([]any)

		var choices []huh.Option[string]
		for _, o := range opts {
			if om, ok := o.(map[string]any); ok {
				label, _ := om["label"].(string)
				choices = append(choices, huh.NewOption(label, label))
			}
		}

		var selected string
		form := huh.NewForm(huh.NewGroup(
			huh.NewSelect[string]().Title(question).Options(choices...).Value(&selected),
		))
		if err := form.Run(); err != nil {
			continue
		}
		answers[question] = selected
	}

	u.emitResponse(protocol.EventAskQuestionResponse, bus.Payload{
		"agentId": agentID,
		"answers": answers,
	})
}

func (u *chatUI) answerPlanExit(p bus.Payload) {
	agentID, _ := p["agentId"].(string)
	planContent, _ := p["planContent"].(string)

	fmt.Fprintln(os.Stderr, "\n--- Plan ---")
	fmt.Fprintln(os.Stderr, planContent)
	fmt.Fprintln(os.Stderr, "------------")

	var selected string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Ready to implement this plan?").
			Options(
				huh.NewOption("Start editing, keep the research context", protocol.PlanExitStartEditing),
				huh.NewOption("Clear context and start fresh from the plan", protocol.PlanExitClearContextAndStart),
			).
			Value(&selected),
	))
	if err := form.Run(); err != nil {
		selected = protocol.PlanExitStartEditing
	}
	u.emitResponse(protocol.EventPlanExitResponse, bus.Payload{
		"agentId":  agentID,
		"selected": selected,
	})
}
