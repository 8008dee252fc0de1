package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Attribute formats a mid-turn push with the sender attribution prefix
// spec.md §4.6 mandates for both engine variants.
func Attribute(sender, content string) string {
	return fmt.Sprintf("--- @%s says:\n%s", sender, content)
}

// SendPayload is the JSON shape Engine.Send's msg argument carries.
// Content with no Sender is the turn's initial content and is sent
// unprefixed; content with a Sender is a push and gets attributed.
type SendPayload struct {
	Sender  string `json:"sender,omitempty"`
	Content string `json:"content"`
}

// InProcessEngine embeds the Anthropic Messages API directly instead
// of spawning a process, grounded on teradata-labs-loom's streaming
// client (pkg/llm/bedrock/client_sdk.go's ChatStream loop over
// content_block_delta events) but built against the SDK's direct
// (non-Bedrock) constructor, since this engine has no AWS credentials
// to assume. Implements spec.md §4.6's message-stream model: the first
// Send of a turn is the initial content; any Send that arrives while a
// turn is in flight is attributed and batched, then folded in as the
// next turn the moment the current one finishes.
type InProcessEngine struct {
	client anthropic.Client
	model  string
	system string

	logger *slog.Logger
	output chan Output

	mu           sync.Mutex
	state        State
	history      []anthropic.MessageParam
	pending      strings.Builder
	turnRunning  bool
	exitHandlers []func(error)
}

// StartInProcess builds an InProcessEngine. Requires ANTHROPIC_API_KEY
// in the environment.
func StartInProcess(ctx context.Context, cfg Config, logger *slog.Logger) (*InProcessEngine, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("in-process engine: ANTHROPIC_API_KEY not set")
	}
	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	return &InProcessEngine{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		system: cfg.SystemPrompt,
		logger: logger.With("component", "engine", "engine_id", "in-process"),
		output: make(chan Output, 64),
		state:  StateReady,
	}, nil
}

// PID implements Engine; an in-process engine has none.
func (e *InProcessEngine) PID() *int { return nil }

// State implements Engine.
func (e *InProcessEngine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Output implements Engine.
func (e *InProcessEngine) Output() <-chan Output { return e.output }

// OnExit implements Engine.
func (e *InProcessEngine) OnExit(handler func(error)) {
	e.mu.Lock()
	if e.state == StateTerminated {
		e.mu.Unlock()
		handler(nil)
		return
	}
	e.exitHandlers = append(e.exitHandlers, handler)
	e.mu.Unlock()
}

// Send either starts a new turn (if the engine is ready) or batches a
// mid-turn push onto the pending buffer with attribution.
func (e *InProcessEngine) Send(ctx context.Context, msg []byte) error {
	var payload SendPayload
	if err := json.Unmarshal(msg, &payload); err != nil {
		payload = SendPayload{Content: string(msg)}
	}

	e.mu.Lock()
	if e.state == StateTerminated {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.turnRunning {
		if e.pending.Len() > 0 {
			e.pending.WriteString("\n")
		}
		if payload.Sender != "" {
			e.pending.WriteString(Attribute(payload.Sender, payload.Content))
		} else {
			e.pending.WriteString(payload.Content)
		}
		e.mu.Unlock()
		return nil
	}
	e.turnRunning = true
	e.state = StateBusy
	e.history = append(e.history, anthropic.NewUserMessage(anthropic.NewTextBlock(payload.Content)))
	e.mu.Unlock()

	go e.runTurn(ctx)
	return nil
}

func (e *InProcessEngine) runTurn(ctx context.Context) {
	for {
		e.mu.Lock()
		history := append([]anthropic.MessageParam(nil), e.history...)
		e.mu.Unlock()

		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(e.model),
			Messages:  history,
			MaxTokens: 4096,
		}
		if e.system != "" {
			params.System = []anthropic.TextBlockParam{{Text: e.system}}
		}

		stream := e.client.Messages.NewStreaming(ctx, params)
		var reply strings.Builder
		for stream.Next() {
			event := stream.Current()
			if event.Type != "content_block_delta" || event.Delta.Type != "text_delta" || event.Delta.Text == "" {
				continue
			}
			reply.WriteString(event.Delta.Text)
			data, _ := json.Marshal(map[string]string{"type": "assistant_delta", "text": event.Delta.Text})
			e.output <- Output{Data: data}
		}
		if err := stream.Err(); err != nil {
			e.logger.Error("in-process engine turn failed", "error", err)
			e.output <- Output{Terminated: true, ExitErr: err}
			e.endTurn(false)
			return
		}

		e.mu.Lock()
		e.history = append(e.history, anthropic.NewAssistantMessage(anthropic.NewTextBlock(reply.String())))
		pending := e.pending.String()
		e.pending.Reset()
		e.mu.Unlock()

		if pending == "" {
			e.output <- Output{TurnDone: true}
			e.endTurn(true)
			return
		}
		e.mu.Lock()
		e.history = append(e.history, anthropic.NewUserMessage(anthropic.NewTextBlock(pending)))
		e.mu.Unlock()
	}
}

func (e *InProcessEngine) endTurn(ready bool) {
	e.mu.Lock()
	e.turnRunning = false
	if ready {
		e.state = StateReady
	}
	e.mu.Unlock()
}

// Terminate implements Engine. There is no process to signal; this
// just closes the output stream and fires exit handlers.
func (e *InProcessEngine) Terminate(ctx context.Context, reason string) error {
	e.mu.Lock()
	if e.state == StateTerminated {
		e.mu.Unlock()
		return nil
	}
	e.state = StateTerminated
	handlers := e.exitHandlers
	e.mu.Unlock()

	e.logger.Info("terminating in-process engine", "reason", reason)
	close(e.output)
	for _, h := range handlers {
		h(nil)
	}
	return nil
}
