// Package dummy provides scripted stand-ins for the completion backend and
// the chat source. Scripts are comma separated actions:
//
//	ok | msg:<text> | msgb64:<base64> | err:<class> | timeout | sleep:<ms>
//
// The last action repeats once the script is exhausted.
package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	cmdpkg "github.com/stupiduntilnot/cookbot/internal/commander"
	"github.com/stupiduntilnot/cookbot/internal/model"
)

type action struct {
	kind string
	arg  string
}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if token == "ok" || token == "timeout" {
			actions = append(actions, action{kind: token})
			continue
		}
		kind, arg, found := strings.Cut(token, ":")
		if !found {
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
		switch kind {
		case "err", "sleep", "msg", "msgb64":
			actions = append(actions, action{kind: kind, arg: arg})
		default:
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

// timeoutError mimics a transport timeout (net.Error with Timeout() == true).
type timeoutError struct{}

func (timeoutError) Error() string   { return "dummy provider timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// ErrTimeout is returned by the "timeout" action.
var ErrTimeout error = timeoutError{}

func sleepMillis(ctx context.Context, arg string) error {
	ms, _ := strconv.Atoi(arg)
	if ms <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SentMessage is a message recorded by Commander.SendMessage.
type SentMessage struct {
	ChatID int64
	Text   string
}

// Commander replays a poll script and records what the bot sends.
// A "msg" poll action delivers one text update from chat 1.
type Commander struct {
	mu       sync.Mutex
	poll     *scriptRunner
	send     *scriptRunner
	updateID int64
	sent     []SentMessage
	actions  []SentMessage
}

func NewCommander(pollScript, sendScript string) (*Commander, error) {
	poll, err := newRunner(pollScript)
	if err != nil {
		return nil, err
	}
	send, err := newRunner(sendScript)
	if err != nil {
		return nil, err
	}
	return &Commander{poll: poll, send: send, updateID: 1}, nil
}

func (c *Commander) GetUpdates(ctx context.Context, offset int64, timeout int) ([]cmdpkg.Update, error) {
	c.mu.Lock()
	a := c.poll.next()
	c.mu.Unlock()

	switch a.kind {
	case "err":
		return nil, fmt.Errorf("dummy commander error class=%s", emptyAs(a.arg, "command_source_api"))
	case "timeout":
		return nil, ErrTimeout
	case "sleep":
		return nil, sleepMillis(ctx, a.arg)
	case "msg", "msgb64":
		text := a.arg
		if a.kind == "msgb64" {
			raw, err := base64.StdEncoding.DecodeString(a.arg)
			if err != nil {
				return nil, fmt.Errorf("dummy commander msgb64 decode failed: %w", err)
			}
			text = string(raw)
		}
		c.mu.Lock()
		c.updateID++
		id := c.updateID
		c.mu.Unlock()
		return []cmdpkg.Update{
			{
				UpdateID: id,
				Message: &cmdpkg.Message{
					MessageID: id,
					Chat:      cmdpkg.Chat{ID: 1},
					Text:      &text,
					Date:      time.Now().Unix(),
				},
			},
		}, nil
	default:
		// Idle poll: behave like an empty long poll without spinning.
		return nil, sleepMillis(ctx, "10")
	}
}

func (c *Commander) SendMessage(ctx context.Context, chatID int64, text string) error {
	c.mu.Lock()
	a := c.send.next()
	c.mu.Unlock()

	switch a.kind {
	case "err":
		return fmt.Errorf("dummy commander send error class=%s", emptyAs(a.arg, "command_source_api"))
	case "timeout":
		return ErrTimeout
	case "sleep":
		if err := sleepMillis(ctx, a.arg); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.sent = append(c.sent, SentMessage{ChatID: chatID, Text: text})
	c.mu.Unlock()
	return nil
}

func (c *Commander) SendChatAction(ctx context.Context, chatID int64, action string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, SentMessage{ChatID: chatID, Text: action})
	return nil
}

// Sent returns a copy of the messages delivered so far.
func (c *Commander) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

// Actions returns a copy of the chat actions sent so far.
func (c *Commander) Actions() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentMessage, len(c.actions))
	copy(out, c.actions)
	return out
}

// Provider replays a completion script. It counts calls and keeps the last
// request so tests can inspect the assembled prompt.
type Provider struct {
	mu      sync.Mutex
	model   string
	script  *scriptRunner
	calls   int
	lastReq model.Request
}

func NewProvider(modelName, script string) (*Provider, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Provider{model: modelName, script: runner}, nil
}

func (p *Provider) ChatCompletion(ctx context.Context, req model.Request) (model.CompletionResponse, error) {
	p.mu.Lock()
	p.calls++
	p.lastReq = req
	a := p.script.next()
	p.mu.Unlock()

	switch a.kind {
	case "err":
		return model.CompletionResponse{}, fmt.Errorf("dummy provider error class=%s", emptyAs(a.arg, "provider_api"))
	case "timeout":
		return model.CompletionResponse{}, fmt.Errorf("dummy provider: %w", ErrTimeout)
	case "sleep":
		if err := sleepMillis(ctx, a.arg); err != nil {
			return model.CompletionResponse{}, err
		}
		return model.CompletionResponse{
			Content:      "dummy-after-sleep",
			InputTokens:  1,
			OutputTokens: 1,
		}, nil
	case "msg":
		return model.CompletionResponse{
			Content:      a.arg,
			InputTokens:  1,
			OutputTokens: 1,
		}, nil
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return model.CompletionResponse{}, fmt.Errorf("dummy provider msgb64 decode failed: %w", err)
		}
		return model.CompletionResponse{
			Content:      string(raw),
			InputTokens:  1,
			OutputTokens: 1,
		}, nil
	default:
		return model.CompletionResponse{
			Content:      "dummy-ok",
			InputTokens:  1,
			OutputTokens: 1,
		}, nil
	}
}

// Calls returns how many completion requests were made.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// LastRequest returns the most recent request.
func (p *Provider) LastRequest() model.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReq
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
