package dispatcher

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmdpkg "github.com/stupiduntilnot/cookbot/internal/commander"
	"github.com/stupiduntilnot/cookbot/internal/completion"
	"github.com/stupiduntilnot/cookbot/internal/control"
	"github.com/stupiduntilnot/cookbot/internal/db"
	"github.com/stupiduntilnot/cookbot/internal/dummy"
	"github.com/stupiduntilnot/cookbot/internal/history"
	"github.com/stupiduntilnot/cookbot/internal/metrics"
	"github.com/stupiduntilnot/cookbot/internal/prompt"
)

var testTemplates = prompt.Templates{
	prompt.General: {System: "general system", Temperature: 0.7, MaxTokens: 1000},
	prompt.Recipe:  {System: "recipe system", Temperature: 0.3, MaxTokens: 1500},
}

type recordedEvent struct {
	ID      int64
	Parent  int64
	Type    string
	Payload map[string]any
}

type recordingJournal struct {
	mu     sync.Mutex
	nextID int64
	events []recordedEvent
}

func (j *recordingJournal) LogEvent(parentID *int64, eventType string, payload map[string]any) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.nextID++
	ev := recordedEvent{ID: j.nextID, Type: eventType, Payload: payload}
	if parentID != nil {
		ev.Parent = *parentID
	}
	j.events = append(j.events, ev)
	return ev.ID, nil
}

func (j *recordingJournal) types() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.events))
	for _, ev := range j.events {
		out = append(out, ev.Type)
	}
	return out
}

func (j *recordingJournal) byType(eventType string) []recordedEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []recordedEvent
	for _, ev := range j.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	d        *Dispatcher
	cmd      *dummy.Commander
	provider *dummy.Provider
	store    *history.Store
	journal  *recordingJournal
	metrics  *metrics.Metrics
	circuit  *control.CircuitBreaker
}

type harnessOpts struct {
	providerScript string
	pollScript     string
	sendScript     string
	maxHistory     int
	rootEventID    *int64
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	provider, err := dummy.NewProvider("test-model", o.providerScript)
	require.NoError(t, err)
	cmd, err := dummy.NewCommander(o.pollScript, o.sendScript)
	require.NoError(t, err)

	policy := control.CompletionPolicy()
	policy.Delay = time.Millisecond
	m := metrics.New(prometheus.NewRegistry())
	client := completion.New(provider, testTemplates, completion.WithPolicy(policy), completion.WithMetrics(m))

	h := &harness{
		cmd:      cmd,
		provider: provider,
		store:    history.NewStore(o.maxHistory),
		journal:  &recordingJournal{},
		metrics:  m,
		circuit:  control.NewCircuitBreaker(2, time.Hour),
	}
	h.d = New(cmd, client, h.store, Config{
		PollTimeout: 0,
		PollSleep:   time.Millisecond,
		RootEventID: o.rootEventID,
	}, WithJournal(h.journal), WithMetrics(m), WithCircuitBreaker(h.circuit))
	return h
}

func textMessage(chatID int64, text string) cmdpkg.Message {
	return cmdpkg.Message{
		MessageID: 1,
		Chat:      cmdpkg.Chat{ID: chatID},
		From:      &cmdpkg.User{ID: 42, Username: "cook"},
		Text:      &text,
		Date:      time.Now().Unix(),
	}
}

func sentTexts(c *dummy.Commander) []string {
	var out []string
	for _, m := range c.Sent() {
		out = append(out, m.Text)
	}
	return out
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in       string
		name     string
		arg      string
		expectOK bool
	}{
		{"/start", "start", "", true},
		{"/START", "start", "", true},
		{"/start@cookbot", "start", "", true},
		{"/recipe борщ", "recipe", "борщ", true},
		{"/recipe@cookbot  солянка сборная ", "recipe", "солянка сборная", true},
		{"/recipe\nщи", "recipe", "щи", true},
		{"/recipe ", "recipe", "", true},
		{"  /help", "help", "", true},
		{"hello", "", "", false},
		{"/", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		name, arg, ok := ParseCommand(tt.in)
		assert.Equal(t, tt.expectOK, ok, "input %q", tt.in)
		assert.Equal(t, tt.name, name, "input %q", tt.in)
		assert.Equal(t, tt.arg, arg, "input %q", tt.in)
	}
}

func TestHandle_Start(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.d.Handle(context.Background(), textMessage(7, "/start"))

	assert.Equal(t, []string{GreetingReply}, sentTexts(h.cmd))
	assert.Equal(t, 0, h.provider.Calls())
	assert.Empty(t, h.cmd.Actions())
	assert.Equal(t, 0, h.store.Len(7))
	assert.Equal(t, []string{db.EventMessageReceived, db.EventCommandHandled, db.EventReplySent}, h.journal.types())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.MessagesTotal.WithLabelValues(RouteStart)))
}

func TestHandle_StartWithBotSuffix(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.d.Handle(context.Background(), textMessage(7, "/start@cookbot"))
	assert.Equal(t, []string{GreetingReply}, sentTexts(h.cmd))
	assert.Equal(t, 0, h.provider.Calls())
}

func TestHandle_Help(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.d.Handle(context.Background(), textMessage(7, "/help"))
	assert.Equal(t, []string{HelpReply}, sentTexts(h.cmd))
	assert.Equal(t, 0, h.provider.Calls())
}

func TestHandle_ResetClearsHistory(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.store.Append(7, history.RoleUser, "как варить рис?")
	h.store.Append(7, history.RoleAssistant, "20 минут")
	h.store.Append(8, history.RoleUser, "other chat")

	h.d.Handle(context.Background(), textMessage(7, "/reset"))

	assert.Equal(t, []string{ResetReply}, sentTexts(h.cmd))
	assert.Equal(t, 0, h.store.Len(7))
	assert.Nil(t, h.store.Get(7))
	assert.Equal(t, 1, h.store.Len(8), "other chats are untouched")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.HistoryResetsTotal))
	assert.Len(t, h.journal.byType(db.EventHistoryReset), 1)
}

func TestHandle_RecipeEmptyArgument(t *testing.T) {
	for _, text := range []string{"/recipe ", "/recipe", "/recipe@cookbot   "} {
		t.Run(text, func(t *testing.T) {
			h := newHarness(t, harnessOpts{})
			h.d.Handle(context.Background(), textMessage(7, text))

			assert.Equal(t, []string{RecipeUsageReply}, sentTexts(h.cmd))
			assert.Equal(t, 0, h.provider.Calls(), "no backend calls for empty recipe argument")
			assert.Empty(t, h.cmd.Actions())
			assert.Equal(t, 0, h.store.Len(7))
		})
	}
}

func TestHandle_RecipeIgnoresHistory(t *testing.T) {
	// Scripts split on commas, so a reply containing one is base64 encoded.
	const reply = "Борщ: свёкла, капуста..."
	h := newHarness(t, harnessOpts{providerScript: "msgb64:" + base64.StdEncoding.EncodeToString([]byte(reply))})
	h.store.Append(7, history.RoleUser, "привет")
	h.store.Append(7, history.RoleAssistant, "здравствуйте")

	h.d.Handle(context.Background(), textMessage(7, "/recipe борщ"))

	require.Equal(t, 1, h.provider.Calls())
	req := h.provider.LastRequest()
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "recipe system", req.Messages[0].Content)
	assert.Equal(t, prompt.Message{Role: "user", Content: "борщ"}, req.Messages[1])
	assert.Equal(t, float32(0.3), req.Temperature)

	assert.Equal(t, []string{reply}, sentTexts(h.cmd))
	assert.Equal(t, []dummy.SentMessage{{ChatID: 7, Text: cmdpkg.ActionTyping}}, h.cmd.Actions())

	hist := h.store.Get(7)
	require.Len(t, hist, 4)
	assert.Equal(t, "борщ", hist[2].Content)
	assert.Equal(t, history.RoleAssistant, hist[3].Role)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.MessagesTotal.WithLabelValues(RouteRecipe)))
}

func TestHandle_GeneralIncludesHistoryAndAppends(t *testing.T) {
	h := newHarness(t, harnessOpts{providerScript: "msg:Около 8 минут"})
	h.store.Append(7, history.RoleUser, "как сварить яйцо?")
	h.store.Append(7, history.RoleAssistant, "в кипящей воде")

	h.d.Handle(context.Background(), textMessage(7, "а вкрутую?"))

	req := h.provider.LastRequest()
	require.Len(t, req.Messages, 4)
	assert.Equal(t, "general system", req.Messages[0].Content)
	assert.Equal(t, "как сварить яйцо?", req.Messages[1].Content)
	assert.Equal(t, "в кипящей воде", req.Messages[2].Content)
	assert.Equal(t, "а вкрутую?", req.Messages[3].Content)

	assert.Equal(t, []string{"Около 8 минут"}, sentTexts(h.cmd))
	hist := h.store.Get(7)
	require.Len(t, hist, 4)
	assert.Equal(t, history.Message{Role: history.RoleUser, Content: "а вкрутую?", CreatedAt: hist[2].CreatedAt}, hist[2])
	assert.Equal(t, "Около 8 минут", hist[3].Content)

	types := h.journal.types()
	assert.Contains(t, types, db.EventCompletionSucceeded)
	assert.Contains(t, types, db.EventReplySent)
}

func TestHandle_UnknownCommandGoesToGeneral(t *testing.T) {
	h := newHarness(t, harnessOpts{providerScript: "msg:ok"})
	h.d.Handle(context.Background(), textMessage(7, "/soup tomato"))

	require.Equal(t, 1, h.provider.Calls())
	req := h.provider.LastRequest()
	assert.Equal(t, "general system", req.Messages[0].Content)
	assert.Equal(t, "/soup tomato", req.Messages[len(req.Messages)-1].Content)
}

func TestHandle_GeneralFailureSendsApology(t *testing.T) {
	h := newHarness(t, harnessOpts{providerScript: "err:boom"})
	h.store.Append(7, history.RoleUser, "раньше")

	h.d.Handle(context.Background(), textMessage(7, "что приготовить?"))

	assert.Equal(t, 2, h.provider.Calls(), "one retry after the first failure")
	assert.Equal(t, []string{GeneralApology}, sentTexts(h.cmd))
	assert.Equal(t, 1, h.store.Len(7), "history untouched on failure")
	assert.Len(t, h.journal.byType(db.EventCompletionFailed), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CompletionExhaustedTotal.WithLabelValues("general")))
}

func TestHandle_RecipeFailureSendsRecipeApology(t *testing.T) {
	h := newHarness(t, harnessOpts{providerScript: "timeout"})
	h.d.Handle(context.Background(), textMessage(7, "/recipe плов"))

	assert.Equal(t, 2, h.provider.Calls())
	assert.Equal(t, []string{RecipeApology}, sentTexts(h.cmd))
	assert.Equal(t, 0, h.store.Len(7))
}

func TestHandle_RetrySucceedsOnSecondAttempt(t *testing.T) {
	h := newHarness(t, harnessOpts{providerScript: "timeout,msg:со второй попытки"})
	h.d.Handle(context.Background(), textMessage(7, "суп"))

	assert.Equal(t, 2, h.provider.Calls())
	assert.Equal(t, []string{"со второй попытки"}, sentTexts(h.cmd))
	assert.Equal(t, 2, h.store.Len(7))
}

func TestHandle_EmptyText(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.d.Handle(context.Background(), textMessage(7, "   \n"))
	h.d.Handle(context.Background(), cmdpkg.Message{Chat: cmdpkg.Chat{ID: 7}})

	assert.Equal(t, []string{EmptyTextReply, EmptyTextReply}, sentTexts(h.cmd))
	assert.Equal(t, 0, h.provider.Calls())
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.MessagesTotal.WithLabelValues(RouteEmpty)))
}

func TestHandle_SendFailureLeavesHistoryUntouched(t *testing.T) {
	h := newHarness(t, harnessOpts{providerScript: "msg:ответ", sendScript: "err:telegram_down"})
	h.d.Handle(context.Background(), textMessage(7, "вопрос"))

	assert.Equal(t, 1, h.provider.Calls())
	assert.Empty(t, h.cmd.Sent())
	assert.Equal(t, 0, h.store.Len(7))
	assert.Len(t, h.journal.byType(db.EventReplyFailed), 1)
}

func TestHandle_HistoryIsBounded(t *testing.T) {
	h := newHarness(t, harnessOpts{providerScript: "msg:первый ответ,msg:второй ответ", maxHistory: 2})
	h.d.Handle(context.Background(), textMessage(7, "первый"))
	h.d.Handle(context.Background(), textMessage(7, "второй"))

	hist := h.store.Get(7)
	require.Len(t, hist, 2)
	assert.Equal(t, "второй", hist[0].Content)
	assert.Equal(t, "второй ответ", hist[1].Content)
}

func TestHandle_JournalParentsEvents(t *testing.T) {
	root := int64(100)
	h := newHarness(t, harnessOpts{providerScript: "msg:ok", rootEventID: &root})
	h.d.Handle(context.Background(), textMessage(7, "вопрос"))

	received := h.journal.byType(db.EventMessageReceived)
	require.Len(t, received, 1)
	assert.Equal(t, root, received[0].Parent)
	assert.NotEmpty(t, received[0].Payload["request_id"])

	sent := h.journal.byType(db.EventReplySent)
	require.Len(t, sent, 1)
	assert.Equal(t, received[0].ID, sent[0].Parent)
}

func runDispatcher(t *testing.T, d *Dispatcher) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not stop after cancel")
		}
	}
}

func TestRun_HandlesChatMessagesInOrder(t *testing.T) {
	h := newHarness(t, harnessOpts{
		providerScript: "sleep:5",
		pollScript:     "msg:первый,msg:второй,msg:третий,ok",
	})
	cancel := runDispatcher(t, h.d)

	require.Eventually(t, func() bool { return len(h.cmd.Sent()) == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.d.ActiveLanes() == 0 }, time.Second, 5*time.Millisecond)
	cancel()

	hist := h.store.Get(1)
	require.Len(t, hist, 6)
	assert.Equal(t, "первый", hist[0].Content)
	assert.Equal(t, "второй", hist[2].Content)
	assert.Equal(t, "третий", hist[4].Content)
	for _, m := range h.cmd.Sent() {
		assert.Equal(t, "dummy-after-sleep", m.Text)
	}
}

func TestRun_CommandsWithoutBackend(t *testing.T) {
	h := newHarness(t, harnessOpts{pollScript: "msg:/start,msg:/recipe ,ok"})
	cancel := runDispatcher(t, h.d)

	require.Eventually(t, func() bool { return len(h.cmd.Sent()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	assert.Equal(t, []string{GreetingReply, RecipeUsageReply}, sentTexts(h.cmd))
	assert.Equal(t, 0, h.provider.Calls())
}

func TestRun_PollFailuresOpenCircuit(t *testing.T) {
	h := newHarness(t, harnessOpts{pollScript: "err:tg_down"})
	cancel := runDispatcher(t, h.d)

	require.Eventually(t, func() bool { return h.circuit.State() == control.CircuitOpen }, 2*time.Second, 5*time.Millisecond)
	cancel()

	assert.Equal(t, "tg_down", h.circuit.OpenedClass())
	assert.GreaterOrEqual(t, testutil.ToFloat64(h.metrics.PollErrorsTotal), 2.0)
	assert.Len(t, h.journal.byType(db.EventCircuitOpened), 1)
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, harnessOpts{pollScript: "ok"})
	cancel := runDispatcher(t, h.d)
	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.Equal(t, 0, h.d.ActiveLanes())
}
