package dispatcher

import (
	"context"
	"errors"
	"strings"
	"time"

	cmdpkg "github.com/stupiduntilnot/cookbot/internal/commander"
	"github.com/stupiduntilnot/cookbot/internal/completion"
	"github.com/stupiduntilnot/cookbot/internal/control"
	"github.com/stupiduntilnot/cookbot/internal/db"
)

// lane queues the messages of one chat. pending counts messages handed to
// the lane and not yet handled; it is guarded by Dispatcher.mu.
type lane struct {
	queue   chan cmdpkg.Message
	pending int
}

// Run polls the command source until ctx is done, then waits for in-flight
// messages to finish.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.wg.Wait()

	log := d.logger
	var offset int64
	failures := 0

	for {
		if ctx.Err() != nil {
			log.Info().Msg("dispatcher stopping")
			return
		}

		prevState := d.circuit.State()
		if !d.circuit.Allow(time.Now()) {
			_ = control.Sleep(ctx, d.cfg.PollSleep)
			continue
		}
		if prevState == control.CircuitOpen && d.circuit.State() == control.CircuitHalfOpen {
			log.Info().Str("error_class", d.circuit.OpenedClass()).Msg("circuit half-open, probing command source")
		}

		updates, err := d.commander.GetUpdates(ctx, offset, d.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			failures++
			d.metrics.RecordPollError()
			errClass := classifyPollError(err)
			log.Warn().Err(err).Str("error_class", errClass).Int("failures", failures).Msg("getUpdates failed")
			if d.circuit.RecordFailure(errClass, time.Now()) {
				log.Error().
					Str("error_class", errClass).
					Int("threshold", d.circuit.Threshold).
					Dur("cooldown", d.circuit.Cooldown).
					Msg("circuit opened")
				d.logEvent(log, d.cfg.RootEventID, db.EventCircuitOpened, map[string]any{
					"error_class":      errClass,
					"threshold":        d.circuit.Threshold,
					"cooldown_seconds": int(d.circuit.Cooldown.Seconds()),
				})
			}
			backoff := time.Duration(control.RetryBackoffSeconds(failures)) * d.cfg.PollSleep
			_ = control.Sleep(ctx, backoff)
			continue
		}
		failures = 0
		if d.circuit.RecordSuccess() {
			log.Info().Msg("circuit closed, command source recovered")
			d.logEvent(log, d.cfg.RootEventID, db.EventCircuitClosed, map[string]any{"recovered": true})
		}

		for _, update := range updates {
			offset = update.UpdateID + 1
			if update.Message == nil {
				continue
			}
			d.enqueue(ctx, *update.Message)
		}
	}
}

// enqueue hands msg to its chat's lane, starting the lane if needed.
func (d *Dispatcher) enqueue(ctx context.Context, msg cmdpkg.Message) {
	chatID := msg.Chat.ID

	d.mu.Lock()
	l, ok := d.lanes[chatID]
	if !ok {
		l = &lane{queue: make(chan cmdpkg.Message, d.cfg.LaneBuffer)}
		d.lanes[chatID] = l
		d.wg.Add(1)
		go d.runLane(ctx, chatID, l)
	}
	l.pending++
	d.mu.Unlock()

	select {
	case l.queue <- msg:
	case <-ctx.Done():
		d.mu.Lock()
		l.pending--
		d.mu.Unlock()
	}
}

// runLane handles one chat's messages in arrival order and exits once the
// lane is idle.
func (d *Dispatcher) runLane(ctx context.Context, chatID int64, l *lane) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			d.removeLane(chatID, l)
			return
		case msg := <-l.queue:
			d.Handle(ctx, msg)

			d.mu.Lock()
			l.pending--
			if l.pending == 0 {
				if d.lanes[chatID] == l {
					delete(d.lanes, chatID)
				}
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
		}
	}
}

func (d *Dispatcher) removeLane(chatID int64, l *lane) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lanes[chatID] == l {
		delete(d.lanes, chatID)
	}
}

// ActiveLanes returns the number of chats with queued or running messages.
func (d *Dispatcher) ActiveLanes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lanes)
}

func classifyPollError(err error) string {
	if completion.IsTimeout(err) {
		return "command_source_timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "class=") {
		_, class, _ := strings.Cut(msg, "class=")
		if class = strings.TrimSpace(class); class != "" {
			return class
		}
	}
	return "command_source_api"
}
