package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
)

// Event represents a row from the events table.
type Event struct {
	ID        int64
	Timestamp int64
	ParentID  sql.NullInt64
	EventType string
	Payload   sql.NullString
	Children  []*Event
}

type options struct {
	dbPath    string
	eventID   int64
	requestID string
	maxDepth  int
	jsonOut   bool
	noPayload bool
}

func newRootCmd() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:   "event-tree",
		Short: "Print the cookbot event journal as a tree",
		Long: `event-tree renders the events recorded by the bot. By default it starts
at the most recent bot process.started event; --id or --request select
another subtree.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.dbPath, "db", envOrDefault("EVENTS_DB_PATH", "./cookbot.db"), "SQLite database path")
	cmd.Flags().Int64Var(&opts.eventID, "id", 0, "show subtree of a specific event ID")
	cmd.Flags().StringVar(&opts.requestID, "request", "", "show the message handled under this request id")
	cmd.Flags().IntVarP(&opts.maxDepth, "depth", "L", 0, "limit display depth (0 = unlimited)")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "output JSON format")
	cmd.Flags().BoolVar(&opts.noPayload, "no-payload", false, "hide payload details")
	cmd.MarkFlagsMutuallyExclusive("id", "request")
	return cmd
}

func run(out io.Writer, opts options) error {
	db, err := sql.Open("sqlite3", opts.dbPath+"?mode=ro&_journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}

	rootID := opts.eventID
	switch {
	case opts.requestID != "":
		rootID, err = requestRoot(db, opts.requestID)
	case rootID == 0:
		rootID, err = latestBotRoot(db)
	}
	if err != nil {
		return err
	}

	events, err := querySubtree(db, rootID)
	if err != nil {
		return fmt.Errorf("query subtree: %w", err)
	}

	root := buildTree(events, rootID)
	if root == nil {
		return fmt.Errorf("event %d not found", rootID)
	}

	if opts.jsonOut {
		return printJSON(out, root, opts.maxDepth, opts.noPayload)
	}
	printTree(out, root, "", true, 1, opts.maxDepth, opts.noPayload)
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// latestBotRoot finds the most recent process.started event with role=bot.
func latestBotRoot(db *sql.DB) (int64, error) {
	var id int64
	err := db.QueryRow(
		`SELECT id FROM events WHERE event_type = 'process.started'
		 AND json_extract(payload, '$.role') = 'bot'
		 ORDER BY id DESC LIMIT 1`,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("no bot process.started event found")
	}
	return id, err
}

// requestRoot finds the message.received event logged under requestID.
func requestRoot(db *sql.DB, requestID string) (int64, error) {
	var id int64
	err := db.QueryRow(
		`SELECT id FROM events WHERE event_type = 'message.received'
		 AND json_extract(payload, '$.request_id') = ?
		 ORDER BY id DESC LIMIT 1`,
		requestID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("no message.received event for request %s", requestID)
	}
	return id, err
}

// querySubtree returns all events in the subtree rooted at rootID using a recursive CTE.
func querySubtree(db *sql.DB, rootID int64) ([]*Event, error) {
	rows, err := db.Query(`
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM events WHERE id = ?
			UNION ALL
			SELECT e.id FROM events e JOIN subtree s ON e.parent_id = s.id
		)
		SELECT e.id, e.timestamp, e.parent_id, e.event_type, e.payload
		FROM events e
		WHERE e.id IN (SELECT id FROM subtree)
		ORDER BY e.id ASC
	`, rootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.ParentID, &ev.EventType, &ev.Payload); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// buildTree organizes a flat list of events into a tree rooted at rootID.
func buildTree(events []*Event, rootID int64) *Event {
	byID := make(map[int64]*Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}

	for _, ev := range events {
		if ev.ParentID.Valid && ev.ParentID.Int64 != ev.ID {
			if parent, ok := byID[ev.ParentID.Int64]; ok {
				parent.Children = append(parent.Children, ev)
			}
		}
	}

	for _, ev := range events {
		sort.Slice(ev.Children, func(i, j int) bool {
			return ev.Children[i].ID < ev.Children[j].ID
		})
	}

	return byID[rootID]
}

// printTree renders the event tree using box-drawing characters.
func printTree(w io.Writer, ev *Event, prefix string, isLast bool, depth, maxDepth int, noPayload bool) {
	connector := "├── "
	if isLast {
		connector = "└── "
	}
	line := formatEvent(ev, noPayload)
	if depth == 1 {
		fmt.Fprintln(w, line)
	} else {
		fmt.Fprintln(w, prefix+connector+line)
	}

	childPrefix := prefix
	if depth > 1 {
		if isLast {
			childPrefix += "    "
		} else {
			childPrefix += "│   "
		}
	}

	if maxDepth > 0 && depth >= maxDepth {
		if len(ev.Children) > 0 {
			fmt.Fprintln(w, childPrefix+"└── [...]")
		}
		return
	}

	for i, child := range ev.Children {
		printTree(w, child, childPrefix, i == len(ev.Children)-1, depth+1, maxDepth, noPayload)
	}
}

// formatEvent formats a single event line: [id] timestamp  event_type  key=value ...
func formatEvent(ev *Event, noPayload bool) string {
	ts := time.Unix(ev.Timestamp, 0).UTC().Format("2006-01-02 15:04:05")
	line := fmt.Sprintf("[%d] %s  %s", ev.ID, ts, ev.EventType)

	if m := payloadMap(ev, noPayload); m != nil {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			line += fmt.Sprintf("  %s=%s", k, formatValue(m[k]))
		}
	}
	return line
}

func payloadMap(ev *Event, noPayload bool) map[string]any {
	if noPayload || !ev.Payload.Valid || ev.Payload.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ev.Payload.String), &m); err != nil {
		return nil
	}
	return m
}

// formatValue converts a payload value to a display string, truncating long text.
func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		if r := []rune(val); len(r) > 80 {
			return fmt.Sprintf("%q", string(r[:80])+"...")
		}
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

type jsonEvent struct {
	ID        int64       `json:"id"`
	Timestamp int64       `json:"timestamp"`
	EventType string      `json:"event_type"`
	Payload   any         `json:"payload,omitempty"`
	Children  []jsonEvent `json:"children,omitempty"`
}

func toJSONEvent(ev *Event, depth, maxDepth int, noPayload bool) jsonEvent {
	je := jsonEvent{
		ID:        ev.ID,
		Timestamp: ev.Timestamp,
		EventType: ev.EventType,
	}
	if m := payloadMap(ev, noPayload); m != nil {
		je.Payload = m
	}

	if maxDepth > 0 && depth >= maxDepth {
		return je
	}
	for _, child := range ev.Children {
		je.Children = append(je.Children, toJSONEvent(child, depth+1, maxDepth, noPayload))
	}
	return je
}

func printJSON(w io.Writer, root *Event, maxDepth int, noPayload bool) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(toJSONEvent(root, 1, maxDepth, noPayload)); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
