package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/sessionbus/internal/api"
	"github.com/kalambet/sessionbus/internal/config"
	"github.com/kalambet/sessionbus/internal/events"
)

func splitTags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// jsonFlag returns the flag value as raw JSON, or nil when unset.
func jsonFlag(cmd *cobra.Command, name string) (json.RawMessage, error) {
	s, _ := cmd.Flags().GetString(name)
	if s == "" {
		return nil, nil
	}
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("--%s must be valid JSON", name)
	}
	return json.RawMessage(s), nil
}

func shortTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List and manage agent sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recently seen first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/sessions")
		if err != nil {
			return err
		}
		var list []api.SessionView
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "No sessions.")
			return nil
		}
		fmt.Fprintf(out, "%-36s  %-17s  %-7s  %-5s  %-19s  %s\n", "SESSION", "STATE", "PENDING", "ACKED", "LAST SEEN", "NAME")
		for _, s := range list {
			acked := "no"
			if s.ResponseAcknowledged {
				acked = "yes"
			}
			fmt.Fprintf(out, "%-36s  %s  %-7d  %-5s  %-19s  %s\n",
				s.SessionID, padState(string(s.State), 17), s.PendingRequestCount, acked, shortTime(s.LastSeenAt), s.DisplayName)
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session_id>",
	Short: "Show one session as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/sessions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var s api.SessionView
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), s)
	},
}

var sessionsRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new session and print its id",
	Long: `Register a new session and print its id on stdout.

Examples:
  sessionbus sessions register --name "refactor storage"
  sessionbus sessions register --name alpha --metadata '{"repo":"sessionbus"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		tenant, _ := cmd.Flags().GetString("tenant")
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("--name is required")
		}
		metadata, err := jsonFlag(cmd, "metadata")
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/sessions/register", api.RegisterSessionRequest{
			DisplayName: name,
			TenantID:    tenant,
			Metadata:    metadata,
		})
		if err != nil {
			return err
		}
		var result api.RegisterSessionResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), result.SessionID)
		return nil
	},
}

var sessionsHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat <session_id>",
	Short: "Record liveness, optionally updating state and metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		metadata, err := jsonFlag(cmd, "metadata")
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/sessions/"+url.PathEscape(args[0])+"/heartbeat", api.HeartbeatRequest{
			State:    strings.ToUpper(state),
			Metadata: metadata,
		})
		if err != nil {
			return err
		}
		var s api.SessionView
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}
		printSuccess("Heartbeat recorded for %s (%s)", s.SessionID, s.State)
		return nil
	},
}

var sessionsStateCmd = &cobra.Command{
	Use:   "state <session_id> <state>",
	Short: "Set a session's state (WORKING, WAITING_FOR_INPUT, DONE, ERROR)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/sessions/"+url.PathEscape(args[0])+"/state", api.SetStateRequest{
			State: strings.ToUpper(args[1]),
		})
		if err != nil {
			return err
		}
		var s api.SessionView
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}
		printSuccess("Session %s is now %s", s.SessionID, s.State)
		return nil
	},
}

var sessionsPurgeCmd = &cobra.Command{
	Use:   "purge <session_id>",
	Short: "Delete a session with its requests and inbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			return fmt.Errorf("this permanently deletes the session; pass --confirm to proceed")
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/api/sessions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Purged session %s", args[0])
		return nil
	},
}

func init() {
	sessionsRegisterCmd.Flags().String("name", "", "display name for the session")
	sessionsRegisterCmd.Flags().String("tenant", "", "optional tenant id")
	sessionsRegisterCmd.Flags().String("metadata", "", "metadata as a JSON object")
	sessionsHeartbeatCmd.Flags().String("state", "", "new state to report")
	sessionsHeartbeatCmd.Flags().String("metadata", "", "replacement metadata as a JSON object")
	sessionsPurgeCmd.Flags().Bool("confirm", false, "confirm deletion")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsRegisterCmd)
	sessionsCmd.AddCommand(sessionsHeartbeatCmd)
	sessionsCmd.AddCommand(sessionsStateCmd)
	sessionsCmd.AddCommand(sessionsPurgeCmd)
}

// --- requests ---

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "List and resolve input requests",
}

var requestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List requests, most urgent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		path := "/api/requests"
		if !strings.EqualFold(status, "all") {
			path += "?status=" + url.QueryEscape(strings.ToUpper(status))
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var list []api.RequestView
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "No requests.")
			return nil
		}
		fmt.Fprintf(out, "%-36s  %-9s  %-8s  %-19s  %s\n", "REQUEST", "STATUS", "PRIORITY", "CREATED", "TITLE")
		for _, r := range list {
			fmt.Fprintf(out, "%-36s  %s  %-8s  %-19s  %s\n",
				r.RequestID, padState(string(r.Status), 9), r.Priority, shortTime(r.CreatedAt), r.Title)
		}
		return nil
	},
}

var requestsShowCmd = &cobra.Command{
	Use:   "show <request_id>",
	Short: "Show one request as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/requests/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var r api.RequestView
		if err := decodeJSON(resp, &r); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), r)
	},
}

var requestsCreateCmd = &cobra.Command{
	Use:   "create <session_id>",
	Short: "Ask a human for input on behalf of a session",
	Long: `Ask a human for input on behalf of a session and print the request id.

Examples:
  sessionbus requests create $SID --title "Need input" --question "Pick next action"
  sessionbus requests create $SID --title "Deploy?" --question "Ship to prod?" \
      --priority URGENT --tags release,prod --context '{"build":"1234"}' \
      --idempotency-key deploy-1234`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		question, _ := cmd.Flags().GetString("question")
		priority, _ := cmd.Flags().GetString("priority")
		tags, _ := cmd.Flags().GetString("tags")
		key, _ := cmd.Flags().GetString("idempotency-key")
		if title == "" || question == "" {
			return fmt.Errorf("--title and --question are required")
		}
		contextJSON, err := jsonFlag(cmd, "context")
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.postIdempotent(cmd.Context(), "/api/sessions/"+url.PathEscape(args[0])+"/requests", api.CreateRequestBody{
			Title:       title,
			Question:    question,
			ContextJSON: contextJSON,
			Priority:    strings.ToUpper(priority),
			Tags:        splitTags(tags),
		}, key)
		if err != nil {
			return err
		}
		replayed := resp.Header.Get(api.ReplayedHeader) == "true"
		var result api.CreateRequestResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if replayed {
			printWarning("Idempotency key already used; returning the original request")
		}
		fmt.Fprintln(cmd.OutOrStdout(), result.RequestID)
		return nil
	},
}

var requestsRespondCmd = &cobra.Command{
	Use:   "respond <request_id> <response text...>",
	Short: "Answer a pending request",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		responder, _ := cmd.Flags().GetString("responder")
		key, _ := cmd.Flags().GetString("idempotency-key")
		text := strings.Join(args[1:], " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.postIdempotent(cmd.Context(), "/api/requests/"+url.PathEscape(args[0])+"/respond", api.RespondBody{
			ResponseText: text,
			Responder:    responder,
		}, key)
		if err != nil {
			return err
		}
		replayed := resp.Header.Get(api.ReplayedHeader) == "true"
		var result api.ResolveResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if replayed {
			printWarning("Request %s was already resolved (%s)", result.RequestID, result.Status)
			return nil
		}
		printSuccess("Answered request %s", result.RequestID)
		return nil
	},
}

var requestsDismissCmd = &cobra.Command{
	Use:   "dismiss <request_id>",
	Short: "Dismiss a pending request without answering",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/requests/"+url.PathEscape(args[0])+"/dismiss", nil)
		if err != nil {
			return err
		}
		var result api.ResolveResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Request %s is %s", result.RequestID, result.Status)
		return nil
	},
}

func init() {
	requestsListCmd.Flags().String("status", "pending", "PENDING, ANSWERED, DISMISSED or all")
	requestsCreateCmd.Flags().String("title", "", "short title")
	requestsCreateCmd.Flags().String("question", "", "question for the human")
	requestsCreateCmd.Flags().String("priority", "", "LOW, NORMAL, HIGH or URGENT (default NORMAL)")
	requestsCreateCmd.Flags().String("tags", "", "comma-separated tags")
	requestsCreateCmd.Flags().String("context", "", "extra context as JSON")
	requestsCreateCmd.Flags().String("idempotency-key", "", "key that makes retries return the same request")
	requestsRespondCmd.Flags().String("responder", "", "who is answering (default human)")
	requestsRespondCmd.Flags().String("idempotency-key", "", "key that makes retries safe")

	requestsCmd.AddCommand(requestsListCmd)
	requestsCmd.AddCommand(requestsShowCmd)
	requestsCmd.AddCommand(requestsCreateCmd)
	requestsCmd.AddCommand(requestsRespondCmd)
	requestsCmd.AddCommand(requestsDismissCmd)
}

// --- inbox ---

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Read a session's inbox",
}

var inboxPollCmd = &cobra.Command{
	Use:   "poll <session_id>",
	Short: "Wait for inbox messages and print them as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetInt("timeout")
		ack, _ := cmd.Flags().GetBool("ack")
		sid := url.PathEscape(args[0])

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/api/sessions/%s/inbox?timeout=%d", sid, timeout))
		if err != nil {
			return err
		}
		var result api.PollResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), result.Messages); err != nil {
			return err
		}

		if !ack {
			return nil
		}
		for _, m := range result.Messages {
			resp, err := client.post(cmd.Context(), "/api/sessions/"+sid+"/inbox/"+url.PathEscape(m.MessageID)+"/ack", nil)
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, nil); err != nil {
				return fmt.Errorf("acking %s: %w", m.MessageID, err)
			}
		}
		return nil
	},
}

var inboxAckCmd = &cobra.Command{
	Use:   "ack <session_id> <message_id>",
	Short: "Acknowledge a delivered inbox message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/sessions/"+url.PathEscape(args[0])+"/inbox/"+url.PathEscape(args[1])+"/ack", nil)
		if err != nil {
			return err
		}
		var result api.AckResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Message %s %s", result.MessageID, result.Status)
		return nil
	},
}

func init() {
	inboxPollCmd.Flags().Int("timeout", 30, "seconds to wait for a message (0 returns immediately, max 120)")
	inboxPollCmd.Flags().Bool("ack", false, "acknowledge each returned message")

	inboxCmd.AddCommand(inboxPollCmd)
	inboxCmd.AddCommand(inboxAckCmd)
}

// --- events ---

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow the live request event stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetBool("raw")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.stream(cmd.Context(), "/api/events")
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		out := cmd.OutOrStdout()
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			data, ok := strings.CutPrefix(sc.Text(), "data: ")
			if !ok || data == "{}" {
				continue
			}
			if raw {
				fmt.Fprintln(out, data)
				continue
			}
			fmt.Fprintln(out, formatEvent([]byte(data)))
		}
		if err := sc.Err(); err != nil && cmd.Context().Err() == nil {
			return fmt.Errorf("reading event stream: %w", err)
		}
		return nil
	},
}

// formatEvent renders an event envelope as one line.
func formatEvent(data []byte) string {
	var e struct {
		Event   string            `json:"event"`
		Payload map[string]string `json:"payload"`
		SentAt  time.Time         `json:"sent_at"`
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return string(data)
	}
	line := fmt.Sprintf("%s  %s  request=%s session=%s", shortTime(e.SentAt), colorize(colorBold, e.Event), e.Payload["request_id"], e.Payload["session_id"])
	if e.Event == events.RequestCreated && e.Payload["priority"] != "" {
		line += " priority=" + e.Payload["priority"]
	}
	return line
}

func init() {
	eventsCmd.Flags().Bool("raw", false, "print raw JSON envelopes")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a stored configuration value, restoring its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}

		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
