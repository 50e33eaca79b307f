// ABOUTME: Client commands calling a running facade: health, status, connect, disconnect, events, token
// ABOUTME: Authenticated calls send the API key in X-API-Key

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/brokergate/internal/auth"
	"github.com/2389/brokergate/internal/gateway"
)

const clientTimeout = 90 * time.Second

var errMissingAPIKey = errors.New("api key required: pass --api-key or set API_KEY")

// facadeClient calls the facade HTTP API.
type facadeClient struct {
	base   string
	apiKey string
	http   *http.Client
}

func newFacadeClient() *facadeClient {
	return &facadeClient{
		base:   strings.TrimRight(facadeURL, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: clientTimeout},
	}
}

// do performs the request and returns the status code and body.
func (c *facadeClient) do(ctx context.Context, method, path string, authenticated bool) (int, []byte, error) {
	if authenticated && c.apiKey == "" {
		return 0, nil, errMissingAPIKey
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if authenticated {
		req.Header.Set(auth.HeaderAPIKey, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// apiError turns a non-2xx facade response into an error.
func apiError(code int, body []byte) error {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("facade returned %d: %s", code, e.Error)
	}
	return fmt.Errorf("facade returned %d", code)
}

// printRaw writes body indented when --json is set.
func printRaw(w io.Writer, body []byte) {
	var buf bytes.Buffer
	if json.Indent(&buf, body, "", "  ") != nil {
		buf.Reset()
		buf.Write(body)
	}
	fmt.Fprintln(w, strings.TrimRight(buf.String(), "\n"))
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "health",
		Short:   "Check facade readiness; exits non-zero when not ready",
		GroupID: "client",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, body, err := newFacadeClient().do(cmd.Context(), http.MethodGet, "/health", false)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}

			var h gateway.HealthResponse
			if err := json.Unmarshal(body, &h); err != nil {
				return apiError(code, body)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				printRaw(out, body)
			} else if h.Status == "ready" {
				color.New(color.FgGreen).Fprintln(out, "ready")
			} else {
				color.New(color.FgYellow).Fprintf(out, "not ready: %s (session %s)\n", h.Reason, h.SessionStatus)
			}

			if code != http.StatusOK {
				return fmt.Errorf("not ready: %s", h.Reason)
			}
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show session, gateway process and health details",
		GroupID: "client",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, body, err := newFacadeClient().do(cmd.Context(), http.MethodGet, "/status", true)
			if err != nil {
				return err
			}
			if code != http.StatusOK {
				return apiError(code, body)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				printRaw(out, body)
				return nil
			}

			var st gateway.StatusResponse
			if err := json.Unmarshal(body, &st); err != nil {
				return fmt.Errorf("decoding status: %w", err)
			}
			printStatus(out, st)
			return nil
		},
	}
}

func printStatus(w io.Writer, st gateway.StatusResponse) {
	ready := color.New(color.FgGreen).Sprint("ready")
	if !st.Health.Ready {
		ready = color.New(color.FgYellow).Sprintf("not ready (%s)", st.Health.Reason)
	}

	fmt.Fprintln(w, "brokergate status")
	fmt.Fprintf(w, "  Account:     %s\n", st.AccountID)
	fmt.Fprintf(w, "  Environment: %s\n", st.Environment)
	fmt.Fprintf(w, "  Health:      %s\n", ready)
	fmt.Fprintf(w, "  Session:     %s\n", st.Session.Status)
	fmt.Fprintf(w, "  Failures:    %d\n", st.Session.Failures)
	if !st.Session.LastAuthAt.IsZero() {
		fmt.Fprintf(w, "  Last auth:   %s\n", st.Session.LastAuthAt.Format(time.RFC3339))
	}
	if !st.Session.LastKeepaliveAt.IsZero() {
		fmt.Fprintf(w, "  Keep-alive:  %s\n", st.Session.LastKeepaliveAt.Format(time.RFC3339))
	}

	proc := "external"
	if st.Gateway.Managed {
		proc = fmt.Sprintf("managed (pid %d)", st.Gateway.PID)
	}
	fmt.Fprintf(w, "  Gateway:     %s, running=%t, restarts=%d\n", proc, st.Gateway.Running, st.Gateway.Restarts)
	if st.Gateway.Unstable {
		color.New(color.FgRed).Fprintln(w, "  Gateway marked unstable: automatic restarts disabled")
	}
	fmt.Fprintf(w, "  Uptime:      %s\n", time.Duration(st.UptimeSeconds)*time.Second)
}

func newConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "connect",
		Short:   "Authenticate the brokerage session now",
		GroupID: "client",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionAction(cmd, "/connect")
		},
	}
}

func newDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "disconnect",
		Short:   "Log the brokerage session out",
		GroupID: "client",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionAction(cmd, "/disconnect")
		},
	}
}

func runSessionAction(cmd *cobra.Command, path string) error {
	code, body, err := newFacadeClient().do(cmd.Context(), http.MethodPost, path, true)
	if err != nil {
		return err
	}

	var resp gateway.ConnectResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Status == "" {
		return apiError(code, body)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		printRaw(out, body)
	} else {
		fmt.Fprintf(out, "%s (session %s)\n", resp.Status, resp.SessionStatus)
	}
	if code >= 300 {
		return fmt.Errorf("%s failed: %s", strings.TrimPrefix(path, "/"), resp.Reason)
	}
	return nil
}

func newEventsCmd() *cobra.Command {
	var kind, source string
	var limit int

	cmd := &cobra.Command{
		Use:     "events",
		Short:   "List recent journal events, newest first",
		GroupID: "client",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if kind != "" {
				q.Set("kind", kind)
			}
			if source != "" {
				q.Set("source", source)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/events"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			code, body, err := newFacadeClient().do(cmd.Context(), http.MethodGet, path, true)
			if err != nil {
				return err
			}
			if code != http.StatusOK {
				return apiError(code, body)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				printRaw(out, body)
				return nil
			}

			var resp gateway.EventsResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("decoding events: %w", err)
			}
			gray := color.New(color.FgHiBlack)
			for _, e := range resp.Events {
				gray.Fprint(out, e.Timestamp.Local().Format("2006-01-02 15:04:05")+" ")
				fmt.Fprintf(out, "%-8s %s", e.Source, e.Kind)
				if e.Message != "" {
					gray.Fprint(out, "  "+e.Message)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "filter by event kind")
	cmd.Flags().StringVar(&source, "source", "", "filter by source (session, gateway, facade)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events (default 100)")
	return cmd
}

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "token",
		Short:   "Exchange the API key for a short-lived bearer token",
		GroupID: "client",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, body, err := newFacadeClient().do(cmd.Context(), http.MethodPost, "/auth/token", true)
			if err != nil {
				return err
			}
			if code != http.StatusOK {
				return apiError(code, body)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				printRaw(out, body)
				return nil
			}
			var tok gateway.TokenResponse
			if err := json.Unmarshal(body, &tok); err != nil {
				return fmt.Errorf("decoding token: %w", err)
			}
			fmt.Fprintln(out, tok.Token)
			return nil
		},
	}
}
