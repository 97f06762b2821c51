// status.go - self-diagnosis against a running broker.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/switchyard-mcp/switchyard/internal/broker"
)

// runStatus fetches /healthz from a running broker and prints a readable
// summary plus the raw snapshot.
func runStatus(ctx context.Context, out io.Writer, port int) error {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("no broker answering on port %d: %w", port, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var h broker.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return fmt.Errorf("unreadable health snapshot: %w", err)
	}

	fmt.Fprintf(out, "instance  %s\n", h.InstanceID)
	fmt.Fprintf(out, "status    %s\n", h.Status)
	fmt.Fprintf(out, "extension port %d, %d connection(s)\n", h.Port, len(h.Connections))
	fmt.Fprintf(out, "sessions  %d\n", len(h.Sessions))
	for _, s := range h.Sessions {
		fmt.Fprintf(out, "  %s state=%s tabs=%v pending=%d\n",
			s.SessionID, s.State, s.OwnedTabs, s.PendingRequests)
	}
	if len(h.Locks) > 0 {
		fmt.Fprintf(out, "locks     %d\n", len(h.Locks))
		for _, l := range h.Locks {
			fmt.Fprintf(out, "  tab %d held by %s, %d waiting\n", l.TabID, l.Holder, l.QueueDepth)
		}
	}
	if len(h.Ports) > 0 {
		fmt.Fprintf(out, "pool      ")
		for i, p := range h.Ports {
			if i > 0 {
				fmt.Fprint(out, ", ")
			}
			fmt.Fprintf(out, "%d", p.Port)
		}
		fmt.Fprintln(out)
	}
	return nil
}
