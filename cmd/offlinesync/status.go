package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	apperrors "github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/errors"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/sync/scheduler"
)

// statusEnvelope is the subset of WSEnvelope the watcher reads.
type statusEnvelope struct {
	Type string `json:"type"`
	Data struct {
		Status *scheduler.Status `json:"status"`
	} `json:"data"`
}

func newStatusCmd(a *app) *cobra.Command {
	var (
		addr  string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running offline proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := a.loadConfig()
				if err != nil {
					return err
				}
				addr = cfg.Listen
			}
			out := cmd.OutOrStdout()

			if !watch {
				st, err := fetchStatus(cmd.Context(), addr)
				if err != nil {
					return err
				}
				printStatus(out, st)
				return nil
			}
			return watchStatus(cmd.Context(), addr, func(st scheduler.Status) bool {
				printStatus(out, st)
				fmt.Fprintln(out)
				return true
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "proxy address (default: listen from config)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "stream status changes")
	return cmd
}

// fetchStatus reads GET /offline/status from the proxy at addr.
func fetchStatus(ctx context.Context, addr string) (scheduler.Status, error) {
	var st scheduler.Status

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/offline/status", nil)
	if err != nil {
		return st, apperrors.Wrap(apperrors.ErrInvalid, "bad proxy address", err)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return st, apperrors.Wrap(apperrors.ErrNetworkFailure, "cannot reach offlinesync at "+addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return st, apperrors.New(apperrors.ErrUpstream, "status returned "+resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, apperrors.Wrap(apperrors.ErrEncoding, "invalid status response", err)
	}
	return st, nil
}

// watchStatus streams status changes from the proxy's WebSocket to fn until
// fn returns false or ctx is done.
func watchStatus(ctx context.Context, addr string, fn func(scheduler.Status) bool) error {
	conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/offline/ws", nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNetworkFailure, "cannot reach offlinesync at "+addr, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	subscribe := map[string]interface{}{
		"action": "subscribe",
		"events": []string{EventStatusChanged},
	}
	if err := wsjson.Write(ctx, conn, subscribe); err != nil {
		return apperrors.Wrap(apperrors.ErrNetworkFailure, "subscribe failed", err)
	}

	for {
		var env statusEnvelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return apperrors.Wrap(apperrors.ErrNetworkFailure, "status stream closed", err)
		}
		if env.Type != EventStatusChanged || env.Data.Status == nil {
			continue
		}
		if !fn(*env.Data.Status) {
			return nil
		}
	}
}

func printStatus(w io.Writer, st scheduler.Status) {
	connectivity := "offline"
	if st.IsOnline {
		connectivity = "online"
	}
	lastSync := "never"
	if st.LastSync != nil {
		lastSync = humanize.Time(*st.LastSync)
	}

	tw := newTable(w)
	fmt.Fprintf(tw, "connectivity:\t%s\n", connectivity)
	fmt.Fprintf(tw, "pending:\t%d\n", st.PendingCount)
	fmt.Fprintf(tw, "syncing:\t%t\n", st.Syncing)
	fmt.Fprintf(tw, "last sync:\t%s\n", lastSync)
	tw.Flush()
}
