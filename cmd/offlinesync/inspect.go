package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/cache"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/config"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/db"
	apperrors "github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/errors"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/logging"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/models"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/sync/queue"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/uuid"
)

// withStore opens the store for the duration of fn.
func (a *app) withStore(fn func(cfg *config.Config, store db.Store) error) error {
	cfg, store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cfg, store)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// =====================================================
// cache
// =====================================================

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clear cached responses",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "ls",
			Short: "List cache entries",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withStore(func(_ *config.Config, store db.Store) error {
					entries, err := cache.New(store).Entries(cmd.Context())
					if err != nil {
						return err
					}
					now := time.Now()
					tw := newTable(cmd.OutOrStdout())
					fmt.Fprintln(tw, "KEY\tTYPE\tSIZE\tSTORED\tEXPIRES")
					for i := range entries {
						e := &entries[i]
						expires := "never"
						switch {
						case e.IsExpired(now):
							expires = "expired"
						case e.ExpiresAt != nil:
							expires = humanize.Time(e.ExpiresAtTime())
						}
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
							e.Key,
							cache.ContentType(e),
							humanize.Bytes(uint64(len(cache.Body(e)))),
							humanize.Time(e.StoredAtTime()),
							expires,
						)
					}
					return tw.Flush()
				})
			},
		},
		&cobra.Command{
			Use:   "get KEY",
			Short: "Print a fresh cached body",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withStore(func(_ *config.Config, store db.Store) error {
					entry, ok := cache.New(store).Lookup(cmd.Context(), args[0])
					if !ok {
						return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("no fresh cache entry %q", args[0]))
					}
					_, err := cmd.OutOrStdout().Write(cache.Body(entry))
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "rm KEY",
			Short: "Remove a cache entry",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withStore(func(_ *config.Config, store db.Store) error {
					return cache.New(store).RemoveCachedData(cmd.Context(), args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove every cache entry",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withStore(func(_ *config.Config, store db.Store) error {
					return cache.New(store).ClearCache(cmd.Context())
				})
			},
		},
		&cobra.Command{
			Use:   "purge",
			Short: "Remove expired cache entries",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withStore(func(_ *config.Config, store db.Store) error {
					n, err := cache.New(store).Purge(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired %s\n", n, plural(n, "entry", "entries"))
					return nil
				})
			},
		},
	)
	return cmd
}

// =====================================================
// queue
// =====================================================

func newQueueCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect, replay and clear queued writes",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "ls",
			Short: "List queued requests in replay order",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withStore(func(_ *config.Config, store db.Store) error {
					items, err := queue.New(store).Pending(cmd.Context())
					if err != nil {
						return err
					}
					printQueue(cmd.OutOrStdout(), items)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "rm ID",
			Short: "Remove a queued request",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := uuid.Validate(args[0]); err != nil {
					return apperrors.Wrap(apperrors.ErrInvalid, "bad queue item id", err)
				}
				return a.withStore(func(_ *config.Config, store db.Store) error {
					return queue.New(store).Remove(cmd.Context(), models.UUID(args[0]))
				})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove every queued request",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withStore(func(_ *config.Config, store db.Store) error {
					return queue.New(store).Clear(cmd.Context())
				})
			},
		},
		&cobra.Command{
			Use:   "drain",
			Short: "Replay queued requests against the API now",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withStore(func(cfg *config.Config, store db.Store) error {
					base, err := cfg.APIBaseURL()
					if err != nil {
						return err
					}
					q := queue.New(store,
						queue.WithBaseURL(base),
						queue.WithMaxRetries(cfg.Sync.MaxRetries),
						queue.WithClient(&http.Client{Timeout: 30 * time.Second}),
						queue.WithLogger(logging.Get()),
					)
					res := q.Drain(cmd.Context())
					fmt.Fprintf(cmd.OutOrStdout(), "attempted %d, succeeded %d, retried %d, dropped %d\n",
						res.Attempted, res.Succeeded, res.Retried, res.Dropped)
					return nil
				})
			},
		},
	)
	return cmd
}

func printQueue(w io.Writer, items []models.PendingSyncItem) {
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tMETHOD\tURL\tBODY\tQUEUED\tRETRIES\tLAST ERROR")
	for _, item := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			item.ID,
			item.Method,
			truncate(item.URL, 60),
			humanize.Bytes(uint64(len(item.Body))),
			humanize.Time(item.EnqueuedAtTime()),
			item.Retries,
			truncate(item.LastError, 50),
		)
	}
	tw.Flush()
}

// =====================================================
// snapshot
// =====================================================

func newSnapshotCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect and edit offline snapshots",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "ls",
			Short: "List snapshots",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withStore(func(_ *config.Config, store db.Store) error {
					snaps, err := cache.NewSnapshots(store).List(cmd.Context())
					if err != nil {
						return err
					}
					tw := newTable(cmd.OutOrStdout())
					fmt.Fprintln(tw, "KEY\tSIZE\tSAVED")
					for i := range snaps {
						fmt.Fprintf(tw, "%s\t%s\t%s\n",
							snaps[i].Key,
							humanize.Bytes(uint64(len(snaps[i].Data))),
							humanize.Time(snaps[i].StoredAtTime()),
						)
					}
					return tw.Flush()
				})
			},
		},
		&cobra.Command{
			Use:   "get KEY",
			Short: "Print a snapshot as JSON",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withStore(func(_ *config.Config, store db.Store) error {
					snap, ok := cache.NewSnapshots(store).Lookup(cmd.Context(), args[0])
					if !ok {
						return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("no snapshot %q", args[0]))
					}
					fmt.Fprintln(cmd.OutOrStdout(), string(snap.Data))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "save KEY [FILE]",
			Short: "Save JSON from FILE (or stdin) as a snapshot",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				var (
					data []byte
					err  error
				)
				if len(args) == 2 && args[1] != "-" {
					data, err = os.ReadFile(args[1])
				} else {
					data, err = io.ReadAll(cmd.InOrStdin())
				}
				if err != nil {
					return apperrors.Wrap(apperrors.ErrInvalid, "cannot read snapshot data", err)
				}
				if !json.Valid(data) {
					return apperrors.New(apperrors.ErrInvalid, "snapshot data is not valid JSON")
				}
				return a.withStore(func(_ *config.Config, store db.Store) error {
					return cache.NewSnapshots(store).SaveOfflineData(cmd.Context(), args[0], json.RawMessage(data))
				})
			},
		},
		&cobra.Command{
			Use:   "rm KEY",
			Short: "Remove a snapshot",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withStore(func(_ *config.Config, store db.Store) error {
					return cache.NewSnapshots(store).RemoveOfflineData(cmd.Context(), args[0])
				})
			},
		},
	)
	return cmd
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
