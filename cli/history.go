package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"p2pdrop/storage"
)

const defaultHistoryLimit = 20

func (a *app) historyCmd() *cobra.Command {
	var (
		limit     int
		pruneDays int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded transfers",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			store, err := a.openHistory()
			if err != nil {
				return err
			}
			defer func() {
				if err := store.Close(); err != nil {
					a.logger.WithError(err).Warn("Close history failed")
				}
			}()

			if pruneDays > 0 {
				cutoff := time.Now().Add(-time.Duration(pruneDays) * 24 * time.Hour).UnixMilli()
				removed, err := store.PruneTransfers(cutoff)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Pruned %d transfers older than %d days\n", removed, pruneDays)
			}

			transfers, err := store.ListTransfers(limit)
			if err != nil {
				return err
			}
			if len(transfers) == 0 {
				fmt.Fprintln(a.out, "No transfers recorded")
				return nil
			}
			fmt.Fprintln(a.out, renderHistory(transfers))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", defaultHistoryLimit, "maximum number of transfers to list")
	cmd.Flags().IntVar(&pruneDays, "prune-days", 0, "delete finished transfers older than this many days first")
	return cmd
}

func renderHistory(transfers []storage.Transfer) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers("WHEN", "ROLE", "FILE", "SIZE", "PROGRESS", "STATUS", "ROOM")
	for _, tr := range transfers {
		t.Row(
			formatUnixMilli(tr.UpdatedAt),
			tr.Role,
			tr.FileName,
			humanBytes(tr.FileSize),
			strconv.Itoa(tr.NextChunk)+"/"+strconv.Itoa(tr.TotalChunks),
			statusLabel(tr),
			tr.RoomID,
		)
	}
	return t.String()
}

func statusLabel(tr storage.Transfer) string {
	if tr.Error == "" {
		return tr.Status
	}
	return tr.Status + ": " + tr.Error
}
