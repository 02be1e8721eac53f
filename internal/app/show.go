package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"market-change-alerts/internal/detector"
	"market-change-alerts/internal/market"
	"market-change-alerts/internal/storage"
)

// Show prints recent snapshots and the live notification records.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	return a.render(ctx, os.Stdout, store, store, opts, time.Now().UTC())
}

func (a *App) render(ctx context.Context, out io.Writer, history storage.HistoryReader, records storage.NotificationStore, opts ShowOptions, now time.Time) error {
	families := opts.Families
	if len(families) == 0 {
		families = market.Families
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tFamily\tInstances\tSample")
	rows := 0
	for _, family := range families {
		snaps, err := history.ListRecentSnapshots(ctx, family, opts.Limit)
		if err != nil {
			return fmt.Errorf("list %s snapshots: %w", family, err)
		}
		for _, snap := range snaps {
			fmt.Fprintf(writer, "%s\t%s\t%d\t%s\n",
				snap.Timestamp.UTC().Format(time.RFC3339),
				family,
				len(snap.Values),
				sampleValues(snap.Values, 3),
			)
			rows++
		}
	}
	if rows == 0 {
		fmt.Fprintln(writer, "no snapshots found")
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	loaded, err := records.LoadNotifications(ctx, families)
	if err != nil {
		return fmt.Errorf("load notification records: %w", err)
	}
	sort.Slice(loaded, func(i, j int) bool {
		if loaded[i].Family != loaded[j].Family {
			return loaded[i].Family.Rank() < loaded[j].Family.Rank()
		}
		return loaded[i].Key.Less(loaded[j].Key)
	})

	fmt.Fprintln(out)
	writer = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Family\tInstance\tLast notified (UTC)\tState")
	for _, rec := range loaded {
		state := detector.SelectBaseline(rec.LastNotifiedAt, now, a.Config.Detector.Window).State
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			rec.Family,
			displayKey(rec.Key),
			rec.LastNotifiedAt.UTC().Format(time.RFC3339),
			state,
		)
	}
	if len(loaded) == 0 {
		fmt.Fprintln(writer, "no notification records")
	}
	return writer.Flush()
}

func sampleValues(values market.Values, max int) string {
	keys := values.Keys()
	if len(keys) == 0 {
		return "-"
	}
	out := ""
	for i, key := range keys {
		if i == max {
			out += fmt.Sprintf(" (+%d more)", len(keys)-max)
			break
		}
		if i > 0 {
			out += " "
		}
		out += displayKey(key) + "=" + strconv.FormatFloat(values[key], 'f', -1, 64)
	}
	return out
}

func displayKey(key market.InstanceKey) string {
	if key.IsZero() {
		return "pool"
	}
	return key.Label()
}
