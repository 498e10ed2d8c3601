package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"playout/internal/playout"
)

const displayLayout = "2006-01-02 15:04:05"

func newTimelineCommand(ctx *commandContext) *cobra.Command {
	timelineCmd := &cobra.Command{
		Use:   "timeline",
		Short: "Inspect and edit the broadcast timeline",
	}

	timelineCmd.AddCommand(newTimelineListCommand(ctx))
	timelineCmd.AddCommand(newTimelinePlaceCommand(ctx))
	timelineCmd.AddCommand(newTimelineMoveCommand(ctx))
	timelineCmd.AddCommand(newTimelineRemoveCommand(ctx))

	return timelineCmd
}

func newTimelineListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List timeline entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reqCtx, cancel := requestContext(cmd)
			defer cancel()

			resp, err := ctx.client().Timeline(reqCtx)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, resp)
			}
			if len(resp.Entries) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Timeline is empty (%s)\n", resp.TimeZone)
				return nil
			}
			loc := displayLocation(resp.TimeZone)
			fmt.Fprintf(cmd.OutOrStdout(), "Times in %s\n", loc)
			fmt.Fprint(cmd.OutOrStdout(), renderTable(cmd.OutOrStdout(),
				[]string{"ID", "Asset", "Start", "End", "Priority", "Armed"},
				buildTimelineRows(resp, loc),
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
}

func buildTimelineRows(resp playout.TimelineResponse, loc *time.Location) [][]string {
	armed := make(map[playout.EntryID]bool, len(resp.Armed))
	for _, a := range resp.Armed {
		if a.Armed {
			armed[a.EntryID] = true
		}
	}
	rows := make([][]string, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		rows = append(rows, []string{
			strconv.FormatInt(int64(e.ID), 10),
			playout.AssetKey{Name: e.AssetName, Format: e.AssetFormat}.String(),
			e.Start.In(loc).Format(displayLayout),
			e.End.In(loc).Format(displayLayout),
			strconv.Itoa(e.Priority),
			yesNo(armed[e.ID]),
		})
	}
	return rows
}

func newTimelinePlaceCommand(ctx *commandContext) *cobra.Command {
	var req playout.PlaceRequest
	var mediaType string

	cmd := &cobra.Command{
		Use:   "place <name> <format>",
		Short: "Place an asset on the timeline",
		Example: `  playoutctl timeline place logo png --type image --start "2026-10-19 18:00:00" --seconds 30 --priority 1
  playoutctl timeline place news mp4 --type video --start "2026-10-19 19:00:00" --seconds 600 --zone Europe/Moscow`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.AssetName = args[0]
			req.AssetFormat = args[1]
			req.MediaType = playout.MediaType(mediaType)

			reqCtx, cancel := requestContext(cmd)
			defer cancel()

			entry, err := ctx.client().Place(reqCtx, req)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, entry)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Placed entry %d: %s.%s %s → %s\n",
				entry.ID, entry.AssetName, entry.AssetFormat,
				entry.Start.Format(displayLayout), entry.End.Format(displayLayout))
			return nil
		},
	}

	cmd.Flags().StringVar(&mediaType, "type", "", "Media type: image, presentation or video")
	cmd.Flags().StringVar(&req.Start, "start", "", "Start time as YYYY-MM-DD HH:MM:SS")
	cmd.Flags().StringVar(&req.TimeZone, "zone", "", "IANA time zone of --start (defaults to the daemon's)")
	cmd.Flags().Float64Var(&req.Seconds, "seconds", 0, "Length of the slot in seconds")
	cmd.Flags().IntVar(&req.Priority, "priority", 0, "Slot priority; higher displaces lower")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("seconds")

	return cmd
}

func newTimelineMoveCommand(ctx *commandContext) *cobra.Command {
	var start, zone string

	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Move an entry to a new start time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEntryID(args[0])
			if err != nil {
				return err
			}

			reqCtx, cancel := requestContext(cmd)
			defer cancel()

			entry, err := ctx.client().Move(reqCtx, id, start, zone)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, entry)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Moved entry %d to %s → %s\n",
				entry.ID, entry.Start.Format(displayLayout), entry.End.Format(displayLayout))
			return nil
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "New start time as YYYY-MM-DD HH:MM:SS")
	cmd.Flags().StringVar(&zone, "zone", "", "IANA time zone of --start (defaults to the daemon's)")
	_ = cmd.MarkFlagRequired("start")

	return cmd
}

func newTimelineRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove an entry that is not on air",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEntryID(args[0])
			if err != nil {
				return err
			}

			reqCtx, cancel := requestContext(cmd)
			defer cancel()

			if err := ctx.client().Remove(reqCtx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed entry %d\n", id)
			return nil
		},
	}
}

func parseEntryID(raw string) (playout.EntryID, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid entry id %q", raw)
	}
	return playout.EntryID(id), nil
}

// displayLocation falls back to UTC when the daemon's zone is unknown here.
func displayLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
