package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"agvlink/protocol"
	"agvlink/registry"
	"agvlink/store"
	"agvlink/www"
)

func printRaw(w io.Writer, body []byte) {
	fmt.Fprintln(w, strings.TrimSpace(string(body)))
}

func workString(id *int64) string {
	if id == nil {
		return "-"
	}
	return strconv.FormatInt(*id, 10)
}

func newHealthCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show relay link state and session counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var h www.HealthResponse
			body, err := newAPIClient(opts.url).get("/api/health", &h)
			if err != nil {
				return fmt.Errorf("health: %w", err)
			}
			out := cmd.OutOrStdout()
			if opts.jsonOut {
				printRaw(out, body)
				return nil
			}
			link := func(name string, up bool, lastErr string) {
				state := "up"
				if !up {
					state = "down"
					if lastErr != "" {
						state += " (" + lastErr + ")"
					}
				}
				fmt.Fprintf(out, "%-9s %s\n", name+":", state)
			}
			fmt.Fprintf(out, "bridge:   %s\n", h.BridgeID)
			link("server", h.Upstream.Connected, h.Upstream.LastError)
			link("pubsub", h.PubSub.Connected, h.PubSub.LastError)
			fmt.Fprintf(out, "vehicles: %d (working=%d finished=%d idle=%d)\n", h.Vehicles,
				h.Sessions[registry.StatusWorking], h.Sessions[registry.StatusFinished], h.Sessions[registry.StatusIdle])
			return nil
		},
	}
}

func newVehiclesCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "vehicles",
		Short: "List vehicles and their work sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var list []registry.Session
			body, err := newAPIClient(opts.url).get("/api/vehicles", &list)
			if err != nil {
				return fmt.Errorf("vehicles: %w", err)
			}
			if opts.jsonOut {
				printRaw(cmd.OutOrStdout(), body)
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VEHICLE\tSTATUS\tWORK\tCOLLISIONS\tLAST SEEN")
			for _, s := range list {
				seen := "-"
				if !s.LastSeenAt.IsZero() {
					seen = s.LastSeenAt.Local().Format("15:04:05")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.VehicleID, s.Status, workString(s.WorkID), s.CollisionCount, seen)
			}
			return tw.Flush()
		},
	}
}

func newVehicleCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "vehicle <id>",
		Short: "Show one vehicle's work session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var s registry.Session
			body, err := newAPIClient(opts.url).get("/api/vehicles/"+args[0], &s)
			if err != nil {
				return fmt.Errorf("vehicle %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			if opts.jsonOut {
				printRaw(out, body)
				return nil
			}
			fmt.Fprintf(out, "vehicle:    %s\n", s.VehicleID)
			fmt.Fprintf(out, "status:     %s\n", s.Status)
			fmt.Fprintf(out, "work:       %s\n", workString(s.WorkID))
			fmt.Fprintf(out, "collisions: %d\n", s.CollisionCount)
			fmt.Fprintf(out, "target:     %d\n", s.TargetIndex)
			if s.StartedAt != nil {
				fmt.Fprintf(out, "started:    %s\n", s.StartedAt.Local().Format("2006-01-02 15:04:05"))
			}
			if s.FinishedAt != nil {
				fmt.Fprintf(out, "finished:   %s\n", s.FinishedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

func newLogCmd(opts *globalOpts) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the most recent work log entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []store.Entry
			body, err := newAPIClient(opts.url).get(fmt.Sprintf("/api/events/log?limit=%d", limit), &entries)
			if err != nil {
				return fmt.Errorf("log: %w", err)
			}
			if opts.jsonOut {
				printRaw(cmd.OutOrStdout(), body)
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tVEHICLE\tEVENT\tWORK\tTARGET")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", e.Timestamp.Local().Format("2006-01-02 15:04:05"),
					e.VehicleID, e.Event, workString(e.WorkID), e.TargetIndex)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	return cmd
}

func newSendCmd(opts *globalOpts) *cobra.Command {
	var (
		user, password string
		delays, item   int
		workID         int64
	)
	cmd := &cobra.Command{
		Use:   "send <vehicle> <start> <end>",
		Short: "Send a pickup/delivery command through the relay",
		Long:  "Locations are palette names or integer indexes.\nThe password is read from AGVLINK_PASSWORD when --password is not given.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("AGVLINK_PASSWORD")
			}
			body := map[string]any{
				"v":          protocol.CurrentCommandVersion,
				"vehicle_id": args[0],
				"start":      locationArg(args[1]),
				"end":        locationArg(args[2]),
				"delays":     delays,
				"item_idx":   item,
			}
			if workID > 0 {
				body["work_id"] = workID
			}

			c := newAPIClient(opts.url)
			if err := c.login(user, password); err != nil {
				return fmt.Errorf("login: %w", err)
			}
			var sent protocol.TaskCommand
			raw, err := c.postJSON("/api/commands", body, &sent)
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}
			out := cmd.OutOrStdout()
			if opts.jsonOut {
				printRaw(out, raw)
				return nil
			}
			fmt.Fprintf(out, "work %d -> vehicle %s: %s -> %s (item %d, delay %ds)\n",
				sent.WorkID, sent.VehicleID, sent.Start, sent.End, sent.ItemIndex, sent.DelaySeconds)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "admin", "admin user")
	cmd.Flags().StringVar(&password, "password", "", "admin password")
	cmd.Flags().IntVar(&delays, "delays", 0, "seconds to wait before starting")
	cmd.Flags().IntVar(&item, "item", 0, "manipulation target index")
	cmd.Flags().Int64Var(&workID, "work-id", 0, "work id (assigned by the relay when omitted)")
	return cmd
}

func locationArg(s string) any {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return s
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for web.admin_password_hash",
		Long:  "Hashes the argument, or one line read from stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && err != io.EOF {
					return err
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return fmt.Errorf("hash-password: empty password")
			}
			hash, err := www.HashPassword(password)
			if err != nil {
				return fmt.Errorf("hash-password: %w", err)
			}
			if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
				return fmt.Errorf("hash-password: verification failed")
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
