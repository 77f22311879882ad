package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"agvlink/protocol"
	"agvlink/serverlink"
)

func main() {
	var (
		listen = pflag.StringP("listen", "l", ":5000", "address to accept relay connections on")
		quiet  = pflag.BoolP("quiet", "q", false, "do not print status frames as they arrive")
	)
	pflag.Parse()

	srv, err := serverlink.Listen(*listen)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if !*quiet {
		srv.OnStatus = func(s protocol.StatusSummary) {
			if s.Marker != protocol.MarkerNone {
				log.Printf("vehicle %s: %s (status=%s collisions=%d)", s.VehicleID, s.Marker, s.Status, s.CollisionCount)
			}
		}
	}
	go srv.Serve()
	log.Printf("fleetserver listening on %s", srv.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		console(os.Stdin, os.Stdout, srv)
		stop()
	}()
	<-ctx.Done()
	srv.Close()
}

const usage = `commands:
  send <vehicle> <start> <end> <delays> <item> [work_id]
  status
  help
  quit`

// console reads operator commands until EOF or quit.
func console(in io.Reader, out io.Writer, srv *serverlink.Server) {
	fmt.Fprintln(out, usage)
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			return
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "send":
			cmd, err := parseSend(fields[1:])
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			n, err := srv.Send(cmd)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "sent to %d relay(s)\n", n)
		case "status":
			printStatus(out, srv)
		case "help":
			fmt.Fprintln(out, usage)
		case "quit", "exit":
			return
		default:
			fmt.Fprintf(out, "unknown command %q\n", fields[0])
		}
	}
}

// parseSend builds a current-version command frame. Locations that parse as
// integers are sent as palette indexes.
func parseSend(args []string) (map[string]any, error) {
	if len(args) < 5 || len(args) > 6 {
		return nil, fmt.Errorf("usage: send <vehicle> <start> <end> <delays> <item> [work_id]")
	}
	delays, err := strconv.Atoi(args[3])
	if err != nil || delays < 0 {
		return nil, fmt.Errorf("delays must be a non-negative integer")
	}
	item, err := strconv.Atoi(args[4])
	if err != nil || item < 0 {
		return nil, fmt.Errorf("item must be a non-negative integer")
	}
	cmd := map[string]any{
		"v":          protocol.CurrentCommandVersion,
		"vehicle_id": args[0],
		"start":      locationArg(args[1]),
		"end":        locationArg(args[2]),
		"delays":     delays,
		"item_idx":   item,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	if len(args) == 6 {
		id, err := strconv.ParseInt(args[5], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("work_id must be an integer")
		}
		cmd["work_id"] = id
	}
	return cmd, nil
}

func locationArg(s string) any {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return s
}

func printStatus(out io.Writer, srv *serverlink.Server) {
	bridges := srv.Bridges()
	fmt.Fprintf(out, "relays: %d\n", len(bridges))
	for _, b := range bridges {
		hb := "never"
		if !b.LastHeartbeat.IsZero() {
			hb = time.Since(b.LastHeartbeat).Round(time.Second).String() + " ago"
		}
		fmt.Fprintf(out, "  %-22s bridge=%s identified=%v heartbeat=%s\n", b.Remote, b.BridgeID, b.Identified, hb)
	}
	vehicles := srv.Vehicles()
	fmt.Fprintf(out, "vehicles: %d\n", len(vehicles))
	for _, v := range vehicles {
		work := "-"
		if v.WorkID != nil {
			work = strconv.FormatInt(*v.WorkID, 10)
		}
		fmt.Fprintf(out, "  %-4s status=%-8s work=%-14s collisions=%d target=%d\n",
			v.VehicleID, v.Status, work, v.CollisionCount, v.TargetIndex)
	}
}
