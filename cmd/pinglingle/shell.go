package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/KaiEkkrin/pinglingle/internal/client"
	"github.com/KaiEkkrin/pinglingle/internal/errors"
	"github.com/KaiEkkrin/pinglingle/internal/storage/aggregate"
	"github.com/KaiEkkrin/pinglingle/internal/storage/parquet"
	"github.com/KaiEkkrin/pinglingle/internal/storage/retention"
	"github.com/KaiEkkrin/pinglingle/internal/storage/types"
	"github.com/KaiEkkrin/pinglingle/internal/wire"
)

// errQuit is returned by the quit command.
var errQuit = errors.New("quit")

type command struct {
	name  string
	usage string
	help  string
	run   func(s *shell, ctx context.Context, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{name: "targets", help: "list monitored targets", run: (*shell).cmdTargets},
		{name: "add", usage: "<address> [frequency]", help: "add a target", run: (*shell).cmdAdd},
		{name: "delete", usage: "<id>", help: "delete a target", run: (*shell).cmdDelete},
		{name: "samples", usage: "<id> <oldest> [newest]", help: "list raw samples", run: (*shell).cmdSamples},
		{name: "digests", usage: "[-target id] [-oldest t] [-newest t] [-count n]", help: "list digests", run: (*shell).cmdDigests},
		{name: "live", usage: "[id]", help: "show provisional stats for the open bucket", run: (*shell).cmdLive},
		{name: "subscribe", usage: "[id...]", help: "print pushed events for all or some targets", run: (*shell).cmdSubscribe},
		{name: "unsubscribe", help: "stop pushed events", run: (*shell).cmdUnsubscribe},
		{name: "watch", usage: "[id...]", help: "subscribe and block until interrupted", run: (*shell).cmdWatch},
		{name: "digest-now", help: "run a digest pass on the server", run: (*shell).cmdDigestNow},
		{name: "health", help: "check that the server and its store answer", run: (*shell).cmdHealth},
		{name: "archive", usage: "[-target id] <file>", help: "print a Parquet digest archive", run: (*shell).cmdArchive},
		{name: "help", help: "show this help", run: (*shell).cmdHelp},
		{name: "quit", help: "leave the shell", run: func(*shell, context.Context, []string) error { return errQuit }},
	}
}

func lookupCommand(name string) (command, bool) {
	if name == "exit" {
		name = "quit"
	}
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// shell executes commands against one server connection. The connection is
// opened on the first command that needs it.
type shell struct {
	cfg *client.Config
	out io.Writer
	now func() time.Time

	mu     sync.Mutex
	client *client.Client
}

func newShell(cfg *client.Config, out io.Writer) *shell {
	return &shell{cfg: cfg, out: out, now: time.Now}
}

// Exec runs one input line.
func (s *shell) Exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return nil
	}

	cmd, ok := lookupCommand(fields[0])
	if !ok {
		return fmt.Errorf("%q: %w (try help)", fields[0], errors.ErrUnknownCommand)
	}
	return cmd.run(s, ctx, fields[1:])
}

// Close drops the server connection.
func (s *shell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *shell) conn(ctx context.Context) (*client.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		if s.client.IsConnected() {
			return s.client, nil
		}
		s.client.Close()
		s.client = nil
	}

	c := client.New(s.cfg)
	c.OnDisconnect(func(err error) {
		fmt.Fprintf(s.out, "disconnected: %v\n", err)
	})
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", s.cfg.Addr, err)
	}
	go s.printEvents(c)
	s.client = c
	return c, nil
}

func (s *shell) printEvents(c *client.Client) {
	for ev := range c.Events() {
		switch ev.Type {
		case wire.EventSample:
			sample := wire.BodySample(ev.Body)
			line := fmt.Sprintf("sample target=%s %s %s", optionalID(sample.TargetID),
				sample.Date.Local().Format(time.DateTime), formatOutcome(sample))
			if live, ok := ev.Body.Object("live"); ok {
				snap := wire.BodyLive(live)
				line += fmt.Sprintf(" (live p50=%.1f n=%d)", snap.Percentile50, snap.SampleCount)
			}
			fmt.Fprintln(s.out, line)
		case wire.EventTargetAdded, wire.EventTargetDelete:
			target, _ := ev.Body.Object("target")
			fmt.Fprintf(s.out, "%s %s\n", ev.Type, wire.BodyTarget(target))
		default:
			fmt.Fprintf(s.out, "event %s %v\n", ev.Type, ev.Body)
		}
	}
}

// =============================================================================
// Commands
// =============================================================================

func (s *shell) cmdHelp(_ context.Context, _ []string) error {
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(tw, "%s %s\t%s\n", c.name, c.usage, c.help)
	}
	return tw.Flush()
}

func (s *shell) cmdTargets(ctx context.Context, _ []string) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	targets, err := c.ListTargets(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tADDRESS\tFREQ\tPROBES\tFAILED\tAVG\tLAST")
	for _, t := range targets {
		total, _ := t.Stats.Int64("total")
		failed, _ := t.Stats.Int64("failed")
		avg, _ := t.Stats.Float64("avg_ms")
		last := "-"
		if ts, err := t.Stats.Time("last_sample"); err == nil && ts != nil {
			status, _ := t.Stats.String("last_status")
			last = ts.Local().Format(time.DateTime) + " " + status
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%.1fms\t%s\n", t.ID, t.Address, t.Frequency, total, failed, avg, last)
	}
	return tw.Flush()
}

func (s *shell) cmdAdd(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return usageError("add")
	}
	frequency := types.DefaultFrequency
	if len(args) == 2 {
		f, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("frequency %q: %w", args[1], errors.ErrInvalidConfig)
		}
		frequency = f
	}

	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	t, err := c.AddTarget(ctx, args[0], frequency)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "added %s\n", t)
	return nil
}

func (s *shell) cmdDelete(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usageError("delete")
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	t, err := c.DeleteTarget(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "deleted %s\n", t)
	return nil
}

func (s *shell) cmdSamples(ctx context.Context, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return usageError("samples")
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	now := s.now()
	oldest, err := parseWhen(args[1], now)
	if err != nil {
		return err
	}
	var newest *time.Time
	if len(args) == 3 {
		t, err := parseWhen(args[2], now)
		if err != nil {
			return err
		}
		newest = &t
	}

	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	samples, err := c.Samples(ctx, id, oldest, newest)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDATE\tRESULT\tDIGESTED")
	for _, sample := range samples {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\n", sample.ID,
			sample.Date.Local().Format(time.DateTime), formatOutcome(sample), sample.Digested)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%d samples\n", len(samples))
	return nil
}

func (s *shell) cmdDigests(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("digests", flag.ContinueOnError)
	fs.SetOutput(s.out)
	target := fs.Int64("target", 0, "target id (0 for all)")
	oldestArg := fs.String("oldest", "", "oldest start time")
	newestArg := fs.String("newest", "", "newest start time (exclusive)")
	count := fs.Int("count", 0, "maximum number of digests")
	if err := fs.Parse(args); err != nil {
		return err
	}

	q, err := digestQuery(*target, *oldestArg, *newestArg, *count, s.now())
	if err != nil {
		return err
	}

	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	digests, err := c.Digests(ctx, q)
	if err != nil {
		return err
	}
	return s.printDigests(digests, nil)
}

func (s *shell) cmdLive(ctx context.Context, args []string) error {
	if len(args) > 1 {
		return usageError("live")
	}
	var id *int64
	if len(args) == 1 {
		v, err := parseID(args[0])
		if err != nil {
			return err
		}
		id = &v
	}

	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	snaps, err := c.Live(ctx, id)
	if err != nil {
		return err
	}
	return s.printLive(snaps)
}

func (s *shell) cmdSubscribe(ctx context.Context, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if err := c.Subscribe(ctx, ids...); err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(s.out, "subscribed to all targets")
	} else {
		fmt.Fprintf(s.out, "subscribed to %d targets\n", len(ids))
	}
	return nil
}

func (s *shell) cmdUnsubscribe(ctx context.Context, _ []string) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if err := c.Unsubscribe(ctx); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "unsubscribed")
	return nil
}

func (s *shell) cmdWatch(ctx context.Context, args []string) error {
	if err := s.cmdSubscribe(ctx, args); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (s *shell) cmdDigestNow(ctx context.Context, _ []string) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	res, err := c.DigestNow(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "digested %d samples (%d failed) into %d digests over %d buckets\n",
		res.Samples, res.Failed, res.Digests, res.Buckets)
	return nil
}

func (s *shell) cmdHealth(ctx context.Context, _ []string) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if err := c.Health(ctx); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s ok\n", s.cfg.Addr)
	return nil
}

func (s *shell) cmdArchive(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("archive", flag.ContinueOnError)
	fs.SetOutput(s.out)
	target := fs.Int64("target", 0, "only digests of this target id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageError("archive")
	}

	r, err := parquet.NewDigestReader(fs.Arg(0))
	if err != nil {
		return err
	}
	defer r.Close()

	rows, err := r.ReadAll()
	if err != nil {
		return err
	}

	digests := make([]types.Digest, 0, len(rows))
	addresses := make(map[int64]string)
	for i := range rows {
		d := parquet.RowToDigest(&rows[i])
		if *target != 0 && (d.TargetID == nil || *d.TargetID != *target) {
			continue
		}
		if d.TargetID != nil && rows[i].Address != "" {
			addresses[*d.TargetID] = rows[i].Address
		}
		digests = append(digests, d)
	}
	sort.SliceStable(digests, func(i, j int) bool {
		return digests[i].StartTime.Before(digests[j].StartTime)
	})

	// Archives written by retention are named after their horizon.
	if horizon, err := retention.ParseArchiveTime(fs.Arg(0)); err == nil {
		fmt.Fprintf(s.out, "digests before %s\n", horizon.Format(time.RFC3339))
	}
	return s.printDigests(digests, addresses)
}

// =============================================================================
// Output
// =============================================================================

func (s *shell) printDigests(digests []types.Digest, addresses map[int64]string) error {
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	if addresses != nil {
		fmt.Fprintln(tw, "TARGET\tADDRESS\tSTART\tSAMPLES\tERRORS\tP5\tP50\tP95")
	} else {
		fmt.Fprintln(tw, "TARGET\tSTART\tSAMPLES\tERRORS\tP5\tP50\tP95")
	}
	for _, d := range digests {
		fmt.Fprintf(tw, "%s\t", optionalID(d.TargetID))
		if addresses != nil {
			addr := "-"
			if d.TargetID != nil && addresses[*d.TargetID] != "" {
				addr = addresses[*d.TargetID]
			}
			fmt.Fprintf(tw, "%s\t", addr)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.1f\t%.1f\t%.1f\n",
			d.StartTime.Local().Format(time.DateTime), d.SampleCount, d.ErrorCount,
			d.Percentile5, d.Percentile50, d.Percentile95)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%d digests\n", len(digests))
	return nil
}

func (s *shell) printLive(snaps []aggregate.LiveSnapshot) error {
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tBUCKET\tSAMPLES\tERRORS\tP5\tP50\tP95\tLAST")
	for _, l := range snaps {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%.1f\t%.1f\t%.1f\t%s\n",
			l.TargetID, l.BucketStart.Local().Format(time.DateTime), l.SampleCount, l.ErrorCount,
			l.Percentile5, l.Percentile50, l.Percentile95, l.LastSample.Local().Format(time.TimeOnly))
	}
	return tw.Flush()
}

func formatOutcome(s types.Sample) string {
	if s.ResponseTimeMillis != nil {
		return fmt.Sprintf("%dms", *s.ResponseTimeMillis)
	}
	return s.Status.String()
}

func optionalID(id *int64) string {
	if id == nil {
		return "-"
	}
	return strconv.FormatInt(*id, 10)
}

// =============================================================================
// Argument parsing
// =============================================================================

func usageError(name string) error {
	c, _ := lookupCommand(name)
	return fmt.Errorf("usage: %s %s", c.name, c.usage)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("target id %q: %w", s, errors.ErrInvalidConfig)
	}
	return id, nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := parseID(a)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// parseWhen accepts "now", a duration back from now ("90m", "-2h"), a
// local "2006-01-02 15:04:05" or RFC 3339.
func parseWhen(s string, now time.Time) (time.Time, error) {
	if s == "now" {
		return now, nil
	}
	if d, err := time.ParseDuration(strings.TrimPrefix(s, "-")); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateTime, s, time.Local); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, time.Local); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("time %q: %w", s, errors.ErrInvalidQuery)
}

func digestQuery(target int64, oldestArg, newestArg string, count int, now time.Time) (client.DigestQuery, error) {
	var q client.DigestQuery
	if target != 0 {
		q.TargetID = &target
	}
	if oldestArg != "" {
		t, err := parseWhen(oldestArg, now)
		if err != nil {
			return q, err
		}
		q.Oldest = &t
	}
	if newestArg != "" {
		t, err := parseWhen(newestArg, now)
		if err != nil {
			return q, err
		}
		q.Newest = &t
	}
	q.Count = count
	if q.Oldest == nil && q.Newest == nil && q.Count == 0 {
		return q, fmt.Errorf("digests needs -oldest, -newest or -count: %w", errors.ErrInvalidQuery)
	}
	return q, nil
}
