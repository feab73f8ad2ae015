// Command ollyctl is a small client for the ollyllm gRPC API. It reports
// spans, manages test registrations and plays the part of a test worker.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/ollyllm/ollyllm/internal/service/trace"
	client "github.com/ollyllm/ollyllm/sdk/go/ollyllm"
)

var version = "dev" // Set by -ldflags during build

func main() {
	var (
		showVersion bool
		showHelp    bool
		addr        string
		timeout     time.Duration
		retries     int
	)

	pflag.BoolVarP(&showVersion, "version", "V", false, "Show version and exit")
	pflag.BoolVarP(&showHelp, "help", "h", false, "Show this help message")
	pflag.StringVarP(&addr, "addr", "a", envOr("OLLYLLM_ADDR", "localhost:50051"), "Server address")
	pflag.DurationVar(&timeout, "timeout", 10*time.Second, "Per-call timeout")
	pflag.IntVar(&retries, "retries", 2, "Retries for Unavailable and ResourceExhausted errors")

	// Stop parsing at first non-flag argument (the subcommand)
	pflag.CommandLine.SetInterspersed(false)
	pflag.Parse()

	if showVersion {
		fmt.Printf("ollyctl version %s\n", version)
		os.Exit(0)
	}

	args := pflag.Args()
	if len(args) == 0 || showHelp {
		printHelp()
		os.Exit(0)
	}

	c, err := client.NewClient(client.Config{Addr: addr, Timeout: timeout, MaxRetries: retries})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	handlers := map[string]func(context.Context, *client.Client, []string) error{
		"demo":         handleDemo,
		"report-spans": handleReportSpans,
		"log":          handleLog,
		"register":     handleRegister,
		"add-version":  handleAddVersion,
		"queue-test":   handleQueueTest,
		"claim":        handleClaim,
		"finish":       handleFinish,
		"trace":        handleTrace,
		"show-test":    handleShowTest,
	}
	handler, ok := handlers[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown subcommand '%s'\n\n", args[0])
		printHelp()
		os.Exit(1)
	}
	if err := handler(ctx, c, args[1:]); err != nil {
		reportError(err)
		cancel()
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// reportError prints err with any field violations the server returned.
func reportError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	for _, v := range client.Violations(err) {
		fmt.Fprintf(os.Stderr, "  %s: %s\n", v.Field, v.Description)
	}
}

// handleDemo sends one span and one test execution request, the smallest
// exchange that exercises both ingestion paths.
func handleDemo(ctx context.Context, c *client.Client, args []string) error {
	fs := pflag.NewFlagSet("demo", pflag.ExitOnError)
	testID := fs.Int64("test-id", 1, "Test registration id to queue")
	testVersion := fs.Int64("test-version", 1, "Test version to queue")
	_ = fs.Parse(args)

	traceID := uuid.NewString()
	span := client.NewSpan(traceID, uuid.NewString(), "", "start call to openai")
	if err := c.ReportSpans(ctx, []client.Span{span}); err != nil {
		return fmt.Errorf("report span: %w", err)
	}
	fmt.Printf("reported span %s in trace %s\n", span.ID, traceID)

	err := c.QueueTest(ctx, client.TestExecutionRequest{
		SessionID:        1,
		VersionedTest:    &client.VersionedTest{ID: *testID, Version: *testVersion},
		RequestTimestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("queue test: %w", err)
	}
	fmt.Printf("queued test %d version %d\n", *testID, *testVersion)
	return nil
}

func handleReportSpans(ctx context.Context, c *client.Client, args []string) error {
	fs := pflag.NewFlagSet("report-spans", pflag.ExitOnError)
	file := fs.StringP("file", "f", "", "YAML batch file (required, - for stdin)")
	_ = fs.Parse(args)

	if *file == "" {
		return errors.New("--file is required")
	}
	in := os.Stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	spans, err := readSpanBatch(in)
	if err != nil {
		return err
	}
	if err := c.ReportSpans(ctx, spans); err != nil {
		return err
	}
	fmt.Printf("reported %d spans\n", len(spans))
	return nil
}

func handleLog(ctx context.Context, c *client.Client, args []string) error {
	fs := pflag.NewFlagSet("log", pflag.ExitOnError)
	spanID := fs.String("span", "", "Span id (required)")
	_ = fs.Parse(args)

	if *spanID == "" || fs.NArg() == 0 {
		return errors.New("usage: ollyctl log --span ID MESSAGE...")
	}
	logs := make([]client.LogEntry, fs.NArg())
	now := time.Now().UTC()
	for i, msg := range fs.Args() {
		logs[i] = client.LogEntry{SpanID: *spanID, Timestamp: now, Message: msg}
	}
	if err := c.ReportLogs(ctx, logs); err != nil {
		return err
	}
	fmt.Printf("attached %d log lines to %s\n", len(logs), *spanID)
	return nil
}

func handleRegister(ctx context.Context, c *client.Client, args []string) error {
	fs := pflag.NewFlagSet("register", pflag.ExitOnError)
	blobURL := fs.String("blob-url", "", "Location of the test artifact (required)")
	metadata := fs.String("metadata", "", "Optional JSON metadata")
	_ = fs.Parse(args)

	if *blobURL == "" {
		return errors.New("--blob-url is required")
	}
	var raw json.RawMessage
	if *metadata != "" {
		raw = json.RawMessage(*metadata)
		if !json.Valid(raw) {
			return errors.New("--metadata must be valid JSON")
		}
	}
	id, err := c.RegisterTest(ctx, *blobURL, raw)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func handleAddVersion(ctx context.Context, c *client.Client, args []string) error {
	fs := pflag.NewFlagSet("add-version", pflag.ExitOnError)
	regID := fs.Int32("registration", 0, "Test registration id (required)")
	name := fs.String("name", "", "Version name (required)")
	ver := fs.Int64("version", 0, "Version number (required)")
	_ = fs.Parse(args)

	if *regID <= 0 || *name == "" || *ver <= 0 {
		return errors.New("--registration, --name and --version are required")
	}
	id, err := c.CreateTestVersion(ctx, *regID, *name, strconv.FormatInt(*ver, 10))
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func handleQueueTest(ctx context.Context, c *client.Client, args []string) error {
	fs := pflag.NewFlagSet("queue-test", pflag.ExitOnError)
	session := fs.Int64("session", 0, "Session id (required)")
	testID := fs.Int64("test-id", 0, "Test registration id (required)")
	ver := fs.Int64("version", 0, "Test version (required)")
	input := fs.String("input", "", "Test input; @path reads a file")
	_ = fs.Parse(args)

	if *session <= 0 || *testID <= 0 || *ver <= 0 {
		return errors.New("--session, --test-id and --version are required")
	}
	payload := []byte(*input)
	if len(*input) > 1 && (*input)[0] == '@' {
		b, err := os.ReadFile((*input)[1:])
		if err != nil {
			return err
		}
		payload = b
	}
	err := c.QueueTest(ctx, client.TestExecutionRequest{
		SessionID:        *session,
		VersionedTest:    &client.VersionedTest{ID: *testID, Version: *ver},
		RequestTimestamp: time.Now().UTC(),
		TestInput:        payload,
	})
	if err != nil {
		return err
	}
	fmt.Println("queued")
	return nil
}

func handleClaim(ctx context.Context, c *client.Client, args []string) error {
	fs := pflag.NewFlagSet("claim", pflag.ExitOnError)
	worker := fs.String("worker", "", "Worker id (default: hostname)")
	_ = fs.Parse(args)

	if *worker == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("--worker not set and hostname unavailable: %w", err)
		}
		*worker = host
	}
	q, ok, err := c.ClaimTest(ctx, *worker)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("queue is empty")
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(q)
}

func handleFinish(ctx context.Context, c *client.Client, args []string) error {
	fs := pflag.NewFlagSet("finish", pflag.ExitOnError)
	queueID := fs.Int64("queue-id", 0, "Queue entry id (required)")
	worker := fs.String("worker", "", "Worker id that claimed the entry (required)")
	status := fs.String("status", client.StatusCompleted, "completed, failed or abandoned")
	_ = fs.Parse(args)

	if *queueID <= 0 || *worker == "" {
		return errors.New("--queue-id and --worker are required")
	}
	if err := c.FinishTest(ctx, *queueID, *worker, *status); err != nil {
		return err
	}
	fmt.Printf("entry %d marked %s\n", *queueID, *status)
	return nil
}

func handleTrace(ctx context.Context, c *client.Client, args []string) error {
	fs := pflag.NewFlagSet("trace", pflag.ExitOnError)
	asTable := fs.Bool("table", false, "Print a flat table instead of a tree")
	withLogs := fs.Bool("logs", false, "Also print log lines attached to the trace")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		return errors.New("usage: ollyctl trace [--table] [--logs] TRACE_ID")
	}
	var opts []client.TraceOption
	if *withLogs {
		opts = append(opts, client.WithLogs())
	}
	tr, err := c.GetTrace(ctx, fs.Arg(0), opts...)
	if err != nil {
		return err
	}
	defer printLogs(tr.Logs)

	if *asTable {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPARENT\tOPERATION\tSTART\tDURATION")
		for _, s := range tr.Spans {
			dur := "open"
			if s.EndTimestamp != nil {
				dur = s.EndTimestamp.Sub(s.StartTimestamp).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.ParentID, s.OperationName,
				s.StartTimestamp.Format(time.RFC3339Nano), dur)
		}
		return w.Flush()
	}

	forest := trace.BuildForest(toModelSpans(tr.Spans))
	fmt.Print(forest.String())
	if len(forest.Detached) > 0 {
		fmt.Printf("%d spans form a parent cycle and are not shown\n", len(forest.Detached))
	}
	return nil
}

func printLogs(logs []client.LogEntry) {
	if len(logs) == 0 {
		return
	}
	fmt.Println()
	for _, l := range logs {
		fmt.Printf("%s  %s  %s\n", l.Timestamp.Format(time.RFC3339Nano), l.SpanID, l.Message)
	}
}

func handleShowTest(ctx context.Context, c *client.Client, args []string) error {
	fs := pflag.NewFlagSet("show-test", pflag.ExitOnError)
	regID := fs.Int32("registration", 0, "Test registration id (required)")
	ver := fs.String("version", "", "Only show this version")
	_ = fs.Parse(args)

	if *regID <= 0 {
		return errors.New("--registration is required")
	}
	test, err := c.GetTest(ctx, *regID, *ver)
	if err != nil {
		return err
	}
	fmt.Printf("registration %d  %s\n", test.Registration.ID, test.Registration.BlobURL)
	if len(test.Registration.Metadata) > 0 {
		fmt.Printf("metadata %s\n", test.Registration.Metadata)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tVERSION\tCREATED")
	for _, v := range test.Versions {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", v.ID, v.Name, v.Version, v.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func printHelp() {
	fmt.Println(`ollyctl - client for the ollyllm span and test queue service

Usage:
  ollyctl [global flags] <subcommand> [flags]

Subcommands:
  demo           Report one span and queue one test execution
  report-spans   Report a YAML batch of spans (--file)
  log            Attach log lines to a span
  register       Register a test artifact, prints its id
  add-version    Add a version to a registration, prints its id
  queue-test     Queue a test execution
  claim          Claim the oldest queued test
  finish         Record the outcome of a claimed test
  trace          Print a trace as a tree (--logs adds its log lines)
  show-test      Show a registration and its versions

Global flags:`)
	pflag.PrintDefaults()
}
