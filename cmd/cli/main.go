package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-agent/internal/agent"
	"github.com/dvloznov/finance-agent/internal/config"
	"github.com/dvloznov/finance-agent/internal/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "ask":
		runAsk()
	case "direct":
		runDirect()
	case "schema":
		runSchema()
	case "ingest":
		runIngest()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Finance Agent CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  ask       Ask a question in plain English")
	fmt.Println("  direct    Run a native query against one backend")
	fmt.Println("  schema    Print the schema of every configured backend")
	fmt.Println("  ingest    Load transactions from a JSON file")
	fmt.Println("  help      Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

// setup parses the shared flags and builds the agent. The caller must Close
// the returned service.
func setup(fs *flag.FlagSet) (*agent.Service, zerolog.Logger, context.Context) {
	configPath := fs.String("config", os.Getenv("AGENT_CONFIG"), "Path to YAML config file (or set AGENT_CONFIG env)")
	verbose := fs.Bool("v", false, "Log at debug level")
	fs.Parse(os.Args[2:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		lg := logger.New()
		lg.Fatal().Err(err).Msg("Failed to load config")
	}
	level := "warn"
	if *verbose {
		level = "debug"
	}
	log := logger.NewWithOptions(logger.Options{Level: level, Out: os.Stderr})

	ctx := logger.WithContext(context.Background(), log)
	svc, err := agent.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build agent")
	}
	return svc, log, ctx
}

func runAsk() {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	backendPin := fs.String("backend", "", "Pin a backend kind or connection id")
	asJSON := fs.Bool("json", false, "Print the raw rows as JSON")
	svc, _, ctx := setup(fs)
	defer svc.Close(ctx)

	question := strings.Join(fs.Args(), " ")
	if question == "" {
		fmt.Fprintln(os.Stderr, "Usage: cli ask [-backend KIND] QUESTION...")
		os.Exit(2)
	}

	resp, err := svc.Agent.Ask(ctx, agent.Request{Query: question, DatabaseID: *backendPin, Timestamp: time.Now()})

	fmt.Println(resp.Interpretation.Narrative)
	if resp.Query != nil {
		fmt.Printf("\n[%s/%s] %s\n", resp.Query.Backend, resp.Query.Source, resp.Query.NativeText)
	}
	if *asJSON && len(resp.Result.Rows) > 0 {
		printJSON(resp.Result.Rows)
	}
	for _, f := range resp.Interpretation.FollowUps {
		fmt.Printf("  ? %s\n", f)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "\nerror: %s\n", resp.ErrorKind)
		svc.Close(ctx)
		os.Exit(1)
	}
}

func runDirect() {
	fs := flag.NewFlagSet("direct", flag.ExitOnError)
	connID := fs.String("connection", "", "Backend kind or connection id")
	params := fs.String("params", "", "Query parameters as a JSON object")
	svc, log, ctx := setup(fs)
	defer svc.Close(ctx)

	query := strings.Join(fs.Args(), " ")
	if *connID == "" || query == "" {
		fmt.Fprintln(os.Stderr, "Usage: cli direct -connection ID [-params JSON] QUERY...")
		os.Exit(2)
	}

	var p map[string]any
	if *params != "" {
		if err := json.Unmarshal([]byte(*params), &p); err != nil {
			log.Fatal().Err(err).Msg("Invalid -params")
		}
	}

	res := svc.Agent.Direct(ctx, agent.DirectRequest{ConnectionID: *connID, Query: query, Params: p})
	printJSON(res)
	if !res.Success {
		svc.Close(ctx)
		os.Exit(1)
	}
}

func runSchema() {
	fs := flag.NewFlagSet("schema", flag.ExitOnError)
	svc, log, ctx := setup(fs)
	defer svc.Close(ctx)

	schemas, failures := svc.Agent.Schemas(ctx)
	for kind, err := range failures {
		log.Error().Err(err).Str("backend", string(kind)).Msg("Schema unavailable")
	}
	printJSON(schemas)
}

func runIngest() {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	file := fs.String("file", "", "Path to a JSON file of transactions")
	svc, log, ctx := setup(fs)
	defer svc.Close(ctx)

	if *file == "" {
		log.Fatal().Msg("Error: --file is required")
	}

	f, err := os.Open(*file)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open file")
	}
	defer f.Close()

	records, err := agent.DecodeRecords(f)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to decode transactions")
	}

	res, err := svc.Ingester.Ingest(ctx, records)
	if err != nil {
		log.Fatal().Err(err).Msg("Ingestion failed")
	}
	printJSON(res)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
	}
}
