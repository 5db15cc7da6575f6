package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dvloznov/finance-agent/internal/agent"
	"github.com/dvloznov/finance-agent/internal/config"
	infraBQ "github.com/dvloznov/finance-agent/internal/infra/bigquery"
	"github.com/dvloznov/finance-agent/internal/logger"
)

// ingest copies transactions out of the BigQuery warehouse into the graph
// engine and every configured mirror (Neo4j, Qdrant). With -file it instead
// loads a JSON file of transactions into the warehouse table.
func main() {
	// Initialize structured logger
	log := logger.New()

	// Parse CLI flags
	var (
		configPath = flag.String("config", os.Getenv("AGENT_CONFIG"), "Path to YAML config file (or set AGENT_CONFIG env)")
		days       = flag.Int("days", 90, "Sync transactions from the last N days")
		startStr   = flag.String("start", "", "Start date YYYY-MM-DD, overrides -days")
		endStr     = flag.String("end", "", "End date YYYY-MM-DD (default today)")
		file       = flag.String("file", "", "Load this JSON file into BigQuery instead of syncing")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	rc := cfg.Backends.Relational
	if rc == nil || rc.Driver != "bigquery" {
		log.Fatal().Msg("Error: backends.relational must use the bigquery driver")
	}

	// Create context with timeout so CLI doesn't hang
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	// Add logger to context
	ctx = logger.WithContext(ctx, log)

	warehouse, err := infraBQ.Open(ctx, rc)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open BigQuery")
	}
	defer warehouse.Close()

	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open file")
		}
		records, err := agent.DecodeRecords(f)
		f.Close()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to decode transactions")
		}
		if err := warehouse.InsertTransactions(ctx, records); err != nil {
			log.Fatal().Err(err).Msg("Load failed")
		}
		fmt.Printf("Loaded %d transactions into BigQuery.\n", len(records))
		return
	}

	end := time.Now().UTC()
	if *endStr != "" {
		if end, err = time.Parse("2006-01-02", *endStr); err != nil {
			log.Fatal().Err(err).Msg("Invalid -end")
		}
	}
	start := end.AddDate(0, 0, -*days)
	if *startStr != "" {
		if start, err = time.Parse("2006-01-02", *startStr); err != nil {
			log.Fatal().Err(err).Msg("Invalid -start")
		}
	}

	log.Info().Time("start", start).Time("end", end).Msg("Starting sync")

	records, err := warehouse.QueryTransactionsByDateRange(ctx, start, end)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read transactions")
	}

	svc, err := agent.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build agent")
	}
	defer svc.Close(ctx)

	res, err := svc.Ingester.Ingest(ctx, records)
	if err != nil {
		log.Error().Err(err).Msg("Ingestion failed")
		return
	}

	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
	fmt.Println("Sync completed successfully.")
}
