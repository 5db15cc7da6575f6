// Package neo4j connects the agent to a Neo4j mirror of the transaction
// graph: read-only Cypher execution for the graph backend and idempotent
// upserts for ingestion.
package neo4j

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-agent/internal/config"
)

const (
	connectTimeout = 10 * time.Second
	maxPoolSize    = 50
)

// Client owns the driver. It is shared by Backend and Mirror.
type Client struct {
	driver   neo4j.DriverWithContext
	database string
	id       string
	log      zerolog.Logger
}

// Open creates a driver for cfg and verifies connectivity.
func Open(ctx context.Context, cfg *config.Neo4jConfig, log zerolog.Logger) (*Client, error) {
	user := strings.TrimSpace(cfg.Username)
	if user == "" {
		user = "neo4j"
	}
	auth := neo4j.BasicAuth(user, cfg.Password, "")
	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth, func(c *neo4j.Config) {
		c.MaxConnectionPoolSize = maxPoolSize
		c.SocketConnectTimeout = connectTimeout
	})
	if err != nil {
		return nil, fmt.Errorf("Open: init driver: %w", err)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("Open: verify connectivity: %w", err)
	}

	id := cfg.ID
	if id == "" {
		id = "neo4j"
	}
	return &Client{
		driver:   driver,
		database: cfg.Database,
		id:       id,
		log:      log.With().Str("client", "neo4j").Logger(),
	}, nil
}

func (c *Client) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return c.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: c.database,
	})
}

// Backend returns the read-only Cypher backend over this client.
func (c *Client) Backend() *Backend {
	return &Backend{client: c}
}

// Mirror returns the ingestion mirror over this client.
func (c *Client) Mirror() *Mirror {
	return &Mirror{client: c, batchSize: defaultBatchSize}
}

func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.driver == nil {
		return nil
	}
	return c.driver.Close(ctx)
}

