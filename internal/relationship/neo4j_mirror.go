package relationship

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	neo4jconfig "github.com/neo4j/neo4j-go-driver/v5/neo4j/config"
	"github.com/sirupsen/logrus"

	"episodic-memory/internal/types"
)

// Neo4jMirror mirrors the relationship graph into Neo4j for downstream
// visualisation. It is strictly best-effort: mirror failures are logged
// and never propagate, and nothing in the core reads the mirror back.
type Neo4jMirror struct {
	driver  neo4j.DriverWithContext
	log     *logrus.Logger
	timeout time.Duration
}

// NewNeo4jMirror connects to the Neo4j instance at uri. Returns an error
// when the instance is unreachable so the caller can decide to run
// without the mirror.
func NewNeo4jMirror(uri, username, password string, log *logrus.Logger) (*Neo4jMirror, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	timeout := 5 * time.Second

	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
		func(cfg *neo4jconfig.Config) {
			cfg.MaxConnectionPoolSize = 10
			cfg.ConnectionAcquisitionTimeout = timeout
			cfg.SocketConnectTimeout = timeout
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify neo4j connectivity: %w", err)
	}

	return &Neo4jMirror{driver: driver, log: log, timeout: timeout}, nil
}

// MirrorEdge upserts both episode nodes and the typed edge
func (m *Neo4jMirror) MirrorEdge(rel *types.Relationship) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	session := m.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx) //nolint:errcheck

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		_, err := tx.Run(ctx, `
			MERGE (a:Episode {id: $from})
			MERGE (b:Episode {id: $to})
			MERGE (a)-[r:RELATES {type: $type}]->(b)
			SET r.created_at = $created_at
		`, map[string]interface{}{
			"from":       rel.FromEpisodeID,
			"to":         rel.ToEpisodeID,
			"type":       string(rel.Type),
			"created_at": rel.CreatedAt.UnixMilli(),
		})
		return nil, err
	})
	if err != nil {
		m.log.WithError(err).Warn("failed to mirror relationship to neo4j")
	}
}

// RemoveEdge deletes the mirrored edge
func (m *Neo4jMirror) RemoveEdge(from, to string, relType types.RelationType) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	session := m.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx) //nolint:errcheck

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		_, err := tx.Run(ctx, `
			MATCH (a:Episode {id: $from})-[r:RELATES {type: $type}]->(b:Episode {id: $to})
			DELETE r
		`, map[string]interface{}{
			"from": from,
			"to":   to,
			"type": string(relType),
		})
		return nil, err
	})
	if err != nil {
		m.log.WithError(err).Warn("failed to remove mirrored relationship from neo4j")
	}
}

// Close releases the driver
func (m *Neo4jMirror) Close(ctx context.Context) error {
	return m.driver.Close(ctx)
}
