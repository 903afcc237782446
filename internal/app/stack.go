// Package app connects the configured backends. Each backend falls back to
// an in-process implementation when it is not configured or unreachable.
package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/config"
	"github.com/nidhogg/fairloop/internal/embedding"
	"github.com/nidhogg/fairloop/internal/graph"
	"github.com/nidhogg/fairloop/internal/memory"
	"github.com/nidhogg/fairloop/internal/rag"
	"github.com/nidhogg/fairloop/internal/vectorstore"
)

const dialTimeout = 10 * time.Second

// Stack holds the knowledge backends shared by the server and the ingester.
type Stack struct {
	Memory   memory.Store
	Graph    graph.Client
	Embedder embedding.Provider
	// Index is nil when Qdrant is not configured.
	Index *rag.ExemplarIndex
	// Redis is nil when memory is held in process.
	Redis *memory.Redis

	closers []func(context.Context)
	logger  *zap.Logger
}

// Open connects every backend named in cfg. Only an invalid embedding
// configuration is fatal.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Stack, error) {
	s := &Stack{logger: logger}

	embedder, err := embedding.New(cfg.Embedding, logger)
	if err != nil {
		return nil, err
	}
	s.Embedder = embedder

	s.Memory = s.openMemory(ctx, cfg)
	s.Graph = s.openGraph(ctx, cfg)
	if err := graph.SeedSensitiveAttributes(ctx, s.Graph); err != nil {
		logger.Warn("failed to seed sensitive attributes", zap.Error(err))
	}
	s.Index = s.openIndex(ctx, cfg)
	return s, nil
}

func (s *Stack) openMemory(ctx context.Context, cfg *config.Config) memory.Store {
	policy := cfg.Controller.DependencyRetry.Policy()
	if url := cfg.Database.Redis.URL; url != "" {
		dctx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		rdb, err := memory.DialRedis(dctx, url, s.logger)
		if err == nil {
			s.Redis = rdb
			s.closers = append(s.closers, func(context.Context) { _ = rdb.Close() })
			s.logger.Info("memory store on redis")
			return memory.NewRetrying(rdb, policy, s.logger)
		}
		s.logger.Warn("Redis unavailable, holding memory in process", zap.Error(err))
	}
	return memory.NewInMemory(s.logger)
}

func (s *Stack) openGraph(ctx context.Context, cfg *config.Config) graph.Client {
	nc := cfg.Database.Neo4j
	if nc.URI == "" {
		return graph.NewInMemory(s.logger)
	}
	g, err := graph.NewNeo4j(nc.URI, nc.User, nc.Password, s.logger)
	if err != nil {
		s.logger.Warn("Neo4j unavailable, holding graph in process", zap.Error(err))
		return graph.NewInMemory(s.logger)
	}
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := g.Ping(dctx); err != nil {
		s.logger.Warn("Neo4j unavailable, holding graph in process", zap.Error(err))
		_ = g.Close(ctx)
		return graph.NewInMemory(s.logger)
	}
	if err := g.EnsureSchema(dctx); err != nil {
		s.logger.Warn("failed to ensure neo4j schema", zap.Error(err))
	}
	s.closers = append(s.closers, func(ctx context.Context) { _ = g.Close(ctx) })
	s.logger.Info("knowledge graph on neo4j")
	return g
}

func (s *Stack) openIndex(ctx context.Context, cfg *config.Config) *rag.ExemplarIndex {
	qc := cfg.Database.Qdrant
	if qc.Host == "" {
		return nil
	}
	client, err := vectorstore.NewClient(qc)
	if err != nil {
		s.logger.Warn("Qdrant unavailable, scoring without exemplars", zap.Error(err))
		return nil
	}
	index := rag.NewExemplarIndex(s.Embedder, client, qc.Collection, s.logger)
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := index.Init(dctx); err != nil {
		s.logger.Warn("Qdrant unavailable, scoring without exemplars", zap.Error(err))
		_ = client.Close()
		return nil
	}
	s.closers = append(s.closers, func(context.Context) { _ = client.Close() })
	s.logger.Info("exemplar index on qdrant", zap.String("host", qc.Host))
	return index
}

// Close releases every connection in reverse order of opening.
func (s *Stack) Close(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i](ctx)
	}
	s.closers = nil
}
