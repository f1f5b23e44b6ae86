package cli

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/BartekS5/etlrunner/internal/config"
	"github.com/BartekS5/etlrunner/internal/etl"
	"github.com/BartekS5/etlrunner/pkg/database"
	"github.com/BartekS5/etlrunner/pkg/models"
)

// Connections opens each backend the first time a stage needs it and closes
// whatever was opened. It is safe for use by concurrent stage attempts.
type Connections struct {
	cfg *config.Config

	mu    sync.Mutex
	pg    *pgxpool.Pool
	mssql *sql.DB
	mongo *mongo.Client
	redis *redis.Client
}

func NewConnections(cfg *config.Config) *Connections {
	return &Connections{cfg: cfg}
}

func (c *Connections) Postgres(ctx context.Context) (*pgxpool.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pg != nil {
		return c.pg, nil
	}
	url, err := c.cfg.RequirePostgres()
	if err != nil {
		return nil, err
	}
	if c.pg, err = database.ConnectPostgres(ctx, url); err != nil {
		return nil, err
	}
	return c.pg, nil
}

func (c *Connections) SQLServer(ctx context.Context) (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mssql != nil {
		return c.mssql, nil
	}
	conn, err := c.cfg.RequireSQLServer()
	if err != nil {
		return nil, err
	}
	if c.mssql, err = database.ConnectSQL(ctx, conn); err != nil {
		return nil, err
	}
	return c.mssql, nil
}

func (c *Connections) Mongo(ctx context.Context) (*mongo.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mongo != nil {
		return c.mongo, nil
	}
	conn, err := c.cfg.RequireMongo()
	if err != nil {
		return nil, err
	}
	if c.mongo, err = database.ConnectMongo(ctx, conn); err != nil {
		return nil, err
	}
	return c.mongo, nil
}

func (c *Connections) Redis(ctx context.Context) (*redis.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.redis != nil {
		return c.redis, nil
	}
	url, err := c.cfg.RequireRedis()
	if err != nil {
		return nil, err
	}
	if c.redis, err = database.ConnectRedis(ctx, url); err != nil {
		return nil, err
	}
	return c.redis, nil
}

// Minio returns the object store client and makes sure bucket exists.
func (c *Connections) Minio(ctx context.Context, bucket string) (*minio.Client, error) {
	m, err := c.cfg.RequireMinio()
	if err != nil {
		return nil, err
	}
	return database.ConnectMinio(ctx, m.Endpoint, m.AccessKey, m.SecretKey, m.UseSSL, bucket)
}

func (c *Connections) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pg != nil {
		c.pg.Close()
	}
	if c.mssql != nil {
		c.mssql.Close()
	}
	if c.mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.mongo.Disconnect(ctx)
	}
	if c.redis != nil {
		_ = c.redis.Close()
	}
}

// BuildStages turns a pipeline spec into runnable stages. No backend is
// contacted here: connections are opened by the stage attempt that needs them,
// so an unreachable source fails the stage and goes through the retry policy.
// Missing configuration is still reported up front. With dryRun set, load
// stages are built without a sink.
func BuildStages(spec *models.PipelineSpec, conns *Connections, dryRun bool) ([]etl.Stage, error) {
	transformer := etl.NewTransformer()
	stages := make([]etl.Stage, 0, len(spec.Stages))

	for _, st := range spec.Stages {
		var stage etl.Stage
		switch st.Kind {
		case models.KindExtract:
			ext, err := buildExtractor(st.Source, conns)
			if err != nil {
				return nil, fmt.Errorf("stage %s: %w", st.Name, err)
			}
			stage = etl.NewExtract(st.Name, ext)

		case models.KindTransform:
			fn, err := transformer.Chain(transformSteps(st.Transforms), etl.NewValidator(st.Required))
			if err != nil {
				return nil, fmt.Errorf("stage %s: %w", st.Name, err)
			}
			stage = etl.NewTransform(st.Name, st.From, fn)

		case models.KindLoad:
			dry := dryRun || st.DryRun
			var loader etl.Loader
			if !dry {
				var err error
				if loader, err = buildLoader(st.Sink, conns); err != nil {
					return nil, fmt.Errorf("stage %s: %w", st.Name, err)
				}
			}
			stage = etl.NewLoad(st.Name, st.From, loader, etl.DryRun(dry))

		default:
			return nil, fmt.Errorf("stage %s: unknown kind %q", st.Name, st.Kind)
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

// lazyExtractor opens its backend on every Extract call; Connections caches
// the client once a call succeeds.
func lazyExtractor(open func(ctx context.Context) (etl.Extractor, error)) etl.Extractor {
	return etl.ExtractorFunc(func(ctx context.Context) (etl.Rows, error) {
		ext, err := open(ctx)
		if err != nil {
			return nil, err
		}
		return ext.Extract(ctx)
	})
}

func lazyLoader(open func(ctx context.Context) (etl.Loader, error)) etl.Loader {
	return etl.LoaderFunc(func(ctx context.Context, rows etl.Rows) (int, error) {
		l, err := open(ctx)
		if err != nil {
			return 0, err
		}
		return l.Load(ctx, rows)
	})
}

func transformSteps(specs []models.TransformSpec) []etl.Step {
	steps := make([]etl.Step, len(specs))
	for i, t := range specs {
		steps[i] = etl.Step{
			Name: t.Name,
			Params: etl.Params{
				Columns: t.Columns,
				Target:  t.Target,
				Types:   t.Types,
				Format:  t.Format,
				Mapping: t.Mapping,
			},
		}
	}
	return steps
}

func buildExtractor(src *models.SourceSpec, conns *Connections) (etl.Extractor, error) {
	if src == nil {
		return nil, fmt.Errorf("source is required")
	}
	cfg := conns.cfg
	switch src.Type {
	case models.SourcePostgres:
		if _, err := cfg.RequirePostgres(); err != nil {
			return nil, err
		}
		return lazyExtractor(func(ctx context.Context) (etl.Extractor, error) {
			pool, err := conns.Postgres(ctx)
			if err != nil {
				return nil, err
			}
			return &etl.PostgresExtractor{DB: pool, Query: src.Query, Args: src.Args}, nil
		}), nil

	case models.SourceSQLServer:
		if _, err := cfg.RequireSQLServer(); err != nil {
			return nil, err
		}
		return lazyExtractor(func(ctx context.Context) (etl.Extractor, error) {
			db, err := conns.SQLServer(ctx)
			if err != nil {
				return nil, err
			}
			return &etl.SQLExtractor{DB: db, Query: src.Query, Args: src.Args}, nil
		}), nil

	case models.SourceMongo:
		if _, err := cfg.RequireMongo(); err != nil {
			return nil, err
		}
		dbName, err := mongoDatabase(src.Database, cfg)
		if err != nil {
			return nil, err
		}
		return lazyExtractor(func(ctx context.Context) (etl.Extractor, error) {
			client, err := conns.Mongo(ctx)
			if err != nil {
				return nil, err
			}
			return &etl.MongoExtractor{
				Client:     client,
				Database:   dbName,
				Collection: src.Collection,
				Filter:     bson.M(src.Filter),
				SortField:  src.Sort,
				Limit:      src.Limit,
			}, nil
		}), nil

	case models.SourceCSV:
		delim, _ := utf8.DecodeRuneInString(src.Delimiter)
		return &etl.CSVExtractor{Path: src.Path, Delimiter: delim, ArchiveDir: src.ArchiveDir}, nil
	}
	return nil, fmt.Errorf("unknown source type %q", src.Type)
}

func buildLoader(sink *models.SinkSpec, conns *Connections) (etl.Loader, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	cfg := conns.cfg
	switch sink.Type {
	case models.SinkPostgres:
		if _, err := cfg.RequirePostgres(); err != nil {
			return nil, err
		}
		return lazyLoader(func(ctx context.Context) (etl.Loader, error) {
			pool, err := conns.Postgres(ctx)
			if err != nil {
				return nil, err
			}
			return &etl.PostgresLoader{
				DB:            pool,
				Table:         sink.Table,
				Mode:          sink.Mode,
				Conflict:      sink.Conflict,
				ExcludeUpdate: sink.ExcludeUpdate,
				OnConflict:    sink.OnConflict,
				ChunkSize:     sink.ChunkSize,
			}, nil
		}), nil

	case models.SinkMongo:
		if _, err := cfg.RequireMongo(); err != nil {
			return nil, err
		}
		dbName, err := mongoDatabase(sink.Database, cfg)
		if err != nil {
			return nil, err
		}
		return lazyLoader(func(ctx context.Context) (etl.Loader, error) {
			client, err := conns.Mongo(ctx)
			if err != nil {
				return nil, err
			}
			return &etl.MongoLoader{Client: client, Database: dbName, Collection: sink.Collection, IDField: sink.IDField}, nil
		}), nil

	case models.SinkObjectStore:
		if _, err := cfg.RequireMinio(); err != nil {
			return nil, err
		}
		return lazyLoader(func(ctx context.Context) (etl.Loader, error) {
			client, err := conns.Minio(ctx, sink.Bucket)
			if err != nil {
				return nil, err
			}
			return &etl.ObjectLoader{Client: client, Bucket: sink.Bucket, Prefix: sink.Prefix}, nil
		}), nil

	case models.SinkFile:
		return &etl.FileLoader{Path: sink.Path}, nil
	}
	return nil, fmt.Errorf("unknown sink type %q", sink.Type)
}

func mongoDatabase(name string, cfg *config.Config) (string, error) {
	if name != "" {
		return name, nil
	}
	if cfg.MongoDatabase == "" {
		return "", fmt.Errorf("database is not set and MONGO_DATABASE: %w", config.ErrMissingEnv)
	}
	return cfg.MongoDatabase, nil
}

func buildCheckpointStore(ctx context.Context, spec models.CheckpointSpec, conns *Connections) (etl.CheckpointStore, error) {
	switch spec.Kind {
	case "":
		return nil, nil
	case models.CheckpointFile:
		return etl.FileCheckpointStore{Dir: spec.Dir}, nil
	case models.CheckpointRedis:
		client, err := conns.Redis(ctx)
		if err != nil {
			return nil, err
		}
		return etl.RedisCheckpointStore{Client: client, Prefix: spec.Prefix, TTL: spec.TTL}, nil
	}
	return nil, fmt.Errorf("unknown checkpoint kind %q", spec.Kind)
}
