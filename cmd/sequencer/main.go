package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"romer_sequencer/internal/config"
	"romer_sequencer/internal/model"
	"romer_sequencer/internal/protocol/session"
	"romer_sequencer/internal/repository/block"
	"romer_sequencer/internal/repository/participant"
	"romer_sequencer/internal/repository/tip"
	"romer_sequencer/internal/service/chain"
	"romer_sequencer/internal/service/ops"
	"romer_sequencer/internal/service/publish"
	redisSvc "romer_sequencer/internal/service/redis"
	"romer_sequencer/internal/service/server"
	"romer_sequencer/internal/utils/log"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const drainTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if err := log.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		log.Error("sequencer stopped", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
	log.Info("sequencer stopped")
	log.Sync()
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var db *mongo.Database
	if cfg.Storage.Driver == "mongo" {
		client, err := initMongo(ctx, cfg.Storage.MongoURI)
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		defer client.Disconnect(context.Background())
		db = client.Database(cfg.Storage.MongoDB)
	}

	store, err := openStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer store.Close()

	auth := session.NewAuthenticator()
	if err := loadParticipants(ctx, cfg, db, auth); err != nil {
		return err
	}

	builder := chain.NewBuilder()
	head, err := store.Tip(ctx)
	switch {
	case err == nil:
		builder.Resume(head)
		log.Info("resuming chain", zap.Uint64("tip", head.Header.ID), zap.String("hash", head.Hash))
	case errors.Is(err, block.ErrNotFound):
		log.Info("starting new chain")
	default:
		return fmt.Errorf("read chain tip: %w", err)
	}

	messages := make(chan *model.ValidatedMessage, cfg.Session.ChannelSize)
	batches := make(chan *model.MessageBatch, cfg.Batch.ChannelSize)

	manager := session.NewManager(auth, messages, session.ManagerConfig{
		SweepInterval:  cfg.Session.SweepInterval,
		ForwardTimeout: cfg.Session.ForwardTimeout,
	})
	batcher := chain.NewBatchManager(batches, chain.BatchConfig{
		MaxSize:      cfg.Batch.MaxSize,
		MaxAge:       cfg.Batch.MaxAge,
		TickInterval: cfg.Batch.TickInterval,
	})
	srv := server.NewServer(server.Config{
		Addr:           cfg.Network.Addr(),
		MaxConnections: cfg.Network.MaxConnections,
		IdleTimeout:    cfg.Network.IdleTimeout,
		MaxMessageSize: cfg.Network.MaxMessageSize,
		ReadBufferSize: cfg.Network.ReadBufferSize,
		OutboxSize:     cfg.Network.OutboxSize,
		RateLimit:      cfg.Network.RateLimit,
		RateBurst:      cfg.Network.RateBurst,
		CompID:         cfg.Session.CompID,
		BeginString:    cfg.Session.BeginString,
		MinHeartbeat:   cfg.Session.MinHeartbeat,
		MaxHeartbeat:   cfg.Session.MaxHeartbeat,
		MaxClockSkew:   cfg.Session.MaxClockSkew,
	}, manager, auth)

	hub := ops.NewHub()
	opsSrv := ops.NewHttpServer(cfg.Ops.Addr, manager, srv, store, hub)

	sealer := chain.NewSealer(builder, store)
	sealer.AddFeed("websocket", hub)

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redisService := redisSvc.NewRedis(rdb)
		defer redisService.Close()
		if err := redisService.Ping(ctx); err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		tips := tip.NewTipRepo(redisService)
		sealer.AddFeed("redis", tips)
		opsSrv.SetRecent(tips)
	}

	if cfg.NATS.Enabled {
		pub, err := publish.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			return err
		}
		defer pub.Close()
		sealer.AddFeed("nats", pub)
	}

	// bind before starting anything so a taken port fails the process
	ln, err := net.Listen("tcp", cfg.Network.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Network.Addr(), err)
	}

	ingestCtx, cancelIngest := context.WithCancel(ctx)
	defer cancelIngest()

	sealErr := make(chan error, 1)
	go func() {
		err := sealer.Run(context.Background(), batches)
		if err != nil {
			cancelIngest()
		}
		sealErr <- err
	}()

	g, gctx := errgroup.WithContext(ingestCtx)
	g.Go(func() error { return srv.Serve(gctx, ln) })
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return batcher.Consume(gctx, messages) })
	g.Go(func() error { return batcher.Run(gctx) })
	if cfg.Ops.Enabled {
		g.Go(func() error { return opsSrv.Run(gctx) })
	}

	log.Info("sequencer started",
		zap.String("fix", cfg.Network.Addr()),
		zap.String("comp_id", cfg.Session.CompID),
		zap.Int("participants", auth.Len()),
		zap.String("storage", cfg.Storage.Driver))

	runErr := g.Wait()

	// nothing sends on messages once the listener and sweeper are down
	close(messages)
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := batcher.Consume(drainCtx, messages); err != nil {
		log.Error("drain messages failed", zap.Error(err))
	}
	if err := batcher.Flush(drainCtx); err != nil {
		log.Error("final flush failed", zap.Error(err))
	}
	close(batches)

	if err := <-sealErr; err != nil {
		return fmt.Errorf("sealer: %w", err)
	}
	return runErr
}

func openStore(ctx context.Context, cfg *config.Config, db *mongo.Database) (block.Store, error) {
	switch cfg.Storage.Driver {
	case "mongo":
		s := block.NewMongoStore(db)
		if err := s.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("mongo block indexes: %w", err)
		}
		return s, nil
	default:
		s, err := block.OpenPebble(cfg.Storage.PebblePath)
		if err != nil {
			return nil, fmt.Errorf("open pebble %s: %w", cfg.Storage.PebblePath, err)
		}
		return s, nil
	}
}

// loadParticipants registers every known logon key: the static file first,
// then the mongo registry when one is configured.
func loadParticipants(ctx context.Context, cfg *config.Config, db *mongo.Database, auth *session.Authenticator) error {
	if path := cfg.Session.ParticipantsFile; path != "" {
		list, err := participant.LoadFile(path)
		if err != nil {
			return err
		}
		for _, p := range list {
			if err := auth.RegisterKey(p.SenderID, p.PublicKey); err != nil {
				return fmt.Errorf("register %s: %w", p.SenderID, err)
			}
		}
	}

	if db != nil {
		repo := participant.NewParticipantRepo(db)
		if err := repo.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("participant indexes: %w", err)
		}
		list, err := repo.List(ctx)
		if err != nil {
			return fmt.Errorf("list participants: %w", err)
		}
		for _, p := range list {
			if err := auth.RegisterKey(p.SenderID, p.PublicKey); err != nil {
				return fmt.Errorf("register %s: %w", p.SenderID, err)
			}
		}
	}

	if auth.Len() == 0 {
		log.Warn("no participants registered, every logon will be refused")
	}
	return nil
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
