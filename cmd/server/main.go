package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/npezzotti/boardchat/internal/api"
	"github.com/npezzotti/boardchat/internal/config"
	"github.com/npezzotti/boardchat/internal/database"
	"github.com/npezzotti/boardchat/internal/events"
	"github.com/npezzotti/boardchat/internal/fanout"
	"github.com/npezzotti/boardchat/internal/logging"
	"github.com/npezzotti/boardchat/internal/server"
	"github.com/npezzotti/boardchat/internal/stats"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var configPath string

func main() {
	flag.StringVar(&configPath, "config", "", "path to a YAML config file; BOARDCHAT_* environment variables override it")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		l := logging.L()
		l.Fatal().Err(err).Msg("config")
	}

	logger := logging.Init(cfg.Log)

	db, err := openRepository(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("store", cfg.Store).Msg("db open")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error().Err(err).Msg("db close")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	opts := []server.Option{server.WithSendRate(cfg.Chat.SendRate, cfg.Chat.SendBurst)}

	var redisFanout *fanout.RedisFanout
	if cfg.Fanout == config.FanoutRedis {
		client, err := fanout.Dial(ctx, fanout.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		})
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis")
		}
		defer client.Close()

		redisFanout = fanout.NewRedisFanout(client, cfg.Redis.Channel, logger)
		opts = append(opts, server.WithFanout(redisFanout))
	}

	if len(cfg.Kafka.Brokers) > 0 {
		publisher := events.NewKafkaPublisher(events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger), logger)
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Error().Err(err).Msg("kafka close")
			}
		}()
		opts = append(opts, server.WithEventSink(publisher))
	}

	chatServer, err := server.NewChatServer(logger, db, statsUpdater, opts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("new chat server")
	}

	srv := api.NewGoChatApp(mux, logger, chatServer, db, cfg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		chatServer.Run()
		return nil
	})

	if redisFanout != nil {
		g.Go(func() error {
			return redisFanout.Run(gctx, chatServer.Dispatcher())
		})
	}

	g.Go(func() error {
		// hold connections until this node receives the fanout channel
		if redisFanout != nil {
			select {
			case <-redisFanout.Ready():
			case <-gctx.Done():
				return nil
			}
		}
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := chatServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
	logger.Info().Msg("shutdown complete")
}

func openRepository(cfg *config.Config, logger zerolog.Logger) (database.ChatRepository, error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn().Msg("using in-memory store, messages are lost on restart")
		db, err := seededMemoryRepository()
		if err != nil {
			return nil, err
		}
		return db, nil
	}

	db, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}

	if cfg.Migrate {
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, err
		}
		logger.Info().Msg("migrations applied")
	}
	return db, nil
}

// seededMemoryRepository holds a small demo board. Every demo account uses
// the password "password".
func seededMemoryRepository() (*database.MemoryChatRepository, error) {
	hash, err := api.HashPassword("password")
	if err != nil {
		return nil, err
	}

	db := database.NewMemoryChatRepository()
	db.AddUser(database.User{Id: 1, Name: "alice", EmailAddress: "alice@example.com", PasswordHash: hash})
	db.AddUser(database.User{Id: 2, Name: "bob", EmailAddress: "bob@example.com", PasswordHash: hash})
	db.AddUser(database.User{Id: 3, Name: "carol", EmailAddress: "carol@example.com", PasswordHash: hash})
	db.AddProject(database.Project{Id: 1, Title: "Website relaunch", OwnerId: 1}, 2)
	db.AddProject(database.Project{Id: 2, Title: "Mobile app", OwnerId: 2}, 3)
	return db, nil
}
