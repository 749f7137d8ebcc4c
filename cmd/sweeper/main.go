package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	config "huddle/configs"
	"huddle/pkg/coordination"
	"huddle/pkg/coordination/etcd"
	"huddle/pkg/logger"
	"huddle/pkg/storage"
	"huddle/pkg/storage/postgres"
	"huddle/pkg/sweeper"
)

func main() {
	cfg := config.LoadConfig()

	log, err := logger.Init(logger.DefaultConfig("huddle-sweeper"))
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	// Postgres
	connStr := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)
	store, err := postgres.NewStore(connStr)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer store.Close()
	log.Info("postgres connected")

	// Leader election keeps replicated sweepers from double-sweeping.
	var coord coordination.Coordinator
	if len(cfg.EtcdEndpoints) > 0 && cfg.EtcdEndpoints[0] != "" {
		etcdCoord, err := etcd.NewEtcdCoordinator(cfg.EtcdEndpoints, cfg.LeaderElectionTTL)
		if err != nil {
			log.Fatal("failed to connect to etcd", zap.Error(err))
		}
		defer etcdCoord.Close()
		coord = etcdCoord
		log.Info("etcd connected")
	}

	// Closed-round snapshots go to S3 when a bucket is configured, local
	// disk otherwise.
	var archive storage.Archive
	if cfg.ArchiveBucket != "" {
		archive, err = storage.NewS3Archive(storage.S3ArchiveConfig{
			Bucket: cfg.ArchiveBucket,
			Region: cfg.ArchiveRegion,
		})
		if err != nil {
			log.Fatal("failed to initialize s3 archive", zap.Error(err))
		}
	} else {
		archive, err = storage.NewLocalArchive(cfg.ArchiveDir)
		if err != nil {
			log.Fatal("failed to initialize local archive", zap.Error(err))
		}
	}

	host, _ := os.Hostname()
	sw := sweeper.New(store, archive, coord, log, sweeper.Config{
		Schedule:   cfg.SweepSchedule,
		InstanceID: host,
	})

	if err := sw.Run(ctx); err != nil {
		log.Fatal("sweeper failed", zap.Error(err))
	}
	log.Info("shutdown complete")
}
