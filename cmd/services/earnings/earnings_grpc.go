package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"canopy-ledger/config"
	"canopy-ledger/internal/database"
	"canopy-ledger/internal/services/earnings/commission"
	"canopy-ledger/internal/services/earnings/directory"
	"canopy-ledger/internal/services/earnings/grpcapi"
	"canopy-ledger/internal/services/earnings/handler"
	"canopy-ledger/internal/services/earnings/ingest"
	"canopy-ledger/internal/services/earnings/ledger"
	"canopy-ledger/internal/services/earnings/notify"
	"canopy-ledger/internal/services/earnings/settlement"
)

func main() {
	cfg := config.LoadConfig()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	db, err := database.NewConnection(cfg.DB.ConnectionString())
	if err != nil {
		log.Fatalf("Failed to connect to db: %v", err)
	}
	if err := database.MigrateEarningsDB(db); err != nil {
		log.Fatalf("Failed to migrate earnings database: %v", err)
	}

	redisClient := config.NewRedis(cfg.Redis)
	defer redisClient.Close()

	policy, err := commission.PolicyFromStrings(
		cfg.Earnings.DispensaryRate,
		cfg.Earnings.CreatorRate,
		cfg.Earnings.VideoBonusRate,
		cfg.Earnings.TribeBonusRate,
		cfg.Earnings.MinimumPayout,
	)
	if err != nil {
		log.Fatalf("Invalid commission policy: %v", err)
	}

	classes, err := commission.ParseClasses(cfg.Jobs.SweepClasses)
	if err != nil {
		log.Fatalf("Invalid sweep classes: %v", err)
	}

	store := ledger.NewGormStore(db)
	stats := handler.NewStatsHandler(store, redisClient, cfg.Earnings.StatsCacheTTL, logger)
	earningsLedger := ledger.New(ledger.Dependencies{
		Store:       store,
		Logger:      logger,
		AfterCommit: stats.InvalidateEarnerCaches,
	})

	var (
		achievements notify.AchievementNotifier = notify.LogSink{Logger: logger}
		deadLetters  notify.DeadLetterSink      = notify.LogSink{Logger: logger}
	)
	if len(cfg.Kafka.Brokers) > 0 {
		a, err := notify.NewKafkaAchievements(cfg.Kafka.Brokers, cfg.Kafka.AchievementTopic)
		if err != nil {
			log.Fatalf("Failed to create achievement publisher: %v", err)
		}
		defer a.Close()
		achievements = a

		d, err := notify.NewKafkaDeadLetters(cfg.Kafka.Brokers, cfg.Kafka.DeadLetterTopic)
		if err != nil {
			log.Fatalf("Failed to create dead letter publisher: %v", err)
		}
		defer d.Close()
		deadLetters = d
	}

	dir := directory.NewGormDirectory(db)
	ingestor := ingest.NewIngestor(ingest.Dependencies{
		Ledger:            earningsLedger,
		Policy:            policy,
		Dispensaries:      dir,
		Referrals:         dir,
		Orders:            dir,
		Campaigns:         dir,
		Achievements:      achievements,
		DeadLetters:       deadLetters,
		Logger:            logger,
		SideEffectTimeout: cfg.Earnings.SettlementTimeout,
	})
	dispatcher := ingest.NewDispatcher(ingestor, cfg.Server.IngestWorkers)

	jobs := settlement.NewJobs(settlement.Dependencies{
		Ledger:       earningsLedger,
		Policy:       policy,
		Checkpoint:   settlement.NewRedisCheckpoint(redisClient, 30*24*time.Hour),
		Logger:       logger,
		BatchSize:    cfg.Jobs.BatchSize,
		SweepClasses: classes,
	})
	scheduler, err := settlement.NewScheduler(jobs, cfg.Jobs.MonthlyResetSpec, cfg.Jobs.WeeklySweepSpec, logger)
	if err != nil {
		log.Fatalf("Invalid job schedule: %v", err)
	}

	lis, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}

	s := grpc.NewServer()
	grpcapi.RegisterOrderEventsServer(s, grpcapi.NewServer(ingestor))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(s, healthServer)
	healthServer.SetServingStatus(grpcapi.OrderEventsServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(s)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("Earnings worker listening on :%s", cfg.Server.GRPCPort)
		return s.Serve(lis)
	})
	if cfg.Server.RedisEventsOn {
		source := ingest.NewRedisSource(redisClient, dispatcher, logger)
		g.Go(func() error { return ignoreCanceled(source.Run(gctx)) })
	}
	if len(cfg.Kafka.Brokers) > 0 {
		consumer, err := ingest.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID,
			[]string{cfg.Kafka.OrderCreatedTopic, cfg.Kafka.OrderStatusTopic})
		if err != nil {
			log.Fatalf("Failed to create kafka consumer: %v", err)
		}
		defer consumer.Close()
		worker := ingest.NewConsumerWorker(logger, consumer, dispatcher, map[string]string{
			cfg.Kafka.OrderCreatedTopic: ingest.EventOrderCreated,
			cfg.Kafka.OrderStatusTopic:  ingest.EventOrderStatusChanged,
		}, time.Second)
		g.Go(func() error { return ignoreCanceled(worker.Run(gctx)) })
	}
	scheduler.Start()

	g.Go(func() error {
		<-gctx.Done()
		healthServer.Shutdown()
		s.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("earnings worker stopped", "module", "earnings.worker", "error", err)
	}
	scheduler.Stop()
	dispatcher.Wait()
	ingestor.Wait()
	log.Println("Earnings worker stopped")
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
