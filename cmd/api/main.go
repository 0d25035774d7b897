package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/config"
	"github.com/noah-isme/gema-grading-api/internal/database"
	"github.com/noah-isme/gema-grading-api/internal/handler"
	"github.com/noah-isme/gema-grading-api/internal/jobs"
	"github.com/noah-isme/gema-grading-api/internal/middleware"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/policy"
	"github.com/noah-isme/gema-grading-api/internal/repository"
	"github.com/noah-isme/gema-grading-api/internal/router"
	"github.com/noah-isme/gema-grading-api/internal/service"
	"github.com/noah-isme/gema-grading-api/internal/worker"
	cloud "github.com/noah-isme/gema-grading-api/pkg/cloudinary"
	"github.com/noah-isme/gema-grading-api/pkg/docker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	// Without NATS the job system runs in-process.
	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName, logger)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer func() { _ = natsConn.Drain() }()
	}
	subjects := jobs.NewSubjects(cfg.ChannelBase)

	validate := validator.New(validator.WithRequiredStructEnabled())

	courseRepo := repository.NewCourseRepository(db)
	assignmentRepo := repository.NewAssignmentRepository(db)
	policyRepo := repository.NewPolicyRepository(db)
	masterRepo := repository.NewMasterMigrationRepository(db)
	migrationRepo := repository.NewMigrationRepository(db)
	scoreRepo := repository.NewScoreRepository(db)
	taskRepo := repository.NewTaskRepository(db)
	lateRepo := repository.NewLateRequestRepository(db)
	rawRepo := repository.NewRawScoreRepository(db)
	activityRepo := repository.NewActivityLogRepository(db)

	runner, closeSandbox := buildPolicyRunner(cfg, logger)
	defer closeSandbox()

	var destination worker.GradeDestination = worker.NewLogDestination(logger)
	if natsConn != nil {
		destination = worker.NewNATSDestination(natsConn, subjects.Grades(), logger)
	}
	jobHandlers := worker.Handlers(
		worker.NewApplyHandler(migrationRepo, scoreRepo, lateRepo, runner, cfg.WorkerConcurrency, logger),
		worker.NewPostHandler(migrationRepo, scoreRepo, destination, logger),
	)

	var dispatcher jobs.Dispatcher
	var inline *jobs.InlineDispatcher
	if natsConn != nil {
		dispatcher = jobs.NewNATSDispatcher(natsConn, subjects, logger)
	} else {
		inline = jobs.NewInlineDispatcher(jobs.InlineConfig{
			Workers:    cfg.WorkerConcurrency,
			QueueSize:  cfg.WorkerQueueSize,
			JobTimeout: cfg.JobTimeout,
		}, jobHandlers, logger)
		dispatcher = inline
	}

	activityService := service.NewActivityService(activityRepo, logger)
	ledger := service.NewTaskLedger(taskRepo, dispatcher, redisClient, cfg.TaskCacheTTL, logger)

	if natsConn != nil {
		if err := jobs.NewStatusSubscriber(natsConn, subjects, ledger, logger).Start(ctx); err != nil {
			log.Fatalf("failed to subscribe to task status: %v", err)
		}
		if cfg.WorkerEnabled {
			if err := jobs.NewNATSWorker(natsConn, subjects, jobHandlers, logger).Start(ctx); err != nil {
				log.Fatalf("failed to start job worker: %v", err)
			}
		}
	} else {
		inline.Start(ctx, ledger)
	}

	reviewService := service.NewReviewService(masterRepo, migrationRepo, scoreRepo, validate, activityService, redisClient, cfg.ReviewCacheTTL, logger)
	deps := service.MigrationDependencies{
		Masters:      masterRepo,
		Migrations:   migrationRepo,
		Scores:       scoreRepo,
		Courses:      courseRepo,
		Assignments:  assignmentRepo,
		Policies:     policyRepo,
		LateRequests: lateRepo,
		Source:       service.NewStoredScoreSource(rawRepo),
		Runner:       runner,
		Ledger:       ledger,
		Reviews:      reviewService,
		Activity:     activityService,
		Validator:    validate,
	}
	if cfg.CloudinaryCloudName != "" {
		exports, err := cloud.New(cloud.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
		if err != nil {
			log.Fatalf("failed to create cloudinary client: %v", err)
		}
		deps.Storage = exports
	} else {
		logger.Warn().Msg("cloudinary not configured; finalize will skip grade exports")
	}

	migrationService := service.NewMigrationService(deps, logger)
	importService := service.NewScoreImportService(masterRepo, courseRepo, rawRepo, activityService, cfg.ImportMaxSizeMB, logger)
	lateService := service.NewLateRequestService(lateRepo, courseRepo, assignmentRepo, validate, activityService, logger)
	policyService := service.NewPolicyService(policyRepo, courseRepo, runner, validate, activityService, logger)

	reconciler := service.NewReconciler(masterRepo, migrationService, cfg.ReconcileSchedule, cfg.ReconcileTimeout, logger)
	if err := reconciler.Start(); err != nil {
		log.Fatalf("failed to start reconciler: %v", err)
	}

	polling := service.PollOptions{
		Interval:    cfg.TaskPollInterval,
		MaxInterval: cfg.TaskPollMaxInterval,
		MaxWait:     cfg.TaskMaxWait,
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		// Server-side waits hold the request for up to TaskMaxWait.
		ReadTimeout:  cfg.TaskMaxWait + 10*time.Second,
		WriteTimeout: cfg.TaskMaxWait + 10*time.Second,
	})

	middleware.Register(app, middleware.Config{
		Logger:        &logger,
		MetricsPrefix: router.GradingPrefix,
		AllowOrigins:  cfg.AllowOrigins,
	})
	router.Register(app, cfg, router.Dependencies{
		MasterMigrationHandler: handler.NewMasterMigrationHandler(migrationService, importService, reviewService, polling, logger),
		ScoreHandler:           handler.NewScoreHandler(reviewService, logger),
		TaskHandler:            handler.NewTaskHandler(ledger, polling, logger),
		PolicyHandler:          handler.NewPolicyHandler(policyService, logger),
		LateRequestHandler:     handler.NewLateRequestHandler(lateService, logger),
		ActivityHandler:        handler.NewActivityHandler(activityService, logger),
		HealthChecks:           healthChecks(db, redisClient, natsConn),
		JWTMiddleware:          middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	waitForShutdown(app, reconciler, inline)
}

// buildPolicyRunner registers the builtin runtime and, when Docker is reachable,
// the sandboxed JavaScript runtime.
func buildPolicyRunner(cfg config.Config, logger zerolog.Logger) (*policy.Dispatcher, func()) {
	runners := map[string]policy.Runner{
		models.PolicyRuntimeBuiltin: policy.NewBuiltinRunner(),
	}

	sandbox, err := docker.NewSandbox(docker.Config{
		Host:          cfg.DockerHost,
		Timeout:       cfg.ExecutionTimeout,
		MemoryLimitMB: int64(cfg.PolicyRunMemoryMB),
		NanoCPUs:      cfg.PolicyRunNanoCPUs,
		Logger:        logger,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("docker sandbox unavailable; javascript policies disabled")
		return policy.NewDispatcher(runners), func() {}
	}

	runners[models.PolicyRuntimeJavaScript] = policy.NewJavaScriptRunner(sandbox, sandbox.MountPath(), policy.JavaScriptConfig{
		Image:         cfg.SandboxImage,
		Timeout:       cfg.ExecutionTimeout,
		WorkspaceRoot: cfg.SandboxWorkspace,
	}, logger)
	return policy.NewDispatcher(runners), func() { _ = sandbox.Close() }
}

func healthChecks(db *gorm.DB, redisClient *redis.Client, natsConn *nats.Conn) map[string]handler.DependencyCheck {
	checks := map[string]handler.DependencyCheck{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	}
	if natsConn != nil {
		checks["nats"] = func(context.Context) error {
			if !natsConn.IsConnected() {
				return errors.New(natsConn.Status().String())
			}
			return nil
		}
	}
	return checks
}

func waitForShutdown(app *fiber.App, reconciler *service.Reconciler, inline *jobs.InlineDispatcher) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	reconciler.Stop(ctx)
	if inline != nil {
		inline.Wait()
	}

	log.Println("server stopped")
}
