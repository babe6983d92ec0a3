package app

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/acme/call-orchestrator/internal/analysis"
	"github.com/acme/call-orchestrator/internal/api/handlers"
	"github.com/acme/call-orchestrator/internal/config"
	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/infra/db"
	"github.com/acme/call-orchestrator/internal/infra/redis"
	"github.com/acme/call-orchestrator/internal/queue"
	"github.com/acme/call-orchestrator/internal/repository"
	pgrepo "github.com/acme/call-orchestrator/internal/repository/postgres"
	scyllarepo "github.com/acme/call-orchestrator/internal/repository/scylla"
	"github.com/acme/call-orchestrator/internal/scheduler"
	analyticssvc "github.com/acme/call-orchestrator/internal/service/analytics"
	callsvc "github.com/acme/call-orchestrator/internal/service/call"
	campaignsvc "github.com/acme/call-orchestrator/internal/service/campaign"
	"github.com/acme/call-orchestrator/internal/service/concurrency"
	lifecyclesvc "github.com/acme/call-orchestrator/internal/service/lifecycle"
	"github.com/acme/call-orchestrator/internal/service/retry"
	"github.com/acme/call-orchestrator/internal/telephony"
	"github.com/acme/call-orchestrator/internal/telephony/bridge"
	telephonyMock "github.com/acme/call-orchestrator/internal/telephony/mock"
	"github.com/acme/call-orchestrator/internal/worker/dispatch"
	lifecycleworker "github.com/acme/call-orchestrator/internal/worker/lifecycle"
	"github.com/acme/call-orchestrator/internal/worker/maintenance"
	"github.com/acme/call-orchestrator/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		publishers   *publishers
		services     *services
	}
}

type repositories struct {
	Queue     repository.QueueStore
	Calls     repository.CallStore
	Campaigns repository.CampaignRepository
	Stats     repository.CampaignStatisticsRepository
	Directory *pgrepo.DirectoryRepository
	Analyses  repository.AnalysisStore
	Retries   repository.RetryStore
	Events    repository.EventLog
}

type publishers struct {
	Lifecycle *queue.LifecyclePublisher
	Outcome   *queue.OutcomePublisher
}

type services struct {
	Slots     *concurrency.Manager
	Call      *callsvc.Service
	Campaign  *campaignsvc.Service
	Analytics *analyticssvc.Service
	Retry     *retry.Coordinator
	Lifecycle *lifecyclesvc.Processor
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres, cfg.App.Name)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	return &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}, nil
}

// RetryPolicy is the default policy for entries whose campaign sets none.
func (c *Container) RetryPolicy() domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts: c.Config.Retry.MaxAttempts,
		BaseDelay:   c.Config.Retry.BaseDelay,
		MaxDelay:    c.Config.Retry.MaxDelay,
		Jitter:      c.Config.Retry.Jitter,
	}
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		cfg := c.Config
		region := cfg.CallBridge.DefaultRegion

		repos := &repositories{
			Queue:     pgrepo.NewQueueRepository(c.Postgres.DB()),
			Calls:     pgrepo.NewCallRepository(c.Postgres.DB()),
			Campaigns: pgrepo.NewCampaignRepository(c.Postgres.DB()),
			Stats:     pgrepo.NewCampaignStatisticsRepository(c.Postgres.DB()),
			Directory: pgrepo.NewDirectoryRepository(c.Postgres.DB()),
			Analyses:  pgrepo.NewAnalysisRepository(c.Postgres.DB()),
			Retries:   pgrepo.NewRetryRepository(c.Postgres.DB()),
			Events:    scyllarepo.NewEventLog(c.Scylla.Session()),
		}

		pubs := &publishers{
			Lifecycle: queue.NewLifecyclePublisher(c.Kafka, cfg.Kafka.LifecycleTopic),
			Outcome:   queue.NewOutcomePublisher(c.Kafka, cfg.Kafka.OutcomeTopic),
		}

		slots := concurrency.NewManager(c.Redis.Inner(), repos.Directory, concurrency.Options{
			SystemCap:        cfg.Throttle.SystemCap,
			DefaultTenantCap: cfg.Throttle.DefaultTenantCap,
			DirectReserve:    cfg.Throttle.DirectReserve,
			KeyPrefix:        cfg.Throttle.KeyPrefix,
		})

		analytics := analyticssvc.NewService(repos.Analyses, repos.Calls,
			analysis.NewOpenAIAnalyzer(cfg.Analysis, c.Logger), region, c.Logger)

		coordinator := retry.NewCoordinator(retry.Deps{
			Queue:     repos.Queue,
			Retries:   repos.Retries,
			Campaigns: repos.Campaigns,
			Tenants:   repos.Directory,
			Stats:     repos.Stats,
			Analytics: analytics,
			Publisher: pubs.Outcome,
		}, c.RetryPolicy(), c.Logger)

		svcs := &services{
			Slots:     slots,
			Call:      callsvc.NewService(repos.Queue, repos.Calls, repos.Directory, repos.Directory, slots, repos.Events, region, cfg.Retry.MaxAttempts),
			Campaign:  campaignsvc.NewService(repos.Campaigns, repos.Stats, repos.Directory),
			Analytics: analytics,
			Retry:     coordinator,
			Lifecycle: lifecyclesvc.NewProcessor(lifecyclesvc.Deps{
				Calls:     repos.Calls,
				Queue:     repos.Queue,
				Agents:    repos.Directory,
				Tenants:   repos.Directory,
				Slots:     slots,
				Retry:     coordinator,
				Analytics: analytics,
				Events:    repos.Events,
				Publisher: pubs.Outcome,
				Stats:     repos.Stats,
			}, lifecyclesvc.NewVoicemailDetector(cfg.Voicemail), region, c.Logger),
		}

		c.components.repositories = repos
		c.components.publishers = pubs
		c.components.services = svcs
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// Publishers exposes Kafka producers.
func (c *Container) Publishers() *publishers {
	c.initComponents()
	return c.components.publishers
}

// Provider returns the voice provider client. "mock" selects the in-process
// provider for local runs.
func (c *Container) Provider() telephony.Provider {
	if c.Config.CallBridge.ProviderName == "mock" {
		return telephonyMock.NewProvider()
	}
	return bridge.NewClient(c.Config.CallBridge)
}

// HandlerSet builds HTTP handlers with dependencies.
func (c *Container) HandlerSet() *handlers.HandlerSet {
	svcs := c.Services()
	return handlers.NewHandlerSet(handlers.Services{
		Calls:     svcs.Call,
		Campaigns: svcs.Campaign,
		Analytics: svcs.Analytics,
		Webhooks:  c.Publishers().Lifecycle,
		Health: map[string]handlers.HealthCheck{
			"postgres": c.Postgres.Ping,
			"redis":    c.Redis.Ping,
			"scylla":   c.Scylla.Ping,
		},
	}, c.Logger)
}

// Scheduler builds the campaign scheduler with a Redis leader lock.
func (c *Container) Scheduler() *scheduler.Scheduler {
	repos := c.Repositories()
	hostname, _ := os.Hostname()
	token := hostname + "-" + uuid.NewString()
	leader := scheduler.NewLeaderLock(c.Redis.Inner(), c.Config.Scheduler.LockKey, token, c.Config.Scheduler.LockTTL)

	return scheduler.New(scheduler.Deps{
		Campaigns: repos.Campaigns,
		Tenants:   repos.Directory,
		Queue:     repos.Queue,
		Stats:     repos.Stats,
		Leader:    leader,
	}, c.Config.Scheduler, c.RetryPolicy(), c.Config.CallBridge.DefaultRegion, c.Logger)
}

// QueueProcessor builds the dispatch loop.
func (c *Container) QueueProcessor() *dispatch.Processor {
	repos := c.Repositories()
	svcs := c.Services()
	return dispatch.NewProcessor(dispatch.Deps{
		Queue:     repos.Queue,
		Calls:     repos.Calls,
		Slots:     svcs.Slots,
		Provider:  c.Provider(),
		Retry:     svcs.Retry,
		Stats:     repos.Stats,
		Publisher: c.Publishers().Outcome,
	}, c.Config.Queue, c.Config.CallBridge.RequestTimeout, c.Logger)
}

// LifecycleConsumer builds the lifecycle topic consumer. The caller owns the
// returned reader.
func (c *Container) LifecycleConsumer() (*lifecycleworker.Consumer, func() error) {
	groupID := c.Config.Kafka.ConsumerGroupID + "-lifecycle"
	reader := c.Kafka.NewReader(c.Config.Kafka.LifecycleTopic, groupID)
	consumer := lifecycleworker.NewConsumer(reader, c.Services().Lifecycle, lifecycleworker.Options{
		Shards: c.Config.Lifecycle.Shards,
	}, c.Logger)
	return consumer, reader.Close
}

// Maintenance builds the recovery cron jobs.
func (c *Container) Maintenance() *maintenance.Jobs {
	svcs := c.Services()
	return maintenance.NewJobs(svcs.Slots, c.Repositories().Queue, svcs.Analytics,
		c.Config.Sweep, c.Config.Queue.ClaimTimeout, c.Logger)
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	return c.Kafka.EnsureTopics(ctx, c.Kafka.Topics(), c.Kafka.Partitions(), 1)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if p := c.components.publishers; p != nil {
		if err := p.Lifecycle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("lifecycle publisher close: %w", err))
		}
		if err := p.Outcome.Close(); err != nil {
			errs = append(errs, fmt.Errorf("outcome publisher close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
