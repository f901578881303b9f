package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/salonworks/storyline/internal/calendar"
	"github.com/salonworks/storyline/internal/dedup"
	"github.com/salonworks/storyline/internal/events"
	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/pipeline"
	"github.com/salonworks/storyline/internal/resilience"
	"github.com/salonworks/storyline/internal/sanitize"
	"github.com/salonworks/storyline/internal/store"
	"github.com/salonworks/storyline/internal/textgen"
	"github.com/salonworks/storyline/internal/trigger"
	anthropicpkg "github.com/salonworks/storyline/pkg/anthropic"
)

// pipelineEnv holds the store, clients and orchestrator needed by the
// generate, sweep, dlq and serve commands.
type pipelineEnv struct {
	Store        store.Store
	Orchestrator *pipeline.Orchestrator
	Calendar     *calendar.Calendar
	ContentTypes []model.ContentType
	Events       events.Publisher
	Redis        *redis.Client // may be nil
	Breaker      *resilience.CircuitBreaker
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Events != nil {
		if err := pe.Events.Close(); err != nil {
			zap.L().Warn("close event publisher", zap.Error(err))
		}
	}
	if pe.Redis != nil {
		_ = pe.Redis.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates config for mode, opens and migrates the store and
// builds the Orchestrator. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	types, err := trigger.ParseContentTypes(cfg.Sweep.ContentTypes)
	if err != nil {
		return nil, err
	}
	cal, err := calendar.Load(cfg.Calendar)
	if err != nil {
		return nil, err
	}
	masker, err := initMasker()
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &pipelineEnv{Store: st, Calendar: cal, ContentTypes: types, Events: events.Nop{}}

	// Redis front guard (optional; the store constraint decides either way).
	var front dedup.FrontGuard
	if cfg.Redis.Addr != "" {
		rc, err := dedup.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			zap.L().Warn("redis unavailable, dedup falls back to the store", zap.Error(err))
		} else {
			env.Redis = rc
			front = dedup.NewRedisGuard(rc, time.Duration(cfg.Redis.TTLSecs)*time.Second)
			zap.L().Info("redis dedup front guard enabled", zap.String("addr", cfg.Redis.Addr))
		}
	} else {
		zap.L().Debug("STORYLINE_REDIS_ADDR not set, dedup uses the store only")
	}

	if len(cfg.Kafka.Brokers) > 0 {
		env.Events = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		zap.L().Info("kafka event publishing enabled",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
	}

	client := anthropicpkg.NewClient(cfg.Anthropic.Key)
	gen := textgen.New(client, textgen.FromConfig(cfg))
	env.Breaker = gen.Breaker()

	env.Orchestrator = pipeline.NewOrchestrator(
		pipeline.DepsFromStore(st, dedup.NewStoreGuard(st, front), gen, env.Events),
		pipeline.OptionsFromConfig(cfg, masker),
	)
	if err := env.Orchestrator.Validate(); err != nil {
		env.Close()
		return nil, err
	}

	zap.L().Info("pipeline initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("model", cfg.Anthropic.Model),
		zap.Bool("auto_publish", cfg.Pipeline.AutoPublish),
	)
	return env, nil
}

func initMasker() (*sanitize.Masker, error) {
	rules := sanitize.DefaultRules()
	if cfg.Pipeline.PIIRulesFile != "" {
		loaded, err := sanitize.LoadRules(cfg.Pipeline.PIIRulesFile)
		if err != nil {
			return nil, eris.Wrap(err, "load pii rules")
		}
		rules = loaded
	}
	return sanitize.NewMasker(rules)
}

// replayBackoff spaces out repeated dead letter replays of one request.
func replayBackoff() resilience.RetryConfig {
	delay := time.Duration(cfg.Pipeline.DLQDelaySecs) * time.Second
	if delay <= 0 {
		delay = 5 * time.Minute
	}
	return resilience.RetryConfig{InitialBackoff: delay, MaxBackoff: 6 * time.Hour, Multiplier: 2}
}
