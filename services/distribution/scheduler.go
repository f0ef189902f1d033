package distribution

import (
	"context"
	"time"

	"estate-credits/pkg/config"
	"estate-credits/pkg/logger"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const enqueueConcurrency = 8

type Scheduler struct {
	service *Service
	enabled bool
	hour    int
	minute  int
}

func NewScheduler(svc *Service, cfg *config.Config) *Scheduler {
	return &Scheduler{
		service: svc,
		enabled: cfg.Distribution.ScheduleEnabled,
		hour:    cfg.Distribution.ScheduleHour,
		minute:  cfg.Distribution.ScheduleMinute,
	}
}

// StartScheduler runs the daily loop for the lifetime of the app.
func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	if !s.enabled {
		zap.L().Info("[Scheduler] distribution schedule disabled")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	zap.L().Info("[Scheduler] started distribution scheduler", zap.Int("hour", s.hour), zap.Int("minute", s.minute))

	for {
		now := time.Now()
		next := nextRunTime(now, s.hour, s.minute)

		zap.L().Info("[Scheduler] next run scheduled",
			zap.Time("next_run", next),
			zap.Duration("sleep_for", next.Sub(now)),
		)
		select {
		case <-time.After(next.Sub(now)):
			s.runDaily(ctx)
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context) {
	start := time.Now()

	n, err := s.service.EnqueueScheduled(ctx)
	if err != nil {
		zap.L().Error("[Scheduler] failed to enqueue distribution runs", zap.Error(err))
		return
	}

	zap.L().Info("[Scheduler] enqueued distribution runs",
		zap.Int("agencies", n),
		zap.Duration("duration", time.Since(start)),
	)
}

// EnqueueScheduled enqueues one run per active agency with an enabled pool.
func (s *Service) EnqueueScheduled(ctx context.Context) (int, error) {
	agencies, err := s.agents.ListAgencyIDs(ctx)
	if err != nil {
		return 0, err
	}

	var pools []*Pool
	if err := s.db.WithContext(ctx).Where("enabled = ? AND percentage > 0", true).Find(&pools).Error; err != nil {
		return 0, err
	}
	enabled := make(map[string]bool, len(pools))
	for _, p := range pools {
		enabled[p.AgencyID] = true
	}

	var g errgroup.Group
	g.SetLimit(enqueueConcurrency)

	count := 0
	for _, id := range agencies {
		if !enabled[id] {
			continue
		}
		count++
		g.Go(func() error {
			if _, err := s.Enqueue(ctx, RunPayload{AgencyID: id, Trigger: TriggerSchedule}); err != nil {
				logger.FromContext(ctx).Error("failed enqueue distribution run", zap.String("agency_id", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return count, nil
}

// nextRunTime returns the next occurrence of hour:minute after now.
func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if now.After(next) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
