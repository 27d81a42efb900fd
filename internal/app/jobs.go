package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/wagatehq/wagate/internal/domain"
	"go.uber.org/zap"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// StartBackgroundJobs wires the cron schedule; requires BindServices.
func (a *Application) StartBackgroundJobs(ctx context.Context) {
	a.initJob()
}

func (a *Application) initJob() {
	loc, _ := time.LoadLocation(a.appConfig.System.Location)
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	var err error
	cycleSpec := fmt.Sprintf("@every %s", a.appConfig.Drip.CycleInterval)
	_, err = a.sched.AddFunc(cycleSpec, func() {
		if a.services.Dispatcher == nil {
			return
		}
		if err := a.services.Dispatcher.RunCycle(context.Background()); err != nil {
			zap.S().Errorf("drip cycle error %s", err.Error())
		}
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@every 1m", func() {
		go a.SchedSessionStatusSweep()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@daily", func() {
		a.SchedClearExpireData()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.sched.Start()
}

// SchedSessionStatusSweep reconciles persisted session states with the
// live transport view. Sessions stuck in initializing or qr past the
// pairing window fall back to none; ready sessions whose client dropped
// are marked accordingly.
func (a *Application) SchedSessionStatusSweep() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	if a.services.Sessions == nil || a.services.Transport == nil {
		return
	}

	ctx := context.Background()
	var sessions []domain.WaSession
	err := a.gormDB.
		Where("status IN ?", []domain.SessionStatus{
			domain.SessionInitializing, domain.SessionQR, domain.SessionReady,
		}).
		Find(&sessions).Error
	if err != nil {
		zap.S().Errorf("session sweep query error %s", err.Error())
		return
	}

	qrWait := time.Duration(a.settings.GetInt64("session", "QrWaitSeconds")) * time.Second
	if qrWait <= 0 {
		qrWait = 2 * time.Minute
	}

	for _, sess := range sessions {
		info, err := a.services.Transport.SessionStatus(ctx, sess.ID)
		if err != nil {
			zap.L().Warn("session sweep status probe failed",
				zap.Int64("session_id", sess.ID), zap.Error(err))
			continue
		}
		if info.Status == sess.Status {
			continue
		}
		// leave fresh pairing attempts alone
		if sess.Status != domain.SessionReady && time.Since(sess.UpdatedAt) < qrWait {
			continue
		}
		if err := a.services.Sessions.UpdateStatus(ctx, sess.ID, info.Status, info.PhoneNumber); err != nil {
			zap.L().Warn("session sweep update failed",
				zap.Int64("session_id", sess.ID),
				zap.String("status", string(info.Status)),
				zap.Error(err))
		} else {
			zap.L().Info("session state reconciled",
				zap.Int64("session_id", sess.ID),
				zap.String("from", string(sess.Status)),
				zap.String("to", string(info.Status)))
		}
	}
}

// SchedClearExpireData prunes terminal queue items past retention and
// folds aged daily counters into weekly buckets.
func (a *Application) SchedClearExpireData() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	idays := a.settings.GetInt("drip", "QueueRetentionDays")
	if idays == 0 {
		idays = a.appConfig.Drip.RetentionDays
	}
	if idays <= 0 {
		idays = 90
	}
	if a.services.Queue != nil {
		n, err := a.services.Queue.Cleanup(context.Background(), time.Hour*24*time.Duration(idays))
		if err != nil {
			zap.S().Errorf("queue cleanup error %s", err.Error())
		} else if n > 0 {
			zap.L().Info("expired queue items removed", zap.Int64("count", n))
		}
	}

	if a.services.Recorder != nil {
		if err := a.services.Recorder.RollupWeekly(context.Background()); err != nil {
			zap.S().Errorf("weekly rollup error %s", err.Error())
		}
	}
}
