package app

import (
	"context"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/process"
	"github.com/talkincode/toughwa/internal/domain"
	"github.com/talkincode/toughwa/pkg/metrics"
	"go.uber.org/zap"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var monitoredStatuses = []domain.Status{
	domain.StatusConnecting,
	domain.StatusQRPending,
	domain.StatusConnected,
	domain.StatusDisconnected,
	domain.StatusError,
}

func (a *Application) initJob() {
	loc, err := time.LoadLocation(a.appConfig.System.Location)
	if err != nil {
		loc = time.Local
	}
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	_, err = a.sched.AddFunc("@every 30s", func() {
		go a.SchedProcessMonitorTask()
		go a.SchedSessionMonitorTask()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@daily", func() {
		a.SchedSweepCredentialsTask()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.sched.Start()
}

// SchedProcessMonitorTask app process monitor
func (a *Application) SchedProcessMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	p, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // G115: PID is always within int32 range
	if err != nil {
		return
	}

	cpuuse, err := p.CPUPercent()
	if err == nil {
		metrics.SetGauge("toughwa_cpuuse", int64(cpuuse*100)) // Store as percentage * 100
	}

	meminfo, err := p.MemoryInfo()
	if err == nil {
		metrics.SetGauge("toughwa_memuse", int64(meminfo.RSS/1024/1024)) //nolint:gosec // G115: memory MB value fits in int64
	}

	if n, err := p.NumThreads(); err == nil {
		metrics.SetGauge("toughwa_threads", int64(n))
	}
}

// SchedSessionMonitorTask records how many instances sit in each status
func (a *Application) SchedSessionMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	counts := a.manager.CountByStatus()
	for _, st := range monitoredStatuses {
		metrics.SetGauge("session_instances", int64(counts[st]), "status", string(st))
	}
}

// SchedSweepCredentialsTask deletes credentials left behind by deleted instances
func (a *Application) SchedSweepCredentialsTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := a.manager.SweepOrphanCredentials(ctx)
	if err != nil {
		zap.S().Errorf("sweep credentials error %s", err.Error())
		return
	}
	if n > 0 {
		zap.S().Infof("swept %d orphan credentials", n)
	}
}
