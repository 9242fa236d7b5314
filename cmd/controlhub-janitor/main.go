package main

import (
	"context"
	"flag"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/controlhub/controlhub/pkg/audit"
	"github.com/controlhub/controlhub/pkg/config"
	"github.com/controlhub/controlhub/pkg/store"
)

var (
	tokenSchedule = flag.String("token-schedule", "*/15 * * * *", "Cron schedule for reset token purge (default: every 15 minutes)")
	keySchedule   = flag.String("key-schedule", "0 * * * *", "Cron schedule for expired API key sweep (default: hourly)")
	auditSchedule = flag.String("audit-schedule", "30 2 * * *", "Cron schedule for audit retention purge (default: 02:30 UTC)")
	runOnce       = flag.Bool("run-once", false, "Run every task once and exit")
)

func main() {
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()

	sink := audit.NewDBLoggerUnchecked(st.DB())
	janitor := &janitor{
		store:     st,
		audit:     sink,
		retention: time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour,
		log:       log,
	}

	if *runOnce {
		ctx := context.Background()
		janitor.purgeTokens(ctx)
		janitor.sweepExpiredKeys(ctx)
		janitor.purgeAudit(ctx)
		log.Info("Run-once cleanup completed")
		return
	}

	c := cron.New()
	schedule := func(spec, name string, task func(context.Context)) {
		if _, err := c.AddFunc(spec, func() { task(context.Background()) }); err != nil {
			log.Fatalf("Failed to schedule %s: %v", name, err)
		}
		log.Infof("%s schedule: %s", name, spec)
	}
	schedule(*tokenSchedule, "reset token purge", janitor.purgeTokens)
	schedule(*keySchedule, "expired key sweep", janitor.sweepExpiredKeys)
	schedule(*auditSchedule, "audit retention purge", janitor.purgeAudit)

	c.Run()
}

type janitor struct {
	store     *store.Store
	audit     *audit.DBLogger
	retention time.Duration
	log       *logrus.Logger
}

func (j *janitor) purgeTokens(ctx context.Context) {
	purged, err := j.store.PurgeResetTokens(ctx, time.Now())
	if err != nil {
		j.log.WithError(err).Error("Reset token purge failed")
		return
	}
	if purged > 0 {
		j.log.WithField("purged", purged).Info("Purged expired reset tokens")
	}
}

func (j *janitor) sweepExpiredKeys(ctx context.Context) {
	revoked, err := j.store.RevokeExpiredAPIKeys(ctx, time.Now())
	if err != nil {
		j.log.WithError(err).Error("Expired key sweep failed")
		return
	}
	if revoked > 0 {
		j.log.WithField("revoked", revoked).Info("Revoked expired API keys")
	}
}

func (j *janitor) purgeAudit(ctx context.Context) {
	if j.retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-j.retention)
	purged, err := j.audit.Purge(ctx, cutoff)
	if err != nil {
		j.log.WithError(err).Error("Audit purge failed")
		return
	}
	j.log.WithFields(logrus.Fields{
		"purged": purged,
		"cutoff": cutoff.Format(time.RFC3339),
	}).Info("Purged audit events past retention")
}
