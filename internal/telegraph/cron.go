package telegraph

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Digest schedules are standard 5-field expressions (minute hour dom month dow).
var digestParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func parseDigestSchedule(expr string) (cron.Schedule, error) {
	return digestParser.Parse(expr)
}

// cronLogger adapts zerolog to cron.Logger. Scheduler chatter goes to debug.
type cronLogger struct{ log zerolog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron_" + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron_" + msg)
}

// runDigest posts the escalation digest on d.digest until ctx is done. A run
// still in progress when the next one is due causes that one to be skipped.
func (d *Daemon) runDigest(ctx context.Context) {
	logger := cronLogger{d.log}
	c := cron.New(
		cron.WithParser(digestParser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(d.digest, cron.FuncJob(func() { d.fireDigest(ctx) }))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}
