package db

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const slowQueryThreshold = 500 * time.Millisecond

// NewLogger adapts logrus for gorm. SQL tracing only shows up at trace level;
// slow queries and errors are always surfaced.
func NewLogger(level string) gormlogger.Interface {
	l := &dbLogger{}
	if level == "trace" {
		l.traceSQL = true
	}
	return l
}

type dbLogger struct {
	traceSQL bool
}

func (l *dbLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return l
}

func (l *dbLogger) Info(_ context.Context, msg string, args ...interface{}) {
	logrus.Infof(msg, args...)
}

func (l *dbLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	logrus.Warnf(msg, args...)
}

func (l *dbLogger) Error(_ context.Context, msg string, args ...interface{}) {
	logrus.Errorf(msg, args...)
}

func (l *dbLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()

	fields := logrus.Fields{
		"rows":     rows,
		"duration": elapsed,
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		logrus.WithFields(fields).WithError(err).Errorf("query failed: %s", sql)
	case elapsed > slowQueryThreshold:
		logrus.WithFields(fields).Warnf("slow query: %s", sql)
	case l.traceSQL:
		logrus.WithFields(fields).Tracef("query: %s", sql)
	}
}
