package logger

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

type GormLoggerConfig struct {
	Level           gormlogger.LogLevel
	SlowThreshold   time.Duration
	// TableThresholds overrides SlowThreshold for statements whose primary table is listed.
	TableThresholds map[string]time.Duration
}

func DefaultGormLoggerConfig() GormLoggerConfig {
	return GormLoggerConfig{
		Level:         gormlogger.Warn,
		SlowThreshold: 250 * time.Millisecond,
		TableThresholds: map[string]time.Duration{
			"cases":  50 * time.Millisecond,
			"claims": 50 * time.Millisecond,
		},
	}
}

// GormLogger writes statement diagnostics through the request-scoped zap logger. Missing rows
// are never logged: the claim and billing repositories treat them as ordinary answers.
type GormLogger struct {
	level      gormlogger.LogLevel
	slow       time.Duration
	slowTables map[string]time.Duration
}

func NewGormLogger(cfg GormLoggerConfig) *GormLogger {
	return &GormLogger{
		level:      cfg.Level,
		slow:       cfg.SlowThreshold,
		slowTables: cfg.TableThresholds,
	}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.level = level
	return &next
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Info, zap.InfoLevel, msg, data)
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Warn, zap.WarnLevel, msg, data)
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Error, zap.ErrorLevel, msg, data)
}

func (l *GormLogger) message(ctx context.Context, atLeast gormlogger.LogLevel, level zapcore.Level, msg string, data []interface{}) {
	if l.level < atLeast {
		return
	}
	fields := []zap.Field{zap.String("component", "gorm")}
	if len(data) > 0 {
		fields = append(fields, zap.Any("data", data))
	}
	if ce := FromContext(ctx).Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	if err != nil && errors.Is(err, gormlogger.ErrRecordNotFound) {
		err = nil
	}
	if err != nil && l.level >= gormlogger.Error {
		l.logStatement(ctx, fc, elapsed, err, zap.ErrorLevel)
		return
	}
	if l.level < gormlogger.Warn {
		return
	}

	sql, rows := fc()
	stmt := describeStatement(sql)
	if threshold := l.thresholdFor(stmt.table); threshold > 0 && elapsed > threshold {
		l.write(ctx, stmt, rows, elapsed, nil, zap.WarnLevel, zap.Duration("threshold", threshold))
		return
	}
	if l.level >= gormlogger.Info {
		l.write(ctx, stmt, rows, elapsed, nil, zap.DebugLevel)
	}
}

// ParamsFilter drops bound values; webhook payloads and customer ids stay out of logs.
func (l *GormLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return sql, nil
}

func (l *GormLogger) thresholdFor(table string) time.Duration {
	if t, ok := l.slowTables[table]; ok && t > 0 {
		return t
	}
	return l.slow
}

func (l *GormLogger) logStatement(ctx context.Context, fc func() (string, int64), elapsed time.Duration, err error, level zapcore.Level) {
	sql, rows := fc()
	l.write(ctx, describeStatement(sql), rows, elapsed, err, level)
}

func (l *GormLogger) write(ctx context.Context, stmt statement, rows int64, elapsed time.Duration, err error, level zapcore.Level, extra ...zap.Field) {
	fields := []zap.Field{
		zap.String("component", "gorm"),
		zap.String("sql", stmt.sql),
		zap.String("operation", stmt.operation),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if stmt.table != "" {
		fields = append(fields, zap.String("table", stmt.table))
	}
	if stmt.rowLock {
		fields = append(fields, zap.Bool("row_lock", true))
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	fields = append(fields, extra...)

	if ce := FromContext(ctx).Check(level, "gorm.query"); ce != nil {
		ce.Write(fields...)
	}
}

type statement struct {
	sql       string
	operation string
	table     string
	rowLock   bool
}

// describeStatement pulls the verb and primary table out of a statement. It handles the shapes
// the repositories emit, not SQL in general.
func describeStatement(sql string) statement {
	stmt := statement{sql: strings.TrimSpace(sql), operation: "UNKNOWN"}
	tokens := strings.Fields(stmt.sql)
	upper := make([]string, len(tokens))
	for i, token := range tokens {
		upper[i] = strings.ToUpper(strings.Trim(token, "();,"))
	}

	tableAfter := ""
	for i, token := range upper {
		if stmt.operation == "UNKNOWN" {
			switch token {
			case "SELECT", "DELETE":
				stmt.operation, tableAfter = token, "FROM"
			case "INSERT":
				stmt.operation, tableAfter = token, "INTO"
			case "UPDATE":
				stmt.operation = token
				if i+1 < len(tokens) {
					stmt.table = tableName(tokens[i+1])
				}
			}
			continue
		}
		if stmt.table == "" && tableAfter != "" && token == tableAfter && i+1 < len(tokens) {
			stmt.table = tableName(tokens[i+1])
		}
		if token == "FOR" && i+1 < len(upper) && upper[i+1] == "UPDATE" {
			stmt.rowLock = true
		}
	}
	return stmt
}

func tableName(token string) string {
	token = strings.Trim(token, "();,`\"")
	if idx := strings.LastIndex(token, "."); idx >= 0 {
		token = token[idx+1:]
	}
	return strings.Trim(strings.ToLower(token), "`\"")
}

var _ gormlogger.Interface = (*GormLogger)(nil)
