package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func observeGlobal(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(restore)
	return logs
}

func statementOf(sql string) func() (string, int64) {
	return func() (string, int64) { return sql, 1 }
}

func TestDescribeStatement(t *testing.T) {
	tests := []struct {
		sql       string
		operation string
		table     string
		rowLock   bool
	}{
		{`SELECT * FROM "cases" WHERE id = $1 FOR UPDATE`, "SELECT", "cases", true},
		{"INSERT INTO invoices (id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING", "INSERT", "invoices", false},
		{"UPDATE `claims` SET active = false WHERE id = ?", "UPDATE", "claims", false},
		{"DELETE FROM public.webhook_events WHERE id = 1", "DELETE", "webhook_events", false},
		{"WITH t AS (SELECT 1) SELECT count(*) FROM claims", "SELECT", "claims", false},
		{"", "UNKNOWN", "", false},
	}
	for _, tt := range tests {
		stmt := describeStatement(tt.sql)
		assert.Equal(t, tt.operation, stmt.operation, tt.sql)
		assert.Equal(t, tt.table, stmt.table, tt.sql)
		assert.Equal(t, tt.rowLock, stmt.rowLock, tt.sql)
	}
}

func TestTraceUsesTableThreshold(t *testing.T) {
	logs := observeGlobal(t)
	l := NewGormLogger(DefaultGormLoggerConfig())
	begin := time.Now().Add(-100 * time.Millisecond)

	l.Trace(context.Background(), begin, statementOf(`SELECT * FROM "cases" WHERE id = 1 FOR UPDATE`), nil)
	l.Trace(context.Background(), begin, statementOf("SELECT * FROM invoices WHERE id = 1"), nil)

	entries := logs.FilterMessage("gorm.query").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "cases", fields["table"])
	assert.Equal(t, true, fields["row_lock"])
	assert.Equal(t, 50*time.Millisecond, fields["threshold"])
}

func TestTraceSkipsRecordNotFound(t *testing.T) {
	logs := observeGlobal(t)
	l := NewGormLogger(DefaultGormLoggerConfig())

	l.Trace(context.Background(), time.Now(), statementOf("SELECT * FROM billing_accounts WHERE user_id = 9"), gormlogger.ErrRecordNotFound)
	assert.Zero(t, logs.Len())

	l.Trace(context.Background(), time.Now(), statementOf("INSERT INTO claims (id) VALUES (1)"), errors.New("constraint failed"))
	entries := logs.FilterMessage("gorm.query").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "INSERT", entries[0].ContextMap()["operation"])
}

func TestInfoLevelLogsEveryStatement(t *testing.T) {
	logs := observeGlobal(t)
	l := NewGormLogger(DefaultGormLoggerConfig()).LogMode(gormlogger.Info)

	l.Trace(context.Background(), time.Now(), statementOf("SELECT * FROM invoices"), nil)
	entries := logs.FilterMessage("gorm.query").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
}
