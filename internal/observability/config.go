package observability

import (
	"strings"
	"time"

	"github.com/smallbiznis/leadclaim/internal/config"
	"github.com/smallbiznis/leadclaim/internal/observability/logger"
	gormlogger "gorm.io/gorm/logger"
)

const defaultServiceName = "leadclaim"

// lockedTables are the tables the claim path reads under SELECT ... FOR UPDATE.
var lockedTables = []string{"cases", "claims"}

// Config is the observability view of config.Config.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64

	SlowQuery     time.Duration
	SlowLockQuery time.Duration
	LogSQL        bool
}

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	out := Config{
		ServiceName:          serviceName,
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             cfg.LogLevel,
		LogFormat:            cfg.LogFormat,
		OtelEnabled:          cfg.OtelEnabled,
		OtelExporterEndpoint: strings.TrimSpace(cfg.OTLPEndpoint),
		OtelExporterProtocol: cfg.OTLPProtocol,
		OtelSamplingRatio:    cfg.OtelSamplingRatio,
		SlowQuery:            cfg.DBSlowQuery,
		SlowLockQuery:        cfg.DBSlowLockQuery,
		LogSQL:               cfg.DBLogSQL,
	}
	// Local runs trace every request; a 10% sample hides the single claim you are debugging.
	if isDevEnv(out.Environment) && out.OtelSamplingRatio < 1 {
		out.OtelSamplingRatio = 1
	}
	return out
}

func (c Config) Debug() bool {
	return strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") || isDevEnv(c.Environment)
}

// GormLogger derives the statement logger settings. DATABASE_LOG_SQL turns on per-statement
// debug lines; otherwise only slow and failed statements are logged.
func (c Config) GormLogger() logger.GormLoggerConfig {
	out := logger.DefaultGormLoggerConfig()
	if c.SlowQuery > 0 {
		out.SlowThreshold = c.SlowQuery
	}
	if c.SlowLockQuery > 0 {
		out.TableThresholds = make(map[string]time.Duration, len(lockedTables))
		for _, table := range lockedTables {
			out.TableThresholds[table] = c.SlowLockQuery
		}
	}
	if c.LogSQL {
		out.Level = gormlogger.Info
	}
	return out
}

func isDevEnv(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}
