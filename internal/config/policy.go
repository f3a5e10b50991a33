package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Policy is the claim and billing policy. It is hot-reloaded from policy.yaml.
type Policy struct {
	DefaultClaimLimit    int           `mapstructure:"defaultClaimLimit"`
	RequirePaymentMethod bool          `mapstructure:"requirePaymentMethod"`
	ScoringMode          string        `mapstructure:"scoringMode"`
	LockTimeout          time.Duration `mapstructure:"lockTimeout"`
	DueDays              int           `mapstructure:"dueDays"`
	GraceDays            int           `mapstructure:"graceDays"`
	TimeZone             string        `mapstructure:"timeZone"`
	BatchConcurrency     int           `mapstructure:"batchConcurrency"`
	DailyRunHourUTC      int           `mapstructure:"dailyRunHourUTC"`
}

const (
	ScoringModeHeuristic = "heuristic"
	ScoringModeFull      = "full"
)

func DefaultPolicy() Policy {
	return Policy{
		DefaultClaimLimit:    50,
		RequirePaymentMethod: true,
		ScoringMode:          ScoringModeHeuristic,
		LockTimeout:          2 * time.Second,
		DueDays:              30,
		GraceDays:            7,
		TimeZone:             "UTC",
		BatchConcurrency:     4,
		DailyRunHourUTC:      6,
	}
}

// Location resolves the billing time zone, falling back to UTC.
func (p Policy) Location() *time.Location {
	if strings.TrimSpace(p.TimeZone) == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type PolicyHolder struct {
	current atomic.Value // holds Policy
}

// NewPolicyHolder loads policy.yaml from the standard config paths.
func NewPolicyHolder(log *zap.Logger) (*PolicyHolder, error) {
	v := viper.New()
	v.SetConfigName("policy")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/leadclaim")
	v.AddConfigPath(".")
	return loadPolicy(v, log)
}

// NewPolicyHolderFromFile loads the policy from an explicit file path.
func NewPolicyHolderFromFile(path string, log *zap.Logger) (*PolicyHolder, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return loadPolicy(v, log)
}

// NewStaticPolicyHolder returns a holder that never reloads.
func NewStaticPolicyHolder(p Policy) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(p)
	return holder
}

func loadPolicy(v *viper.Viper, log *zap.Logger) (*PolicyHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("policy")

	v.SetEnvPrefix("LEADCLAIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPolicy()
	v.SetDefault("policy.defaultClaimLimit", defaults.DefaultClaimLimit)
	v.SetDefault("policy.requirePaymentMethod", defaults.RequirePaymentMethod)
	v.SetDefault("policy.scoringMode", defaults.ScoringMode)
	v.SetDefault("policy.lockTimeout", defaults.LockTimeout)
	v.SetDefault("policy.dueDays", defaults.DueDays)
	v.SetDefault("policy.graceDays", defaults.GraceDays)
	v.SetDefault("policy.timeZone", defaults.TimeZone)
	v.SetDefault("policy.batchConcurrency", defaults.BatchConcurrency)
	v.SetDefault("policy.dailyRunHourUTC", defaults.DailyRunHourUTC)

	found := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		found = false
	}

	p, err := decodePolicy(v)
	if err != nil {
		return nil, err
	}
	if err := validatePolicy(p); err != nil {
		return nil, err
	}

	holder := &PolicyHolder{}
	holder.current.Store(p)

	if found {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodePolicy(v)
			if err != nil {
				log.Warn("policy reload failed", zap.Error(err))
				return
			}
			if err := validatePolicy(updated); err != nil {
				log.Warn("invalid policy ignored", zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("policy reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

// decodePolicy goes through AllSettings so defaults fill keys the file leaves out.
func decodePolicy(v *viper.Viper) (Policy, error) {
	var doc struct {
		Policy Policy `mapstructure:"policy"`
	}
	if err := v.Unmarshal(&doc); err != nil {
		return Policy{}, err
	}
	return doc.Policy, nil
}

func (h *PolicyHolder) Get() Policy {
	return h.current.Load().(Policy)
}

func validatePolicy(p Policy) error {
	if p.DefaultClaimLimit < 0 {
		return errors.New("policy.defaultClaimLimit cannot be negative")
	}
	switch p.ScoringMode {
	case ScoringModeHeuristic, ScoringModeFull:
	default:
		return errors.New("policy.scoringMode must be heuristic or full")
	}
	if p.LockTimeout <= 0 {
		return errors.New("policy.lockTimeout must be positive")
	}
	if p.DueDays <= 0 {
		return errors.New("policy.dueDays must be positive")
	}
	if p.GraceDays < 0 {
		return errors.New("policy.graceDays cannot be negative")
	}
	if p.BatchConcurrency <= 0 {
		return errors.New("policy.batchConcurrency must be positive")
	}
	if p.DailyRunHourUTC < 0 || p.DailyRunHourUTC > 23 {
		return errors.New("policy.dailyRunHourUTC must be within 0-23")
	}
	if _, err := time.LoadLocation(p.TimeZone); err != nil {
		return err
	}
	return nil
}
