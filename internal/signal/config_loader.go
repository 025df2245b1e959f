package signal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents an estimator entry in YAML.
type Config struct {
	Name       string         `yaml:"name"`
	Type       string         `yaml:"type"` // random, momentum, crossover, rsi, fixed, grpc
	Parameters map[string]any `yaml:"parameters"`
}

// ConfigFile represents the top-level YAML structure.
type ConfigFile struct {
	Estimators []Config `yaml:"estimators"`
}

// DefaultConfigs are used when no estimators file exists: two independent random estimators.
func DefaultConfigs() []Config {
	return []Config{
		{Name: "svm", Type: "random"},
		{Name: "lstm", Type: "random"},
	}
}

// LoadConfig reads estimators from a YAML file. A missing file yields DefaultConfigs.
func LoadConfig(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfigs(), nil
	}
	if err != nil {
		return nil, err
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(file.Estimators) != 2 {
		return nil, fmt.Errorf("%s: %w, got %d", path, ErrNeedTwoEstimators, len(file.Estimators))
	}
	return file.Estimators, nil
}

// Build instantiates one estimator. The returned closer is nil for in-process estimators.
func Build(cfg Config) (Estimator, io.Closer, error) {
	if cfg.Name == "" {
		cfg.Name = cfg.Type
	}
	switch cfg.Type {
	case "random":
		seed := int64(paramFloat(cfg.Parameters, "seed", 0))
		if seed == 0 {
			seed = time.Now().UnixNano() + int64(len(cfg.Name))
		}
		return NewRandomEstimator(cfg.Name, seed), nil, nil
	case "momentum":
		threshold := decimal.NewFromFloat(paramFloat(cfg.Parameters, "threshold", 2))
		return NewMomentumEstimator(cfg.Name, threshold), nil, nil
	case "crossover":
		c, err := NewCrossoverEstimator(cfg.Name,
			int(paramFloat(cfg.Parameters, "short", 5)),
			int(paramFloat(cfg.Parameters, "long", 20)),
			paramFloat(cfg.Parameters, "band", 0.001))
		if err != nil {
			return nil, nil, err
		}
		return c, nil, nil
	case "rsi":
		r, err := NewRSIEstimator(cfg.Name,
			int(paramFloat(cfg.Parameters, "period", 14)),
			paramFloat(cfg.Parameters, "oversold", 30),
			paramFloat(cfg.Parameters, "overbought", 70))
		if err != nil {
			return nil, nil, err
		}
		return r, nil, nil
	case "fixed":
		v := Prediction(int8(paramFloat(cfg.Parameters, "value", 0)))
		if !v.Valid() {
			return nil, nil, fmt.Errorf("estimator %s: value must be -1, 0 or 1", cfg.Name)
		}
		return Fixed{Label: cfg.Name, Value: v}, nil, nil
	case "grpc":
		addr, _ := cfg.Parameters["address"].(string)
		if addr == "" {
			return nil, nil, fmt.Errorf("estimator %s: address is required", cfg.Name)
		}
		timeout := 2 * time.Second
		if s, ok := cfg.Parameters["timeout"].(string); ok {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, nil, fmt.Errorf("estimator %s: timeout: %w", cfg.Name, err)
			}
			timeout = d
		}
		r, err := DialRemoteEstimator(cfg.Name, addr, timeout)
		if err != nil {
			return nil, nil, err
		}
		return r, r, nil
	default:
		return nil, nil, fmt.Errorf("estimator %s: unknown type %q", cfg.Name, cfg.Type)
	}
}

// BuildPair instantiates the two configured estimators.
func BuildPair(cfgs []Config) (first, second Estimator, closeFn func() error, err error) {
	if len(cfgs) != 2 {
		return nil, nil, nil, ErrNeedTwoEstimators
	}
	var closers []io.Closer
	closeFn = func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c.Close())
		}
		return errors.Join(errs...)
	}
	built := make([]Estimator, 0, 2)
	for _, c := range cfgs {
		est, closer, err := Build(c)
		if err != nil {
			closeFn()
			return nil, nil, nil, err
		}
		if closer != nil {
			closers = append(closers, closer)
		}
		built = append(built, est)
	}
	return built[0], built[1], closeFn, nil
}

func paramFloat(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	default:
		return def
	}
}
