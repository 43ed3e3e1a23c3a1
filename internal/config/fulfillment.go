package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// FulfillmentConfig carries runtime tunables for event processing, pricing and carts.
type FulfillmentConfig struct {
	MaxRetries        int           `mapstructure:"maxRetries"`
	AckTimeout        time.Duration `mapstructure:"ackTimeout"`
	CurrencyDecimals  int32         `mapstructure:"currencyDecimals"`
	DefaultCurrency   string        `mapstructure:"defaultCurrency"`
	OrderNumberPrefix string        `mapstructure:"orderNumberPrefix"`
	StaleCartAfter    time.Duration `mapstructure:"staleCartAfter"`
	RetryBackoff      time.Duration `mapstructure:"retryBackoff"`
	EventLockTTL      time.Duration `mapstructure:"eventLockTTL"`
	CartMutationRate  float64       `mapstructure:"cartMutationRate"`
	CartMutationBurst int           `mapstructure:"cartMutationBurst"`
}

func DefaultFulfillmentConfig() FulfillmentConfig {
	return FulfillmentConfig{
		MaxRetries:        3,
		AckTimeout:        10 * time.Second,
		CurrencyDecimals:  2,
		DefaultCurrency:   "USD",
		OrderNumberPrefix: "ORD-",
		StaleCartAfter:    72 * time.Hour,
		RetryBackoff:      time.Minute,
		EventLockTTL:      30 * time.Second,
		CartMutationRate:  5,
		CartMutationBurst: 20,
	}
}

type FulfillmentConfigHolder struct {
	current atomic.Value // holds FulfillmentConfig
}

// NewStaticFulfillmentConfigHolder wraps a fixed config, mainly for tests.
func NewStaticFulfillmentConfigHolder(cfg FulfillmentConfig) *FulfillmentConfigHolder {
	holder := &FulfillmentConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewFulfillmentConfigHolder() (*FulfillmentConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("fulfillment")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/orderflow/config")
	v.AddConfigPath("/etc/orderflow")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ORDERFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultFulfillmentConfig()
	v.SetDefault("fulfillment.maxRetries", defaults.MaxRetries)
	v.SetDefault("fulfillment.ackTimeout", defaults.AckTimeout)
	v.SetDefault("fulfillment.currencyDecimals", defaults.CurrencyDecimals)
	v.SetDefault("fulfillment.defaultCurrency", defaults.DefaultCurrency)
	v.SetDefault("fulfillment.orderNumberPrefix", defaults.OrderNumberPrefix)
	v.SetDefault("fulfillment.staleCartAfter", defaults.StaleCartAfter)
	v.SetDefault("fulfillment.retryBackoff", defaults.RetryBackoff)
	v.SetDefault("fulfillment.eventLockTTL", defaults.EventLockTTL)
	v.SetDefault("fulfillment.cartMutationRate", defaults.CartMutationRate)
	v.SetDefault("fulfillment.cartMutationBurst", defaults.CartMutationBurst)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	var cfg FulfillmentConfig
	if err := v.UnmarshalKey("fulfillment", &cfg); err != nil {
		return nil, err
	}
	if err := validateFulfillmentConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticFulfillmentConfigHolder(cfg)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated FulfillmentConfig
		if err := v.UnmarshalKey("fulfillment", &updated); err != nil {
			log.Printf("[fulfillment-config] reload failed: %v", err)
			return
		}
		if err := validateFulfillmentConfig(updated); err != nil {
			log.Printf("[fulfillment-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[fulfillment-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *FulfillmentConfigHolder) Get() FulfillmentConfig {
	if h == nil {
		return DefaultFulfillmentConfig()
	}
	cfg, ok := h.current.Load().(FulfillmentConfig)
	if !ok {
		return DefaultFulfillmentConfig()
	}
	return cfg
}

func validateFulfillmentConfig(cfg FulfillmentConfig) error {
	if cfg.MaxRetries < 1 {
		return errors.New("fulfillment.maxRetries must be at least 1")
	}
	if cfg.AckTimeout <= 0 {
		return errors.New("fulfillment.ackTimeout must be positive")
	}
	if cfg.CurrencyDecimals < 0 || cfg.CurrencyDecimals > 8 {
		return errors.New("fulfillment.currencyDecimals must be between 0 and 8")
	}
	if len(strings.TrimSpace(cfg.DefaultCurrency)) != 3 {
		return errors.New("fulfillment.defaultCurrency must be an ISO 4217 code")
	}
	if cfg.StaleCartAfter <= 0 {
		return errors.New("fulfillment.staleCartAfter must be positive")
	}
	if cfg.CartMutationRate <= 0 || cfg.CartMutationBurst <= 0 {
		return errors.New("fulfillment.cartMutation rate and burst must be positive")
	}
	return nil
}
