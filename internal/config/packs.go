package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/gosimple/slug"
	"github.com/spf13/viper"
)

// CreditPack describes one purchasable credit bundle.
type CreditPack struct {
	Name       string `mapstructure:"name"`
	Code       string `mapstructure:"code"`
	AmountPaid int64  `mapstructure:"amountPaid"`
	Credits    int64  `mapstructure:"credits"`
}

// PacksConfig is the catalog purchases are reconciled against.
type PacksConfig struct {
	Packs []CreditPack `mapstructure:"packs"`
}

func DefaultPacksConfig() PacksConfig {
	return PacksConfig{
		Packs: []CreditPack{
			{Name: "Starter Pack", AmountPaid: 499, Credits: 1000},
			{Name: "Plus Pack", AmountPaid: 999, Credits: 2500},
			{Name: "Pro Pack", AmountPaid: 2499, Credits: 9990},
		},
	}
}

// PacksConfigHolder serves the current catalog and hot-reloads it on file change.
type PacksConfigHolder struct {
	current atomic.Value // holds PacksConfig
}

func NewPacksConfigHolder(cfg Config) (*PacksConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("packs")
	v.SetConfigType("yml")
	if path := strings.TrimSpace(cfg.PacksConfigPath); path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath("/var/lib/creditledger/config") // Volume-mounted config
	v.AddConfigPath("/etc/creditledger")            // System config
	v.AddConfigPath(".")                            // Current directory (dev mode)

	v.SetEnvPrefix("CREDITLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// if config file not found, use defaults
		defaults := DefaultPacksConfig()
		v.SetDefault("packs", defaults.Packs)
	}

	var parsed PacksConfig
	if err := v.Unmarshal(&parsed); err != nil {
		return nil, err
	}
	parsed = normalizePacks(parsed)
	if err := validatePacksConfig(parsed); err != nil {
		return nil, err
	}

	holder := &PacksConfigHolder{}
	holder.current.Store(parsed)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PacksConfig
		if err := v.Unmarshal(&updated); err != nil {
			log.Printf("[packs-config] reload failed: %v", err)
			return
		}
		updated = normalizePacks(updated)
		if err := validatePacksConfig(updated); err != nil {
			log.Printf("[packs-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[packs-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PacksConfigHolder) Get() PacksConfig {
	return h.current.Load().(PacksConfig)
}

// Match returns the catalog pack matching a confirmed payment, if any.
func (h *PacksConfigHolder) Match(amountPaid, credits int64) (CreditPack, bool) {
	for _, pack := range h.Get().Packs {
		if pack.AmountPaid == amountPaid && pack.Credits == credits {
			return pack, true
		}
	}
	return CreditPack{}, false
}

func normalizePacks(cfg PacksConfig) PacksConfig {
	out := make([]CreditPack, 0, len(cfg.Packs))
	for _, pack := range cfg.Packs {
		pack.Name = strings.TrimSpace(pack.Name)
		pack.Code = strings.TrimSpace(pack.Code)
		if pack.Code == "" {
			pack.Code = slug.Make(pack.Name)
		}
		out = append(out, pack)
	}
	cfg.Packs = out
	return cfg
}

func validatePacksConfig(cfg PacksConfig) error {
	if len(cfg.Packs) == 0 {
		return errors.New("packs cannot be empty")
	}
	seen := map[string]struct{}{}
	for _, pack := range cfg.Packs {
		if pack.Code == "" {
			return errors.New("pack code cannot be empty")
		}
		if _, dup := seen[pack.Code]; dup {
			return errors.New("duplicate pack code " + pack.Code)
		}
		seen[pack.Code] = struct{}{}
		if pack.AmountPaid <= 0 || pack.Credits <= 0 {
			return errors.New("pack " + pack.Code + " must have positive amountPaid and credits")
		}
	}
	return nil
}
