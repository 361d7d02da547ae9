package identity

import (
	"sort"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("auth.identity",
	fx.Provide(NewRegistry),
)

// Registry resolves identity providers by key. Only enabled providers
// are resolvable. The backing file is hot-reloaded; an invalid update
// is ignored and the previous set stays active.
type Registry struct {
	current atomic.Value // holds map[string]Provider
	log     *zap.Logger
}

type providerFile struct {
	Providers []providerEntry `mapstructure:"providers"`
}

type providerEntry struct {
	Key          string   `mapstructure:"key"`
	Name         string   `mapstructure:"name"`
	Enabled      bool     `mapstructure:"enabled"`
	AllowSignUp  bool     `mapstructure:"allowSignUp"`
	Kind         string   `mapstructure:"kind"`
	ClientID     string   `mapstructure:"clientId"`
	ClientSecret string   `mapstructure:"clientSecret"`
	AuthURL      string   `mapstructure:"authUrl"`
	TokenURL     string   `mapstructure:"tokenUrl"`
	APIURL       string   `mapstructure:"apiUrl"`
	Scopes       []string `mapstructure:"scopes"`
}

func NewRegistry(cfg config.Config, log *zap.Logger) (*Registry, error) {
	r := &Registry{log: log.Named("auth.identity")}
	r.current.Store(map[string]Provider{})

	if cfg.ProvidersFile == "" {
		return r, nil
	}

	v := viper.New()
	v.SetConfigFile(cfg.ProvidersFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	providers, err := parseProviders(v)
	if err != nil {
		return nil, err
	}
	r.current.Store(providers)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := parseProviders(v)
		if err != nil {
			r.log.Warn("invalid provider config ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		r.current.Store(updated)
		r.log.Info("identity providers reloaded", zap.String("file", e.Name), zap.Int("count", len(updated)))
	})

	return r, nil
}

func parseProviders(v *viper.Viper) (map[string]Provider, error) {
	var file providerFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, err
	}

	providers := make(map[string]Provider, len(file.Providers))
	for _, entry := range file.Providers {
		p := Provider{
			Key:          strings.ToLower(strings.TrimSpace(entry.Key)),
			Name:         entry.Name,
			Enabled:      entry.Enabled,
			AllowsSignUp: entry.AllowSignUp,
			Kind:         ProviderKind(strings.ToLower(strings.TrimSpace(entry.Kind))),
		}
		if p.Kind == "" {
			p.Kind = KindBase
		}
		if p.Kind == KindOAuth2 {
			p.OAuth2 = &OAuth2Settings{
				ClientID:     entry.ClientID,
				ClientSecret: entry.ClientSecret,
				AuthURL:      entry.AuthURL,
				TokenURL:     entry.TokenURL,
				APIURL:       entry.APIURL,
				Scopes:       entry.Scopes,
			}
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		providers[p.Key] = p
	}
	return providers, nil
}

// Resolve returns the enabled provider registered under key.
func (r *Registry) Resolve(key string) (Provider, error) {
	providers := r.current.Load().(map[string]Provider)
	p, ok := providers[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return Provider{}, ErrProviderNotFound
	}
	if !p.Enabled {
		return Provider{}, ErrProviderDisabled
	}
	return p, nil
}

// List returns the enabled providers, sorted by key.
func (r *Registry) List() []Provider {
	providers := r.current.Load().(map[string]Provider)
	out := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Register installs or replaces a provider at runtime. Used by tests
// and by embedded deployments that configure providers in code.
func (r *Registry) Register(p Provider) error {
	if err := p.validate(); err != nil {
		return err
	}
	old := r.current.Load().(map[string]Provider)
	next := make(map[string]Provider, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[strings.ToLower(p.Key)] = p
	r.current.Store(next)
	return nil
}
