package exchange

import (
	"net/http"
	"sort"
	"sync"

	"marketflow/config"
	"marketflow/models"
)

// Registry maps exchange ids to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.ExchangeID]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.ExchangeID]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its exchange id.
func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	r.adapters[a.ID()] = a
	r.mu.Unlock()
}

// Get returns the adapter for id or a *models.ConfigurationError.
func (r *Registry) Get(id models.ExchangeID) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &models.ConfigurationError{Exchange: id, Reason: "unknown exchange"}
	}
	return a, nil
}

// Supports reports whether id is registered and streams the market type.
func (r *Registry) Supports(id models.ExchangeID, market models.MarketType) bool {
	a, err := r.Get(id)
	if err != nil {
		return false
	}
	return a.Config().Supports(market)
}

// IDs lists registered exchanges in priority order.
func (r *Registry) IDs() []models.ExchangeID {
	r.mu.RLock()
	ids := make([]models.ExchangeID, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := ids[i].Priority(), ids[j].Priority()
		if pi != pj {
			return pi < pj
		}
		return ids[i] < ids[j]
	})
	return ids
}

// DefaultRegistry builds every built in adapter with the yaml overrides
// from cfg applied. cfg may be nil. client is used for token bootstrap.
func DefaultRegistry(cfg *config.Config, client *http.Client) *Registry {
	o := func(id models.ExchangeID) ProtocolConfig { return overrides(cfg, id) }
	r := NewRegistry(
		NewBinance(o(models.Binance)),
		NewBybit(o(models.Bybit)),
		NewOKX(o(models.OKX)),
		NewCoinbase(o(models.Coinbase)),
		NewKraken(o(models.Kraken)),
		NewKuCoin(o(models.KuCoin), client),
	)

	// compression can only be switched off explicitly
	if cfg != nil {
		if ex, ok := cfg.Exchanges[string(models.OKX)]; ok && ex.Compression != nil && !*ex.Compression {
			pc := okxDefaults.Merge(o(models.OKX))
			pc.Compression = false
			r.Register(&OKX{cfg: pc})
		}
	}
	return r
}

func overrides(cfg *config.Config, id models.ExchangeID) ProtocolConfig {
	pc := ProtocolConfig{Exchange: id}
	if cfg == nil {
		return pc
	}
	ex, ok := cfg.Exchanges[string(id)]
	if !ok {
		return pc
	}
	if len(ex.URLs) > 0 {
		pc.URLs = make(map[models.MarketType]string, len(ex.URLs))
		for name, u := range ex.URLs {
			if mt, err := models.ParseMarketType(name); err == nil {
				pc.URLs[mt] = u
			}
		}
	}
	if ex.Compression != nil && *ex.Compression {
		pc.Compression = true
	}
	pc.PingInterval = ex.PingInterval
	pc.SubscribeBatch = ex.SubscribeBatch
	pc.MessagesPerSecond = ex.MessagesPerSecond
	return pc
}
