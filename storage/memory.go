package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/algoaster/algoarena-v1/trade"
	"github.com/shopspring/decimal"
)

// MemoryStore is a mutex-guarded in-memory Store, used for tests and
// dry runs. It mirrors MongoStore semantics, including the single live
// config per (model, symbol).
type MemoryStore struct {
	mu        sync.Mutex
	seq       int64
	configs   map[int64]trade.GridConfig
	levels    map[string]trade.GridLevel
	orders    map[string]trade.Order
	positions map[string]trade.PositionSnapshot
	prices    []trade.PricePoint
	metrics   []trade.PnlMetrics
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs:   make(map[int64]trade.GridConfig),
		levels:    make(map[string]trade.GridLevel),
		orders:    make(map[string]trade.Order),
		positions: make(map[string]trade.PositionSnapshot),
	}
}

func (s *MemoryStore) NextConfigID(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}

func (s *MemoryStore) SaveConfig(_ context.Context, cfg trade.GridConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	cfg.UpdatedAt = time.Now().UTC()
	s.configs[cfg.ID] = cfg
	return nil
}

func (s *MemoryStore) UpdateConfigState(_ context.Context, id int64, state trade.ConfigState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[id]
	if !ok {
		return ErrNotFound
	}
	cfg.State = state
	cfg.UpdatedAt = time.Now().UTC()
	s.configs[id] = cfg
	return nil
}

func (s *MemoryStore) CurrentConfig(_ context.Context, model, symbol string) (trade.GridConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cfg := range s.configs {
		if cfg.Model == model && cfg.Symbol == symbol && cfg.State != trade.ConfigSuperseded {
			return cfg, nil
		}
	}
	return trade.GridConfig{}, ErrNotFound
}

func (s *MemoryStore) CurrentConfigs(_ context.Context, model string) ([]trade.GridConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []trade.GridConfig
	for _, cfg := range s.configs {
		if cfg.Model == model && cfg.State != trade.ConfigSuperseded {
			out = append(out, cfg)
		}
	}
	sortConfigs(out)
	return out, nil
}

func (s *MemoryStore) AllCurrentConfigs(_ context.Context) ([]trade.GridConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []trade.GridConfig
	for _, cfg := range s.configs {
		if cfg.State != trade.ConfigSuperseded {
			out = append(out, cfg)
		}
	}
	sortConfigs(out)
	return out, nil
}

func sortConfigs(configs []trade.GridConfig) {
	sort.Slice(configs, func(i, j int) bool { return configs[i].ID < configs[j].ID })
}

func (s *MemoryStore) SaveLevel(_ context.Context, level trade.GridLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	level.UpdatedAt = time.Now().UTC()
	s.levels[level.ClientOrderID] = level
	return nil
}

func (s *MemoryStore) UpdateLevelState(_ context.Context, clientOrderID string, state trade.LevelState, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	level, ok := s.levels[clientOrderID]
	if !ok {
		return ErrNotFound
	}
	level.State = state
	level.LastError = lastError
	level.UpdatedAt = time.Now().UTC()
	s.levels[clientOrderID] = level
	return nil
}

func (s *MemoryStore) IncLevelAttempts(_ context.Context, clientOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	level, ok := s.levels[clientOrderID]
	if !ok {
		return ErrNotFound
	}
	level.Attempts++
	level.UpdatedAt = time.Now().UTC()
	s.levels[clientOrderID] = level
	return nil
}

func (s *MemoryStore) LevelsByConfig(_ context.Context, configID int64) ([]trade.GridLevel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []trade.GridLevel
	for _, level := range s.levels {
		if level.ConfigID == configID {
			out = append(out, level)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].Generation < out[j].Generation
	})
	return out, nil
}

func (s *MemoryStore) UpsertOrder(_ context.Context, order trade.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.orders[order.ClientOrderID]; ok {
		order.CreatedAt = existing.CreatedAt
	} else if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.UpdatedAt = time.Now().UTC()
	s.orders[order.ClientOrderID] = order
	return nil
}

func (s *MemoryStore) Order(_ context.Context, clientOrderID string) (trade.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[clientOrderID]
	if !ok {
		return trade.Order{}, ErrNotFound
	}
	return order, nil
}

func (s *MemoryStore) Orders(_ context.Context, model, symbol string) ([]trade.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []trade.Order
	for _, order := range s.orders {
		if model != "" && order.Model != model {
			continue
		}
		if symbol != "" && order.Symbol != symbol {
			continue
		}
		out = append(out, order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientOrderID < out[j].ClientOrderID })
	return out, nil
}

func (s *MemoryStore) DailyPnl(_ context.Context, model string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	sum := decimal.Zero
	for _, order := range s.orders {
		if order.Model == model && !order.UpdatedAt.Before(midnight) {
			sum = sum.Add(order.Pnl)
		}
	}
	return sum, nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, pos trade.PositionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos.UpdatedAt = time.Now().UTC()
	s.positions[pos.Model+"/"+pos.Symbol] = pos
	return nil
}

func (s *MemoryStore) Position(_ context.Context, model, symbol string) (trade.PositionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[model+"/"+symbol]
	if !ok {
		return trade.PositionSnapshot{}, ErrNotFound
	}
	return pos, nil
}

func (s *MemoryStore) Positions(_ context.Context, model string) ([]trade.PositionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []trade.PositionSnapshot
	for _, pos := range s.positions {
		if pos.Model == model {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) InsertPrice(_ context.Context, p trade.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	s.prices = append(s.prices, p)
	return nil
}

func (s *MemoryStore) LatestPrice(_ context.Context, symbol string) (trade.PricePoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *trade.PricePoint
	for i := range s.prices {
		p := &s.prices[i]
		if p.Symbol != symbol {
			continue
		}
		if latest == nil || p.Timestamp.After(latest.Timestamp) {
			latest = p
		}
	}
	if latest == nil {
		return trade.PricePoint{}, ErrNotFound
	}
	return *latest, nil
}

func (s *MemoryStore) PriceHistory(_ context.Context, symbol string, since time.Time) ([]trade.PricePoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []trade.PricePoint
	for _, p := range s.prices {
		if p.Symbol == symbol && !p.Timestamp.Before(since) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) SaveMetrics(_ context.Context, m trade.PnlMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	s.metrics = append(s.metrics, m)
	return nil
}
