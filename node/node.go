// Package node assembles the running service: config, logger, mongo,
// per-model exchange clients, the engine, the sync loop and the HTTP API.
package node

import (
	"context"
	"log"
	"time"

	"github.com/algoaster/algoarena-v1/engine"
	"github.com/algoaster/algoarena-v1/exchange"
	"github.com/algoaster/algoarena-v1/exchange/aster"
	"github.com/algoaster/algoarena-v1/market"
	"github.com/algoaster/algoarena-v1/risk"
	"github.com/algoaster/algoarena-v1/storage"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/xyths/hs"
	"github.com/xyths/hs/broadcast"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

const defaultSyncInterval = 30 * time.Second

type Node struct {
	config Config
	Sugar  *zap.SugaredLogger

	db       *mongo.Database
	store    *storage.MongoStore
	engine   *engine.Engine
	analyzer *market.Analyzer
	marketEx exchange.Client
	robots   []broadcast.Broadcaster
	interval time.Duration
}

func New(configFilename string) *Node {
	_ = godotenv.Load()
	cfg := Config{}
	if err := hs.ParseJsonConfig(configFilename, &cfg); err != nil {
		log.Fatal(err)
	}
	l, err := hs.NewZapLogger(cfg.Log)
	if err != nil {
		log.Fatal(err)
	}
	l.Sugar().Info("logger initialized")
	return &Node{
		config: cfg,
		Sugar:  l.Sugar(),
	}
}

func (n *Node) Init(ctx context.Context) error {
	db, err := hs.ConnectMongo(ctx, n.config.Mongo)
	if err != nil {
		return errors.Wrap(err, "connect mongo")
	}
	n.db = db
	n.store = storage.NewMongoStore(db)
	if err := n.store.EnsureIndexes(ctx); err != nil {
		return err
	}

	limits := risk.DefaultLimits()
	if n.config.Risk != nil {
		limits = *n.config.Risk
	}
	n.engine = engine.New(n.store, limits, n.Sugar)
	if len(n.config.Exchange.Models) == 0 {
		return errors.New("no models configured")
	}
	for _, m := range n.config.Exchange.Models {
		key, secret := m.Credentials()
		if key == "" || secret == "" {
			return errors.Errorf("model %s has no credentials", m.Name)
		}
		client := aster.New(n.config.Exchange.Host, key, secret, n.Sugar)
		n.engine.RegisterModel(m.Name, client)
		if n.marketEx == nil {
			// ticker endpoints are unsigned, any client serves market data
			n.marketEx = client
		}
		n.Sugar.Infof("model %s registered", m.Name)
	}
	n.initRobots()
	n.engine.SetRobots(n.robots)

	n.analyzer = market.NewAnalyzer(n.store, n.Sugar)

	n.interval = defaultSyncInterval
	if n.config.Sync.Interval != "" {
		d, err := time.ParseDuration(n.config.Sync.Interval)
		if err != nil {
			return errors.Wrapf(err, "parse sync interval %q", n.config.Sync.Interval)
		}
		n.interval = d
	}
	return nil
}

func (n *Node) initRobots() {
	for _, conf := range n.config.Robots {
		n.robots = append(n.robots, broadcast.New(conf))
	}
}

func (n *Node) Engine() *engine.Engine {
	return n.engine
}

// Serve runs the HTTP API and the sync loop until the context is done.
func (n *Node) Serve(ctx context.Context) error {
	go n.syncLoop(ctx)
	return n.serveHTTP(ctx)
}

func (n *Node) syncLoop(ctx context.Context) {
	n.Sugar.Infof("sync loop started, interval %s", n.interval)
	for {
		select {
		case <-ctx.Done():
			n.Sugar.Info("sync loop stopped")
			return
		case <-time.After(n.interval):
			n.engine.Sync(ctx)
			n.syncPrices(ctx)
		}
	}
}

// syncPrices records a ticker point for every configured symbol so the
// grid reference price and market analytics have history to work with.
func (n *Node) syncPrices(ctx context.Context) {
	if len(n.config.Symbols) == 0 || n.marketEx == nil {
		return
	}
	for _, symbol := range n.config.Symbols {
		ticker, err := n.marketEx.Ticker(ctx, symbol)
		if err != nil {
			n.Sugar.Warnf("ticker %s: %s", symbol, err)
			continue
		}
		if err := n.store.InsertPrice(ctx, tickerPoint(ticker)); err != nil {
			n.Sugar.Errorf("save price %s: %s", symbol, err)
		}
	}
}

func (n *Node) Close(ctx context.Context) {
	if n.db != nil {
		if err := n.db.Client().Disconnect(ctx); err != nil {
			n.Sugar.Errorf("disconnect mongo: %s", err)
		}
	}
}
