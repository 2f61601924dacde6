package storage

import (
	"context"
	"time"

	"github.com/algoaster/algoarena-v1/trade"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collConfigs   = "configs"
	collLevels    = "levels"
	collOrders    = "orders"
	collPositions = "positions"
	collPrices    = "prices"
	collMetrics   = "metrics"
	collState     = "state"
)

// MongoStore implements Store on a mongo database. Decimals are stored
// as strings so no precision is lost in BSON.
type MongoStore struct {
	db *mongo.Database
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{db: db}
}

// EnsureIndexes creates the unique constraints the idempotency guarantee
// rests on: one order row per client order id, one level row per client
// order id, and at most one live config per (model, symbol).
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	if _, err := s.db.Collection(collOrders).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "clientOrderId", Value: 1}},
		Options: unique,
	}); err != nil {
		return errors.Wrap(err, "orders index")
	}
	if _, err := s.db.Collection(collLevels).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "clientOrderId", Value: 1}},
		Options: unique,
	}); err != nil {
		return errors.Wrap(err, "levels index")
	}
	if _, err := s.db.Collection(collConfigs).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "model", Value: 1}, {Key: "symbol", Value: 1}},
		Options: options.Index().
			SetUnique(true).
			SetPartialFilterExpression(bson.D{{Key: "live", Value: true}}),
	}); err != nil {
		return errors.Wrap(err, "configs index")
	}
	if _, err := s.db.Collection(collPrices).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "symbol", Value: 1}, {Key: "timestamp", Value: -1}},
	}); err != nil {
		return errors.Wrap(err, "prices index")
	}
	return nil
}

func (s *MongoStore) NextConfigID(ctx context.Context) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.db.Collection(collState).FindOneAndUpdate(
		ctx,
		bson.D{{Key: "_id", Value: "configSeq"}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "seq", Value: int64(1)}}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, errors.Wrap(err, "next config id")
	}
	return doc.Seq, nil
}

type configRow struct {
	ID             int64     `bson:"_id"`
	Model          string    `bson:"model"`
	Symbol         string    `bson:"symbol"`
	Lower          string    `bson:"lower"`
	Upper          string    `bson:"upper"`
	Grids          int       `bson:"grids"`
	Spacing        string    `bson:"spacing"`
	BaseAllocation string    `bson:"baseAllocation"`
	Leverage       int       `bson:"leverage"`
	EntryMode      string    `bson:"entryMode"`
	TpPct          string    `bson:"tpPct"`
	SlPct          string    `bson:"slPct"`
	Rebalance      bool      `bson:"rebalance"`
	State          string    `bson:"state"`
	Live           bool      `bson:"live"`
	CreatedAt      time.Time `bson:"createdAt"`
	UpdatedAt      time.Time `bson:"updatedAt"`
}

func toConfigRow(c trade.GridConfig) configRow {
	return configRow{
		ID:             c.ID,
		Model:          c.Model,
		Symbol:         c.Symbol,
		Lower:          c.Lower.String(),
		Upper:          c.Upper.String(),
		Grids:          c.Grids,
		Spacing:        string(c.Spacing),
		BaseAllocation: c.BaseAllocation.String(),
		Leverage:       c.Leverage,
		EntryMode:      string(c.EntryMode),
		TpPct:          c.TpPct.String(),
		SlPct:          c.SlPct.String(),
		Rebalance:      c.Rebalance,
		State:          string(c.State),
		Live:           c.State != trade.ConfigSuperseded,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func (r configRow) toConfig() trade.GridConfig {
	return trade.GridConfig{
		ID:             r.ID,
		Model:          r.Model,
		Symbol:         r.Symbol,
		Lower:          mustDec(r.Lower),
		Upper:          mustDec(r.Upper),
		Grids:          r.Grids,
		Spacing:        trade.Spacing(r.Spacing),
		BaseAllocation: mustDec(r.BaseAllocation),
		Leverage:       r.Leverage,
		EntryMode:      trade.EntryMode(r.EntryMode),
		TpPct:          mustDec(r.TpPct),
		SlPct:          mustDec(r.SlPct),
		Rebalance:      r.Rebalance,
		State:          trade.ConfigState(r.State),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func (s *MongoStore) SaveConfig(ctx context.Context, cfg trade.GridConfig) error {
	row := toConfigRow(cfg)
	_, err := s.db.Collection(collConfigs).ReplaceOne(
		ctx,
		bson.D{{Key: "_id", Value: row.ID}},
		row,
		options.Replace().SetUpsert(true),
	)
	return errors.Wrap(err, "save config")
}

func (s *MongoStore) UpdateConfigState(ctx context.Context, id int64, state trade.ConfigState) error {
	_, err := s.db.Collection(collConfigs).UpdateOne(
		ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{
			{Key: "$set", Value: bson.D{
				{Key: "state", Value: string(state)},
				{Key: "live", Value: state != trade.ConfigSuperseded},
				{Key: "updatedAt", Value: time.Now().UTC()},
			}},
		},
	)
	return errors.Wrap(err, "update config state")
}

func (s *MongoStore) CurrentConfig(ctx context.Context, model, symbol string) (trade.GridConfig, error) {
	var row configRow
	err := s.db.Collection(collConfigs).FindOne(ctx, bson.D{
		{Key: "model", Value: model},
		{Key: "symbol", Value: symbol},
		{Key: "live", Value: true},
	}).Decode(&row)
	if err == mongo.ErrNoDocuments {
		return trade.GridConfig{}, ErrNotFound
	}
	if err != nil {
		return trade.GridConfig{}, errors.Wrap(err, "current config")
	}
	return row.toConfig(), nil
}

func (s *MongoStore) CurrentConfigs(ctx context.Context, model string) ([]trade.GridConfig, error) {
	return s.findConfigs(ctx, bson.D{{Key: "model", Value: model}, {Key: "live", Value: true}})
}

func (s *MongoStore) AllCurrentConfigs(ctx context.Context) ([]trade.GridConfig, error) {
	return s.findConfigs(ctx, bson.D{{Key: "live", Value: true}})
}

func (s *MongoStore) findConfigs(ctx context.Context, filter bson.D) ([]trade.GridConfig, error) {
	cursor, err := s.db.Collection(collConfigs).Find(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "find configs")
	}
	var rows []configRow
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, errors.Wrap(err, "decode configs")
	}
	configs := make([]trade.GridConfig, 0, len(rows))
	for _, r := range rows {
		configs = append(configs, r.toConfig())
	}
	return configs, nil
}

type levelRow struct {
	ClientOrderID string    `bson:"clientOrderId"`
	ConfigID      int64     `bson:"configId"`
	Model         string    `bson:"model"`
	Symbol        string    `bson:"symbol"`
	Index         int       `bson:"index"`
	Price         string    `bson:"price"`
	Side          string    `bson:"side"`
	Qty           string    `bson:"qty"`
	Generation    int       `bson:"generation"`
	State         string    `bson:"state"`
	Attempts      int       `bson:"attempts"`
	LastError     string    `bson:"lastError,omitempty"`
	UpdatedAt     time.Time `bson:"updatedAt"`
}

func (r levelRow) toLevel() trade.GridLevel {
	return trade.GridLevel{
		ConfigID:      r.ConfigID,
		Model:         r.Model,
		Symbol:        r.Symbol,
		Index:         r.Index,
		Price:         mustDec(r.Price),
		Side:          trade.Side(r.Side),
		Qty:           mustDec(r.Qty),
		ClientOrderID: r.ClientOrderID,
		Generation:    r.Generation,
		State:         trade.LevelState(r.State),
		Attempts:      r.Attempts,
		LastError:     r.LastError,
		UpdatedAt:     r.UpdatedAt,
	}
}

func (s *MongoStore) SaveLevel(ctx context.Context, level trade.GridLevel) error {
	row := levelRow{
		ClientOrderID: level.ClientOrderID,
		ConfigID:      level.ConfigID,
		Model:         level.Model,
		Symbol:        level.Symbol,
		Index:         level.Index,
		Price:         level.Price.String(),
		Side:          string(level.Side),
		Qty:           level.Qty.String(),
		Generation:    level.Generation,
		State:         string(level.State),
		Attempts:      level.Attempts,
		LastError:     level.LastError,
		UpdatedAt:     time.Now().UTC(),
	}
	_, err := s.db.Collection(collLevels).UpdateOne(
		ctx,
		bson.D{{Key: "clientOrderId", Value: row.ClientOrderID}},
		bson.D{{Key: "$set", Value: row}},
		options.Update().SetUpsert(true),
	)
	if IsDuplicateError(err) {
		// two upserts raced on the unique index; the row exists now,
		// so the retry takes the update path
		_, err = s.db.Collection(collLevels).UpdateOne(
			ctx,
			bson.D{{Key: "clientOrderId", Value: row.ClientOrderID}},
			bson.D{{Key: "$set", Value: row}},
		)
	}
	return errors.Wrap(err, "save level")
}

func (s *MongoStore) UpdateLevelState(ctx context.Context, clientOrderID string, state trade.LevelState, lastError string) error {
	_, err := s.db.Collection(collLevels).UpdateOne(
		ctx,
		bson.D{{Key: "clientOrderId", Value: clientOrderID}},
		bson.D{
			{Key: "$set", Value: bson.D{
				{Key: "state", Value: string(state)},
				{Key: "lastError", Value: lastError},
				{Key: "updatedAt", Value: time.Now().UTC()},
			}},
		},
	)
	return errors.Wrap(err, "update level state")
}

func (s *MongoStore) IncLevelAttempts(ctx context.Context, clientOrderID string) error {
	_, err := s.db.Collection(collLevels).UpdateOne(
		ctx,
		bson.D{{Key: "clientOrderId", Value: clientOrderID}},
		bson.D{
			{Key: "$inc", Value: bson.D{{Key: "attempts", Value: 1}}},
			{Key: "$set", Value: bson.D{{Key: "updatedAt", Value: time.Now().UTC()}}},
		},
	)
	return errors.Wrap(err, "inc level attempts")
}

func (s *MongoStore) LevelsByConfig(ctx context.Context, configID int64) ([]trade.GridLevel, error) {
	cursor, err := s.db.Collection(collLevels).Find(
		ctx,
		bson.D{{Key: "configId", Value: configID}},
		options.Find().SetSort(bson.D{{Key: "index", Value: 1}, {Key: "generation", Value: 1}}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "find levels")
	}
	var rows []levelRow
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, errors.Wrap(err, "decode levels")
	}
	levels := make([]trade.GridLevel, 0, len(rows))
	for _, r := range rows {
		levels = append(levels, r.toLevel())
	}
	return levels, nil
}

type orderRow struct {
	ClientOrderID   string    `bson:"clientOrderId"`
	Model           string    `bson:"model"`
	Symbol          string    `bson:"symbol"`
	ExchangeOrderID int64     `bson:"exchangeOrderId,omitempty"`
	Side            string    `bson:"side"`
	Price           string    `bson:"price"`
	Qty             string    `bson:"qty"`
	FilledQty       string    `bson:"filledQty"`
	Status          string    `bson:"status"`
	Fee             string    `bson:"fee"`
	Pnl             string    `bson:"pnl"`
	CreatedAt       time.Time `bson:"createdAt"`
	UpdatedAt       time.Time `bson:"updatedAt"`
}

func (r orderRow) toOrder() trade.Order {
	return trade.Order{
		Model:           r.Model,
		Symbol:          r.Symbol,
		ClientOrderID:   r.ClientOrderID,
		ExchangeOrderID: r.ExchangeOrderID,
		Side:            trade.Side(r.Side),
		Price:           mustDec(r.Price),
		Qty:             mustDec(r.Qty),
		FilledQty:       mustDec(r.FilledQty),
		Status:          trade.OrderStatus(r.Status),
		Fee:             mustDec(r.Fee),
		Pnl:             mustDec(r.Pnl),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func (s *MongoStore) UpsertOrder(ctx context.Context, order trade.Order) error {
	now := time.Now().UTC()
	created := order.CreatedAt
	if created.IsZero() {
		created = now
	}
	set := bson.D{
		{Key: "model", Value: order.Model},
		{Key: "symbol", Value: order.Symbol},
		{Key: "exchangeOrderId", Value: order.ExchangeOrderID},
		{Key: "side", Value: string(order.Side)},
		{Key: "price", Value: order.Price.String()},
		{Key: "qty", Value: order.Qty.String()},
		{Key: "filledQty", Value: order.FilledQty.String()},
		{Key: "status", Value: string(order.Status)},
		{Key: "fee", Value: order.Fee.String()},
		{Key: "pnl", Value: order.Pnl.String()},
		{Key: "updatedAt", Value: now},
	}
	_, err := s.db.Collection(collOrders).UpdateOne(
		ctx,
		bson.D{{Key: "clientOrderId", Value: order.ClientOrderID}},
		bson.D{
			{Key: "$set", Value: set},
			{Key: "$setOnInsert", Value: bson.D{{Key: "createdAt", Value: created}}},
		},
		options.Update().SetUpsert(true),
	)
	if IsDuplicateError(err) {
		// upsert race on the unique index, the retry matches the
		// freshly inserted row
		_, err = s.db.Collection(collOrders).UpdateOne(
			ctx,
			bson.D{{Key: "clientOrderId", Value: order.ClientOrderID}},
			bson.D{{Key: "$set", Value: set}},
		)
	}
	return errors.Wrap(err, "upsert order")
}

func (s *MongoStore) Order(ctx context.Context, clientOrderID string) (trade.Order, error) {
	var row orderRow
	err := s.db.Collection(collOrders).FindOne(ctx, bson.D{
		{Key: "clientOrderId", Value: clientOrderID},
	}).Decode(&row)
	if err == mongo.ErrNoDocuments {
		return trade.Order{}, ErrNotFound
	}
	if err != nil {
		return trade.Order{}, errors.Wrap(err, "find order")
	}
	return row.toOrder(), nil
}

func (s *MongoStore) Orders(ctx context.Context, model, symbol string) ([]trade.Order, error) {
	filter := bson.D{}
	if model != "" {
		filter = append(filter, bson.E{Key: "model", Value: model})
	}
	if symbol != "" {
		filter = append(filter, bson.E{Key: "symbol", Value: symbol})
	}
	cursor, err := s.db.Collection(collOrders).Find(
		ctx, filter,
		options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "find orders")
	}
	var rows []orderRow
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, errors.Wrap(err, "decode orders")
	}
	orders := make([]trade.Order, 0, len(rows))
	for _, r := range rows {
		orders = append(orders, r.toOrder())
	}
	return orders, nil
}

func (s *MongoStore) DailyPnl(ctx context.Context, model string) (decimal.Decimal, error) {
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	cursor, err := s.db.Collection(collOrders).Find(ctx, bson.D{
		{Key: "model", Value: model},
		{Key: "updatedAt", Value: bson.D{{Key: "$gte", Value: midnight}}},
	})
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "daily pnl")
	}
	var rows []orderRow
	if err := cursor.All(ctx, &rows); err != nil {
		return decimal.Zero, errors.Wrap(err, "decode daily pnl")
	}
	sum := decimal.Zero
	for _, r := range rows {
		sum = sum.Add(mustDec(r.Pnl))
	}
	return sum, nil
}

func (s *MongoStore) UpsertPosition(ctx context.Context, pos trade.PositionSnapshot) error {
	_, err := s.db.Collection(collPositions).UpdateOne(
		ctx,
		bson.D{{Key: "model", Value: pos.Model}, {Key: "symbol", Value: pos.Symbol}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "model", Value: pos.Model},
			{Key: "symbol", Value: pos.Symbol},
			{Key: "positionAmt", Value: pos.PositionAmt.String()},
			{Key: "entryPrice", Value: pos.EntryPrice.String()},
			{Key: "markPrice", Value: pos.MarkPrice.String()},
			{Key: "unrealizedPnl", Value: pos.UnrealizedPnl.String()},
			{Key: "leverage", Value: pos.Leverage},
			{Key: "updatedAt", Value: time.Now().UTC()},
		}}},
		options.Update().SetUpsert(true),
	)
	return errors.Wrap(err, "upsert position")
}

type positionRow struct {
	Model         string    `bson:"model"`
	Symbol        string    `bson:"symbol"`
	PositionAmt   string    `bson:"positionAmt"`
	EntryPrice    string    `bson:"entryPrice"`
	MarkPrice     string    `bson:"markPrice"`
	UnrealizedPnl string    `bson:"unrealizedPnl"`
	Leverage      int       `bson:"leverage"`
	UpdatedAt     time.Time `bson:"updatedAt"`
}

func (r positionRow) toSnapshot() trade.PositionSnapshot {
	return trade.PositionSnapshot{
		Model:         r.Model,
		Symbol:        r.Symbol,
		PositionAmt:   mustDec(r.PositionAmt),
		EntryPrice:    mustDec(r.EntryPrice),
		MarkPrice:     mustDec(r.MarkPrice),
		UnrealizedPnl: mustDec(r.UnrealizedPnl),
		Leverage:      r.Leverage,
		UpdatedAt:     r.UpdatedAt,
	}
}

func (s *MongoStore) Position(ctx context.Context, model, symbol string) (trade.PositionSnapshot, error) {
	var row positionRow
	err := s.db.Collection(collPositions).FindOne(ctx, bson.D{
		{Key: "model", Value: model},
		{Key: "symbol", Value: symbol},
	}).Decode(&row)
	if err == mongo.ErrNoDocuments {
		return trade.PositionSnapshot{}, ErrNotFound
	}
	if err != nil {
		return trade.PositionSnapshot{}, errors.Wrap(err, "find position")
	}
	return row.toSnapshot(), nil
}

func (s *MongoStore) Positions(ctx context.Context, model string) ([]trade.PositionSnapshot, error) {
	opts := options.Find().SetSort(bson.D{{Key: "symbol", Value: 1}})
	cursor, err := s.db.Collection(collPositions).Find(ctx, bson.D{
		{Key: "model", Value: model},
	}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "find positions")
	}
	defer cursor.Close(ctx)
	var out []trade.PositionSnapshot
	for cursor.Next(ctx) {
		var row positionRow
		if err := cursor.Decode(&row); err != nil {
			return nil, errors.Wrap(err, "decode position")
		}
		out = append(out, row.toSnapshot())
	}
	return out, errors.Wrap(cursor.Err(), "iterate positions")
}

func (s *MongoStore) InsertPrice(ctx context.Context, p trade.PricePoint) error {
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.Collection(collPrices).InsertOne(ctx, bson.D{
		{Key: "symbol", Value: p.Symbol},
		{Key: "price", Value: p.Price.String()},
		{Key: "volume", Value: p.Volume.String()},
		{Key: "timestamp", Value: ts},
	})
	return errors.Wrap(err, "insert price")
}

type priceRow struct {
	Symbol    string    `bson:"symbol"`
	Price     string    `bson:"price"`
	Volume    string    `bson:"volume"`
	Timestamp time.Time `bson:"timestamp"`
}

func (s *MongoStore) LatestPrice(ctx context.Context, symbol string) (trade.PricePoint, error) {
	var row priceRow
	err := s.db.Collection(collPrices).FindOne(
		ctx,
		bson.D{{Key: "symbol", Value: symbol}},
		options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}}),
	).Decode(&row)
	if err == mongo.ErrNoDocuments {
		return trade.PricePoint{}, ErrNotFound
	}
	if err != nil {
		return trade.PricePoint{}, errors.Wrap(err, "latest price")
	}
	return trade.PricePoint{
		Symbol:    row.Symbol,
		Price:     mustDec(row.Price),
		Volume:    mustDec(row.Volume),
		Timestamp: row.Timestamp,
	}, nil
}

func (s *MongoStore) PriceHistory(ctx context.Context, symbol string, since time.Time) ([]trade.PricePoint, error) {
	cursor, err := s.db.Collection(collPrices).Find(
		ctx,
		bson.D{
			{Key: "symbol", Value: symbol},
			{Key: "timestamp", Value: bson.D{{Key: "$gte", Value: since}}},
		},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "price history")
	}
	var rows []priceRow
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, errors.Wrap(err, "decode price history")
	}
	points := make([]trade.PricePoint, 0, len(rows))
	for _, r := range rows {
		points = append(points, trade.PricePoint{
			Symbol:    r.Symbol,
			Price:     mustDec(r.Price),
			Volume:    mustDec(r.Volume),
			Timestamp: r.Timestamp,
		})
	}
	return points, nil
}

func (s *MongoStore) SaveMetrics(ctx context.Context, m trade.PnlMetrics) error {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.Collection(collMetrics).InsertOne(ctx, bson.D{
		{Key: "model", Value: m.Model},
		{Key: "symbol", Value: m.Symbol},
		{Key: "pnl", Value: m.Pnl.String()},
		{Key: "dailyPnl", Value: m.DailyPnl.String()},
		{Key: "exposure", Value: m.Exposure.String()},
		{Key: "winRate", Value: m.WinRate.String()},
		{Key: "timestamp", Value: ts},
	})
	return errors.Wrap(err, "save metrics")
}

// IsDuplicateError reports a mongo unique-index violation, used to turn
// a concurrent double insert into an idempotent no-op.
func IsDuplicateError(err error) bool {
	e, ok := err.(mongo.WriteException)
	if !ok {
		return false
	}
	if e.WriteConcernError == nil && len(e.WriteErrors) == 1 && e.WriteErrors[0].Code == 11000 {
		return true
	}
	return false
}

func mustDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
