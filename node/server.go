package node

import (
	"context"
	"net/http"
	"time"

	"github.com/algoaster/algoarena-v1/exchange"
	"github.com/algoaster/algoarena-v1/storage"
	"github.com/algoaster/algoarena-v1/trade"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

func tickerPoint(t exchange.Ticker) trade.PricePoint {
	return trade.PricePoint{
		Symbol: t.Symbol,
		Price:  t.LastPrice,
		Volume: t.Volume,
	}
}

func (n *Node) serveHTTP(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/grid/apply", n.handleApply)
	r.GET("/grid/status", n.handleStatus)
	r.POST("/grid/pause", n.handlePause)
	r.POST("/grid/resume", n.handleResume)

	r.GET("/orders", n.handleOrders)
	r.GET("/positions", n.handlePosition)
	r.GET("/account", n.handleAccount)
	r.GET("/balance", n.handleBalance)
	r.GET("/pnl", n.handlePnl)
	r.GET("/price/latest/:symbol", n.handlePrice)
	r.GET("/price/history/:symbol", n.handlePriceHistory)
	r.POST("/price/update", n.handlePriceUpdate)
	r.GET("/market/analysis", n.handleAnalysis)
	r.GET("/funding/:symbol", n.handleFunding)
	r.POST("/prices/sync", n.handlePriceSync)

	addr := n.config.Server.Addr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		n.Sugar.Infof("http server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	}
}

// abortWith maps domain errors onto HTTP statuses.
func abortWith(c *gin.Context, err error) {
	switch {
	case trade.IsRiskRejected(err):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "class": "risk_rejected"})
	case errors.Is(err, trade.ErrInvalidParameters):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "class": "invalid_parameters"})
	case err == storage.ErrNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, trade.ErrPlacementUncertain):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "class": "placement_uncertain"})
	case errors.Is(err, trade.ErrExchangeUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "class": "exchange_unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (n *Node) handleApply(c *gin.Context) {
	var sig trade.GridSignal
	// SplitAt zero would mean "all sell"; absent must mean default rule
	sig.SplitAt = -1
	if err := c.ShouldBindJSON(&sig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "class": "invalid_parameters"})
		return
	}
	result, err := n.engine.Apply(c.Request.Context(), sig)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func pairParams(c *gin.Context) (model, symbol string, ok bool) {
	model = c.Query("model")
	symbol = c.Query("symbol")
	if model == "" || symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model and symbol are required"})
		return "", "", false
	}
	return model, symbol, true
}

func (n *Node) handleStatus(c *gin.Context) {
	model, symbol, ok := pairParams(c)
	if !ok {
		return
	}
	report, err := n.engine.Status(c.Request.Context(), model, symbol)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (n *Node) handlePause(c *gin.Context) {
	model, symbol, ok := pairParams(c)
	if !ok {
		return
	}
	canceled, err := n.engine.Pause(c.Request.Context(), model, symbol)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"model": model, "symbol": symbol, "canceled": canceled})
}

func (n *Node) handleResume(c *gin.Context) {
	model, symbol, ok := pairParams(c)
	if !ok {
		return
	}
	result, err := n.engine.Resume(c.Request.Context(), model, symbol)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (n *Node) handleOrders(c *gin.Context) {
	orders, err := n.store.Orders(c.Request.Context(), c.Query("model"), c.Query("symbol"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

func (n *Node) handlePosition(c *gin.Context) {
	model, symbol, ok := pairParams(c)
	if !ok {
		return
	}
	pos, err := n.store.Position(c.Request.Context(), model, symbol)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (n *Node) handlePnl(c *gin.Context) {
	model := c.Query("model")
	if model == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model is required"})
		return
	}
	realized, unrealized, err := n.engine.ModelPnl(c.Request.Context(), model)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"model":          model,
		"realized_pnl":   realized,
		"unrealized_pnl": unrealized,
		"daily_pnl":      realized.Add(unrealized),
	})
}

func (n *Node) handleAccount(c *gin.Context) {
	model := c.Query("model")
	if model == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model is required"})
		return
	}
	account, err := n.engine.Account(c.Request.Context(), model)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (n *Node) handleBalance(c *gin.Context) {
	model := c.Query("model")
	if model == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model is required"})
		return
	}
	account, err := n.engine.Account(c.Request.Context(), model)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"model":             model,
		"wallet_balance":    account.TotalWalletBalance,
		"unrealized_profit": account.TotalUnrealizedProfit,
		"available_balance": account.AvailableBalance,
	})
}

func (n *Node) handlePriceHistory(c *gin.Context) {
	window := 24 * time.Hour
	if w := c.Query("window"); w != "" {
		d, err := time.ParseDuration(w)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad window: " + err.Error()})
			return
		}
		window = d
	}
	points, err := n.store.PriceHistory(c.Request.Context(), c.Param("symbol"), time.Now().UTC().Add(-window))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, points)
}

func (n *Node) handlePriceUpdate(c *gin.Context) {
	var point trade.PricePoint
	if err := c.ShouldBindJSON(&point); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if point.Symbol == "" || !point.Price.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol and a positive price are required"})
		return
	}
	if err := n.store.InsertPrice(c.Request.Context(), point); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (n *Node) handleFunding(c *gin.Context) {
	if n.marketEx == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no exchange client"})
		return
	}
	rate, err := n.marketEx.FundingRate(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, rate)
}

func (n *Node) handlePrice(c *gin.Context) {
	point, err := n.store.LatestPrice(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, point)
}

func (n *Node) handleAnalysis(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}
	window := 24 * time.Hour
	if w := c.Query("window"); w != "" {
		d, err := time.ParseDuration(w)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad window: " + err.Error()})
			return
		}
		window = d
	}
	analysis, err := n.analyzer.Analyze(c.Request.Context(), symbol, window)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, analysis)
}

func (n *Node) handlePriceSync(c *gin.Context) {
	n.syncPrices(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
