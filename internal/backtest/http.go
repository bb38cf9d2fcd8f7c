package backtest

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"sable/internal/logger"
	"sable/internal/report"
)

// HTTPConfig 配置回测 HTTP 服务。
type HTTPConfig struct {
	Addr    string
	Fetch   *FetchService
	Candles *CandleStore
	Sim     *Simulator
	Results *ResultStore
}

// HTTPServer 暴露数据拉取、回测执行与结果查询接口。
type HTTPServer struct {
	addr    string
	fetch   *FetchService
	candles *CandleStore
	sim     *Simulator
	results *ResultStore
	router  *gin.Engine
}

// NewHTTPServer 构造服务并注册路由。
func NewHTTPServer(cfg HTTPConfig) (*HTTPServer, error) {
	if cfg.Addr == "" {
		cfg.Addr = ":8199"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &HTTPServer{
		addr:    cfg.Addr,
		fetch:   cfg.Fetch,
		candles: cfg.Candles,
		sim:     cfg.Sim,
		results: cfg.Results,
		router:  router,
	}
	s.registerRoutes()
	return s, nil
}

func (s *HTTPServer) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UnixMilli()})
	})

	api := s.router.Group("/api/backtest")
	api.POST("/fetch", s.handleFetch)
	api.GET("/fetch/:id", s.handleFetchStatus)
	api.GET("/jobs", s.handleJobs)
	api.GET("/integrity", s.handleIntegrity)
	api.GET("/data", s.handleManifest)
	api.GET("/candles", s.handleCandles)
	api.POST("/runs", s.handleRunStart)
	api.POST("/sweep", s.handleSweep)
	api.GET("/runs", s.handleRunList)
	api.GET("/runs/:id", s.handleRunDetail)
	api.GET("/runs/:id/trades", s.handleRunTrades)
	api.GET("/runs/:id/snapshots", s.handleRunSnapshots)
	api.GET("/runs/:id/rejections", s.handleRunRejections)
	api.GET("/runs/:id/report.html", s.handleRunReport)
}

func (s *HTTPServer) handleFetch(c *gin.Context) {
	if s.fetch == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "数据拉取服务未启用"})
		return
	}
	var params FetchParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体解析失败: " + err.Error()})
		return
	}
	if params.Symbol == "" || params.Timeframe == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/timeframe 必填"})
		return
	}
	job, err := s.fetch.SubmitFetch(params)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (s *HTTPServer) handleFetchStatus(c *gin.Context) {
	if s.fetch == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "数据拉取服务未启用"})
		return
	}
	job, ok := s.fetch.JobSnapshot(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "任务不存在"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *HTTPServer) handleJobs(c *gin.Context) {
	if s.fetch == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "数据拉取服务未启用"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": s.fetch.JobsSnapshot()})
}

func (s *HTTPServer) handleIntegrity(c *gin.Context) {
	if s.fetch == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "数据拉取服务未启用"})
		return
	}
	symbol := c.Query("symbol")
	tfKey := c.Query("timeframe")
	if symbol == "" || tfKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/timeframe 必填"})
		return
	}
	tf, err := ParseTimeframe(tfKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	start := queryInt64(c, "start", 0)
	end := queryInt64(c, "end", time.Now().UnixMilli())
	rep, err := s.fetch.CheckIntegrity(c.Request.Context(), symbol, tf, start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *HTTPServer) handleManifest(c *gin.Context) {
	if s.candles == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "K 线存储未启用"})
		return
	}
	symbol := c.Query("symbol")
	tfKey := c.Query("timeframe")
	if symbol == "" || tfKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/timeframe 必填"})
		return
	}
	m, err := s.candles.Manifest(c.Request.Context(), symbol, tfKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *HTTPServer) handleCandles(c *gin.Context) {
	if s.candles == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "K 线存储未启用"})
		return
	}
	symbol := c.Query("symbol")
	tfKey := c.Query("timeframe")
	if symbol == "" || tfKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/timeframe 必填"})
		return
	}
	start := queryInt64(c, "start", 0)
	end := queryInt64(c, "end", time.Now().UnixMilli())
	data, err := s.candles.RangeCandles(c.Request.Context(), symbol, tfKey, start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(data), "candles": data})
}

func (s *HTTPServer) handleRunStart(c *gin.Context) {
	if s.sim == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "回测执行器未启用"})
		return
	}
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体解析失败: " + err.Error()})
		return
	}
	run, err := s.sim.StartRun(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, run)
}

// sweepRequest 是参数扫描请求：同一区间跑多个档位。
type sweepRequest struct {
	RunRequest
	Profiles []string `json:"profiles" binding:"required"`
}

func (s *HTTPServer) handleSweep(c *gin.Context) {
	if s.sim == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "回测执行器未启用"})
		return
	}
	var req sweepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体解析失败: " + err.Error()})
		return
	}
	results, err := s.sim.Sweep(c.Request.Context(), req.RunRequest, req.Profiles)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	runs := make([]Run, 0, len(results))
	for _, r := range results {
		runs = append(runs, r.Run)
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *HTTPServer) handleRunList(c *gin.Context) {
	if s.results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "结果存储未启用"})
		return
	}
	limit := int(queryInt64(c, "limit", 50))
	runs, err := s.results.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *HTTPServer) handleRunDetail(c *gin.Context) {
	if s.results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "结果存储未启用"})
		return
	}
	run, err := s.results.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run 不存在"})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *HTTPServer) handleRunTrades(c *gin.Context) {
	if s.results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "结果存储未启用"})
		return
	}
	limit := int(queryInt64(c, "limit", 500))
	trades, err := s.results.ListTrades(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(trades), "trades": trades})
}

func (s *HTTPServer) handleRunSnapshots(c *gin.Context) {
	if s.results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "结果存储未启用"})
		return
	}
	limit := int(queryInt64(c, "limit", 5000))
	points, err := s.results.ListSnapshots(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(points), "snapshots": points})
}

func (s *HTTPServer) handleRunRejections(c *gin.Context) {
	if s.results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "结果存储未启用"})
		return
	}
	limit := int(queryInt64(c, "limit", 500))
	rejections, err := s.results.ListRejections(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(rejections), "rejections": rejections})
}

func (s *HTTPServer) handleRunReport(c *gin.Context) {
	if s.results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "结果存储未启用"})
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	run, err := s.results.GetRun(ctx, id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run 不存在"})
		return
	}
	if run.Status != RunStatusDone {
		c.JSON(http.StatusConflict, gin.H{"error": "run 尚未完成，无法生成报告"})
		return
	}
	trades, err := s.results.ListTrades(ctx, id, 2000)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	curve, err := s.results.ListSnapshots(ctx, id, 20000)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	input := report.Input{
		Title:  run.Symbol + " " + run.Timeframe + " (" + run.Profile + ")",
		Symbol: run.Symbol,
		Curve:  curve,
		Trades: trades,
		Report: run.Report,
	}
	if s.candles != nil {
		if candles, err := s.candles.RangeCandles(ctx, run.Symbol, run.Timeframe, run.StartTS, run.EndTS); err == nil {
			input.Candles = candles
		}
	}
	html, err := report.RenderHTML(input)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", html)
}

// Start 启动 HTTP 服务并阻塞到 ctx 取消，随后优雅关停。
func (s *HTTPServer) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("[backtest] HTTP 服务监听 %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func queryInt64(c *gin.Context, key string, def int64) int64 {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}
