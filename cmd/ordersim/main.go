// ordersim runs the order processing workflow: a durable orchestration
// engine with an HTTP API, plus small client commands to drive it.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	durable "github.com/goliatone/go-durable"
	"github.com/goliatone/go-durable/activity"
	"github.com/goliatone/go-durable/engine"
	"github.com/goliatone/go-durable/httpapi"
	"github.com/goliatone/go-durable/notify"
	"github.com/goliatone/go-durable/orders"
	"github.com/goliatone/go-durable/store"
	"github.com/goliatone/go-logger/glog"
)

type CLI struct {
	Config  string `short:"c" help:"Path to a yaml config file." type:"path"`
	Verbose bool   `short:"v" help:"Enable debug logging."`

	Serve   ServeCmd   `cmd:"" help:"Run the workflow engine and HTTP API."`
	Start   StartCmd   `cmd:"" help:"Submit a new order."`
	Status  StatusCmd  `cmd:"" help:"Show an order's workflow status."`
	Approve ApproveCmd `cmd:"" help:"Record the manager's approval decision."`
}

type runtime struct {
	cfg    orders.Config
	logger durable.Logger
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("ordersim"),
		kong.Description("Durable order processing workflow."),
		kong.UsageOnError(),
	)

	cfg := orders.DefaultConfig()
	if cli.Config != "" {
		loaded, err := orders.LoadConfig(cli.Config)
		ctx.FatalIfErrorf(err)
		cfg = loaded
	}

	level := "info"
	if cli.Verbose {
		level = "debug"
	}
	logger := durable.NewGlogAdapter(glog.NewLogger(
		glog.WithWriter(os.Stderr),
		glog.WithLevel(level),
	))

	ctx.FatalIfErrorf(ctx.Run(&runtime{cfg: cfg, logger: logger}))
}

type ServeCmd struct {
	Listen string `help:"Listen address, overriding the config file."`
}

func (s *ServeCmd) Run(rt *runtime) error {
	cfg := rt.cfg
	if s.Listen != "" {
		cfg.ListenAddr = s.Listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		st     store.ExecutionStore
		ledger store.Ledger
	)
	if cfg.StorePath != "" {
		sq, err := store.OpenSQLite(ctx, store.SQLiteConfig{Path: cfg.StorePath})
		if err != nil {
			return err
		}
		st, ledger = sq, sq.Ledger()
	} else {
		rt.logger.Warn("no store_path configured, state will not survive restarts")
		st, ledger = store.NewMemoryStore(), store.NewMemoryLedger()
	}
	defer st.Close()

	hub := notify.NewLogHub(rt.logger)
	acts := orders.NewActivities(cfg,
		orders.NewSimulatedPaymentGateway(ledger, rt.logger),
		orders.NewSimulatedShipper(rt.logger),
		hub,
		orders.WithActivitiesLogger(rt.logger),
	)

	registry := activity.NewRegistry()
	acts.Register(registry)

	eng := engine.New(st, registry, orders.Workflow(cfg), engine.WithLogger(rt.logger))

	resumed, err := eng.Rehydrate(ctx)
	if err != nil {
		return err
	}
	if resumed > 0 {
		rt.logger.Info("resumed %d in-flight instances", resumed)
	}

	janitor := engine.NewJanitor(st,
		engine.WithJanitorLogger(rt.logger),
		engine.WithSchedule(cfg.JanitorSchedule),
		engine.WithRetention(cfg.Retention()),
	)
	if err := janitor.Start(); err != nil {
		return err
	}
	defer janitor.Stop()

	api := httpapi.New(cfg.ListenAddr, engine.NewClient(eng, rt.logger), httpapi.WithLogger(rt.logger))

	errCh := make(chan error, 1)
	go func() {
		errCh <- api.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	rt.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		rt.logger.Error("http shutdown: %v", err)
	}
	return eng.Stop(shutdownCtx)
}

type StartCmd struct {
	OrderID string  `arg:"" help:"Order id. Ids containing 'fail' or 'noship' simulate provider failures."`
	Amount  float64 `arg:"" help:"Order amount."`
	Wait    bool    `short:"w" help:"Poll until the workflow reaches a terminal status."`
}

func (s *StartCmd) Run(rt *runtime) error {
	body, err := postJSON(rt.cfg.BaseURL+"/orders", orders.OrderRequest{OrderID: s.OrderID, Amount: s.Amount})
	if err != nil {
		return err
	}
	fmt.Println(string(body))

	if !s.Wait {
		return nil
	}
	for {
		time.Sleep(time.Second)
		status, err := getJSON(rt.cfg.BaseURL + "/orders/" + s.OrderID)
		if err != nil {
			return err
		}
		var projection struct {
			Status durable.Status `json:"status"`
		}
		if err := json.Unmarshal(status, &projection); err != nil {
			return err
		}
		if projection.Status.Terminal() {
			fmt.Println(string(status))
			return nil
		}
	}
}

type StatusCmd struct {
	OrderID string `arg:"" help:"Order id."`
}

func (s *StatusCmd) Run(rt *runtime) error {
	body, err := getJSON(rt.cfg.BaseURL + "/orders/" + s.OrderID)
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}

type ApproveCmd struct {
	OrderID string `arg:"" help:"Order id."`
	Reject  bool   `help:"Reject instead of approve."`
}

func (a *ApproveCmd) Run(rt *runtime) error {
	body, err := postJSON(
		rt.cfg.BaseURL+"/orders/"+a.OrderID+"/approval",
		httpapi.ApprovalDecision{Approved: !a.Reject},
	)
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}

func postJSON(url string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	return readResponse(resp)
}

func getJSON(url string) ([]byte, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	return readResponse(resp)
}

func readResponse(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}
