package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wagatehq/wagate/config"
	"github.com/wagatehq/wagate/internal/adminapi"
	"github.com/wagatehq/wagate/internal/analytics"
	"github.com/wagatehq/wagate/internal/app"
	"github.com/wagatehq/wagate/internal/drip"
	"github.com/wagatehq/wagate/internal/session"
	"github.com/wagatehq/wagate/internal/transport"
	"github.com/wagatehq/wagate/internal/webserver"
	"go.uber.org/zap"
)

var (
	cfile  = flag.String("c", "/etc/wagate.yml", "config file path")
	initdb = flag.Bool("initdb", false, "drop and recreate all tables, then exit")
	showv  = flag.Bool("v", false, "print version and exit")
)

var version = "dev"

func main() {
	flag.Parse()
	if *showv {
		fmt.Println("wagate", version)
		return
	}

	cfg := config.LoadConfig(*cfile)
	application := app.NewApplication(cfg)
	application.Init(cfg)

	if *initdb {
		application.InitDb()
		zap.L().Info("database initialized")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := application.Bus()
	sessions := session.NewStore(application.DB(), bus)
	controller := session.NewController(application.DB())
	if err := controller.Subscribe(bus); err != nil {
		zap.S().Fatalf("subscribe activation controller: %v", err)
	}

	driver, err := transport.NewWhatsmeowDriver(ctx, application.DB(), cfg.Database.Type, sessions, bus)
	if err != nil {
		zap.S().Fatalf("init whatsmeow transport: %v", err)
	}

	recorder := analytics.NewRecorder(application.DB())
	if err := recorder.Subscribe(bus); err != nil {
		zap.S().Fatalf("subscribe analytics recorder: %v", err)
	}

	queue := drip.NewQueue(application.DB())
	dispatcher, err := drip.NewDispatcher(application.DB(), sessions, driver, recorder, cfg.Drip)
	if err != nil {
		zap.S().Fatalf("init drip dispatcher: %v", err)
	}

	application.BindServices(app.Services{
		Sessions:   sessions,
		Controller: controller,
		Transport:  driver,
		Queue:      queue,
		Dispatcher: dispatcher,
		Recorder:   recorder,
	})
	application.StartBackgroundJobs(ctx)

	driver.Connect()

	adminapi.InitRouter()
	ws := webserver.Init(application)
	errCh := make(chan error, 1)
	go func() {
		errCh <- ws.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		zap.L().Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			zap.L().Error("web server stopped", zap.Error(err))
		}
	}

	ws.Stop()
	driver.Close()
	application.Release()
}
