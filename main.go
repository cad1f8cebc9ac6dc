package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	logger "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"axon/src/agent"
	"axon/src/bus"
	"axon/src/credentials"
	"axon/src/database"
	"axon/src/executors"
	"axon/src/placement"
	"axon/src/queue"
	"axon/src/repository"
	"axon/src/server"
	"axon/src/supervisor"
	"axon/src/watchdog"
)

var APP_NAME = os.Getenv("APP_NAME")

func SetupLogger() {
	levelStr := strings.ToLower(os.Getenv("LOG_LEVEL"))

	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		level = logger.InfoLevel
	}

	logger.SetLevel(level)
	logger.SetFormatter(&logger.TextFormatter{
		FullTimestamp: true,
	})
}

func main() {
	// Best effort: production configs come from the environment.
	_ = godotenv.Load()
	SetupLogger()
	defer handlePanic()

	app := cli.NewApp()
	app.Name = "axon"
	app.Usage = "unattended trading session orchestrator"

	app.Commands = []cli.Command{
		serverCMD,
		agentCMD,
		workerCMD,
		beatCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	serverCMD = cli.Command{
		Name:        "server",
		Usage:       "run the HTTP/websocket surface",
		Action:      serverAction,
		Description: `Serve healthcheck, metrics, session control and the event stream`,
	}
	agentCMD = cli.Command{
		Name:        "agent",
		Usage:       "run one connection agent: axon agent <uid> <email> <password> [accountType]",
		Action:      agentAction,
		ArgsUsage:   "<uid> <email> <password> [accountType]",
		Description: `Run the per-user brokerage connection agent`,
	}
	workerCMD = cli.Command{
		Name:   "worker",
		Usage:  "run the task queue worker pool",
		Action: workerAction,
		Flags: []cli.Flag{
			cli.IntFlag{Name: "concurrency", Value: 4, Usage: "number of consumer goroutines"},
		},
		Description: `Consume session queues: analysis ticks, trade placement, heartbeat pulses`,
	}
	beatCMD = cli.Command{
		Name:        "beat",
		Usage:       "run the heartbeat watchdog sweep",
		Action:      beatAction,
		Description: `Periodically halt sessions with stale heartbeats`,
	}
)

func serverAction(_ *cli.Context) error {
	logger.Info("Starting server CMD")

	if err := database.InitMainDB(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	conn, err := bus.NewRedis()
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to redis")
	}
	defer conn.Close()

	sup := supervisor.New(conn)
	loop := executors.New(conn, sup, credentials.NewStore())

	server.New(conn, loop, sup).StartServer()
	return nil
}

func agentAction(c *cli.Context) error {
	uid := c.Args().Get(0)
	email := c.Args().Get(1)
	password := c.Args().Get(2)
	accountType := c.Args().Get(3)
	if uid == "" || email == "" || password == "" {
		return fmt.Errorf("usage: axon agent <uid> <email> <password> [accountType]")
	}
	if accountType == "" {
		accountType = "PRACTICE"
	}

	conn, err := bus.NewRedis()
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to redis")
	}
	defer conn.Close()

	ctx, cancel := signalContext()
	defer cancel()

	a := agent.New(agent.Params{
		UID:         uid,
		Email:       email,
		Password:    password,
		AccountType: accountType,
	}, conn)
	return a.Run(ctx)
}

func workerAction(c *cli.Context) error {
	logger.Info("Starting worker CMD")

	if err := database.InitMainDB(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	conn, err := bus.NewRedis()
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to redis")
	}
	defer conn.Close()

	ctx, cancel := signalContext()
	defer cancel()

	sup := supervisor.New(conn)
	loop := executors.New(conn, sup, credentials.NewStore())

	worker := queue.NewWorker(queue.New(conn)).
		WithExceptionSink(repository.NewExceptionRepository())
	loop.Register(worker)
	watchdog.New(conn, placement.New()).Register(worker)

	worker.Run(ctx, c.Int("concurrency"))
	return nil
}

func beatAction(_ *cli.Context) error {
	logger.Info("Starting beat CMD")

	conn, err := bus.NewRedis()
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to redis")
	}
	defer conn.Close()

	ctx, cancel := signalContext()
	defer cancel()

	watchdog.New(conn, placement.New()).Run(ctx)
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	return ctx, cancel
}

func handlePanic() {
	if r := recover(); r != nil {
		logger.WithError(fmt.Errorf("%+v", r)).Error(fmt.Sprintf("Application %s panic", APP_NAME))
		time.Sleep(time.Second)
	}
}
