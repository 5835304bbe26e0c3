package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mastercactapus/pressctl/bridge"
	"github.com/mastercactapus/pressctl/force"
	"github.com/mastercactapus/pressctl/jog"
	"github.com/mastercactapus/pressctl/lara"
	"github.com/mastercactapus/pressctl/plunger"
	"github.com/mastercactapus/pressctl/recorder"
)

func main() {
	// a missing .env is fine, flags and the environment still apply
	_ = godotenv.Load()

	err := newRootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newRootCmd() *cobra.Command {
	var cfg config
	root := &cobra.Command{
		Use:          "pressctl",
		Short:        "Force-controlled pressing with a robot arm and a load cell",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(cfg.Debug)
			if err != nil {
				return err
			}
			defer log.Sync()
			return serve(cmd.Context(), cfg, log)
		},
	}
	cfg.bindFlags(root.Flags())

	root.AddCommand(&cobra.Command{
		Use:   "ports",
		Short: "List available serial ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := plunger.ListPorts()
			if err != nil {
				return err
			}
			for _, p := range list {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	})

	return root
}

func serve(ctx context.Context, cfg config, log *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	link, err := plunger.Open(cfg.SerialPort, cfg.Baud, log.Named("plunger"))
	if err != nil {
		return err
	}
	defer link.Close()

	robot := lara.NewClient(lara.Config{
		URL: cfg.LaraURL,
		EIO: cfg.EIO,
		Reconnect: lara.ReconnectPolicy{
			Enabled: cfg.Reconnect,
			Delay:   cfg.ReconnectDelay,
		},
	}, log.Named("lara"))

	ctl := force.NewController(cfg.Force, robot, log.Named("force"))
	rec := recorder.New(log.Named("recorder"))
	defer rec.Close()
	push := newPushHub(cfg.ReportInterval, log.Named("push"))
	defer push.Close()

	sup := &supervisor{
		frames: link,
		motion: robot,
		ctl:    ctl,
		rec:    rec,
		push:   push,
		temp:   newNotifier(),
		log:    log.Named("supervisor"),
	}
	if cfg.MQTTBroker != "" {
		br, err := bridge.Dial(bridge.Config{
			Broker:   cfg.MQTTBroker,
			ClientID: "pressctl",
			Prefix:   cfg.MQTTPrefix,
		}, log.Named("mqtt"))
		if err != nil {
			return err
		}
		defer br.Close()
		sup.mirror = br
	}

	a := newAPI(&api{
		link:  link,
		robot: robot,
		ctl:   ctl,
		rec:   rec,
		jog:   jog.New(robot, ctl, log.Named("jog")),
		push:  push,
		temp:  sup.temp,
		cfg:   cfg,
		log:   log.Named("api"),
	})

	go func() {
		err := robot.Run(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error("motion service link stopped", zap.Error(err))
		}
	}()

	supErr := make(chan error, 1)
	go func() { supErr <- sup.run(ctx) }()

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "*")
			log.Debug("request", zap.String("method", req.Method), zap.String("path", req.URL.Path), zap.String("remote", req.RemoteAddr))
			a.ServeHTTP(w, req)
		}),
	}
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.ListenAndServe() }()
	log.Info("listening", zap.String("addr", cfg.Addr))

	select {
	case <-ctx.Done():
		err = nil
	case err = <-supErr:
		err = errors.Wrap(err, "supervisor")
	case err = <-srvErr:
		err = errors.Wrap(err, "http server")
	}

	// stop the arm while the motion link is still up
	a.jog.Stop()
	stopErr := ctl.Cancel()
	if stopErr != nil {
		log.Warn("stop motion on shutdown", zap.Error(stopErr))
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	srv.Shutdown(shutdownCtx)
	return err
}
