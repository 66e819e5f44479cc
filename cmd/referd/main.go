// Copyright 2024 The referd authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/livekit/protocol/logger"

	"github.com/sipcore/referd/pkg/config"
	"github.com/sipcore/referd/pkg/errors"
	"github.com/sipcore/referd/pkg/sip"
	"github.com/sipcore/referd/pkg/stats"
	"github.com/sipcore/referd/version"
)

func main() {
	cmd := &cli.Command{
		Name:        "referd",
		Usage:       "SIP call transfer orchestrator",
		Version:     version.Version,
		Description: "Terminates SIP dialogs and orchestrates REFER-based call transfers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "referd yaml config file",
				Sources: cli.EnvVars("REFERD_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "config-body",
				Usage:   "referd yaml config body",
				Sources: cli.EnvVars("REFERD_CONFIG_BODY"),
			},
		},
		Action: runService,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Println(err)
	}
}

func runService(ctx context.Context, c *cli.Command) error {
	conf, err := getConfig(c, true)
	if err != nil {
		return err
	}
	log := logger.GetLogger()

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT)

	mon, err := stats.NewMonitor(conf)
	if err != nil {
		return err
	}
	if err = mon.Start(conf); err != nil {
		return err
	}

	srv, err := sip.NewServer(log, conf, mon)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err = srv.Start(ctx, nil); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if conf.PrometheusPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", conf.PrometheusPort),
			Handler: mux,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorw("metrics server stopped", err)
			}
		}()
		log.Infow("metrics server started", "port", conf.PrometheusPort)
	}

	sig := <-stopChan
	log.Infow("exit requested, shutting down", "signal", sig)
	mon.Shutdown()
	cancel()
	srv.Stop()
	if metricsSrv != nil {
		_ = metricsSrv.Close()
	}
	mon.Stop()
	return nil
}

func getConfig(c *cli.Command, initialize bool) (*config.Config, error) {
	configFile := c.String("config")
	configBody := c.String("config-body")
	if configBody == "" {
		if configFile == "" {
			return nil, errors.ErrNoConfig
		}
		content, err := os.ReadFile(configFile)
		if err != nil {
			return nil, err
		}
		configBody = string(content)
	}

	conf, err := config.NewConfig(configBody)
	if err != nil {
		return nil, err
	}

	if initialize {
		err = conf.Init()
		if err != nil {
			return nil, err
		}
	}

	return conf, nil
}
