// Command tunneld is the control-plane server: it accepts agent
// control connections, reconciles listeners against an in-memory
// catalog, and meters traffic. Grounded on the teacher's
// cmd/bridge/command/bridge.go root command plus cmd/portal/server.go's
// signal-driven shutdown.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/qiudaomao/node-frp/internal/bootstrap"
	"github.com/qiudaomao/node-frp/internal/catalog"
	"github.com/qiudaomao/node-frp/internal/control"
	"github.com/qiudaomao/node-frp/internal/observability"
	"github.com/qiudaomao/node-frp/internal/trafficmeter"
)

const version = "1.0.0"

var (
	cfgFile     string
	showVersion bool
)

var cmdRoot = &cobra.Command{
	Use: "tunneld",
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Println(version)
		}

		conf := &bootstrap.ServerConfig{}
		if err := bootstrap.LoadFromFile(cfgFile, conf); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		conf.OnInit()

		if err := observability.Init(observability.Config{
			LogFile:    conf.LogFile,
			LogWay:     conf.LogWay,
			LogLevel:   conf.LogLevel,
			LogMaxDays: conf.LogMaxDays,
		}); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		cat := catalog.NewMemCatalog()
		meter := trafficmeter.New(cat, time.Duration(conf.TrafficFlushSecs)*time.Second)
		go meter.Run()

		// srv implements catalog.Reloader; a real admin surface (out of
		// scope per spec.md §1) would call srv.OnReload(agentID) whenever
		// it edits an agent's forwards.
		srv := control.New(cat, meter)

		ln, err := net.Listen("tcp", conf.ListenAddr)
		if err != nil {
			log.Fatal(err)
		}
		log.WithField("addr", conf.ListenAddr).Info("tunneld: listening")

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Serve(ctx, ln) }()

		osSignals := make(chan os.Signal, 1)
		signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM)
		select {
		case <-osSignals:
			log.Info("tunneld: shutting down")
		case err := <-errCh:
			if err != nil {
				log.WithError(err).Error("tunneld: accept loop exited")
			}
		}
		cancel()
		meter.Stop()
	},
}

func init() {
	cmdRoot.PersistentFlags().StringVarP(&cfgFile, "config", "c", "tunneld.ini", "config file of tunneld")
	cmdRoot.PersistentFlags().BoolVarP(&showVersion, "version", "v", false, "version of tunneld")
}

func main() {
	if err := cmdRoot.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
