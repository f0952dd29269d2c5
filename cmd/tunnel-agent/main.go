// Command tunnel-agent is the agent-side process: it dials tunneld,
// authenticates, and services forward/reverse connections for its
// configured port forwards. Grounded on the teacher's
// cmd/bridge/command/bridge.go root command and its reconnect-on-error
// loop around cli.Start/Stop.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/qiudaomao/node-frp/internal/agent"
	"github.com/qiudaomao/node-frp/internal/bootstrap"
	"github.com/qiudaomao/node-frp/internal/observability"
	"github.com/qiudaomao/node-frp/internal/retry"
)

const version = "1.0.0"

// reconnectBackoff bounds the delay between reconnect attempts after
// Run returns (lost connection, rejected auth, dial failure).
const reconnectBackoff = 5 * time.Second

var (
	cfgFile     string
	showVersion bool
)

var cmdRoot = &cobra.Command{
	Use: "tunnel-agent",
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Println(version)
		}

		conf := &bootstrap.AgentConfig{}
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

		stop := make(chan struct{})
		done := make(chan struct{})
		go runLoop(conf, stop, done)

		osSignals := make(chan os.Signal, 1)
		signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM)
		<-osSignals
		log.Info("tunnel-agent: shutting down")
		close(stop)
		<-done
	},
}

// runLoop keeps the agent connected, reconnecting with a fixed backoff
// whenever Run returns, until stop is closed.
func runLoop(conf *bootstrap.AgentConfig, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	var cli *agent.Client
	policy := retry.Fixed(reconnectBackoff)
	_ = policy.On(stop, func() error {
		cli = agent.New(conf.ServerAddr, conf.Token)
		runDone := make(chan struct{})
		var runErr error
		go func() {
			defer close(runDone)
			runErr = cli.Run()
		}()

		select {
		case <-stop:
			cli.Stop()
			<-runDone
			return nil
		case <-runDone:
		}
		if runErr != nil {
			log.WithError(runErr).Warn("tunnel-agent: session ended, reconnecting")
		}
		return fmt.Errorf("session ended")
	})
}

func init() {
	cmdRoot.PersistentFlags().StringVarP(&cfgFile, "config", "c", "tunnel-agent.ini", "config file of tunnel-agent")
	cmdRoot.PersistentFlags().BoolVarP(&showVersion, "version", "v", false, "version of tunnel-agent")
}

func main() {
	if err := cmdRoot.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
