// Package bootstrap is the minimal ini-driven startup harness for
// cmd/tunneld and cmd/tunnel-agent (SPEC_FULL §4.10). It is not the
// catalog's real admin surface (YAML loading and CLI bootstrap are
// out of scope per spec.md §1) — just enough config loading to run the
// core against an in-memory catalog. Adapted from the teacher's
// feature/parser.go LoadFromFile, collapsed to the one format
// (.ini) this module ever loads.
package bootstrap

import (
	"github.com/go-ini/ini"
	"github.com/pkg/errors"
)

// LoadFromFile reads cfgFile as .ini and decodes it into conf.
func LoadFromFile(cfgFile string, conf interface{}) error {
	f, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment: true,
		AllowBooleanKeys:    true,
	}, cfgFile)
	if err != nil {
		return errors.Wrapf(err, "bootstrap: parse %s", cfgFile)
	}
	return f.MapTo(conf)
}

// ServerConfig is tunneld's .ini configuration.
type ServerConfig struct {
	ListenAddr       string `ini:"listen_addr"`
	TrafficFlushSecs int    `ini:"traffic_flush_secs"`
	LogFile          string `ini:"log_file"`
	LogWay           string `ini:"log_way"`
	LogLevel         string `ini:"log_level"`
	LogMaxDays       int    `ini:"log_max_days"`
}

// OnInit fills defaults and validates, panicking on an invalid value —
// matching the teacher's *Config.OnInit convention, which cmd/ recovers
// from via pkg/errwrap.PanicToError in the `check` subcommand.
func (c *ServerConfig) OnInit() {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:7000"
	}
	if c.TrafficFlushSecs < 0 {
		panic("traffic_flush_secs cannot be negative")
	}
}

// AgentConfig is tunnel-agent's .ini configuration.
type AgentConfig struct {
	ServerAddr string `ini:"server_addr"`
	Token      string `ini:"token"`
	LogFile    string `ini:"log_file"`
	LogWay     string `ini:"log_way"`
	LogLevel   string `ini:"log_level"`
	LogMaxDays int    `ini:"log_max_days"`
}

func (c *AgentConfig) OnInit() {
	if c.ServerAddr == "" {
		panic("server_addr cannot be empty")
	}
	if c.Token == "" {
		panic("token cannot be empty")
	}
}
