package main

import (
	"context"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/obfstcp/obfstcp"
	"github.com/obfstcp/obfstcp/log"
	"github.com/obfstcp/obfstcp/option"

	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/json"
	"github.com/spf13/cobra"
)

var (
	configPath       string
	flagListen       string
	flagListenPort   uint16
	flagUpstream     string
	flagUpstreamPort uint16
	flagDirection    string
	flagLogLevel     string
	flagDisableColor bool
)

func main() {
	command := &cobra.Command{
		Use:   "obfstcp",
		Short: "obfuscating TCP relay",
		Long: "Forwards every accepted connection to a fixed upstream server,\n" +
			"base64+XOR transforming one side of the stream and passing the\n" +
			"other side through untouched.",
		Run: run,
	}
	command.Flags().StringVarP(&configPath, "config", "c", "", "configuration file path (overrides the other flags)")
	command.Flags().StringVar(&flagListen, "listen", "127.0.0.1", "local bind address")
	command.Flags().Uint16Var(&flagListenPort, "listen-port", 0, "local bind port")
	command.Flags().StringVar(&flagUpstream, "upstream", "", "upstream server host")
	command.Flags().Uint16Var(&flagUpstreamPort, "upstream-port", 0, "upstream server port")
	command.Flags().StringVar(&flagDirection, "direction", "", "obfuscated side: encode (client) or decode (upstream, default)")
	command.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level")
	command.Flags().BoolVar(&flagDisableColor, "disable-color", false, "disable color output")
	if err := command.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) {
	options, err := readOptions()
	if err != nil {
		cmd.Usage()
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	service, err := obfstcp.New(obfstcp.Options{
		Options: options,
		Context: ctx,
	})
	if err != nil {
		cancel()
		log.Fatal("create service: ", err)
	}
	err = service.Start()
	if err != nil {
		cancel()
		log.Fatal("start service: ", err)
	}

	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM)
	<-osSignals
	cancel()
	service.Close()
}

func readOptions() (option.Options, error) {
	var options option.Options
	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return option.Options{}, E.Cause(err, "read config")
		}
		err = json.Unmarshal(content, &options)
		if err != nil {
			return option.Options{}, E.Cause(err, "parse config")
		}
		return options, nil
	}

	listenAddr, err := netip.ParseAddr(flagListen)
	if err != nil {
		return option.Options{}, E.Cause(err, "parse listen address")
	}
	options = option.Options{
		Log: &option.LogOptions{
			Level:        flagLogLevel,
			DisableColor: flagDisableColor,
		},
		Listen:       option.NewListenAddress(listenAddr),
		ListenPort:   flagListenPort,
		Upstream:     flagUpstream,
		UpstreamPort: flagUpstreamPort,
		Direction:    option.Direction(flagDirection),
	}
	return options, options.Check()
}
