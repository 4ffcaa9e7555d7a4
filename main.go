package main

import (
	"context"
	"net/netip"
	"os"

	"github.com/go-i2p/go-onion/lib/common/binding"
	"github.com/go-i2p/go-onion/lib/config"
	"github.com/go-i2p/go-onion/lib/router"
	"github.com/go-i2p/go-onion/lib/util/signals"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

var log = logger.GetGoI2PLogger()

// options holds the command line configuration
type options struct {
	configFile string
	mockPeers  []string
	mockAuth   bool
	marco      string
	polo       bool
	host       string
	port       int
	dumpConfig bool
}

func newRootCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "onion -c <configfile>",
		Short: "VoidPhone onion routing module",
		Long: `onion builds layered tunnels through random peers and relays data for
local clients connected to its onion API. Crypto is delegated to the auth
module and peers come from the random peer sampling module; both can be
mocked for local testing.

Set DEBUG_I2P=debug for verbose logging. SIGHUP logs engine statistics.`,
		Example: `  # Run with real auth and rps modules
  onion -c onion.ini

  # Three local peers with mocked modules, the last one playing polo
  onion -c a.ini --mock-auth --mock-peer 127.0.0.1:4210 --mock-peer 127.0.0.1:4220 --marco 127.0.0.1:4230
  onion -c b.ini --mock-auth --port 4210
  onion -c c.ini --mock-auth --port 4230 --polo`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configFile, "config", "c", "", "path to the INI configuration file")
	cmd.Flags().StringArrayVar(&opts.mockPeers, "mock-peer", nil, "fake peer <ip>:<port> instead of the rps module (repeatable)")
	cmd.Flags().BoolVar(&opts.mockAuth, "mock-auth", false, "use a fake auth module instead of the real one")
	cmd.Flags().StringVar(&opts.marco, "marco", "", "build a tunnel to <ip>:<port> and send marco messages")
	cmd.Flags().BoolVar(&opts.polo, "polo", false, "answer marco messages with polo")
	cmd.Flags().StringVar(&opts.host, "host", "", "override the [onion] p2p host with <ip>")
	cmd.Flags().IntVar(&opts.port, "port", 0, "override the [onion] p2p port with <port>")
	cmd.Flags().BoolVar(&opts.dumpConfig, "dump-config", false, "print the effective configuration as YAML and exit")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// routerOptions converts the mock and demo flags.
func (o options) routerOptions() (router.Options, error) {
	var ro router.Options
	for _, p := range o.mockPeers {
		b, err := parsePeer(p)
		if err != nil {
			return ro, oops.Wrapf(err, "--mock-peer")
		}
		ro.MockPeers = append(ro.MockPeers, b)
	}
	if o.marco != "" {
		b, err := parsePeer(o.marco)
		if err != nil {
			return ro, oops.Wrapf(err, "--marco")
		}
		ro.Marco = b
	}
	ro.MockAuth = o.mockAuth
	ro.Polo = o.polo
	return ro, nil
}

func parsePeer(s string) (binding.Binding, error) {
	b, err := binding.Parse(s, 0)
	if err != nil {
		return b, err
	}
	if b.Port == 0 {
		return b, oops.Errorf("peer %q needs a port, syntax <ip>:<port>", s)
	}
	return b, nil
}

// applyOverrides replaces the host and port of the p2p listen address.
func (o options) applyOverrides(cfg *config.Config) error {
	if o.host == "" && o.port == 0 {
		return nil
	}
	listen, err := binding.Parse(cfg.Onion.ListenAddress, config.DefaultP2PPort)
	if err != nil {
		return oops.Wrapf(err, "[onion] listen_address")
	}
	if o.host != "" {
		addr, err := netip.ParseAddr(o.host)
		if err != nil {
			return oops.Wrapf(err, "--host")
		}
		listen = binding.New(addr, listen.Port)
	}
	if o.port != 0 {
		if o.port < 1 || o.port > 65535 {
			return oops.Errorf("--port %d out of range", o.port)
		}
		listen = binding.New(listen.Addr, uint16(o.port))
	}
	cfg.Onion.ListenAddress = listen.String()
	return nil
}

func run(ctx context.Context, opts options) error {
	log.WithField("config_file", opts.configFile).Debug("loading onion configuration")
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return err
	}
	if err := opts.applyOverrides(cfg); err != nil {
		return err
	}
	ro, err := opts.routerOptions()
	if err != nil {
		return err
	}
	if opts.dumpConfig {
		return config.Dump(os.Stdout, cfg)
	}

	r, err := router.New(cfg, ro)
	if err != nil {
		log.WithError(err).Error("failed to create onion router")
		return err
	}
	if err := r.Start(); err != nil {
		log.WithError(err).Error("failed to start onion router")
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigs := signals.New()
	sigs.OnReload(r.LogStats)
	sigs.OnInterrupt(r.Stop)
	go sigs.Handle(ctx)

	r.Wait()
	return r.Close()
}
