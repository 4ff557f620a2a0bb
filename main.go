package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/danielpaulus/go-jitterbug/config"
	"github.com/danielpaulus/go-jitterbug/ios"
	"github.com/danielpaulus/go-jitterbug/ios/discovery"
	"github.com/danielpaulus/go-jitterbug/ios/registry"
	"github.com/danielpaulus/go-jitterbug/ios/storage"
	"github.com/danielpaulus/go-jitterbug/ios/tunnel"
	"github.com/danielpaulus/go-jitterbug/ios/tunnel/packettunnel"
	"github.com/docopt/docopt-go"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// JSONdisabled enables or disables output in JSON format
var JSONdisabled = false

func main() {
	Main()
}

const version = "local-build"

// Main Exports main for testing
func Main() {
	usage := fmt.Sprintf(`jitterbug %s

Usage:
  jitterbug discover [options]
  jitterbug hosts [options]
  jitterbug save <identifier> [options]
  jitterbug forget <identifier> [options]
  jitterbug favorites <identifier> [--add=<appid>] [--remove=<appid>] [options]
  jitterbug tunnel start [--peer=<identifier>] [options]
  jitterbug tunnel stop [options]
  jitterbug tunnel status [options]
  jitterbug -h | --help
  jitterbug --version | version [options]

Options:
  -v --verbose        Enable Debug Logging.
  -t --trace          Enable Trace Logging.
  --nojson            Disable JSON output (default).
  -h --help           Show this screen.
  --config=<file>     YAML configuration file.
  --datadir=<dir>     Directory for saved hosts and tunnel preferences.
  --port=<port>       Port of the tunnel status api.

The commands work as following:
	The default output of all commands is JSON. Should you prefer human readable outout, specify the --nojson option with your command.
	Settings from --config are overridden by --datadir and --port.

   jitterbug discover                                         Browses the local network and prints every discovery event until interrupted.
   jitterbug hosts                                            Prints saved and found peers. Asks a running tunnel first and falls back to the saved hosts.
   jitterbug save <identifier>                                Waits until the peer is found and saves it.
   jitterbug forget <identifier>                              Removes the peer from the saved hosts.
   jitterbug favorites <identifier>                           Prints the favorite apps of a peer, --add and --remove change them.
   jitterbug tunnel start [--peer=<identifier>]               Starts discovery, the tunnel and the status api and runs until SIGINT or SIGTERM. Needs root for the TUN interface.
   jitterbug tunnel stop                                      Stops the tunnel of a running jitterbug.
   jitterbug tunnel status                                    Prints the tunnel status of a running jitterbug.
   jitterbug -h | --help                                      Prints this screen.
   jitterbug --version | version [options]                    Prints the version

  `, version)
	arguments, err := docopt.ParseDoc(usage)
	if err != nil {
		log.Fatal(err)
	}
	disableJSON, _ := arguments.Bool("--nojson")
	if disableJSON {
		JSONdisabled = true
	} else {
		log.SetFormatter(&log.JSONFormatter{})
	}

	traceLevelEnabled, _ := arguments.Bool("--trace")
	if traceLevelEnabled {
		log.Info("Set Trace mode")
		log.SetLevel(log.TraceLevel)
	} else {
		verboseLoggingEnabledLong, _ := arguments.Bool("--verbose")
		if verboseLoggingEnabledLong {
			log.Info("Set Debug mode")
			log.SetLevel(log.DebugLevel)
		}
	}
	log.Debug(arguments)

	shouldPrintVersionNoDashes, _ := arguments.Bool("version")
	shouldPrintVersion, _ := arguments.Bool("--version")
	if shouldPrintVersionNoDashes || shouldPrintVersion {
		printVersion()
		return
	}

	cfg, err := loadConfig(arguments)
	if err != nil {
		failWithError("failed loading configuration", err)
	}

	b, _ := arguments.Bool("discover")
	if b {
		discover(cfg)
		return
	}

	b, _ = arguments.Bool("hosts")
	if b {
		printHosts(cfg)
		return
	}

	identifier, _ := arguments.String("<identifier>")

	b, _ = arguments.Bool("save")
	if b {
		savePeer(cfg, identifier)
		return
	}

	b, _ = arguments.Bool("forget")
	if b {
		forgetPeer(cfg, identifier)
		return
	}

	b, _ = arguments.Bool("favorites")
	if b {
		add, _ := arguments.String("--add")
		remove, _ := arguments.String("--remove")
		favorites(cfg, identifier, add, remove)
		return
	}

	b, _ = arguments.Bool("tunnel")
	if b {
		if start, _ := arguments.Bool("start"); start {
			peer, _ := arguments.String("--peer")
			startTunnel(cfg, peer)
			return
		}
		if stop, _ := arguments.Bool("stop"); stop {
			if err := tunnel.StopTunnelViaAPI(cfg.APIPort); err != nil {
				failWithError("failed stopping tunnel", err)
			}
			log.Info("tunnel is stopping")
			return
		}
		printTunnelStatus(cfg)
		return
	}
}

func loadConfig(arguments docopt.Opts) (config.Config, error) {
	path, _ := arguments.String("--config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if dir, _ := arguments.String("--datadir"); dir != "" {
		cfg.DataDir = dir
	}
	if p, _ := arguments.String("--port"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return config.Config{}, fmt.Errorf("loadConfig: invalid port '%s': %w", p, err)
		}
		cfg.APIPort = port
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func printVersion() {
	versionMap := map[string]interface{}{
		"version": version,
	}
	if JSONdisabled {
		fmt.Println(version)
	} else {
		fmt.Println(convertToJSONString(versionMap))
	}
}

// openRegistry loads the saved hosts of the data directory.
func openRegistry(cfg config.Config) *registry.Registry {
	if err := cfg.Ensure(); err != nil {
		failWithError("failed creating data directory", err)
	}
	store, err := storage.Open(cfg.StorePath())
	if err != nil {
		failWithError("failed opening host storage", err)
	}
	hosts := registry.New(store)
	if err := hosts.Unarchive(); err != nil {
		failWithError("failed loading saved hosts", err)
	}
	return hosts
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func discover(cfg config.Config) {
	svc, err := discovery.NewService(cfg.DiscoveryService())
	if err != nil {
		failWithError("failed creating discovery service", err)
	}
	defer svc.Close()
	events, cancel := svc.Subscribe(16)
	defer cancel()
	ctx, stop := signalContext()
	defer stop()

	svc.Start()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			printEvent(e)
		}
	}
}

func printEvent(e discovery.Event) {
	if JSONdisabled {
		switch e.Type {
		case discovery.PeerFound:
			fmt.Printf("%s  %s  %s  %s\n", e.Type, e.Identifier, e.Name, e.Address)
		case discovery.PeerResolutionFailed:
			fmt.Printf("%s  %s\n", e.Type, e.Message())
		default:
			fmt.Printf("%s  %s\n", e.Type, e.Identifier)
		}
		return
	}
	out := map[string]interface{}{"event": e.Type.String()}
	if e.Identifier != "" {
		out["identifier"] = e.Identifier
	}
	if e.Name != "" {
		out["name"] = e.Name
	}
	if e.Address != nil {
		out["address"] = e.Address.String()
	}
	if msg := e.Message(); msg != "" {
		out["message"] = msg
	}
	fmt.Println(convertToJSONString(out))
}

func printHosts(cfg config.Config) {
	hosts, err := tunnel.HostsFromAPI(cfg.APIPort)
	if err != nil {
		log.WithError(err).Debug("no running tunnel, reading saved hosts")
		reg := openRegistry(cfg)
		hosts = tunnel.Hosts{Saved: reg.Saved(), Found: reg.Found()}
	}
	if !JSONdisabled {
		fmt.Println(convertToJSONString(hosts))
		return
	}
	for _, p := range hosts.Saved {
		printPeer("saved", p)
	}
	for _, p := range hosts.Found {
		printPeer("found", p)
	}
}

func printPeer(set string, p ios.Peer) {
	fmt.Printf("%s  %s  %s  %s  discovered=%t\n", set, p.Identifier, p.Name, p.Address, p.Discovered)
}

// savePeer runs discovery until the peer shows up and saves it.
func savePeer(cfg config.Config, identifier string) {
	reg := openRegistry(cfg)
	if reg.IsSaved(identifier) {
		log.WithField("identifier", identifier).Info("peer is saved already")
		return
	}
	svc, err := discovery.NewService(cfg.DiscoveryService())
	if err != nil {
		failWithError("failed creating discovery service", err)
	}
	defer svc.Close()

	ctx, stop := signalContext()
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Discovery.ScanInterval+cfg.Discovery.ResolveTimeout)
	defer cancel()

	changes, cancelChanges := reg.Subscribe(16)
	defer cancelChanges()
	events, cancelEvents := svc.Subscribe(16)
	defer cancelEvents()
	go reg.Run(ctx, events)
	svc.Start()

	for {
		if _, ok := reg.Lookup(identifier); ok {
			break
		}
		select {
		case <-ctx.Done():
			failWithError("peer was not found", fmt.Errorf("savePeer: %s: %w", identifier, registry.ErrUnknownPeer))
		case <-changes:
		}
	}
	if err := reg.Save(identifier); err != nil {
		failWithError("failed saving peer", err)
	}
	p, _ := reg.Lookup(identifier)
	fmt.Println(convertToJSONString(p))
}

func forgetPeer(cfg config.Config, identifier string) {
	reg := openRegistry(cfg)
	if err := reg.Forget(identifier); err != nil {
		failWithError("failed forgetting peer", err)
	}
	log.WithField("identifier", identifier).Info("peer forgotten")
}

func favorites(cfg config.Config, identifier, add, remove string) {
	reg := openRegistry(cfg)
	if add != "" {
		if err := reg.AddFavorite(add, identifier); err != nil {
			failWithError("failed adding favorite", err)
		}
	}
	if remove != "" {
		if err := reg.RemoveFavorite(remove, identifier); err != nil {
			failWithError("failed removing favorite", err)
		}
	}
	apps, err := reg.Favorites(identifier)
	if err != nil {
		failWithError("failed reading favorites", err)
	}
	if JSONdisabled {
		for _, app := range apps {
			fmt.Println(app)
		}
		return
	}
	fmt.Println(convertToJSONString(map[string]interface{}{"identifier": identifier, "favorites": apps}))
}

func printTunnelStatus(cfg config.Config) {
	info, err := tunnel.TunnelStatusFromAPI(cfg.APIPort)
	if err != nil {
		failWithError("failed getting tunnel status, is jitterbug running?", err)
	}
	if JSONdisabled {
		fmt.Printf("%s  peer=%s  %s -> %s\n", info.Status, info.Peer, info.Config.VirtualAddress, info.Config.DeviceAddress)
		return
	}
	fmt.Println(convertToJSONString(info))
}

// startTunnel wires discovery, the registry, the tunnel controller and the status api and runs them until
// the process is signalled.
func startTunnel(cfg config.Config, peerID string) {
	reg := openRegistry(cfg)
	ctx, stop := signalContext()
	defer stop()

	svc, err := discovery.NewService(cfg.DiscoveryService())
	if err != nil {
		failWithError("failed creating discovery service", err)
	}
	defer svc.Close()
	events, cancelEvents := svc.Subscribe(64)
	defer cancelEvents()
	go reg.Run(ctx, events)
	svc.Start()

	manager := packettunnel.NewManager(cfg.DataDir, cfg.Provider())
	controller := tunnel.NewController(manager, reg, cfg.TunnelAddresses(), cfg.Tunnel.StartTimeout)
	defer controller.Close()

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(registry.Collectors()...)
	metrics.MustRegister(packettunnel.Collectors()...)
	go func() {
		err := tunnel.ServeStatusAPI(ctx, tunnel.NewAPIHandler(controller, reg, metrics), cfg.APIPort)
		if err != nil {
			log.WithError(err).Error("status api stopped")
		}
	}()

	statuses, cancelStatuses := controller.Subscribe(8)
	defer cancelStatuses()

	if err := controller.Start(ctx, peerID); err != nil {
		var saveErr *tunnel.SaveError
		if errors.As(err, &saveErr) {
			failWithError("failed saving tunnel configuration", err)
		}
		failWithError("failed starting tunnel", err)
	}
	log.WithField("peer", peerID).WithField("port", cfg.APIPort).Info("tunnel is running, press ctrl+c to stop")

	for {
		select {
		case <-ctx.Done():
			shutdownTunnel(controller, statuses, svc)
			return
		case s, ok := <-statuses:
			if !ok {
				return
			}
			log.WithField("status", s).Info("tunnel status changed")
		}
	}
}

// shutdownTunnel stops the tunnel and waits a little for the provider to come down.
func shutdownTunnel(controller *tunnel.Controller, statuses <-chan tunnel.Status, svc *discovery.Service) {
	svc.Stop()
	if err := controller.Stop(context.Background()); err != nil && !errors.Is(err, tunnel.ErrNotConfigured) {
		log.WithError(err).Warn("failed stopping tunnel")
		return
	}
	timeout := time.After(5 * time.Second)
	for controller.Status() != tunnel.Disconnected {
		select {
		case _, ok := <-statuses:
			if !ok {
				return
			}
		case <-timeout:
			log.Warn("tunnel did not disconnect in time")
			return
		}
	}
	log.Info("tunnel stopped")
}

func convertToJSONString(data interface{}) string {
	b, err := json.Marshal(data)
	if err != nil {
		fmt.Println(err)
		return ""
	}
	return string(b)
}

func failWithError(msg string, err error) {
	log.WithFields(log.Fields{"err": err}).Fatalf(msg)
}
