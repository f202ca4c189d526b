// Command tcpd is a demo server binary wiring the transport core to a
// concrete network, echoing back whatever a peer sends.
//
// Usage:
//   tcpd --addr 10.0.0.1 --port 8080 --net udp
//   tcpd --config tcpd.yaml
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/utkarshp/usertcp/pkg/common"
	"github.com/utkarshp/usertcp/pkg/network"
	"github.com/utkarshp/usertcp/pkg/tcp"
	"github.com/utkarshp/usertcp/pkg/udpnet"
)

// config is the shape of the optional YAML config file; flags of the same
// name override whatever it sets.
type config struct {
	Addr        string `yaml:"addr"`
	Port        uint16 `yaml:"port"`
	Net         string `yaml:"net"` // "udp" or "loopback"
	PeerAddr    string `yaml:"peerAddr"`
	ISNSeed     int64  `yaml:"isnSeed"`
	DeterminISN bool   `yaml:"deterministicIsn"`
}

var (
	cfgFile string
	cfg     = config{Addr: "127.0.0.1", Port: 8080, Net: "udp"}
	log     = logrus.NewEntry(logrus.StandardLogger())
)

func main() {
	root := &cobra.Command{
		Use:   "tcpd",
		Short: "Run the transport core as a standalone echo server",
		RunE:  run,
	}

	flags := root.Flags()
	flags.StringVar(&cfgFile, "config", "", "path to a YAML config file")
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "local IPv4 address to listen on")
	flags.Uint16Var(&cfg.Port, "port", cfg.Port, "local port to listen on")
	flags.StringVar(&cfg.Net, "net", cfg.Net, `network backend: "udp" or "loopback"`)
	flags.StringVar(&cfg.PeerAddr, "peer-addr", cfg.PeerAddr, "companion peer address (loopback backend only)")
	flags.Int64Var(&cfg.ISNSeed, "isn-seed", cfg.ISNSeed, "seed for deterministic ISN generation")
	flags.BoolVar(&cfg.DeterminISN, "deterministic-isn", cfg.DeterminISN, "use a seeded ISN generator instead of crypto/rand")

	if err := root.Execute(); err != nil {
		log.WithError(err).Fatal("tcpd exited with error")
	}
}

func run(cmd *cobra.Command, args []string) error {
	if cfgFile != "" {
		// Remember the flags given on the command line and re-apply them
		// over whatever the file sets.
		explicit := map[string]string{}
		cmd.Flags().Visit(func(f *pflag.Flag) { explicit[f.Name] = f.Value.String() })
		if err := loadConfig(cfgFile, &cfg); err != nil {
			return errors.Wrap(err, "loading config")
		}
		for name, value := range explicit {
			if err := cmd.Flags().Set(name, value); err != nil {
				return errors.Wrapf(err, "re-applying --%s", name)
			}
		}
	}

	addr, err := common.ParseIPv4(cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "invalid --addr %q", cfg.Addr)
	}

	net, err := buildNetwork(addr)
	if err != nil {
		return err
	}

	opts := []tcp.Option{tcp.WithLogger(log)}
	if cfg.DeterminISN {
		opts = append(opts, tcp.WithISNGenerator(tcp.NewSeededISN(cfg.ISNSeed)))
	}

	listener := tcp.Listen(addr, cfg.Port, net, opts...)

	listener.OnAccept(func(c *tcp.Connection) {
		connLog := log.WithField("conn", c.ID().String())
		connLog.Info("accepted connection")
		c.SetReceiver(func(c *tcp.Connection, payload []byte) {
			if payload == nil {
				connLog.Info("peer closed")
				return
			}
			connLog.WithField("bytes", len(payload)).Debug("echoing payload")
			c.Send(payload)
		})
	})

	log.WithFields(logrus.Fields{"addr": cfg.Addr, "port": cfg.Port, "net": cfg.Net}).Info("tcpd listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	var result *multierror.Error
	listener.Close()
	if closer, ok := net.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func buildNetwork(addr common.IPv4Address) (network.Network, error) {
	switch cfg.Net {
	case "udp":
		conn, err := udpnet.Listen(addr, int(cfg.Port), udpnet.WithLogger(log))
		if err != nil {
			return nil, errors.Wrap(err, "building udp network")
		}
		return conn, nil
	case "loopback":
		lo := network.NewLoopback(addr, false)
		if cfg.PeerAddr != "" {
			peerAddr, err := common.ParseIPv4(cfg.PeerAddr)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid --peer-addr %q", cfg.PeerAddr)
			}
			peer := network.NewLoopback(peerAddr, false)
			network.Connect(lo, peer)
		}
		return lo, nil
	default:
		return nil, fmt.Errorf("unknown --net %q (want \"udp\" or \"loopback\")", cfg.Net)
	}
}

func loadConfig(path string, out *config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return yaml.NewDecoder(f).Decode(out)
}
