package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/thinkermao/quorum"
	"github.com/thinkermao/quorum/bus"
	"github.com/thinkermao/quorum/config"
	"github.com/thinkermao/quorum/metrics"
	quorumpd "github.com/thinkermao/quorum/proto"
	"github.com/thinkermao/quorum/utils"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "quorumctl",
		Short:         "quorum replication group CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newDemoCmd())
	root.AddCommand(newValidateCmd())
	return root
}

func newValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a node configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("ok: node %d, %s cluster of %d\n",
				cfg.Node.ID, cfg.Cluster.Flavor, len(cfg.Cluster.Nodes))
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "quorum.yaml", "path to config file")
	return cmd
}

// printApp logs every committed entry as it lands.
type printApp struct {
	id uint64
}

func (app *printApp) ApplyEntry(entry *quorumpd.Entry) {
	log.Infof("%d apply [seq: %d, proposal: %d] %q",
		app.id, entry.Sequence, entry.Proposal, entry.Data)
}

func newDemoCmd() *cobra.Command {
	var configPath string
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a whole replication group in one process",
		Long: "Run every node of the configured cluster in-process over an " +
			"in-memory bus, proposing a counter value at a fixed interval. " +
			"Useful for watching the protocol and its metrics without any " +
			"deployment.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg.SetupLogger()

			ctx, cancel := signalContext()
			defer cancel()

			nodes, err := buildGroup(&cfg)
			if err != nil {
				return err
			}
			defer func() {
				for _, node := range nodes {
					node.Kill()
				}
			}()

			if cfg.Metrics.ListenAddress != "" {
				metrics.Register()
				go func() {
					http.Handle("/metrics", promhttp.Handler())
					if err := http.ListenAndServe(cfg.Metrics.ListenAddress, nil); err != nil {
						log.Errorf("metrics endpoint: %v", err)
					}
				}()
				log.Infof("metrics on %s/metrics", cfg.Metrics.ListenAddress)
			}

			counter := 0
			ticker := utils.StartTimer(int(interval/time.Millisecond), func(time.Time) {
				counter++
				data := []byte(strconv.Itoa(counter))
				for _, node := range nodes {
					result, err := node.Propose(context.Background(), data)
					if err != nil {
						continue
					}
					log.Infof("committed %q at seq %d via node %d",
						data, result.Sequence, node.ID())
					return
				}
				log.Warnf("no node accepted %q", data)
			})
			defer ticker.Stop()

			fmt.Println("group running. Press Ctrl+C to exit.")
			<-ctx.Done()

			for _, node := range nodes {
				fmt.Println(node.Describe())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "quorum.yaml", "path to config file")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "proposal interval")
	return cmd
}

// buildGroup instantiate every cluster member in-process, wired over
// one in-memory network. The config's node section serves as the
// template; identity and wal directory vary per member.
func buildGroup(cfg *config.Config) ([]*quorum.Node, error) {
	net := bus.MakeNetwork(cfg.Cluster.Nodes...)

	var nodes []*quorum.Node
	for _, id := range cfg.Cluster.Nodes {
		nodeCfg := *cfg
		nodeCfg.Node.ID = id
		if cfg.Storage.WALDir != "" {
			nodeCfg.Storage.WALDir = filepath.Join(
				cfg.Storage.WALDir, strconv.FormatUint(id, 10))
		}

		ep := net.Endpoint(id)
		node, err := quorum.MakeNode(&nodeCfg, ep, &printApp{id: id})
		if err != nil {
			for _, started := range nodes {
				started.Kill()
			}
			return nil, err
		}
		node.Attach(ep)
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return ctx, cancel
}
