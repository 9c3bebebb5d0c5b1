// profile-watch is a debugging tool. It subscribes to a destination's
// profile stream, compiles every update the way the proxy would, and
// prints each published route table generation.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	pb "github.com/linkerd/linkerd2-proxy-api/go/destination"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/meshproxy/routepolicy/pkg/snapshot"
	"github.com/meshproxy/routepolicy/pkg/watcher"
)

type watchOptions struct {
	addr      string
	adminAddr string
	logLevel  string
}

func newWatchOptions() *watchOptions {
	return &watchOptions{
		addr:      ":8086",
		adminAddr: "",
		logLevel:  "info",
	}
}

func main() {
	options := newWatchOptions()

	cmd := &cobra.Command{
		Use:   "profile-watch [flags] destination",
		Short: "Watch a destination's route policy",
		Long: `Watch a destination's route policy.

This command opens the same profile stream as the proxy's outbound path,
compiles each update into a route table, and prints every published
generation until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := log.ParseLevel(options.logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level: %s", options.logLevel)
			}
			log.SetLevel(level)
			return watch(args[0], options)
		},
	}

	cmd.PersistentFlags().StringVar(&options.addr, "addr", options.addr, "address of the destination service")
	cmd.PersistentFlags().StringVar(&options.adminAddr, "admin-addr", options.adminAddr, "serve /metrics on this address, if set")
	cmd.PersistentFlags().StringVar(&options.logLevel, "log-level", options.logLevel, "log level: debug, info, warn, error")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func watch(dest string, options *watchOptions) error {
	conn, err := grpc.Dial(
		options.addr,
		grpc.WithInsecure(),
		grpc.WithUnaryInterceptor(grpc_prometheus.UnaryClientInterceptor),
		grpc.WithStreamInterceptor(grpc_prometheus.StreamClientInterceptor),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	if options.adminAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Infof("serving metrics on %s", options.adminAddr)
			if err := http.ListenAndServe(options.adminAddr, mux); err != nil {
				log.Errorf("admin server failed: %s", err)
			}
		}()
	}

	registry := watcher.NewRegistry(pb.NewDestinationClient(conn), time.Minute, log.NewEntry(log.StandardLogger()))
	defer registry.Close()

	cell := registry.Subscribe(dest)
	defer registry.Release(dest)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var seen uint64
	printTable(dest, cell.Current())
	for {
		select {
		case <-ticker.C:
			if snap := cell.Current(); snap.Generation != seen {
				seen = snap.Generation
				printTable(dest, snap)
			}
		case <-stop:
			return nil
		}
	}
}

func printTable(dest string, snap *snapshot.Snapshot) {
	routes := snap.Table.Routes()
	log.Infof("%s: generation %d, %d routes", dest, snap.Generation, len(routes))
	for i, route := range routes {
		name := route.Labels["route"]
		log.Infof("  [%d] route=%q retryable=%t timeout=%s", i, name, route.Retryable, route.Timeout)
	}
}
