package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	earnly "github.com/Earnly-App/Earnly/sdk/golang"
	"github.com/spf13/cobra"
)

var (
	listenJSON    bool
	listenVerbose bool
)

func init() {
	listenCmd.Flags().BoolVar(&listenJSON, "json", false, "Print events as JSON lines")
	listenCmd.Flags().BoolVarP(&listenVerbose, "verbose", "v", false, "Log connection diagnostics to stderr")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Tail the live event stream",
	Long:  "Connect to the realtime event stream and print events as they arrive.\nReconnects automatically; press Ctrl-C to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		requireAuth(client)

		cfg := &earnly.RealtimeConfig{}
		if listenVerbose {
			cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelDebug,
			}))
		}

		rt := client.Realtime(cfg)
		defer rt.Destroy()

		rt.OnStatus(func(status earnly.ConnectionStatus) {
			fmt.Fprintf(os.Stderr, "-- %s\n", status)
		})
		rt.OnAny(func(ev earnly.StreamEvent) {
			if listenJSON {
				line, err := json.Marshal(map[string]any{"type": ev.Type, "data": ev.Data})
				if err != nil {
					return
				}
				fmt.Println(string(line))
				return
			}
			fmt.Printf("[%s] %s %v\n", time.Now().Format(time.TimeOnly), ev.Type, ev.Data)
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt.Connect(ctx)

		<-ctx.Done()
		fmt.Fprintln(os.Stderr, "Stopping.")
		return nil
	},
}
