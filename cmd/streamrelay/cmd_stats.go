package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"streamrelay/api/grpcserver"
)

func newStatsCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the counters and session state of a running bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAdmin(cmd.Context(), addr, func(ctx context.Context, c *grpcserver.Client) (*structpb.Struct, error) {
				return c.GetStats(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "admin address (default from config)")
	return cmd
}

func newStopCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask a running bridge to drain and stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAdmin(cmd.Context(), addr, func(ctx context.Context, c *grpcserver.Client) (*structpb.Struct, error) {
				return c.Stop(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "admin address (default from config)")
	return cmd
}

func callAdmin(parent context.Context, addr string, call func(context.Context, *grpcserver.Client) (*structpb.Struct, error)) error {
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr = cfg.Admin.Addr
	}

	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial admin %s: %w", addr, err)
	}
	defer cc.Close()

	ctx, cancel := context.WithTimeout(parent, time.Minute)
	defer cancel()

	out, err := call(ctx, grpcserver.NewClient(cc))
	if err != nil {
		return fmt.Errorf("admin %s: %w", addr, err)
	}

	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(out)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(b))
	return nil
}
