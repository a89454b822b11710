package main

import (
	"os"

	"github.com/m4xw311/toolhub/server"
	"github.com/spf13/cobra"
)

func newServeCmd(root *rootFlags) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve extensions over WebSocket",
		Long:  "Accept extension connections on /ws and exchange JSON-RPC 2.0 messages over them.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, root.cfg, root.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if listen == "" {
				listen = root.cfg.Listen
			}
			srv := server.New(a.rt, root.logger.Named("server"), server.Options{ToolTimeout: root.cfg.ToolTimeout})
			return srv.ListenAndServe(ctx, listen)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Address to listen on (default from config, 127.0.0.1:7777)")

	return cmd
}

func newStdioCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Serve a single client over stdin and stdout",
		Long:  "Speak newline-delimited JSON-RPC 2.0 on stdin and stdout, for native messaging hosts and tests. Logs go to stderr.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, root.cfg, root.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := server.New(a.rt, root.logger.Named("server"), server.Options{ToolTimeout: root.cfg.ToolTimeout})
			return srv.ServeStdio(ctx, os.Stdin, os.Stdout)
		},
	}
}
