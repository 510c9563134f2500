// SPDX-FileCopyrightText: © 2026 dstack-tee
//
// SPDX-License-Identifier: Apache-2.0

// Command atls-verify dials a server, runs the attested-TLS handshake
// against a policy file, and prints the resulting report as JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dstack-tee/atls-go/atls"
	"github.com/dstack-tee/atls-go/atlserr"
	"github.com/dstack-tee/atls-go/config"
	"github.com/dstack-tee/atls-go/internal/logging"
	"github.com/dstack-tee/atls-go/policy"
	"github.com/dstack-tee/atls-go/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:          "atls-verify",
		Short:        "Connect to a server and verify its attested TLS quote",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file")
	root.AddCommand(newConnectCmd(&cfgFile))
	return root
}

func newConnectCmd(cfgFile *string) *cobra.Command {
	var opts struct {
		addr       string
		serverName string
		policyFile string
		ws         bool
	}

	cmd := &cobra.Command{
		Use:          "connect",
		Short:        "dial a server and verify its attestation quote",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConnect(cmd, *cfgFile, opts.addr, opts.serverName, opts.policyFile, opts.ws)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.addr, "addr", "", "host:port (or wss:// tunnel URL with --ws) to connect to")
	flags.StringVar(&opts.serverName, "server-name", "", "TLS server name to present (SNI)")
	flags.StringVar(&opts.policyFile, "policy", "", "path to a policy JSON file (defaults to policy.Dev())")
	flags.BoolVar(&opts.ws, "ws", false, "treat --addr as a WebSocket tunnel URL")
	_ = cmd.MarkFlagRequired("addr")

	return cmd
}

func runConnect(cmd *cobra.Command, cfgFile, addr, serverName, policyFile string, useWS bool) error {
	flags := pflag.NewFlagSet("atls-verify", pflag.ContinueOnError)
	cfg, err := config.Load(cfgFile, flags)
	if err != nil {
		return err
	}

	log := logging.Default
	p, err := loadPolicy(policyFile)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var stream transport.ByteDuplex
	if useWS {
		stream, err = transport.DialWebSocketTunnel(ctx, addr)
	} else {
		stream, err = transport.DialTCP(ctx, addr)
	}
	if err != nil {
		return err
	}

	_, rep, err := atls.Connect(ctx, stream, serverName, p,
		atls.WithDialTimeout(cfg.DialTimeout),
		atls.WithLogger(log))
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(out))
	return nil
}

func loadPolicy(path string) (policy.Policy, error) {
	if path == "" {
		return policy.Dev(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, atlserr.Wrap(atlserr.KindConfiguration, err, "read policy file "+path)
	}
	return policy.FromJSON(data)
}
