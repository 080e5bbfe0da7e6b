package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"polaralign/internal/grpcserver"
)

// remoteFlags select the solver a remote command talks to.
type remoteFlags struct {
	addr    string
	tls     bool
	caCert  string
	timeout time.Duration
}

func (f *remoteFlags) register(cmd *cobra.Command, root *Root) {
	cmd.PersistentFlags().StringVar(&f.addr, "addr", root.cfg.Server.GRPCAddr, "remote solver address (host:port)")
	cmd.PersistentFlags().BoolVar(&f.tls, "tls", false, "connect with TLS")
	cmd.PersistentFlags().StringVar(&f.caCert, "ca-cert", root.cfg.Server.CACert, "CA certificate to trust (default system roots)")
	cmd.PersistentFlags().DurationVar(&f.timeout, "timeout", 2*time.Minute, "give up after this long")
}

// call dials the server and runs fn with a client under the timeout.
func (f *remoteFlags) call(ctx context.Context, fn func(context.Context, *grpcserver.Client) error) error {
	conn, err := grpcserver.Dial(grpcserver.DialConfig{
		Addr:       f.addr,
		Insecure:   !f.tls,
		CACertPath: f.caCert,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return fn(ctx, grpcserver.NewClient(conn))
}

func newRemoteCmd(root *Root) *cobra.Command {
	var flags remoteFlags

	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Talk to a polaralign gRPC server",
		Long: `Run solves on another machine, typically the computer at the telescope.
Frame paths are resolved on the server.`,
	}
	flags.register(cmd, root)

	var solve solveFlags
	solveCmd := &cobra.Command{
		Use:   "solve <frame_a> <frame_b>",
		Short: "Solve a frame pair on the remote server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := solve.options()
			req["frame_a"] = args[0]
			req["frame_b"] = args[1]
			return flags.call(cmd.Context(), func(ctx context.Context, client *grpcserver.Client) error {
				out, err := client.Solve(ctx, req)
				if err != nil {
					return fmt.Errorf("remote solve: %w", err)
				}
				return root.printJSON(out["meta"])
			})
		},
	}
	solve.register(solveCmd)

	profilesCmd := &cobra.Command{
		Use:   "profiles",
		Short: "List the remote server's equipment profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.call(cmd.Context(), func(ctx context.Context, client *grpcserver.Client) error {
				out, err := client.Profiles(ctx)
				if err != nil {
					return fmt.Errorf("remote profiles: %w", err)
				}
				return root.printJSON(out["profiles"])
			})
		},
	}

	cmd.AddCommand(solveCmd, profilesCmd)
	return cmd
}
