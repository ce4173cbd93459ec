package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/api"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/artifact"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/blob"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/drift"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/errcode"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/kv"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/manifest"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/packages"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/peer"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/signedcmd"
)

// readInput reads a file, or stdin for "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, errcode.Wrap(errcode.InvalidInput, err, "read "+path)
	}
	return data, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newPreflightCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "preflight <manifest.json|->",
		Short: "Check a manifest against the package limits without storing it",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load(cmd)
			if err != nil {
				return err
			}
			raw, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			mgr := packages.NewManager(kv.NewMemoryStore(), blob.NewMemoryStore(), artifact.NewRegistry(), nil,
				packages.WithSettings(packageSettings(cfg)))
			rep := mgr.Preflight(raw)
			if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
			return rep.Err()
		},
	}
}

func newScanCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <manifest.json|->",
		Short: "Compare a manifest with this node's content store",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd)
			if err != nil {
				return err
			}
			raw, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			m, err := manifest.Decode(raw)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			svc, err := buildServices(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close(context.Background()) }()

			locals, err := drift.ResolveLocals(ctx, svc.content, m)
			if err != nil {
				return err
			}
			res, err := svc.scanner.Scan(ctx, drift.Request{Manifest: m, Locals: locals})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newMaintenanceCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "maintenance",
		Short: "Prune nonces, check sites and retry due publishes once",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.load(cmd)
			if err != nil {
				return err
			}
			svc, err := buildServices(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close(context.Background()) }()

			rep, runErr := svc.maintenance.Run(cmd.Context())
			if rep != nil {
				if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
					return err
				}
			}
			return runErr
		},
	}
}

func newSignCmd(g *globalFlags) *cobra.Command {
	var siteUID, bodyPath string
	cmd := &cobra.Command{
		Use:   "sign --site <uid> [--body file|-]",
		Short: "Print signed-command headers for a request body",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := g.load(cmd)
			if err != nil {
				return err
			}
			if cfg.Signing.SharedSecret == "" {
				return errcode.New(errcode.SecretMissing, "no shared secret is configured").
					WithHint("set signing.shared_secret or DBVC_SHARED_SECRET")
			}
			if siteUID == "" {
				return &usageError{msg: "--site is required"}
			}
			var body []byte
			if bodyPath != "" {
				if body, err = readInput(cmd, bodyPath); err != nil {
					return err
				}
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, "/", nil)
			if err != nil {
				return err
			}
			signedcmd.NewSigner(cfg.Signing.SharedSecret).SignRequest(req, siteUID, body)
			for _, h := range []string{signedcmd.HeaderTimestamp, signedcmd.HeaderNonce, signedcmd.HeaderSiteUID, signedcmd.HeaderSignature} {
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", h, req.Header.Get(h)); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&siteUID, "site", "", "site uid the command is addressed to")
	cmd.Flags().StringVar(&bodyPath, "body", "", "request body file, - for stdin")
	return cmd
}

func newCommandCmd(g *globalFlags) *cobra.Command {
	var payloadPath string
	cmd := &cobra.Command{
		Use:   "command <base-url> <site-uid> <ping|pull|scan|apply>",
		Short: "Send a signed command to a client site",
		Args:  exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd)
			if err != nil {
				return err
			}
			payload := json.RawMessage(`{}`)
			if payloadPath != "" {
				raw, err := readInput(cmd, payloadPath)
				if err != nil {
					return err
				}
				if !json.Valid(raw) {
					return errcode.New(errcode.InvalidInput, "payload is not valid JSON")
				}
				payload = raw
			}
			var signer *signedcmd.Signer
			if cfg.Signing.SharedSecret != "" {
				signer = signedcmd.NewSigner(cfg.Signing.SharedSecret)
			}
			client := peer.New("", peer.WithSigner(signer), peer.WithTimeout(cfg.Remote.Timeout), peer.WithLogger(logger))
			var out json.RawMessage
			if err := client.SendCommand(cmd.Context(), args[0], args[1], strings.ToLower(args[2]), payload, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&payloadPath, "payload", "", "JSON payload file, - for stdin")
	return cmd
}

func newTokenCmd(g *globalFlags) *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token --subject <name>",
		Short: "Issue an operator bearer token",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := g.load(cmd)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errcode.New(errcode.SecretMissing, "no JWT secret is configured").
					WithHint("set auth.jwt_secret or DBVC_JWT_SECRET")
			}
			if subject == "" {
				return &usageError{msg: "--subject is required"}
			}
			tok, err := api.IssueToken(cfg.Auth.JWTSecret, cfg.Auth.Issuer, subject, roles, ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "operator name recorded as the actor")
	cmd.Flags().StringSliceVar(&roles, "role", []string{api.RoleOperator}, "roles to grant (operator, mothership_admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
