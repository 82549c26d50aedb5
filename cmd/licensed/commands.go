package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rcourtman/licensed/internal/licensed"
	"github.com/rcourtman/licensed/internal/licensed/allocation"
	"github.com/rcourtman/licensed/internal/licensed/tokenpool"
)

const cliActor = "cli"

var (
	tokenSecret         string
	tokenNote           string
	tokenExclusive      bool
	tokenMaxAssignments int

	genCount      int
	genValidDays  int
	genMaxDevices int
	genExclusive  bool
	genTokenIDs   []int64
	genNote       string

	jwtSubject string
	jwtTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Token pool commands",
}

var tokenAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a secret token to the pool",
	Example: `  # Prompt for the secret without echo
  licensed token add --exclusive --note "team seat"

  # Read the secret from stdin
  echo "$SECRET" | licensed token add --max-assignments 5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := tokenSecret
		if secret == "" {
			var err error
			secret, err = readSecret(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
		}
		req := tokenpool.AddRequest{
			Secret:    secret,
			Exclusive: tokenExclusive,
			Note:      tokenNote,
			AddedBy:   cliActor,
		}
		if tokenMaxAssignments > 0 {
			req.MaxAssignments = &tokenMaxAssignments
		}

		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.Close()

		id, err := app.Tokens.Add(cmd.Context(), req)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Token %d added\n", id)
		return nil
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a batch of license keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.Close()
		issued, err := runGenerate(cmd, app)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(issued)
	},
}

func batchMode(exclusive bool, tokenIDs []int64) allocation.Mode {
	switch {
	case len(tokenIDs) > 0:
		return allocation.ModeManual
	case exclusive:
		return allocation.ModeExclusive
	default:
		return allocation.ModeShared
	}
}

func runGenerate(cmd *cobra.Command, app *licensed.App) ([]allocation.Issued, error) {
	return app.Engine.GenerateBatch(cmd.Context(), allocation.BatchRequest{
		Count:      genCount,
		ValidDays:  genValidDays,
		MaxDevices: genMaxDevices,
		Note:       genNote,
		Mode:       batchMode(genExclusive, genTokenIDs),
		TokenIDs:   genTokenIDs,
		CreatedBy:  cliActor,
	})
}

var issueJWTCmd = &cobra.Command{
	Use:   "issue-jwt",
	Short: "Sign an admin bearer token with LICENSED_JWT_SECRET",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := licensed.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		token, err := cfg.Authenticator().IssueToken(jwtSubject, jwtTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

// readSecret prompts on a terminal without echo, or reads the first line of
// piped input.
func readSecret(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Token secret: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimSpace(line)
	if secret == "" {
		return "", fmt.Errorf("secret is required (use --secret or stdin)")
	}
	return secret, nil
}

func init() {
	tokenAddCmd.Flags().StringVar(&tokenSecret, "secret", "", "token secret (prompted when omitted)")
	tokenAddCmd.Flags().StringVar(&tokenNote, "note", "", "note shown to admins")
	tokenAddCmd.Flags().BoolVar(&tokenExclusive, "exclusive", false, "bind the token to a single license")
	tokenAddCmd.Flags().IntVar(&tokenMaxAssignments, "max-assignments", 0, "assignment quota for shared tokens (0 = unlimited)")
	tokenCmd.AddCommand(tokenAddCmd)

	generateCmd.Flags().IntVar(&genCount, "count", 1, "number of licenses")
	generateCmd.Flags().IntVar(&genValidDays, "valid-days", 30, "validity in days from first activation")
	generateCmd.Flags().IntVar(&genMaxDevices, "max-devices", 1, "device limit shown to admins")
	generateCmd.Flags().BoolVar(&genExclusive, "exclusive", false, "bind each license to its own exclusive token")
	generateCmd.Flags().Int64SliceVar(&genTokenIDs, "token-ids", nil, "bind to these token ids, one per license")
	generateCmd.Flags().StringVar(&genNote, "note", "", "note stored on each license")

	issueJWTCmd.Flags().StringVar(&jwtSubject, "subject", "", "admin identity recorded in audit logs")
	issueJWTCmd.Flags().DurationVar(&jwtTTL, "ttl", 12*time.Hour, "token lifetime")
	_ = issueJWTCmd.MarkFlagRequired("subject")
}
