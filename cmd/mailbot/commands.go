package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/migadu/mailbot/db"
	"github.com/migadu/mailbot/helpers"
	"github.com/migadu/mailbot/pkg/credential"
	"github.com/migadu/mailbot/protocol"
	"github.com/migadu/mailbot/server/bot"
	"github.com/migadu/mailbot/server/httpapi"
	"github.com/spf13/cobra"
)

func newSendCommand(a *app) *cobra.Command {
	var to, cc, subject, body, attachment string

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one message and wait for the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			a.validate()
			if body == "-" {
				data, err := readAll(cmd)
				if err != nil {
					return err
				}
				body = data
			}

			b, _, err := a.directBot()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			if err := b.Send(ctx, to, cc, subject, body, attachment, true); err != nil {
				return fmt.Errorf("send failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent to %s\n", to)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&to, "to", "", "Recipient address")
	flags.StringVar(&cc, "cc", "", "Carbon copy addresses")
	flags.StringVar(&subject, "subject", "", "Subject")
	flags.StringVar(&body, "body", "", "Body text, '-' reads standard input")
	flags.StringVar(&attachment, "attach", "", "File to attach")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newCheckCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify that the configured servers accept the account",
		RunE: func(cmd *cobra.Command, args []string) error {
			a.validate()
			b, client, err := a.directBot()
			if err != nil {
				return err
			}
			if err := b.Check(cmd.Context()); err != nil {
				a.errorHandler.FatalError("check servers", err)
				os.Exit(a.errorHandler.WaitForExit())
			}

			st := b.Status()
			out := cmd.OutOrStdout()
			if st.CanSend {
				fmt.Fprintf(out, "smtp %s: ok\n", a.cfg.SMTP.Addr)
			}
			if st.CanReceive {
				n, err := client.MessageCount(cmd.Context())
				if err != nil {
					fmt.Fprintf(out, "pop3 %s: ok (STAT failed: %v)\n", a.cfg.POP3.Addr, err)
				} else {
					fmt.Fprintf(out, "pop3 %s: ok (%d messages)\n", a.cfg.POP3.Addr, n)
				}
			}
			return nil
		},
	}
}

func newJournalCommand(a *app) *cobra.Command {
	var direction string
	var limit int

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Print recent journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := db.Open(cmd.Context(), a.cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer j.Close()

			entries, err := j.List(cmd.Context(), db.ListOptions{Direction: direction, Limit: limit})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tDIRECTION\tSTATUS\tPEER\tSUBJECT\tRULE\tERROR")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.CreatedAt.Local().Format(time.DateTime), e.Direction, e.Status,
					helpers.Truncate(e.Peer, 40), helpers.Truncate(e.Subject, 50), e.Rule,
					helpers.Truncate(e.Error, 60))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "", "Filter by direction: inbound or outbound")
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of entries")
	return cmd
}

func newCredentialCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage the account password in the system keyring",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set",
		Short: "Store the password for the account (read from standard input)",
		RunE: func(cmd *cobra.Command, args []string) error {
			username, err := a.username()
			if err != nil {
				return err
			}
			password := a.cfg.Account.Password
			if password == "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Password for %s: ", username)
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("failed to read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return fmt.Errorf("empty password")
			}
			if err := credential.Set(username, password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored password for %s\n", username)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete",
		Short: "Remove the stored password for the account",
		RunE: func(cmd *cobra.Command, args []string) error {
			username, err := a.username()
			if err != nil {
				return err
			}
			if err := credential.Delete(username); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted password for %s\n", username)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "hash-api-key",
		Short: "Print a bcrypt hash of an API key (read from standard input) for [http_api].api_key",
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("failed to read API key: %w", err)
			}
			key := strings.TrimRight(line, "\r\n")
			if key == "" {
				return fmt.Errorf("empty API key")
			}
			hash, err := httpapi.HashAPIKey(key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	})
	return cmd
}

// directBot builds a bot without rules or journal for one-shot commands.
func (a *app) directBot() (*bot.Bot, *protocol.Pair, error) {
	password, err := credential.Resolve(a.cfg.Account)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve password: %w", err)
	}
	client, err := protocol.NewFromConfig(&a.cfg, password)
	if err != nil {
		return nil, nil, err
	}
	opts, err := bot.OptionsFromConfig(&a.cfg)
	if err != nil {
		return nil, nil, err
	}
	return bot.New(a.cfg.Account.Username, client, opts), client, nil
}

func (a *app) username() (string, error) {
	if a.cfg.Account.Username == "" {
		return "", fmt.Errorf("account username is required (set [account].username or -u)")
	}
	return a.cfg.Account.Username, nil
}

func readAll(cmd *cobra.Command) (string, error) {
	var b strings.Builder
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		b.WriteString(scanner.Text())
		b.WriteByte('\n')
	}
	return b.String(), scanner.Err()
}
