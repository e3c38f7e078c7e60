package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newLoginCommand(cfgPath *string) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the bearer token locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(username) == "" {
				return errors.New("--username is required")
			}
			if password == "" {
				p, err := readLine(cmd.InOrStdin(), cmd.ErrOrStderr(), "password: ")
				if err != nil {
					return err
				}
				password = p
			}
			rt, err := openRuntime(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			resp, err := rt.api.Auth.Login(rt.ctx, username, password)
			if err != nil {
				return fmt.Errorf("login: %w", err)
			}
			cred, err := rt.creds.Save(rt.ctx, resp.Token)
			if err != nil {
				return fmt.Errorf("login: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (%s) until %s\n",
				cred.Claims.Subject, cred.Claims.Role, cred.Claims.Expiry().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Account name")
	cmd.Flags().StringVar(&password, "password", "", "Password (read from stdin when omitted)")
	return cmd
}

func newLogoutCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.creds.Clear(rt.ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}

func newWhoamiCommand(cfgPath *string, asJSON *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the stored credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer rt.Close()
			cred, ok, err := rt.creds.Current(rt.ctx)
			if err != nil {
				return err
			}
			if !ok {
				return errLoginRequired
			}
			if *asJSON {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"subject":   cred.Claims.Subject,
					"role":      cred.Claims.Role,
					"expiresAt": cred.Claims.Expiry().Format(time.RFC3339),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n",
				cred.Claims.Subject, cred.Claims.Role, cred.Claims.Expiry().Format(time.RFC3339))
			return nil
		},
	}
}

func readLine(in io.Reader, prompt io.Writer, label string) (string, error) {
	fmt.Fprint(prompt, label)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
