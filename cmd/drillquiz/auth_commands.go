package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"drillquiz/internal/account"
)

func newAuthCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newLoginCommand(ctx),
		newRegisterCommand(ctx),
		newLogoutCommand(ctx),
		newVerifyEmailCommand(ctx),
		newResetPasswordCommand(ctx),
	}
}

func newLoginCommand(ctx *commandContext) *cobra.Command {
	var username string
	var password string
	var appleToken string
	var appleUser string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store credentials",
		Example: "  drillquiz login -u alice\n" +
			"  drillquiz login --apple-identity-token \"$TOKEN\" --apple-user '{\"email\":\"a@example.com\"}'",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if appleToken = strings.TrimSpace(appleToken); appleToken != "" {
				return runAppleLogin(cmd, ctx, appleToken, appleUser)
			}
			username = strings.TrimSpace(username)
			if username == "" {
				return errors.New("--username is required")
			}
			secret, err := resolvePassword(cmd.InOrStdin(), password)
			if err != nil {
				return err
			}
			return ctx.withSession(cmd, func(s *cliSession) error {
				resp, err := s.Accounts.Login(cmd.Context(), account.Credentials{Username: username, Password: secret})
				if err != nil {
					return fmt.Errorf("login: %w", err)
				}
				return printAuthResult(cmd, ctx, "Signed in", resp)
			})
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "Account username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Account password (read from stdin when omitted)")
	cmd.Flags().StringVar(&appleToken, "apple-identity-token", "", "Sign in with an Apple identity token instead of a password")
	cmd.Flags().StringVar(&appleUser, "apple-user", "", "JSON user info from the first Apple authorization")
	cmd.MarkFlagsMutuallyExclusive("apple-identity-token", "username")
	cmd.MarkFlagsMutuallyExclusive("apple-identity-token", "password")
	return cmd
}

func runAppleLogin(cmd *cobra.Command, ctx *commandContext, token, rawUser string) error {
	var user any
	if rawUser = strings.TrimSpace(rawUser); rawUser != "" {
		if !json.Valid([]byte(rawUser)) {
			return errors.New("--apple-user is not valid JSON")
		}
		user = json.RawMessage(rawUser)
	}
	return ctx.withSession(cmd, func(s *cliSession) error {
		resp, err := s.Accounts.AppleLogin(cmd.Context(), token, user, s.Config.API.Language)
		if err != nil {
			return fmt.Errorf("apple login: %w", err)
		}
		return printAuthResult(cmd, ctx, "Signed in with Apple", resp)
	})
}

func newRegisterCommand(ctx *commandContext) *cobra.Command {
	var reg account.Registration
	var password string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg.Username = strings.TrimSpace(reg.Username)
			reg.Email = strings.TrimSpace(reg.Email)
			if reg.Username == "" || reg.Email == "" {
				return errors.New("--username and --email are required")
			}
			secret, err := resolvePassword(cmd.InOrStdin(), password)
			if err != nil {
				return err
			}
			reg.Password = secret
			return ctx.withSession(cmd, func(s *cliSession) error {
				if reg.Language == "" {
					reg.Language = s.Config.API.Language
				}
				resp, err := s.Accounts.Register(cmd.Context(), reg)
				if err != nil {
					return fmt.Errorf("register: %w", err)
				}
				return printAuthResult(cmd, ctx, "Registered", resp)
			})
		},
	}

	cmd.Flags().StringVarP(&reg.Username, "username", "u", "", "Account username")
	cmd.Flags().StringVarP(&reg.Email, "email", "e", "", "Account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Account password (read from stdin when omitted)")
	cmd.Flags().StringVar(&reg.Language, "language", "", "Preferred language (defaults to api.language)")
	return cmd
}

func newLogoutCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and remove stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd, func(s *cliSession) error {
				if err := s.Accounts.Logout(cmd.Context()); err != nil {
					return fmt.Errorf("logout: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
				return nil
			})
		},
	}
}

func newVerifyEmailCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-email <token>",
		Short: "Confirm an email address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd, func(s *cliSession) error {
				if err := s.Accounts.VerifyEmail(cmd.Context(), strings.TrimSpace(args[0])); err != nil {
					return fmt.Errorf("verify email: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Email verified")
				return nil
			})
		},
	}
}

func newResetPasswordCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-password <email>",
		Short: "Request a password reset email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email := strings.TrimSpace(args[0])
			return ctx.withSession(cmd, func(s *cliSession) error {
				if err := s.Accounts.ResetPassword(cmd.Context(), email); err != nil {
					return fmt.Errorf("reset password: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Password reset email requested for %s\n", email)
				return nil
			})
		},
	}
}

// resolvePassword returns flagValue, or the first line of in when the flag is empty.
func resolvePassword(in io.Reader, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password is required (use --password or pipe it on stdin)")
	}
	return line, nil
}

func printAuthResult(cmd *cobra.Command, ctx *commandContext, verb string, resp *account.AuthResponse) error {
	if ctx.jsonOutput() {
		return writeJSON(cmd, map[string]any{
			"authenticated": resp.Authenticated,
			"user":          resp.User,
		})
	}
	out := cmd.OutOrStdout()
	if !resp.Authenticated {
		fmt.Fprintf(out, "%s; the server returned no credentials\n", verb)
		return nil
	}
	name := "unknown user"
	if resp.User != nil && resp.User.Username != "" {
		name = resp.User.Username
	}
	fmt.Fprintf(out, "%s as %s\n", verb, name)
	return nil
}
