package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newWhoamiCommand(ctx *commandContext) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user's profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd, func(s *cliSession) error {
				if !s.Store.Snapshot().IsAuthenticated {
					return errors.New("not signed in; run `drillquiz login`")
				}
				profile, err := s.Accounts.Profile(cmd.Context(), refresh)
				if err != nil {
					return fmt.Errorf("fetch profile: %w", err)
				}
				if ctx.jsonOutput() {
					if len(profile.Raw) > 0 {
						return writeJSON(cmd, profile.Raw)
					}
					return writeJSON(cmd, profile.User)
				}

				user := profile.User
				fields := [][2]string{
					{"Username", user.Username},
					{"Email", user.Email},
				}
				if user.ID != 0 {
					fields = append(fields, [2]string{"ID", strconv.FormatInt(user.ID, 10)})
				}
				if user.Role != "" {
					fields = append(fields, [2]string{"Role", user.Role})
				}
				if user.Language != "" {
					fields = append(fields, [2]string{"Language", user.Language})
				}
				fields = append(fields, [2]string{"Admin", yesNo(user.IsAdmin())})
				fmt.Fprintln(cmd.OutOrStdout(), renderFieldTable("Profile", fields))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "Bypass the cached profile")
	return cmd
}
