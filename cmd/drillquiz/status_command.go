package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"drillquiz/internal/config"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration, stored session, and backend state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd, func(s *cliSession) error {
				return printStatus(cmd, ctx, s)
			})
		},
	}
}

type statusReport struct {
	ConfigPath     string    `json:"config_path"`
	ConfigFound    bool      `json:"config_found"`
	BaseURL        string    `json:"base_url"`
	Environment    string    `json:"environment"`
	Production     bool      `json:"production"`
	StorageBackend string    `json:"storage_backend"`
	StoragePath    string    `json:"storage_path,omitempty"`
	Authenticated  bool      `json:"authenticated"`
	Admin          bool      `json:"admin"`
	Username       string    `json:"username,omitempty"`
	AccessExpiry   time.Time `json:"access_expiry,omitzero"`
	RefreshExpiry  time.Time `json:"refresh_expiry,omitzero"`
	HasRefresh     bool      `json:"has_refresh_token"`
	Backend        string    `json:"backend"`
	BackendUser    string    `json:"backend_user,omitempty"`
	BackendError   string    `json:"backend_error,omitempty"`
}

func printStatus(cmd *cobra.Command, ctx *commandContext, s *cliSession) error {
	c := cmd.Context()
	report := statusReport{
		ConfigPath:     ctx.configPath,
		ConfigFound:    ctx.configSeen,
		BaseURL:        s.Config.API.BaseURL,
		Environment:    s.Config.API.Environment,
		Production:     s.Config.IsProduction(),
		StorageBackend: s.Config.Storage.Backend,
	}
	if s.Config.Storage.Backend == config.StorageFile || s.Config.Storage.Backend == config.StorageSQLite {
		report.StoragePath = s.Config.Storage.Path
	}

	snapshot := s.Store.Snapshot()
	report.Authenticated = snapshot.IsAuthenticated
	report.Admin = snapshot.IsAdmin
	if snapshot.User != nil {
		report.Username = snapshot.User.Username
	}
	if expiry, err := s.Store.AccessExpiry(c); err == nil {
		report.AccessExpiry = expiry
	}
	if expiry, err := s.Store.RefreshExpiry(c); err == nil {
		report.RefreshExpiry = expiry
	}
	if token, err := s.Store.RefreshToken(c); err == nil {
		report.HasRefresh = token != ""
	}

	status, err := s.Accounts.AuthStatus(c)
	switch {
	case err != nil:
		report.Backend = "unreachable"
		report.BackendError = err.Error()
	case status.Authenticated:
		report.Backend = "signed in"
		if status.User != nil {
			report.BackendUser = status.User.Username
		}
	default:
		report.Backend = "signed out"
	}

	if ctx.jsonOutput() {
		return writeJSON(cmd, report)
	}

	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	now := time.Now()

	fmt.Fprintln(out, renderSectionHeader("Configuration", colorize))
	configKind, configMsg := statusOK, report.ConfigPath
	if !report.ConfigFound {
		configKind, configMsg = statusWarn, report.ConfigPath+" (not found, using defaults)"
	}
	fmt.Fprintln(out, renderStatusLine("Config", configKind, configMsg, colorize))
	fmt.Fprintln(out, renderStatusLine("Base URL", statusInfo, report.BaseURL, colorize))
	envKind, envMsg := statusInfo, report.Environment
	if report.Production && strings.HasPrefix(report.BaseURL, "http://") {
		envKind, envMsg = statusWarn, report.Environment+" over plain http"
	}
	fmt.Fprintln(out, renderStatusLine("Environment", envKind, envMsg, colorize))
	storage := report.StorageBackend
	if report.StoragePath != "" {
		storage += " (" + report.StoragePath + ")"
	}
	fmt.Fprintln(out, renderStatusLine("Storage", statusInfo, storage, colorize))

	fmt.Fprintln(out)
	fmt.Fprintln(out, renderSectionHeader("Session", colorize))
	if report.Authenticated {
		who := report.Username
		if who == "" {
			who = "token only"
		}
		if report.Admin {
			who += " (admin)"
		}
		fmt.Fprintln(out, renderStatusLine("Signed in", statusOK, who, colorize))
	} else {
		fmt.Fprintln(out, renderStatusLine("Signed in", statusWarn, "no", colorize))
	}
	kind, msg := describeExpiry(report.AccessExpiry, now)
	fmt.Fprintln(out, renderStatusLine("Access token", kind, msg, colorize))
	if report.HasRefresh {
		kind, msg = describeExpiry(report.RefreshExpiry, now)
	} else {
		kind, msg = statusWarn, "missing"
	}
	fmt.Fprintln(out, renderStatusLine("Refresh token", kind, msg, colorize))

	fmt.Fprintln(out)
	fmt.Fprintln(out, renderSectionHeader("Backend", colorize))
	switch {
	case report.BackendError != "":
		fmt.Fprintln(out, renderStatusLine("Auth status", statusError, report.BackendError, colorize))
	case report.BackendUser != "":
		fmt.Fprintln(out, renderStatusLine("Auth status", statusOK, report.Backend+" as "+report.BackendUser, colorize))
	default:
		fmt.Fprintln(out, renderStatusLine("Auth status", statusInfo, report.Backend, colorize))
	}
	return nil
}

func describeExpiry(expiry, now time.Time) (statusKind, string) {
	if expiry.IsZero() {
		return statusInfo, "no expiry recorded"
	}
	remaining := expiry.Sub(now)
	stamp := expiry.Local().Format(time.RFC3339)
	if remaining <= 0 {
		return statusWarn, "expired at " + stamp
	}
	return statusOK, fmt.Sprintf("valid for %s (until %s)", remaining.Round(time.Second), stamp)
}
