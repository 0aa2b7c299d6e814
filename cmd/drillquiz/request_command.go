package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"drillquiz/internal/apiclient"
)

const maxPrintedBody = 8 << 20

var requestMethods = map[string]struct{}{
	http.MethodGet:    {},
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

func newRequestCommand(ctx *commandContext) *cobra.Command {
	var data string
	var long bool

	cmd := &cobra.Command{
		Use:   "request <method> <path>",
		Short: "Send an authenticated API request and print the response",
		Long: "Send an authenticated API request. Credentials are refreshed and the\n" +
			"request retried once when the backend answers 401.",
		Example: "  drillquiz request GET /api/exams/\n" +
			"  drillquiz request POST /api/exam/ --data '{\"title\":\"Go basics\"}' --long",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			method := strings.ToUpper(strings.TrimSpace(args[0]))
			if _, ok := requestMethods[method]; !ok {
				return fmt.Errorf("unsupported method %q", args[0])
			}
			path := strings.TrimSpace(args[1])
			if !strings.HasPrefix(path, "/") {
				return fmt.Errorf("path must start with /: %q", path)
			}

			var body any
			if data != "" {
				if !json.Valid([]byte(data)) {
					return errors.New("--data is not valid JSON")
				}
				body = json.RawMessage(data)
			}

			return ctx.withSession(cmd, func(s *cliSession) error {
				client := s.Client
				if long {
					client = client.Long()
				}
				req, err := client.NewRequest(cmd.Context(), method, path, body)
				if err != nil {
					return err
				}
				resp, err := client.Do(req)
				if err != nil {
					return fmt.Errorf("%s %s: %w", method, path, err)
				}
				defer resp.Body.Close()

				payload, err := io.ReadAll(io.LimitReader(resp.Body, maxPrintedBody))
				if err != nil {
					return fmt.Errorf("read response: %w", err)
				}
				printBody(cmd.OutOrStdout(), payload)
				if resp.StatusCode < 200 || resp.StatusCode >= 300 {
					return &apiclient.StatusError{
						Method:     method,
						Path:       req.URL.Path,
						StatusCode: resp.StatusCode,
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body")
	cmd.Flags().BoolVar(&long, "long", false, "Use the long request timeout")
	return cmd
}

func printBody(out io.Writer, payload []byte) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, payload, "", "  "); err == nil {
		fmt.Fprintln(out, pretty.String())
		return
	}
	fmt.Fprintln(out, string(payload))
}
