package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/mlforge/trainerd/internal/jobs"
)

// TODO: Inject version at build time.
const version = "0.0.1"

type config struct {
	serverHostname string
	serverPort     string
}

type cli struct {
	cfg        *config
	httpClient *http.Client
}

func newCLI() *cli {
	return &cli{
		cfg:        &config{},
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *cli) rootCmd() *cobra.Command {
	command := &cobra.Command{
		Use:          "trainctl",
		Short:        "CLI for interacting with a trainerd daemon",
		Version:      version,
		SilenceUsage: true,
	}

	command.AddCommand(
		c.startCmd(),
		c.stopCmd(),
		c.statusCmd(),
		c.listCmd(),
		c.logsCmd(),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	command.PersistentFlags().StringVar(
		&c.cfg.serverHostname,
		"server-hostname",
		"localhost",
		"Daemon hostname",
	)

	command.PersistentFlags().StringVar(
		&c.cfg.serverPort,
		"server-port",
		"7860",
		"Daemon port",
	)

	return command
}

func (c *cli) apiURL(path string) string {
	return (&url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(c.cfg.serverHostname, c.cfg.serverPort),
		Path:   path,
	}).String()
}

func (c *cli) wsURL(path string) string {
	return (&url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(c.cfg.serverHostname, c.cfg.serverPort),
		Path:   path,
	}).String()
}

func (c *cli) startCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "start [flags] KIND [ARGS]",
		Short:   "Launch a new job of the given kind (training, tagging, download)",
		Example: "  trainctl start training --dataset ./images",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]any{
				"kind": args[0],
				"args": args[1:],
			})
			if err != nil {
				return err
			}

			resp, err := c.httpClient.Post(
				c.apiURL("/api/jobs"),
				"application/json",
				bytes.NewReader(body),
			)
			if err != nil {
				return mapError(err)
			}
			defer resp.Body.Close()

			var created struct {
				ID string `json:"id"`
			}

			if err := decodeResponse(resp, http.StatusCreated, &created); err != nil {
				return err
			}

			cmd.OutOrStdout().Write([]byte(created.ID + "\n"))

			return nil
		},
	}

	// Stop parsing args after the first position so that flags meant for the
	// launched program are passed as-is rather than interpreted by trainctl,
	// e.g. `--dataset` belongs to the trainer:
	//	`trainctl start training --dataset ./images`
	command.Flags().SetInterspersed(false)

	return command
}

func (c *cli) statusCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "status [flags] JOB_ID",
		Short:   "Query status of a job",
		Example: "  trainctl status 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.httpClient.Get(c.apiURL("/api/jobs/" + args[0]))
			if err != nil {
				return mapError(err)
			}
			defer resp.Body.Close()

			var snapshot jobs.Snapshot
			if err := decodeResponse(resp, http.StatusOK, &snapshot); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			fmt.Fprintf(w, "KIND\tSTATUS\tPROGRESS\tERROR\t\n")
			fmt.Fprintf(
				w,
				"%s\t%s\t%d%%\t%s\t\n",
				snapshot.Kind,
				snapshot.Status,
				snapshot.Progress,
				snapshot.Error,
			)

			w.Flush()

			return nil
		},
	}

	return command
}

func (c *cli) listCmd() *cobra.Command {
	var kind string
	var running bool

	command := &cobra.Command{
		Use:     "list [flags]",
		Short:   "List jobs",
		Example: "  trainctl list --kind training --running",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if kind != "" {
				query.Set("kind", kind)
			}
			if running {
				query.Set("running", "true")
			}

			reqURL := c.apiURL("/api/jobs")
			if encoded := query.Encode(); encoded != "" {
				reqURL += "?" + encoded
			}

			resp, err := c.httpClient.Get(reqURL)
			if err != nil {
				return mapError(err)
			}
			defer resp.Body.Close()

			var listing struct {
				Jobs []jobs.Snapshot `json:"jobs"`
			}

			if err := decodeResponse(resp, http.StatusOK, &listing); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			fmt.Fprintf(w, "ID\tKIND\tSTATUS\tPROGRESS\t\n")

			for _, snapshot := range listing.Jobs {
				fmt.Fprintf(
					w,
					"%s\t%s\t%s\t%d%%\t\n",
					snapshot.ID,
					snapshot.Kind,
					snapshot.Status,
					snapshot.Progress,
				)
			}

			w.Flush()

			return nil
		},
	}

	command.Flags().StringVar(&kind, "kind", "", "Filter by job kind")
	command.Flags().BoolVar(&running, "running", false, "Only running jobs")

	return command
}

func (c *cli) stopCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "stop [flags] JOB_ID",
		Short:   "Cancel a running job",
		Example: "  trainctl stop 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.httpClient.Post(
				c.apiURL("/api/jobs/"+args[0]+"/stop"),
				"application/json",
				nil,
			)
			if err != nil {
				return mapError(err)
			}
			defer resp.Body.Close()

			var stopped struct {
				Stopped bool `json:"stopped"`
			}

			if err := decodeResponse(resp, http.StatusOK, &stopped); err != nil {
				return err
			}

			if !stopped.Stopped {
				return errors.New("job is not running")
			}

			return nil
		},
	}

	return command
}

func (c *cli) logsCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "logs [flags] JOB_ID",
		Short:   "Stream job logs (replays history, then tails until the job ends)",
		Example: "  trainctl logs 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, resp, err := websocket.DefaultDialer.DialContext(
				cmd.Context(),
				c.wsURL("/api/jobs/"+args[0]+"/logs"),
				nil,
			)
			if err != nil {
				if resp != nil && resp.StatusCode == http.StatusNotFound {
					return errors.New("not found")
				}

				return mapError(err)
			}
			defer conn.Close()

			// Drop the connection when the command context is cancelled,
			// e.g. on Ctrl-C, so ReadMessage unblocks.
			stop := context.AfterFunc(cmd.Context(), func() {
				conn.Close()
			})
			defer stop()

			for {
				_, message, err := conn.ReadMessage()
				if err != nil {
					if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
						return nil
					}

					if cmd.Context().Err() != nil {
						return nil
					}

					return mapError(err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", message)
			}
		},
	}

	return command
}

// decodeResponse checks the response status and decodes the body into v.
// Non-2xx responses are translated to human-readable errors using the
// daemon's error payload where available.
func decodeResponse(resp *http.Response, wantStatus int, v any) error {
	if resp.StatusCode != wantStatus {
		return mapStatusError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

func mapStatusError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(body, &payload)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return errors.New("not found")
	case http.StatusBadRequest:
		if payload.Error != "" {
			return errors.New(payload.Error)
		}

		return errors.New("bad request")
	default:
		if payload.Error != "" {
			return errors.New(payload.Error)
		}

		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

// mapError translates transport errors to human-readable messages.
func mapError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.New("request timed out")
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.New("server unavailable")
	}

	return err
}
