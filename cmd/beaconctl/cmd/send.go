package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_beacon/beacon"
	"github.com/austindbirch/harbor_beacon/internal/dispatch"
	"github.com/austindbirch/harbor_beacon/internal/logging"
	"github.com/austindbirch/harbor_beacon/internal/payload"
)

var (
	sendData   string
	sendFile   string
	sendParams []string
	sendBinary bool
	sendDryRun bool
)

var errRejected = errors.New("beacon rejected")

type sendResult struct {
	URL         string `json:"url"`
	Accepted    bool   `json:"accepted"`
	Bytes       int    `json:"bytes"`
	ContentType string `json:"contentType"`
	DryRun      bool   `json:"dryRun,omitempty"`
}

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send URL",
	Short: "Queue a beacon for delivery",
	Long: `Queue an HTTP POST to URL and return as soon as the worker has it.

At most one of --data, --file or --param may be given; with none the beacon
has an empty body. Bodies larger than 64 KiB are rejected.

Examples:
  beaconctl send https://collector.example.com/hit --data 'page=home'
  beaconctl send http://localhost:3000 --param event=click --param id=42
  beaconctl send http://localhost:3000 --file trace.bin --binary`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := buildBody(sendData, sendFile, sendParams, sendBinary)
		if err != nil {
			return err
		}

		res, err := describe(args[0], body)
		if err != nil {
			return err
		}
		if sendDryRun {
			res.DryRun = true
			printOutput(cmd.OutOrStdout(), res)
			return nil
		}

		cfg := beaconConfig()
		logger := logging.NewWithWriter("beaconctl", os.Stderr, cfg.LogLevel)
		sender := beacon.New(cfg,
			beacon.WithLogger(logger),
			beacon.WithSpawner(&beacon.ProcessSpawner{
				Path:         cfg.Worker.Path,
				Env:          workerEnv(cfg),
				WriteTimeout: cfg.Worker.WriteTimeout,
				Log:          logger,
			}),
		)
		// Closing only ends the stream; the worker still delivers what it accepted
		defer sender.Close()

		res.Accepted = sender.Send(cmd.Context(), args[0], body)
		printOutput(cmd.OutOrStdout(), res)
		if !res.Accepted {
			return errRejected
		}
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVarP(&sendData, "data", "d", "", "text body")
	sendCmd.Flags().StringVarP(&sendFile, "file", "f", "", "read the body from a file")
	sendCmd.Flags().StringArrayVarP(&sendParams, "param", "p", nil, "form parameter as key=value (repeatable)")
	sendCmd.Flags().BoolVar(&sendBinary, "binary", false, "send --file contents as raw bytes instead of text")
	sendCmd.Flags().BoolVar(&sendDryRun, "dry-run", false, "show what would be sent without starting a worker")
	rootCmd.AddCommand(sendCmd)
}

// buildBody turns the send flags into a beacon body
func buildBody(data, file string, params []string, binary bool) (beacon.Body, error) {
	set := 0
	for _, given := range []bool{data != "", file != "", len(params) > 0} {
		if given {
			set++
		}
	}
	if set > 1 {
		return nil, fmt.Errorf("only one of --data, --file or --param may be given")
	}
	if binary && file == "" {
		return nil, fmt.Errorf("--binary requires --file")
	}

	switch {
	case data != "":
		return beacon.Text(data), nil
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read body file: %w", err)
		}
		if binary {
			return beacon.Buffer(b), nil
		}
		return beacon.Text(b), nil
	case len(params) > 0:
		return parseParams(params)
	}
	return nil, nil
}

// parseParams parses key=value pairs, keeping repeated keys
func parseParams(params []string) (beacon.Params, error) {
	values := url.Values{}
	for _, p := range params {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q (expected key=value)", p)
		}
		values.Add(k, v)
	}
	return beacon.Params(values), nil
}

// describe serializes body the way the worker will, without queueing it
func describe(rawURL string, body beacon.Body) (sendResult, error) {
	data, err := payload.Serialize(body)
	if err != nil {
		return sendResult{}, err
	}
	n, err := payload.Size(data)
	if err != nil {
		return sendResult{}, err
	}
	return sendResult{URL: rawURL, Bytes: n, ContentType: dispatch.ContentType(data)}, nil
}
