package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/autopublisher/internal/auth"
	"github.com/JakeFAU/autopublisher/internal/pipeline"
)

type submitOptions struct {
	file    string
	server  string
	token   string
	owner   string
	dryRun  bool
	timeout time.Duration
}

func newSubmitCmd(_ *rootOptions) *cobra.Command {
	so := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a YAML batch file as a new run.",
		Example: `  autopublisher submit --file batch.yaml --server http://localhost:8080 --token $TOKEN

batch.yaml:
  content_type: earnings
  profile_ids: [blog-a, blog-b]
  items:
    - key: AAPL
    - key: MSFT
      topic: cloud revenue`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sub, err := readBatch(so.file)
			if err != nil {
				return err
			}
			if so.dryRun {
				sub.Options.DryRun = true
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), so.timeout)
			defer cancel()
			runID, err := postRun(ctx, http.DefaultClient, so, sub)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), runID)
			return err
		},
	}
	cmd.Flags().StringVarP(&so.file, "file", "f", "", "YAML batch file")
	cmd.Flags().StringVar(&so.server, "server", "http://localhost:8080", "API base URL")
	cmd.Flags().StringVar(&so.token, "token", os.Getenv("AUTOPUB_TOKEN"), "bearer token")
	cmd.Flags().StringVar(&so.owner, "owner", "", "owner id sent when the API runs without auth")
	cmd.Flags().BoolVar(&so.dryRun, "dry-run", false, "generate without publishing")
	cmd.Flags().DurationVar(&so.timeout, "timeout", 30*time.Second, "request timeout")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// readBatch parses a YAML batch file into a run submission.
func readBatch(path string) (pipeline.Submission, error) {
	var sub pipeline.Submission
	raw, err := os.ReadFile(path)
	if err != nil {
		return sub, fmt.Errorf("read batch: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&sub); err != nil {
		if errors.Is(err, io.EOF) {
			return sub, fmt.Errorf("batch %s is empty", path)
		}
		return sub, fmt.Errorf("parse batch: %w", err)
	}
	if len(sub.Items) == 0 {
		return sub, fmt.Errorf("batch %s has no items", path)
	}
	if len(sub.ProfileIDs) == 0 {
		return sub, fmt.Errorf("batch %s has no profile_ids", path)
	}
	return sub, nil
}

func postRun(ctx context.Context, client *http.Client, so *submitOptions, sub pipeline.Submission) (string, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return "", fmt.Errorf("encode submission: %w", err)
	}
	url := strings.TrimRight(so.server, "/") + "/v1/runs"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if so.token != "" {
		req.Header.Set("Authorization", "Bearer "+so.token)
	}
	if so.owner != "" {
		req.Header.Set(auth.OwnerHeader, so.owner)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit run: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("submit run: %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}
	var out struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return out.RunID, nil
}
