// Package uiclient implements the typed HTTP client against the judge
// UI: queue polling, problem file listing/download, and result reporting.
package uiclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/judgeworker/worker/internal/config"
	"github.com/judgeworker/worker/internal/domain"
)

// PollHit is the non-empty result of a poll_queue call. A nil *PollHit
// with a nil error represents the "queue empty" (HTTP 404) case.
type PollHit struct {
	SubmissionID string
	ProblemID    string
	StudentID    string
	ArchivePath  string
	MainFile     string // optional, from X-Mainfile when the language requires an entry-point filename
}

// Client is a minimal HTTP client against the judge UI's HTTP surface.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	maxFileBytes int64

	reportMaxRetries   int
	reportInitialDelay time.Duration
	reportMultiplier   float64
}

// New constructs a Client from worker configuration.
func New(cfg config.Config) *Client {
	dialer := &net.Dialer{Timeout: cfg.HTTPConnectTimeout}
	transport := &http.Transport{
		DialContext: dialer.DialContext,
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.GUIURL, "/"),
		httpClient: &http.Client{
			Timeout:   cfg.HTTPReadTimeout,
			Transport: transport,
		},
		maxFileBytes:       cfg.MaxFileBytes,
		reportMaxRetries:   cfg.ReportMaxRetries,
		reportInitialDelay: cfg.ReportInitialDelay,
		reportMultiplier:   cfg.ReportMultiplier,
	}
}

// PollQueue performs one GET against the queue endpoint. It returns
// (nil, nil) when the queue is empty (HTTP 404). On a hit, the archive
// body is streamed to destPath, capped at maxFileBytes.
func (c *Client) PollQueue(ctx context.Context, queueName, destPath string) (*PollHit, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/queue/"+url.PathEscape(queueName)+"/submission", nil)
	if err != nil {
		return nil, fmt.Errorf("op=uiclient.PollQueue: %w: %v", domain.ErrTransport, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=uiclient.PollQueue: %w: %v", domain.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("op=uiclient.PollQueue: %w: status %d", domain.ErrTransport, resp.StatusCode)
	}

	submissionID := resp.Header.Get("X-Server-Id")
	param := resp.Header.Get("X-Param")
	if submissionID == "" || param == "" {
		return nil, fmt.Errorf("op=uiclient.PollQueue: %w: missing X-Server-Id/X-Param headers", domain.ErrProtocol)
	}
	problemID, studentID, ok := strings.Cut(param, ";")
	if !ok {
		return nil, fmt.Errorf("op=uiclient.PollQueue: %w: malformed X-Param %q", domain.ErrProtocol, param)
	}

	if err := streamToFile(resp.Body, destPath, c.maxFileBytes); err != nil {
		return nil, err
	}

	return &PollHit{
		SubmissionID: submissionID,
		ProblemID:    problemID,
		StudentID:    studentID,
		ArchivePath:  destPath,
		MainFile:     resp.Header.Get("X-Mainfile"),
	}, nil
}

// ListProblemFiles returns the newline-separated filename listing for a
// problem.
func (c *Client) ListProblemFiles(ctx context.Context, problemID string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/filesystem/problem/"+url.PathEscape(problemID), nil)
	if err != nil {
		return nil, fmt.Errorf("op=uiclient.ListProblemFiles: %w: %v", domain.ErrTransport, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=uiclient.ListProblemFiles: %w: %v", domain.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("op=uiclient.ListProblemFiles: %w: status %d", domain.ErrTransport, resp.StatusCode)
	}

	var names []string
	scanner := bufio.NewScanner(io.LimitReader(resp.Body, c.maxFileBytes+1))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			names = append(names, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("op=uiclient.ListProblemFiles: %w: %v", domain.ErrTransport, err)
	}
	return names, nil
}

// GetProblemFile downloads one problem file to destPath, capped at
// maxFileBytes.
func (c *Client) GetProblemFile(ctx context.Context, problemID, filename, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/filesystem/problem/"+url.PathEscape(problemID)+"/"+url.PathEscape(filename), nil)
	if err != nil {
		return fmt.Errorf("op=uiclient.GetProblemFile: %w: %v", domain.ErrTransport, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=uiclient.GetProblemFile: %w: %v", domain.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("op=uiclient.GetProblemFile: %w: status %d", domain.ErrTransport, resp.StatusCode)
	}
	return streamToFile(resp.Body, destPath, c.maxFileBytes)
}

// PostResult submits the result/info/debug form fields, retrying
// transport failures up to reportMaxRetries times with exponential
// backoff starting at reportInitialDelay.
func (c *Client) PostResult(ctx context.Context, submissionID, result, info, debug string) error {
	form := url.Values{"result": {result}, "info": {info}, "debug": {debug}}
	body := form.Encode()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.reportInitialDelay
	expo.Multiplier = c.reportMultiplier
	expo.MaxElapsedTime = 0
	bo := backoff.WithMaxRetries(expo, uint64(c.reportMaxRetries))
	bo = backoff.WithContext(bo, ctx)

	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/result/"+url.PathEscape(submissionID), strings.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("op=uiclient.PostResult: %w: %v", domain.ErrTransport, err))
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("op=uiclient.PostResult: %w: %v", domain.ErrTransport, err)
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode == http.StatusOK {
			return nil
		}
		return fmt.Errorf("op=uiclient.PostResult: %w: status %d", domain.ErrTransport, resp.StatusCode)
	}

	err := backoff.Retry(op, bo)
	if err != nil {
		return err
	}
	return nil
}

// streamToFile copies r into a new file at destPath, rejecting bodies
// that exceed maxBytes.
func streamToFile(r io.Reader, destPath string, maxBytes int64) error {
	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("op=uiclient.streamToFile: %w: %v", domain.ErrFilesystem, err)
	}
	defer func() { _ = f.Close() }()

	n, err := io.Copy(f, io.LimitReader(r, maxBytes+1))
	if err != nil {
		return fmt.Errorf("op=uiclient.streamToFile: %w: %v", domain.ErrTransport, err)
	}
	if n > maxBytes {
		return fmt.Errorf("op=uiclient.streamToFile: %w: body exceeds max_file_bytes (%d)", domain.ErrProtocol, maxBytes)
	}
	return nil
}
