package genapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/newthinker/relaybot/internal/core"
	"github.com/newthinker/relaybot/internal/llm"
	"github.com/newthinker/relaybot/internal/llm/extract"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Status is the job status reported by GenAPI.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further polling can change the outcome.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Job tracks one submitted generation. It is owned by the poll loop of a single call.
type Job struct {
	RequestID    string
	Model        string
	Status       Status
	SubmittedAt  time.Time
	PollDeadline time.Time
	Attempts     int
}

// resultFields are scanned in order once a polled job succeeds.
var resultFields = []string{"result", "output", "full_response", "response"}

var errPending = errors.New("job still pending")

// newPollBackOff returns a constant-interval schedule bounded by maxWait.
func newPollBackOff(interval, maxWait time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = interval
	b.Multiplier = 1
	b.RandomizationFactor = 0
	b.MaxElapsedTime = maxWait
	b.Reset()
	return b
}

// poll waits one interval, then checks the job status until it is terminal,
// the wait budget runs out or ctx is done.
func (c *Client) poll(ctx context.Context, job *Job) (string, error) {
	// Give the backend time to accept the job before the first check.
	timer := time.NewTimer(c.pollInterval)
	select {
	case <-ctx.Done():
		timer.Stop()
		return "", llm.TransportError(ctx.Err())
	case <-timer.C:
	}

	job.PollDeadline = time.Now().Add(c.pollMaxWait)
	// The deadline also bounds an in-flight status request.
	pollCtx, cancel := context.WithDeadline(ctx, job.PollDeadline)
	defer cancel()
	statusURL := c.statusURL(job.RequestID)

	var (
		text     string
		terminal error
	)
	operation := func() error {
		job.Attempts++
		data, err := c.checkStatus(pollCtx, statusURL)
		if err != nil {
			if core.Code(err) == core.ErrAPI.Code {
				terminal = err
				return backoff.Permanent(err)
			}
			return err
		}

		prev := job.Status
		job.Status = statusOf(data)
		if job.Status != prev {
			c.record(job, nil)
		}
		switch job.Status {
		case StatusSuccess:
			for _, field := range resultFields {
				if t, ok := extract.Text(data[field]); ok {
					text = t
					return nil
				}
			}
			c.logger.Warn("genapi success without extractable text",
				zap.String("request_id", job.RequestID),
				zap.Strings("keys", lo.Keys(data)),
			)
			terminal = core.Errorf(core.ErrExtractionFailure, "genapi: no text in job %s", job.RequestID)
			return backoff.Permanent(terminal)
		case StatusFailed:
			terminal = core.Errorf(core.ErrJobFailed, "genapi: job %s failed", job.RequestID)
			return backoff.Permanent(terminal)
		default:
			return errPending
		}
	}

	notify := func(err error, next time.Duration) {
		if errors.Is(err, errPending) {
			c.logger.Debug("genapi job pending",
				zap.String("request_id", job.RequestID),
				zap.String("status", string(job.Status)),
				zap.Duration("next", next),
			)
			return
		}
		c.logger.Warn("genapi poll error",
			zap.String("request_id", job.RequestID),
			zap.Int("attempt", job.Attempts),
			zap.Error(err),
		)
	}

	b := newPollBackOff(c.pollInterval, c.pollMaxWait)
	err := backoff.RetryNotify(operation, backoff.WithContext(b, pollCtx), notify)
	switch {
	case err == nil:
		return text, nil
	case terminal != nil:
		return "", terminal
	case ctx.Err() != nil:
		return "", llm.TransportError(ctx.Err())
	default:
		return "", core.WrapError(core.ErrPollTimeout,
			fmt.Errorf("request %s not done after %s (%d checks): %w", job.RequestID, c.pollMaxWait, job.Attempts, err))
	}
}

// checkStatus fetches the job status. A non-200 answer is an API_ERROR; network and
// decode failures come back uncoded or transient so the loop keeps going.
func (c *Client) checkStatus(ctx context.Context, url string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, core.WrapError(core.ErrAPI, fmt.Errorf("creating request: %w", err))
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, llm.TransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, core.Errorf(core.ErrAPI, "genapi poll HTTP %d", resp.StatusCode)
	}

	data, err := decodeObject(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decoding poll response: %w", err)
	}
	return data, nil
}
