package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sakuga/internal/breaker"
	"sakuga/internal/config"
	"sakuga/internal/logging"
	"sakuga/internal/retry"
	"sakuga/internal/services"
)

// JobStatus is the lifecycle state of a submitted workflow.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Client talks to the image-generation backend over HTTP.
//
// The workflow graph is an opaque JSON document; the client never
// inspects it beyond serialization.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	breaker      *breaker.Breaker
	retry        retry.Policy
	logger       *slog.Logger
	pollInterval time.Duration
	stuckAfter   time.Duration
}

// NewClient builds a backend client from configuration.
func NewClient(cfg config.Comfy, logger *slog.Logger) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}
	timeout := time.Duration(cfg.RequestTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pollInterval := time.Duration(cfg.PollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	stuckAfter := time.Duration(cfg.StuckAfterSeconds) * time.Second
	if stuckAfter <= 0 {
		stuckAfter = 5 * time.Minute
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.URL, "/"),
		httpClient:   &http.Client{Timeout: timeout},
		breaker:      breaker.New(breaker.Settings{Name: "comfy"}),
		retry:        retry.DefaultPolicy(),
		logger:       logging.NewComponentLogger(logger, "comfy"),
		pollInterval: pollInterval,
		stuckAfter:   stuckAfter,
	}
}

// BreakerState reports the circuit-breaker state for status output.
func (c *Client) BreakerState() string {
	return c.breaker.State()
}

// Submit posts a workflow graph and returns the backend job id.
func (c *Client) Submit(ctx context.Context, workflow json.RawMessage) (string, error) {
	if len(workflow) == 0 {
		return "", services.Wrap(services.ErrValidation, "comfy", "submit", "empty workflow graph", nil)
	}

	body, err := json.Marshal(map[string]any{"prompt": json.RawMessage(workflow)})
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "comfy", "submit", "encode workflow", err)
	}

	var jobID string
	err = c.breaker.Do(ctx, func(ctx context.Context) error {
		return c.retry.Do(ctx, "submit workflow", func(ctx context.Context) error {
			var response struct {
				PromptID string `json:"prompt_id"`
			}
			if err := c.postJSON(ctx, "/prompt", body, &response); err != nil {
				return err
			}
			if response.PromptID == "" {
				return services.Wrap(services.ErrExternalTool, "comfy", "submit", "backend returned no job id", nil)
			}
			jobID = response.PromptID
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	c.logger.Info("workflow submitted", logging.String("job_id", jobID))
	return jobID, nil
}

// PollStatus queries the backend queue and history for a job's state.
func (c *Client) PollStatus(ctx context.Context, jobID string) (JobStatus, error) {
	if jobID == "" {
		return "", services.Wrap(services.ErrValidation, "comfy", "poll status", "empty job id", nil)
	}

	var status JobStatus
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		queue, err := c.fetchQueue(ctx)
		if err != nil {
			return err
		}
		if queue.contains(jobID, true) {
			status = StatusRunning
			return nil
		}
		if queue.contains(jobID, false) {
			status = StatusQueued
			return nil
		}

		history, err := c.fetchHistory(ctx, jobID)
		if err != nil {
			return err
		}
		if history == nil {
			// Not queued, not running, not in history: treat as still
			// propagating through the backend.
			status = StatusQueued
			return nil
		}
		if history.failed() {
			status = StatusFailed
			return nil
		}
		status = StatusCompleted
		return nil
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// FetchOutputs returns the absolute paths of a completed job's files.
func (c *Client) FetchOutputs(ctx context.Context, jobID string) ([]string, error) {
	var outputs []string
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		history, err := c.fetchHistory(ctx, jobID)
		if err != nil {
			return err
		}
		if history == nil {
			return services.Wrap(services.ErrNotFound, "comfy", "fetch outputs",
				fmt.Sprintf("job %s not in history", jobID), nil)
		}
		outputs = history.outputPaths()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, services.Wrap(services.ErrIntegrity, "comfy", "fetch outputs",
			fmt.Sprintf("job %s completed with no output files", jobID), nil)
	}
	return outputs, nil
}

// FreeMemory instructs the backend to unload cached models.
func (c *Client) FreeMemory(ctx context.Context) error {
	body, _ := json.Marshal(map[string]any{"unload_models": true, "free_memory": true})
	return c.breaker.Do(ctx, func(ctx context.Context) error {
		return c.postJSON(ctx, "/free", body, nil)
	})
}

// IsBusy reports whether any job is running or queued.
func (c *Client) IsBusy(ctx context.Context) (bool, error) {
	var busy bool
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		queue, err := c.fetchQueue(ctx)
		if err != nil {
			return err
		}
		busy = len(queue.Running) > 0 || len(queue.Pending) > 0
		return nil
	})
	return busy, err
}

// FreeVRAM queries the backend's reported free accelerator memory in MB.
func (c *Client) FreeVRAM(ctx context.Context) (int, error) {
	var freeMB int
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		var stats struct {
			Devices []struct {
				VRAMFree int64 `json:"vram_free"`
			} `json:"devices"`
		}
		if err := c.getJSON(ctx, "/system_stats", &stats); err != nil {
			return err
		}
		if len(stats.Devices) == 0 {
			return services.Wrap(services.ErrExternalTool, "comfy", "system stats", "no devices reported", nil)
		}
		freeMB = int(stats.Devices[0].VRAMFree / (1024 * 1024))
		return nil
	})
	return freeMB, err
}

func (c *Client) postJSON(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "comfy", "build request", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doRequest(req, path, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "comfy", "build request", path, err)
	}
	return c.doRequest(req, path, out)
}

func (c *Client) doRequest(req *http.Request, path string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if urlErr, ok := err.(*url.Error); ok && urlErr.Timeout() {
			return services.Wrap(services.ErrTransient, "comfy", "request", path+" timed out", err)
		}
		return services.Wrap(services.ErrTransient, "comfy", "request", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return services.Wrap(services.ErrTransient, "comfy", "request",
			fmt.Sprintf("%s returned %d", path, resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		return services.Wrap(services.ErrExternalTool, "comfy", "request",
			fmt.Sprintf("%s returned %d", path, resp.StatusCode), nil)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return services.Wrap(services.ErrExternalTool, "comfy", "decode response", path, err)
	}
	return nil
}

type queueSnapshot struct {
	Running [][]any `json:"queue_running"`
	Pending [][]any `json:"queue_pending"`
}

// contains checks whether a job id appears in the running or pending list.
// Queue entries are [number, prompt_id, ...] tuples.
func (q queueSnapshot) contains(jobID string, running bool) bool {
	entries := q.Pending
	if running {
		entries = q.Running
	}
	for _, entry := range entries {
		if len(entry) >= 2 {
			if id, ok := entry[1].(string); ok && id == jobID {
				return true
			}
		}
	}
	return false
}

func (c *Client) fetchQueue(ctx context.Context) (queueSnapshot, error) {
	var queue queueSnapshot
	err := c.getJSON(ctx, "/queue", &queue)
	return queue, err
}

type historyEntry struct {
	Status struct {
		Completed bool   `json:"completed"`
		StatusStr string `json:"status_str"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []struct {
			Filename  string `json:"filename"`
			Subfolder string `json:"subfolder"`
			Type      string `json:"type"`
		} `json:"images"`
		GIFs []struct {
			Filename string `json:"filename"`
			FullPath string `json:"fullpath"`
		} `json:"gifs"`
	} `json:"outputs"`
	OutputDir string `json:"-"`
}

func (h *historyEntry) failed() bool {
	return h.Status.StatusStr == "error"
}

func (h *historyEntry) outputPaths() []string {
	var paths []string
	for _, node := range h.Outputs {
		for _, image := range node.Images {
			if image.Type != "output" {
				continue
			}
			path := image.Filename
			if image.Subfolder != "" {
				path = image.Subfolder + "/" + image.Filename
			}
			paths = append(paths, path)
		}
		for _, gif := range node.GIFs {
			if gif.FullPath != "" {
				paths = append(paths, gif.FullPath)
			} else {
				paths = append(paths, gif.Filename)
			}
		}
	}
	return paths
}

// fetchHistory returns nil when the job has no history entry yet.
func (c *Client) fetchHistory(ctx context.Context, jobID string) (*historyEntry, error) {
	var history map[string]historyEntry
	if err := c.getJSON(ctx, "/history/"+jobID, &history); err != nil {
		return nil, err
	}
	entry, ok := history[jobID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}
