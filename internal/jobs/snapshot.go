package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"housekeeper/pkg/logx"
)

// SnapshotConfig points the job at the volume API.
// An empty Endpoint makes the job a logged dry run.
type SnapshotConfig struct {
	Endpoint   string
	Token      string
	Volumes    []string
	RetryMax   int
	Timeout    time.Duration // per request, 0 means 30s
	LeaderOnly bool
}

// VolumeSnapshot asks the volume API for one snapshot per configured volume:
//
//	POST {endpoint}/v1/volumes/{volume}/snapshots  {"label": "..."}
type VolumeSnapshot struct {
	cfg    SnapshotConfig
	client *retryablehttp.Client
	log    logx.Logger
	now    func() time.Time
}

type snapshotRequest struct {
	Label string `json:"label"`
}

type snapshotResponse struct {
	ID string `json:"id"`
}

func NewVolumeSnapshot(cfg SnapshotConfig, log logx.Logger) (*VolumeSnapshot, error) {
	if ep := strings.TrimSpace(cfg.Endpoint); ep != "" {
		u, err := url.Parse(ep)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid endpoint %q", cfg.Endpoint)
		}
		cfg.Endpoint = strings.TrimRight(ep, "/")
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = cfg.Timeout
	client := &retryablehttp.Client{
		HTTPClient:   hc,
		Logger:       leveledLogger{log: log},
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 5 * time.Second,
		RetryMax:     cfg.RetryMax,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}
	return &VolumeSnapshot{cfg: cfg, client: client, log: log, now: time.Now}, nil
}

// Run snapshots every volume and reports all failures together.
func (v *VolumeSnapshot) Run(ctx context.Context) error {
	label := "housekeeper-" + v.now().UTC().Format("20060102T150405Z")
	if v.cfg.Endpoint == "" {
		v.log.Info("snapshot api not configured; dry run", logx.Any("volumes", v.cfg.Volumes), logx.String("label", label))
		return nil
	}
	var errs []error
	for _, vol := range v.cfg.Volumes {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		id, err := v.snapshot(ctx, vol, label)
		if err != nil {
			errs = append(errs, fmt.Errorf("volume %s: %w", vol, err))
			continue
		}
		v.log.Info("snapshot created", logx.String("volume", vol), logx.String("snapshot", id), logx.String("label", label))
	}
	return errors.Join(errs...)
}

func (v *VolumeSnapshot) snapshot(ctx context.Context, volume, label string) (string, error) {
	body, err := json.Marshal(snapshotRequest{Label: label})
	if err != nil {
		return "", err
	}
	u := v.cfg.Endpoint + "/v1/volumes/" + url.PathEscape(volume) + "/snapshots"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if v.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+v.cfg.Token)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("snapshot api: %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	var out snapshotResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", fmt.Errorf("decode snapshot response: %w", err)
		}
	}
	return out.ID, nil
}

// leveledLogger routes retryablehttp logs into logx.
type leveledLogger struct{ log logx.Logger }

var _ retryablehttp.LeveledLogger = leveledLogger{}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.log.Error(msg, kvFields(kv)...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.log.Debug(msg, kvFields(kv)...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.log.Trace(msg, kvFields(kv)...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.log.Warn(msg, kvFields(kv)...) }

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		switch v := kv[i+1].(type) {
		case error:
			out = append(out, logx.String(k, v.Error()))
		case fmt.Stringer:
			out = append(out, logx.String(k, v.String()))
		default:
			out = append(out, logx.Any(k, v))
		}
	}
	return out
}
