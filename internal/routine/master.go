package routine

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"
)

// Auth headers shared by inbound and outbound authenticated calls.
const (
	HeaderToken     = "X-Agent-Token"
	HeaderTimestamp = "X-Agent-Timestamp"
	HeaderSignature = "X-Agent-Signature"
)

// Sign computes the HMAC-SHA256 of "payload|timestamp" keyed by the
// shared token, hex encoded.
func Sign(payload []byte, timestamp int64, token string) string {
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write(payload)
	mac.Write([]byte("|"))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// InjectedUpdateSpec is the wire form of one master-pushed update.
type InjectedUpdateSpec struct {
	NewVersion string `json:"new_version"`
	PackageURL string `json:"package_url"`
}

// SyncResponse is the master's answer to a report push.
type SyncResponse struct {
	Success         bool                          `json:"success"`
	Message         string                        `json:"message"`
	Config          map[string]string             `json:"config,omitempty"`
	InjectedPlugins map[string]InjectedUpdateSpec `json:"injected_updates_plugins,omitempty"`
	InjectedThemes  map[string]InjectedUpdateSpec `json:"injected_updates_themes,omitempty"`
}

// PollResponse is the master's answer to a poll.
type PollResponse struct {
	PushRequested   bool `json:"push_requested"`
	UpdateRequested bool `json:"update_requested"`
	UpdateOptions   struct {
		ClearCache         bool `json:"clear_cache"`
		UpdateTranslations bool `json:"update_translations"`
	} `json:"update_options"`
	RestoreRequested bool `json:"restore_requested"`
	RestoreData      struct {
		Filename string `json:"filename"`
	} `json:"restore_data"`
}

// MasterClient talks to the central control plane.
type MasterClient struct {
	baseURL    string
	token      string
	siteURL    string
	httpClient *http.Client
	log        *slog.Logger
}

// NewMasterClient creates a client for the configured master endpoint.
// Token may be empty; requests then go unsigned.
func NewMasterClient(baseURL, token, siteURL string, log *slog.Logger) *MasterClient {
	if log == nil {
		log = slog.Default()
	}
	return &MasterClient{
		baseURL:    baseURL,
		token:      token,
		siteURL:    siteURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		log:        log,
	}
}

// Sync posts the site report to the master. Transport errors are
// retried with exponential backoff; an HTTP error status is not (the
// master saw the request).
func (m *MasterClient) Sync(ctx context.Context, report *Report) (*SyncResponse, error) {
	if m.baseURL == "" {
		return nil, fmt.Errorf("no master URL configured")
	}

	body, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}

	var out SyncResponse
	backoff := retry.WithMaxRetries(3, retry.NewExponential(time.Second))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := m.post(ctx, m.baseURL+"/sync", body)
		if err != nil {
			m.log.Warn("sync post failed, will retry", "error", err)
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("master returned status %d", resp.StatusCode)
		}
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("failed to read sync response: %w", err))
		}
		if err := json.Unmarshal(respBody, &out); err != nil {
			return fmt.Errorf("failed to parse sync response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sync failed: %w", err)
	}
	return &out, nil
}

// Poll asks the master for pending push/update/restore requests.
func (m *MasterClient) Poll(ctx context.Context) (*PollResponse, error) {
	if m.baseURL == "" {
		return nil, fmt.Errorf("no master URL configured")
	}

	pollURL := m.baseURL + "/poll?site_url=" + url.QueryEscape(m.siteURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create poll request: %w", err)
	}
	m.sign(req, []byte(m.siteURL))

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("master returned status %d", resp.StatusCode)
	}

	var out PollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to parse poll response: %w", err)
	}
	return &out, nil
}

func (m *MasterClient) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	m.sign(req, body)
	return m.httpClient.Do(req)
}

// sign attaches the token, timestamp and HMAC headers when a token is
// configured.
func (m *MasterClient) sign(req *http.Request, payload []byte) {
	if m.token == "" {
		return
	}
	ts := time.Now().Unix()
	req.Header.Set(HeaderToken, m.token)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, Sign(payload, ts, m.token))
}
