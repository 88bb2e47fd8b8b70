package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pawsync/reminderengine/engine/observability"
	"github.com/pawsync/reminderengine/engine/scheduler"
)

// RemoteScheduler is the Remote Scheduler Client contract (C5): the
// server-side backup channel the Critical-Reminder Mirror hands
// high-priority reminders to, so they still fire if the device is off
// or the app is killed.
type RemoteScheduler interface {
	ScheduleNotification(ctx context.Context, rec CriticalMirrorRecord) (notificationID string, err error)
	SendImmediateNotification(ctx context.Context, rec CriticalMirrorRecord) error
	CancelNotification(ctx context.Context, notificationID string) error
	GetNotificationStats(ctx context.Context, userID string) (RemoteNotificationStats, error)
}

// HTTPRemoteScheduler implements RemoteScheduler against a JSON HTTP
// backend, rate-limited so a retry storm on the engine side cannot
// also become a retry storm against the backup channel.
type HTTPRemoteScheduler struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *scheduler.TokenBucketLimiter
}

// NewHTTPRemoteScheduler creates a client bound to baseURL, authorized
// with a bearer token, allowing at most rps requests/sec (burst burst).
func NewHTTPRemoteScheduler(baseURL, token string, rps float64, burst int) *HTTPRemoteScheduler {
	return &HTTPRemoteScheduler{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    scheduler.NewTokenBucketLimiter(rps, burst),
	}
}

const remoteLimiterKey = "remote-scheduler"

func (c *HTTPRemoteScheduler) do(ctx context.Context, method, path string, body, out interface{}) error {
	if !c.limiter.Allow(remoteLimiterKey) {
		return fmt.Errorf("remote scheduler: rate limit exceeded")
	}

	var reqBody *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	observability.RemoteSchedulerLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("remote scheduler request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("remote scheduler server error: status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("remote scheduler rejected request: status %d", resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// notificationData is the `data` object the remote scheduler forwards
// back to the device as part of the push payload, letting onNotificationTap
// resolve it to a deep link without a round-trip to the domain readers.
type notificationData struct {
	Type     Kind     `json:"type"`
	PetID    string   `json:"petId"`
	EntityID string   `json:"entityId"`
	Priority Priority `json:"priority"`
}

func dataFor(rec CriticalMirrorRecord) notificationData {
	return notificationData{Type: rec.Kind, PetID: rec.PetID, EntityID: rec.EntityID, Priority: rec.Priority}
}

type scheduleRequest struct {
	UserID        string            `json:"userId"`
	PushToken     string            `json:"pushToken"`
	Title         string            `json:"title"`
	Body          string            `json:"body"`
	Data          notificationData  `json:"data"`
	ScheduledTime int64             `json:"scheduledTime"` // unix ms
	MaxRetries    int               `json:"maxRetries"`
}

type scheduleResponse struct {
	Success        bool   `json:"success"`
	NotificationID string `json:"notificationId"`
}

func (c *HTTPRemoteScheduler) ScheduleNotification(ctx context.Context, rec CriticalMirrorRecord) (string, error) {
	var resp scheduleResponse
	req := scheduleRequest{
		UserID:        rec.UserID,
		PushToken:     rec.PushToken,
		Title:         rec.Content.Title,
		Body:          rec.Content.Body,
		Data:          dataFor(rec),
		ScheduledTime: rec.ScheduledFor.UnixMilli(),
		MaxRetries:    rec.MaxNotifications,
	}
	if err := c.do(ctx, http.MethodPost, "/scheduleNotification", req, &resp); err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("remote scheduler declined scheduleNotification for %s", rec.ID)
	}
	return resp.NotificationID, nil
}

type immediateRequest struct {
	PushToken string           `json:"pushToken"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	Data      notificationData `json:"data"`
}

type immediateResponse struct {
	Success  bool   `json:"success"`
	TicketID string `json:"ticketId"`
}

func (c *HTTPRemoteScheduler) SendImmediateNotification(ctx context.Context, rec CriticalMirrorRecord) error {
	var resp immediateResponse
	req := immediateRequest{PushToken: rec.PushToken, Title: rec.Content.Title, Body: rec.Content.Body, Data: dataFor(rec)}
	if err := c.do(ctx, http.MethodPost, "/sendImmediateNotification", req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("remote scheduler declined sendImmediateNotification for %s", rec.ID)
	}
	return nil
}

type cancelRequest struct {
	NotificationID string `json:"notificationId"`
}

type cancelResponse struct {
	Success bool `json:"success"`
}

func (c *HTTPRemoteScheduler) CancelNotification(ctx context.Context, notificationID string) error {
	var resp cancelResponse
	if err := c.do(ctx, http.MethodPost, "/cancelNotification", cancelRequest{NotificationID: notificationID}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("remote scheduler declined cancelNotification for %s", notificationID)
	}
	return nil
}

type statsResponse struct {
	Success bool `json:"success"`
	Stats   struct {
		Pending int `json:"pending"`
		Sent    int `json:"sent"`
		Failed  int `json:"failed"`
		Total   int `json:"total"`
	} `json:"stats"`
}

func (c *HTTPRemoteScheduler) GetNotificationStats(ctx context.Context, userID string) (RemoteNotificationStats, error) {
	var resp statsResponse
	path := "/getNotificationStats?userId=" + url.QueryEscape(userID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return RemoteNotificationStats{}, err
	}
	if !resp.Success {
		return RemoteNotificationStats{}, fmt.Errorf("remote scheduler declined getNotificationStats for %s", userID)
	}
	return RemoteNotificationStats{
		Pending: resp.Stats.Pending,
		Sent:    resp.Stats.Sent,
		Failed:  resp.Stats.Failed,
		Total:   resp.Stats.Total,
	}, nil
}
