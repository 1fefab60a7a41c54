package google

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/calendar/v3"

	"github.com/vipul43/kiwis-sync/internal/models"
	"github.com/vipul43/kiwis-sync/internal/service"
)

const (
	primaryCalendar    = "primary"
	calendarPath       = "/calendar/v3/"
	calendarPageSize   = 250
	webhookChannelType = "web_hook"
)

func (c *Client) calendarService(ctx context.Context, key models.Key) (*calendar.Service, error) {
	opts, err := c.clientOptions(ctx, key, calendarPath)
	if err != nil {
		return nil, err
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}
	return svc, nil
}

// syncCalendar pulls event changes since the stored sync token. An expired
// token falls back to a full resync.
func (c *Client) syncCalendar(ctx context.Context, key models.Key) (*service.ExecutionResult, error) {
	svc, err := c.calendarService(ctx, key)
	if err != nil {
		return nil, c.classify(err)
	}

	cursor, err := c.cursors.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	result, next, err := c.listCalendarChanges(ctx, svc, cursor)
	if err != nil && cursor != "" && isSyncTokenInvalid(err) {
		c.logger.Info("calendar sync token invalidated, running full resync", zap.String("subject", key.SubjectID))
		if err := c.cursors.Delete(ctx, key); err != nil {
			return nil, err
		}
		result, next, err = c.listCalendarChanges(ctx, svc, "")
	}
	if err != nil {
		return nil, c.classify(fmt.Errorf("failed to list calendar events: %w", err))
	}

	if next != "" {
		if err := c.cursors.Save(ctx, key, next); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (c *Client) listCalendarChanges(ctx context.Context, svc *calendar.Service, syncToken string) (*service.ExecutionResult, string, error) {
	var items int
	pageToken := ""
	for {
		call := svc.Events.List(primaryCalendar).ShowDeleted(true).MaxResults(calendarPageSize).Context(ctx)
		if syncToken != "" {
			call = call.SyncToken(syncToken)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, "", err
		}
		items += len(resp.Items)

		if resp.NextPageToken == "" {
			return &service.ExecutionResult{ChangesDetected: items > 0, ItemsProcessed: items}, resp.NextSyncToken, nil
		}
		pageToken = resp.NextPageToken
	}
}

// Watch opens a calendar push channel for key
func (c *Client) Watch(ctx context.Context, key models.Key, req service.WatchRequest) (*service.WatchResult, error) {
	if key.Integration != models.IntegrationCalendar {
		return nil, service.ErrPushNotSupported
	}

	svc, err := c.calendarService(ctx, key)
	if err != nil {
		return nil, c.classify(err)
	}

	channel := &calendar.Channel{
		Id:      req.ChannelID,
		Type:    webhookChannelType,
		Address: c.cfg.WebhookAddress,
		Token:   req.Token,
	}
	if req.TTL > 0 {
		channel.Params = map[string]string{"ttl": strconv.FormatInt(int64(req.TTL/time.Second), 10)}
	}

	resp, err := svc.Events.Watch(primaryCalendar, channel).Context(ctx).Do()
	if err != nil {
		return nil, c.classify(fmt.Errorf("failed to watch calendar: %w", err))
	}

	expiresAt := c.clock.Now().Add(req.TTL)
	if resp.Expiration > 0 {
		expiresAt = time.UnixMilli(resp.Expiration)
	}
	return &service.WatchResult{
		ChannelID:   resp.Id,
		ResourceRef: resp.ResourceId,
		ExpiresAt:   expiresAt,
	}, nil
}

// Stop closes a calendar push channel. A channel Google no longer knows is treated as stopped.
func (c *Client) Stop(ctx context.Context, key models.Key, channelID, resourceRef string) error {
	svc, err := c.calendarService(ctx, key)
	if err != nil {
		return c.classify(err)
	}

	err = svc.Channels.Stop(&calendar.Channel{Id: channelID, ResourceId: resourceRef}).Context(ctx).Do()
	if err != nil && !isNotFound(err) {
		return c.classify(fmt.Errorf("failed to stop channel: %w", err))
	}
	return nil
}
