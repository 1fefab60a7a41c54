package google

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/api/people/v1"

	"github.com/vipul43/kiwis-sync/internal/models"
	"github.com/vipul43/kiwis-sync/internal/service"
)

const (
	peoplePath        = "/"
	contactsPageSize  = 1000
	contactFields     = "names,emailAddresses,phoneNumbers,metadata"
	contactsOwnerName = "people/me"
)

func (c *Client) peopleService(ctx context.Context, key models.Key) (*people.Service, error) {
	opts, err := c.clientOptions(ctx, key, peoplePath)
	if err != nil {
		return nil, err
	}
	svc, err := people.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create People service: %w", err)
	}
	return svc, nil
}

// syncContacts pulls connection changes since the stored sync token. An
// expired token falls back to a full resync.
func (c *Client) syncContacts(ctx context.Context, key models.Key) (*service.ExecutionResult, error) {
	svc, err := c.peopleService(ctx, key)
	if err != nil {
		return nil, c.classify(err)
	}

	cursor, err := c.cursors.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	result, next, err := c.listContactChanges(ctx, svc, cursor)
	if err != nil && cursor != "" && isSyncTokenInvalid(err) {
		c.logger.Info("contacts sync token expired, running full resync", zap.String("subject", key.SubjectID))
		if err := c.cursors.Delete(ctx, key); err != nil {
			return nil, err
		}
		result, next, err = c.listContactChanges(ctx, svc, "")
	}
	if err != nil {
		return nil, c.classify(fmt.Errorf("failed to list connections: %w", err))
	}

	if next != "" {
		if err := c.cursors.Save(ctx, key, next); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (c *Client) listContactChanges(ctx context.Context, svc *people.Service, syncToken string) (*service.ExecutionResult, string, error) {
	var items int
	pageToken := ""
	for {
		call := svc.People.Connections.List(contactsOwnerName).
			PersonFields(contactFields).
			PageSize(contactsPageSize).
			RequestSyncToken(true).
			Context(ctx)
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
		items += len(resp.Connections)

		if resp.NextPageToken == "" {
			return &service.ExecutionResult{ChangesDetected: items > 0, ItemsProcessed: items}, resp.NextSyncToken, nil
		}
		pageToken = resp.NextPageToken
	}
}
