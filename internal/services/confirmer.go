package services

import (
	"context"

	"hedgeapi/internal/creem"
)

type creemConfirmer struct {
	client *creem.Client
}

// NewCreemConfirmer adapts the Creem API client to the Confirmer the
// license service consumes.
func NewCreemConfirmer(client *creem.Client) Confirmer {
	return &creemConfirmer{client: client}
}

func (c *creemConfirmer) Confirm(ctx context.Context, licenseKey, instanceName string) Confirmation {
	conf := c.client.Confirm(ctx, licenseKey, instanceName)
	return Confirmation{
		Valid:   conf.Valid,
		Status:  conf.Status,
		Message: conf.Message,
	}
}
