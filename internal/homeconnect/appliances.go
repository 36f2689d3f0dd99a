package homeconnect

import (
	"context"
	"fmt"
	"net/http"
)

// Appliance is a home appliance paired with the account.
type Appliance struct {
	Name      string `json:"name"`
	HaID      string `json:"haId"`
	Brand     string `json:"brand,omitempty"`
	Type      string `json:"type,omitempty"`
	VIB       string `json:"vib,omitempty"`
	ENumber   string `json:"enumber,omitempty"`
	Connected bool   `json:"connected"`
}

type applianceList struct {
	Data struct {
		HomeAppliances []Appliance `json:"homeappliances"`
	} `json:"data"`
}

// ListAppliances returns all appliances paired with the account.
func (c *Client) ListAppliances(ctx context.Context) ([]Appliance, error) {
	var list applianceList
	if err := c.do(ctx, http.MethodGet, "/homeappliances", nil, &list); err != nil {
		return nil, err
	}
	return list.Data.HomeAppliances, nil
}

// FindAppliance returns the appliance with the given name, or
// ErrApplianceNotFound if the account has none.
func (c *Client) FindAppliance(ctx context.Context, name string) (*Appliance, error) {
	appliances, err := c.ListAppliances(ctx)
	if err != nil {
		return nil, err
	}
	for i := range appliances {
		if appliances[i].Name == name {
			return &appliances[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q among %d appliances", ErrApplianceNotFound, name, len(appliances))
}
