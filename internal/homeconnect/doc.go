// Package homeconnect is a small client for the Home Connect appliance API.
//
// A Client wraps an oauth2.TokenSource and exposes the calls the bridge needs:
// listing appliances, reading and starting programs, switching the power state,
// and opening the per-appliance server-sent event stream.
//
//	client, err := homeconnect.NewClient(baseURL, oauth2.StaticTokenSource(tok))
//	appliance, err := client.FindAppliance(ctx, "Dishwasher")
//	body, err := client.StreamEvents(ctx, appliance.HaID)
//
// Non-2xx responses are returned as *APIError; use IsRateLimited and
// IsUnauthorized to classify them.
package homeconnect
