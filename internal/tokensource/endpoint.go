package tokensource

import (
	"golang.org/x/oauth2"
)

const (
	DefaultDeviceAuthURL = "https://api.home-connect.com/security/oauth/device_authorization"
	DefaultTokenURL      = "https://api.home-connect.com/security/oauth/token"
)

// Endpoint builds the OAuth2 endpoint for the Home Connect authorization server.
// Client credentials travel in the form body, not in a Basic auth header.
func Endpoint(deviceAuthURL, tokenURL string) oauth2.Endpoint {
	return oauth2.Endpoint{
		DeviceAuthURL: deviceAuthURL,
		TokenURL:      tokenURL,
		AuthStyle:     oauth2.AuthStyleInParams,
	}
}
