// Package tokensource talks to the Home Connect OAuth2 authorization server.
//
// Home Connect's device authorization grant deviates from RFC 8628 in one way
// that requires custom handling:
//   - The device-code token request uses the literal grant type "device_code"
//     instead of "urn:ietf:params:oauth:grant-type:device_code"
//
// Client wraps golang.org/x/oauth2 and rewrites outgoing token requests in a
// RoundTripper so the standard oauth2 device flow and refresh logic can be used
// unchanged.
//
//	c := tokensource.New(clientID, clientSecret,
//		tokensource.Endpoint(tokensource.DefaultDeviceAuthURL, tokensource.DefaultTokenURL))
//	da, err := c.DeviceAuth(ctx)
//	tok, err := c.DeviceAccessToken(ctx, da)
//	tok, err = c.Refresh(ctx, tok.RefreshToken)
package tokensource
