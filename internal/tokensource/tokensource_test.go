package tokensource

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func newAuthServer(t *testing.T, token http.HandlerFunc) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /device_authorization", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("client_id"); got != "client-1" {
			t.Errorf("client_id = %q", got)
		}
		writeJSON(w, http.StatusOK, `{
			"device_code":"dev-123",
			"user_code":"ABCD-EFGH",
			"verification_uri":"https://verify.example/device",
			"verification_uri_complete":"https://verify.example/device?user_code=ABCD-EFGH",
			"expires_in":300,
			"interval":1
		}`)
	})
	mux.HandleFunc("POST /token", token)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return New("client-1", "secret-1", Endpoint(srv.URL+"/device_authorization", srv.URL+"/token"))
}

func TestDeviceFlow(t *testing.T) {
	var polls atomic.Int32
	client := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "device_code" {
			t.Errorf("grant_type = %q, want device_code", got)
		}
		if got := r.PostForm.Get("device_code"); got != "dev-123" {
			t.Errorf("device_code = %q", got)
		}
		if got := r.PostForm.Get("client_secret"); got != "secret-1" {
			t.Errorf("client_secret = %q", got)
		}
		if polls.Add(1) == 1 {
			writeJSON(w, http.StatusBadRequest, `{"error":"authorization_pending"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"access_token":"A","refresh_token":"R","expires_in":86400,"token_type":"Bearer","scope":"IdentifyAppliance Monitor"}`)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	da, err := client.DeviceAuth(ctx)
	if err != nil {
		t.Fatalf("DeviceAuth() error = %v", err)
	}
	if da.UserCode != "ABCD-EFGH" || da.VerificationURIComplete != "https://verify.example/device?user_code=ABCD-EFGH" {
		t.Errorf("DeviceAuth() = %+v", da)
	}
	if da.Interval != 1 {
		t.Errorf("Interval = %d, want 1", da.Interval)
	}

	tok, err := client.DeviceAccessToken(ctx, da)
	if err != nil {
		t.Fatalf("DeviceAccessToken() error = %v", err)
	}
	if tok.AccessToken != "A" || tok.RefreshToken != "R" {
		t.Errorf("token = %q/%q, want A/R", tok.AccessToken, tok.RefreshToken)
	}
	if got := tok.Extra("scope"); got != "IdentifyAppliance Monitor" {
		t.Errorf("scope = %v", got)
	}
	if polls.Load() != 2 {
		t.Errorf("polls = %d, want 2", polls.Load())
	}
}

func TestDeviceAccessTokenRejected(t *testing.T) {
	client := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, `{"error":"invalid_grant","error_description":"device code unknown"}`)
	})

	da := &oauth2.DeviceAuthResponse{DeviceCode: "dev-123", Interval: 1, Expiry: time.Now().Add(time.Minute)}
	_, err := client.DeviceAccessToken(context.Background(), da)

	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		t.Fatalf("error = %v, want *oauth2.RetrieveError", err)
	}
	if retrieveErr.ErrorCode != "invalid_grant" {
		t.Errorf("ErrorCode = %q, want invalid_grant", retrieveErr.ErrorCode)
	}
}

func TestRefresh(t *testing.T) {
	client := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "R" {
			t.Errorf("refresh_token = %q", got)
		}
		if got := r.PostForm.Get("client_secret"); got != "secret-1" {
			t.Errorf("client_secret = %q", got)
		}
		// No refresh_token in the response: the previous one is kept.
		writeJSON(w, http.StatusOK, `{"access_token":"A2","expires_in":86400,"token_type":"Bearer"}`)
	})

	tok, err := client.Refresh(context.Background(), "R")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if tok.AccessToken != "A2" || tok.RefreshToken != "R" {
		t.Errorf("token = %q/%q, want A2/R", tok.AccessToken, tok.RefreshToken)
	}

	if _, err := client.Refresh(context.Background(), ""); err == nil {
		t.Error("Refresh(\"\") succeeded, want error")
	}
}

func TestRefreshMissingAccessToken(t *testing.T) {
	client := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"token_type":"Bearer"}`)
	})

	if _, err := client.Refresh(context.Background(), "R"); err == nil {
		t.Fatal("Refresh() with response lacking access_token succeeded, want error")
	}
}
