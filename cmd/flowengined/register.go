package main

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/n3flow/platform/internal/devicechannel"
)

// issueTokenRequest is the payload for POST /devices/tokens: step 1 of the
// registration protocol, minting the one-time token an operator hands to
// the agent out of band.
type issueTokenRequest struct {
	UserID string `json:"userId"`
}

func issueTokenHandler(channel *devicechannel.Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req issueTokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if req.UserID == "" {
			http.Error(w, "userId is required", http.StatusBadRequest)
			return
		}

		token, err := channel.IssueRegistrationToken(r.Context(), req.UserID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"token": token})
	}
}

// registerDeviceRequest is the payload for POST /devices/register: steps
// 2-5, presenting the token and the agent's X25519 public key.
type registerDeviceRequest struct {
	Token           string `json:"token"`
	DeviceID        string `json:"deviceId"`
	DevicePublicKey string `json:"devicePublicKey"` // base64url, no padding
}

func registerDeviceHandler(channel *devicechannel.Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerDeviceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if req.Token == "" || req.DeviceID == "" {
			http.Error(w, "token and deviceId are required", http.StatusBadRequest)
			return
		}
		devicePub, err := base64.RawURLEncoding.DecodeString(req.DevicePublicKey)
		if err != nil {
			http.Error(w, "devicePublicKey must be base64url-encoded", http.StatusBadRequest)
			return
		}

		platformPub, fingerprint, err := channel.RegisterDevice(r.Context(), req.Token, req.DeviceID, devicePub)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{
			"platformPublicKey": base64.RawURLEncoding.EncodeToString(platformPub),
			"fingerprint":       base64.RawURLEncoding.EncodeToString(fingerprint),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
