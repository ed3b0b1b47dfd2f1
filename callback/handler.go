// Package callback provides http.HandlerFunc factories for the engine's
// three wire endpoints: sign-in initiation, the authorization-code callback,
// and account-link initiation.  Routing belongs to the host; the callback
// handler expects the provider id as the "providerId" path value.
package callback

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/authflow-dev/authflow/oauth2"
)

// Authenticator resolves the authenticated user for a request.  It is the
// host's session layer; Link requires it.
type Authenticator interface {
	UserFromRequest(r *http.Request) (*oauth2.User, error)
}

// SignIn creates the handler for POST /sign-in/oauth2.  The JSON body is an
// oauth2.SignInRequest; the response is the authorization URL plus a redirect
// flag.  Configuration errors surface as 4xx JSON, never as redirects.
func SignIn(f *oauth2.Flow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req oauth2.SignInRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		result, err := f.SignIn(r.Context(), req)
		if err != nil {
			writeFlowError(w, err, http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// AuthCode creates the handler for GET /oauth2/callback/{providerId}.  The
// success path is always a redirect; only configuration-class failures
// produce a JSON status response.
func AuthCode(f *oauth2.Flow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		req := oauth2.CallbackRequest{
			ProviderID:       r.PathValue("providerId"),
			Code:             q.Get("code"),
			State:            q.Get("state"),
			Error:            q.Get("error"),
			ErrorDescription: q.Get("error_description"),
		}
		redirect, err := f.Callback(r.Context(), req)
		if err != nil {
			writeFlowError(w, err, http.StatusBadRequest)
			return
		}
		http.Redirect(w, r, redirect.URL, http.StatusFound)
	}
}

// Link creates the handler for POST /oauth2/link.  It requires an
// authenticated session; an unknown provider is 404 here (the caller named a
// resource), while an already-linked provider is 400.
func Link(f *oauth2.Flow, authn Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := authn.UserFromRequest(r)
		if err != nil || user == nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		var req oauth2.LinkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		result, err := f.LinkAccount(r.Context(), user, req)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, oauth2.ErrUnknownProvider) {
				status = http.StatusNotFound
			}
			writeFlowError(w, err, status)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// writeFlowError maps an engine error onto a JSON status response.
func writeFlowError(w http.ResponseWriter, err error, defaultStatus int) {
	status := defaultStatus
	if oauth2.ErrKind(err) != oauth2.KindConfiguration {
		status = http.StatusInternalServerError
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
