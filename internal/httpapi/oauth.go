package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/ModelProxyAPI/internal/auth"
	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
	"github.com/router-for-me/ModelProxyAPI/internal/providers"
	"github.com/router-for-me/ModelProxyAPI/internal/store"
)

// resolveOAuthProvider authenticates the caller and resolves the provider
// of an oauth or usage route to its flow-capable implementation.
func (s *Server) resolveOAuthProvider(c *gin.Context) (*store.ProviderView, provider.Impl, bool) {
	key, _ := auth.ExtractKey(c.Request)
	if _, errAuth := auth.Authenticate(s.store.Load(), key); errAuth != nil {
		writeAuthError(c, errAuth)
		return nil, nil, false
	}
	auth.StripKeyMaterial(c.Request)

	name := c.Param("provider")
	snap := s.store.Load()
	view, ok := snap.ProvidersByName[name]
	if !ok {
		writeStatusError(c, protocol.NewStatusError(http.StatusNotFound, protocol.KindUnknownProvider, "unknown provider "+name))
		return nil, nil, false
	}
	if !view.Enabled {
		writeStatusError(c, protocol.NewStatusError(http.StatusConflict, protocol.KindProviderDisabled, "provider "+name+" is disabled"))
		return nil, nil, false
	}
	impl, ok := providers.ForKind(view.Kind)
	if !ok {
		writeStatusError(c, protocol.NewStatusError(http.StatusInternalServerError, protocol.KindInvalidDispatchState, "no implementation for kind "+string(view.Kind)))
		return nil, nil, false
	}
	return view, impl, true
}

// oauthStart begins an interactive token flow for one provider and parks
// the pending state under its state token.
func (s *Server) oauthStart(c *gin.Context) {
	view, impl, ok := s.resolveOAuthProvider(c)
	if !ok {
		return
	}
	flow, ok := impl.(provider.OAuthFlow)
	if !ok {
		writeStatusError(c, protocol.NewStatusError(http.StatusNotFound, protocol.KindUnsupportedOperation,
			"provider "+view.Name+" has no oauth flow"))
		return
	}

	client := s.engine.UpstreamClient(view.Settings)
	res, errStart := flow.OAuthStart(c.Request.Context(), client, view.Settings, c.Request.URL.Query())
	if errStart != nil {
		writeStatusError(c, errStart)
		return
	}
	if errPut := s.oauth.Put(view.Name, res); errPut != nil {
		writeStatusError(c, protocol.NewStatusError(http.StatusInternalServerError, "internal", errPut.Error()))
		return
	}
	c.Data(http.StatusOK, "application/json", res.Response)
}

// oauthCallback finishes a pending flow. Device flows answer the poll with
// authorization_pending until the upstream grants tokens; a completed flow
// lands the credential and reports its id.
func (s *Server) oauthCallback(c *gin.Context) {
	view, impl, ok := s.resolveOAuthProvider(c)
	if !ok {
		return
	}
	flow, ok := impl.(provider.OAuthFlow)
	if !ok {
		writeStatusError(c, protocol.NewStatusError(http.StatusNotFound, protocol.KindUnsupportedOperation,
			"provider "+view.Name+" has no oauth flow"))
		return
	}

	pending, errResolve := s.oauth.Resolve(view.Name, c.Query("state"))
	if errResolve != nil {
		writeStatusError(c, errResolve)
		return
	}

	client := s.engine.UpstreamClient(view.Settings)
	result, errCallback := flow.OAuthCallback(c.Request.Context(), client, view.Settings, pending, c.Request.URL.Query())
	if errCallback != nil {
		// Device flows mutate their poll bookkeeping in place; keep it for
		// the next poll when the grant is still pending.
		var se *protocol.StatusError
		if errors.As(errCallback, &se) && se.Kind == protocol.KindAuthorizationPending {
			_ = s.oauth.Update(pending.State, pending.Payload)
		}
		writeStatusError(c, errCallback)
		return
	}

	cred, errUpsert := s.store.UpsertOAuthCredential(c.Request.Context(), view.Name, result.Name, result.UpsertKey, result.Secret)
	if errUpsert != nil {
		writeStatusError(c, protocol.NewStatusError(http.StatusInternalServerError, "internal", errUpsert.Error()))
		return
	}
	s.oauth.Complete(pending.State)

	body := result.Response
	if len(body) == 0 {
		body = []byte(`{"status":"ok"}`)
	}
	if out, errSet := sjson.SetBytes(body, "credential_id", cred.ID); errSet == nil {
		body = out
	}
	c.Data(http.StatusOK, "application/json", body)
}
