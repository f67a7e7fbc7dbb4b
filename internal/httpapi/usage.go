package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/router-for-me/ModelProxyAPI/internal/protocol"
	"github.com/router-for-me/ModelProxyAPI/internal/provider"
)

// providerUsage relays a provider's native usage surface for one
// credential. Providers without a usage endpoint answer 404.
func (s *Server) providerUsage(c *gin.Context) {
	view, impl, ok := s.resolveOAuthProvider(c)
	if !ok {
		return
	}
	fetcher, ok := impl.(provider.UsageFetcher)
	if !ok {
		writeStatusError(c, protocol.NewStatusError(http.StatusNotFound, protocol.KindUnsupportedOperation,
			"provider "+view.Name+" has no usage surface"))
		return
	}

	credID, errParse := strconv.ParseUint(c.Query("credential_id"), 10, 64)
	if errParse != nil {
		writeStatusError(c, protocol.NewStatusError(http.StatusBadRequest, protocol.KindInvalidRequest,
			"credential_id query parameter is required"))
		return
	}
	snap := s.store.Load()
	cred, ok := snap.Credentials[credID]
	if !ok || cred.ProviderName != view.Name {
		writeStatusError(c, protocol.NewStatusError(http.StatusNotFound, protocol.KindCredentialNotFound,
			"no such credential for provider "+view.Name))
		return
	}
	if !cred.Enabled {
		writeStatusError(c, protocol.NewStatusError(http.StatusConflict, protocol.KindCredentialDisabled,
			"credential is disabled"))
		return
	}
	if cred.DecodeErr != nil {
		writeStatusError(c, protocol.NewStatusError(http.StatusInternalServerError, "internal", cred.DecodeErr.Error()))
		return
	}

	call := &provider.Call{
		Ctx: provider.UpstreamCtx{
			TraceID:      mintTraceID(),
			Provider:     view.Name,
			CredentialID: &cred.ID,
			Op:           protocol.OpUsage,
			AttemptNo:    1,
			Internal:     true,
		},
		Op:       protocol.OpUsage,
		Settings: view.Settings,
		Secret:   cred.Secret,
	}
	resp, errFetch := fetcher.FetchUsage(c.Request.Context(), s.engine.UpstreamClient(view.Settings), call)
	if errFetch != nil {
		writeStatusError(c, errFetch)
		return
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	c.Data(status, "application/json", resp.Body)
}
