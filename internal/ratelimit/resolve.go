package ratelimit

import (
	"github.com/router-for-me/ModelProxyAPI/internal/store"
)

// ResolveLimit picks the effective requests-per-second limit for one
// authenticated key: the owning user's limit when set, otherwise the global
// default from settings. Zero means unlimited.
func ResolveLimit(view *store.UserKeyView) Decision {
	if view == nil {
		return Decision{}
	}
	limit := view.UserRateLimit
	if limit <= 0 {
		limit = DefaultSettingsLimit()
	}
	if limit <= 0 {
		return Decision{}
	}
	return Decision{Limit: limit, UserKeyID: view.ID}
}
