package protocol

import (
	"errors"
	"strings"
)

// ErrMissingProviderPrefix reports a model reference without a provider part.
var ErrMissingProviderPrefix = errors.New("protocol: missing provider prefix")

// SplitProviderModel splits "provider/model" on the first slash. A leading
// slash and a "models/" resource prefix are dropped first; the model part may
// itself contain slashes.
func SplitProviderModel(ref string) (provider, model string, err error) {
	ref = strings.TrimSpace(ref)
	ref = strings.TrimPrefix(ref, "/")
	ref = strings.TrimPrefix(ref, "models/")
	i := strings.Index(ref, "/")
	if i <= 0 || i == len(ref)-1 {
		return "", "", ErrMissingProviderPrefix
	}
	return ref[:i], ref[i+1:], nil
}

// JoinProviderModel restores the aggregate-route form of a model id.
func JoinProviderModel(provider, model string) string {
	return provider + "/" + model
}

// SplitGeminiAction splits a Gemini "model:action" path segment on the last
// colon. Model ids may contain colons, action verbs never do.
func SplitGeminiAction(seg string) (model, action string, ok bool) {
	i := strings.LastIndex(seg, ":")
	if i < 0 || i == len(seg)-1 {
		return seg, "", false
	}
	return seg[:i], seg[i+1:], true
}
