package gemini

import (
	_ "embed"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/router-for-me/ModelProxyAPI/internal/provider"
	"github.com/tidwall/gjson"
)

// The Cloud Code and Vertex Express surfaces have no public model listing,
// so those kinds answer from this embedded catalog.
//
//go:embed models.json
var modelsJSON []byte

// modelByName returns the raw JSON of the catalog entry whose name matches
// target after both pass through normalize.
func modelByName(normalize func(string) string, target string) ([]byte, bool) {
	target = normalize(target)
	var found []byte
	gjson.GetBytes(modelsJSON, "models").ForEach(func(_, item gjson.Result) bool {
		if normalize(item.Get("name").String()) == target {
			found = []byte(item.Raw)
			return false
		}
		return true
	})
	return found, found != nil
}

func catalogResponse() *provider.Response {
	return provider.JSONResponse(http.StatusOK, modelsJSON)
}

func modelNotFoundResponse() *provider.Response {
	body, _ := json.Marshal(map[string]any{"error": map[string]any{"message": "model not found"}})
	return provider.JSONResponse(http.StatusNotFound, body)
}

// stripModelsPrefix reduces a Gemini resource name to its bare model id.
func stripModelsPrefix(model string) string {
	return strings.TrimPrefix(strings.TrimPrefix(model, "/"), "models/")
}
