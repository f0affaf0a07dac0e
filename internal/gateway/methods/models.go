package methods

import (
	"context"

	"github.com/adytum-sh/adytum/internal/gateway"
	"github.com/adytum-sh/adytum/internal/llm"
	"github.com/adytum-sh/adytum/internal/providers"
	"github.com/adytum-sh/adytum/pkg/protocol"
)

// ModelMethods reports the catalog and live router state.
type ModelMethods struct {
	catalog *providers.Catalog
	router  gateway.ModelStatusSource
}

func NewModelMethods(catalog *providers.Catalog, router gateway.ModelStatusSource) *ModelMethods {
	return &ModelMethods{catalog: catalog, router: router}
}

func (m *ModelMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodModelsList, m.handleList)
	router.Register(protocol.MethodModelsStatus, m.handleRuntimeStatus)
}

func (m *ModelMethods) handleList(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"models": m.catalog.List(),
	}))
}

func (m *ModelMethods) handleRuntimeStatus(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	statuses := map[string]llm.ModelRuntimeStatus{}
	if m.router != nil {
		for _, st := range m.router.RuntimeStatus() {
			statuses[st.Model] = st
		}
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"statuses": statuses,
	}))
}
