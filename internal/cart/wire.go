//go:build wireinject
// +build wireinject

package cart

import (
	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tair/cart-sync/pkg/config"
)

// InitializeApp assembles the cart service from its configuration
func InitializeApp(cfg *config.Config, reg prometheus.Registerer) (*App, func(), error) {
	wire.Build(
		BackendSet,
		EngineSet,
		DeliverySet,
	)
	return nil, nil, nil
}
