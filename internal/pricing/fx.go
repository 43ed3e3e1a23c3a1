package pricing

import (
	inventoryservice "github.com/smallbiznis/orderflow/internal/inventory/service"
	"github.com/smallbiznis/orderflow/internal/pricing/domain"
	"github.com/smallbiznis/orderflow/internal/pricing/repository"
	"github.com/smallbiznis/orderflow/internal/pricing/service"
	"go.uber.org/fx"
)

var Module = fx.Module("pricing.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(svc *inventoryservice.Service) domain.StockReader { return svc }),
	fx.Provide(service.NewService),
)
