package inboundevent

import (
	"github.com/smallbiznis/orderflow/internal/inboundevent/repository"
	"github.com/smallbiznis/orderflow/internal/inboundevent/service"
	"go.uber.org/fx"
)

var Module = fx.Module("inboundevent.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
