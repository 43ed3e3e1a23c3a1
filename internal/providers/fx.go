package providers

import (
	"github.com/smallbiznis/orderflow/internal/providers/email"
	"github.com/smallbiznis/orderflow/internal/providers/slack"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
	slack.Module,
)
