package pricing

import (
	"github.com/creditgate/creditgate/internal/cache"
	"github.com/creditgate/creditgate/internal/pricing/service"
	"go.uber.org/fx"
)

var Module = fx.Module("pricing",
	fx.Provide(cache.NewPricingRuleCache),
	fx.Provide(service.NewService),
)
