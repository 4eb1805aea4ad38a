package registry

import (
	"github.com/creditgate/creditgate/internal/registry/service"
	"go.uber.org/fx"
)

var Module = fx.Module("registry",
	fx.Provide(service.NewService),
)
