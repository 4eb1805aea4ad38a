package invite

import (
	"github.com/creditgate/creditgate/internal/invite/service"
	"go.uber.org/fx"
)

var Module = fx.Module("invite",
	fx.Provide(service.NewService),
)
