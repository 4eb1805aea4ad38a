package directory

import (
	"github.com/creditgate/creditgate/internal/directory/service"
	"go.uber.org/fx"
)

var Module = fx.Module("directory",
	fx.Provide(service.NewService),
)
