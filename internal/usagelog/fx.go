package usagelog

import (
	"github.com/creditgate/creditgate/internal/usagelog/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usagelog",
	fx.Provide(service.NewService),
)
