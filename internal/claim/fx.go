package claim

import (
	"github.com/smallbiznis/leadclaim/internal/claim/repository"
	"github.com/smallbiznis/leadclaim/internal/claim/service"
	"github.com/smallbiznis/leadclaim/internal/scoring"
	"go.uber.org/fx"
)

var Module = fx.Module("claim.service",
	fx.Provide(repository.Provide),
	fx.Provide(scoring.NewPolicy),
	fx.Provide(service.NewService),
)
