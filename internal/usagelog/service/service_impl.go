package service

import (
	"context"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	usagelogdomain "github.com/creditgate/creditgate/internal/usagelog/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	writeTimeout = 5 * time.Second
	recentLimit  = 50
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p Params) usagelogdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("usagelog.service"),
		genID: p.GenID,
	}
}

// Log writes the record on a detached context so a caller hanging up
// after stream completion cannot lose the trail entry. Fire-and-forget:
// ordering relative to ledger writes is not guaranteed.
func (s *Service) Log(ctx context.Context, req usagelogdomain.LogRequest) {
	record := usagelogdomain.UsageRecord{
		ID:           s.genID.Generate(),
		Username:     req.Username,
		ModelID:      req.ModelID,
		ModelName:    req.ModelName,
		Provider:     req.Provider,
		TokensInput:  req.TokensInput,
		TokensOutput: req.TokensOutput,
		Success:      req.Success,
		ErrorMessage: req.ErrorMessage,
	}

	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := s.db.WithContext(writeCtx).Create(&record).Error; err != nil {
			s.log.Warn("usage record dropped",
				zap.String("username", req.Username),
				zap.String("model_id", req.ModelID),
				zap.Error(err),
			)
		}
	}()
}

func (s *Service) Stats(ctx context.Context, days int, username string) (*usagelogdomain.Stats, error) {
	if days <= 0 {
		days = 7
	}
	if days > 365 {
		days = 365
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	query := s.db.WithContext(ctx).Where("created_at >= ?", since)
	if username != "" {
		query = query.Where("username = ?", username)
	}

	var records []usagelogdomain.UsageRecord
	if err := query.Order("created_at DESC, id DESC").Find(&records).Error; err != nil {
		return nil, err
	}

	stats := &usagelogdomain.Stats{}
	byModel := make(map[string]*usagelogdomain.ModelStat)
	byDay := make(map[string]*usagelogdomain.DayStat)

	for _, r := range records {
		stats.TotalRequests++
		stats.TokensInput += r.TokensInput
		stats.TokensOutput += r.TokensOutput
		if !r.Success {
			stats.TotalFailures++
		}

		m, ok := byModel[r.ModelID]
		if !ok {
			m = &usagelogdomain.ModelStat{ModelID: r.ModelID, ModelName: r.ModelName}
			byModel[r.ModelID] = m
		}
		m.Requests++
		m.TokensInput += r.TokensInput
		m.TokensOutput += r.TokensOutput
		if !r.Success {
			m.Failures++
		}

		day := r.CreatedAt.UTC().Format("2006-01-02")
		d, ok := byDay[day]
		if !ok {
			d = &usagelogdomain.DayStat{Day: day}
			byDay[day] = d
		}
		d.Requests++
		d.TokensInput += r.TokensInput
		d.TokensOutput += r.TokensOutput
	}

	for _, m := range byModel {
		stats.ByModel = append(stats.ByModel, *m)
	}
	sort.Slice(stats.ByModel, func(i, j int) bool {
		return stats.ByModel[i].Requests > stats.ByModel[j].Requests
	})
	for _, d := range byDay {
		stats.ByDay = append(stats.ByDay, *d)
	}
	sort.Slice(stats.ByDay, func(i, j int) bool {
		return stats.ByDay[i].Day < stats.ByDay[j].Day
	})

	if len(records) > recentLimit {
		records = records[:recentLimit]
	}
	stats.Recent = records
	return stats, nil
}
