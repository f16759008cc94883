package main

import (
	"context"
	"log"
	"os"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"revledger/pkg/config"
	"revledger/pkg/db"
	"revledger/pkg/hashistack/secretmanager"
	"revledger/pkg/logger"
	"revledger/services/investment"
)

// Fixtures is the layout of the seed file.
type Fixtures struct {
	Users []struct {
		ID      string `yaml:"id"`
		Balance string `yaml:"balance"`
	} `yaml:"users"`
	Videos []struct {
		ID        string `yaml:"id"`
		CreatorID string `yaml:"creatorId"`
		Status    string `yaml:"status"`
	} `yaml:"videos"`
}

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		db.Module,
		fx.Invoke(run),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)
	if err := app.Start(context.Background()); err != nil {
		log.Fatalf("seed failed: %v", err)
	}
	_ = app.Stop(context.Background())
}

func run(database *gorm.DB) error {
	path := os.Getenv("SEED_FILE")
	if path == "" {
		path = "seed.yaml"
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		zap.L().Error("failed to read seed file", zap.String("path", path), zap.Error(err))
		return err
	}

	var fixtures Fixtures
	if err := yaml.Unmarshal(raw, &fixtures); err != nil {
		return err
	}

	if err := investment.Migrate(database); err != nil {
		return err
	}

	return database.Transaction(func(tx *gorm.DB) error {
		for _, u := range fixtures.Users {
			balance, err := decimal.NewFromString(u.Balance)
			if err != nil {
				return err
			}
			user := investment.User{ID: u.ID, Balance: balance}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"balance"}),
			}).Create(&user).Error; err != nil {
				return err
			}
		}

		for _, v := range fixtures.Videos {
			status := v.Status
			if status == "" {
				status = investment.VideoActive
			}
			video := investment.Video{ID: v.ID, CreatorID: v.CreatorID, Status: status}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"creator_id", "status"}),
			}).Create(&video).Error; err != nil {
				return err
			}
		}

		zap.L().Info("seed applied", zap.Int("users", len(fixtures.Users)), zap.Int("videos", len(fixtures.Videos)))
		return nil
	})
}
