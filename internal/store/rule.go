package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/forgeline/director/internal/store/model"
	"gorm.io/gorm"
)

// Rule holds the versioned configuration records read at the start of each supervisor cycle:
// enforcement rules and stage prompt templates. Records are never updated in place; a change
// is a new version.
type Rule interface {
	InitialMigration(ctx context.Context) error
	CreateRule(ctx context.Context, rule model.EnforcementRule) (*model.EnforcementRule, error)
	ListRules(ctx context.Context, latestOnly bool) ([]model.EnforcementRule, error)
	CreatePrompt(ctx context.Context, prompt model.StagePrompt) (*model.StagePrompt, error)
	LatestPrompts(ctx context.Context) (map[string]model.StagePrompt, error)
}

type RuleStore struct {
	db *gorm.DB
}

// Make sure we conform to Rule interface
var _ Rule = (*RuleStore)(nil)

func NewRuleStore(db *gorm.DB) Rule {
	return &RuleStore{db: db}
}

func (s *RuleStore) InitialMigration(ctx context.Context) error {
	return s.getDB(ctx).AutoMigrate(&model.EnforcementRule{}, &model.StagePrompt{})
}

// CreateRule stores rule as the next version of its name.
func (s *RuleStore) CreateRule(ctx context.Context, rule model.EnforcementRule) (*model.EnforcementRule, error) {
	rule.ID = 0
	err := s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		var current int
		if err := tx.Model(&model.EnforcementRule{}).
			Select("COALESCE(MAX(version), 0)").
			Where("name = ?", rule.Name).
			Scan(&current).Error; err != nil {
			return err
		}
		rule.Version = current + 1
		return tx.Create(&rule).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("inserting enforcement rule: %w", err)
	}
	return &rule, nil
}

func (s *RuleStore) ListRules(ctx context.Context, latestOnly bool) ([]model.EnforcementRule, error) {
	var rules []model.EnforcementRule
	tx := s.getDB(ctx).Model(&model.EnforcementRule{}).Order("name, version")
	if latestOnly {
		tx = tx.Where("version = (SELECT MAX(r.version) FROM enforcement_rules r WHERE r.name = enforcement_rules.name)")
	}
	if err := tx.Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("listing enforcement rules: %w", err)
	}
	return rules, nil
}

// CreatePrompt stores prompt as the next version for its stage.
func (s *RuleStore) CreatePrompt(ctx context.Context, prompt model.StagePrompt) (*model.StagePrompt, error) {
	prompt.ID = 0
	err := s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		var current int
		if err := tx.Model(&model.StagePrompt{}).
			Select("COALESCE(MAX(version), 0)").
			Where("stage = ?", prompt.Stage).
			Scan(&current).Error; err != nil {
			return err
		}
		prompt.Version = current + 1
		return tx.Create(&prompt).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("inserting stage prompt: %w", err)
	}
	return &prompt, nil
}

func (s *RuleStore) LatestPrompts(ctx context.Context) (map[string]model.StagePrompt, error) {
	var prompts []model.StagePrompt
	if err := s.getDB(ctx).
		Where("version = (SELECT MAX(p.version) FROM stage_prompts p WHERE p.stage = stage_prompts.stage)").
		Find(&prompts).Error; err != nil {
		return nil, fmt.Errorf("listing stage prompts: %w", err)
	}

	latest := make(map[string]model.StagePrompt, len(prompts))
	for _, p := range prompts {
		latest[p.Stage] = p
	}
	return latest, nil
}

func (s *RuleStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db.WithContext(ctx)
}
