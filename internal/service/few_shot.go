package service

import (
	"context"
	"strings"
	"time"

	"github.com/xxxsen/mpractice/internal/model"
	appErr "github.com/xxxsen/mpractice/internal/pkg/errors"
)

const maxFewShotRunes = 8000

type FewShotService struct {
	store IFewShotStore
	now   func() time.Time
}

func NewFewShotService(store IFewShotStore) *FewShotService {
	return &FewShotService{store: store, now: time.Now}
}

func (s *FewShotService) Create(ctx context.Context, ownerID, input, output string) (*model.FewShotExample, error) {
	input = strings.TrimSpace(input)
	output = strings.TrimSpace(output)
	if input == "" {
		return nil, appErr.NewValidation("input", "must not be empty")
	}
	if output == "" {
		return nil, appErr.NewValidation("output", "must not be empty")
	}
	if len([]rune(input)) > maxFewShotRunes || len([]rune(output)) > maxFewShotRunes {
		return nil, appErr.NewValidation("input", "example longer than %d characters", maxFewShotRunes)
	}
	ex := &model.FewShotExample{
		ID:      newID(),
		OwnerID: ownerID,
		Input:   input,
		Output:  output,
		Ctime:   s.now().Unix(),
	}
	if err := s.store.Create(ctx, ex); err != nil {
		return nil, err
	}
	return ex, nil
}
