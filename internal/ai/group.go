package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

var errEmptyAnswer = errors.New("model returned an empty answer")

// NamedGenerator labels a generator for logs.
type NamedGenerator struct {
	Name      string
	Generator IGenerator
}

// FallbackGenerator asks each generator in turn until one produces text.
type FallbackGenerator struct {
	chain []NamedGenerator
}

// NewFallbackGenerator returns nil when chain holds no usable generator, so
// callers can treat "no title models" as "titles disabled".
func NewFallbackGenerator(chain []NamedGenerator) *FallbackGenerator {
	usable := make([]NamedGenerator, 0, len(chain))
	for _, item := range chain {
		if item.Generator != nil {
			usable = append(usable, item)
		}
	}
	if len(usable) == 0 {
		return nil
	}
	return &FallbackGenerator{chain: usable}
}

func (f *FallbackGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	var errs []error
	for _, item := range f.chain {
		text, err := item.Generator.Generate(ctx, prompt)
		if err == nil && text != "" {
			return text, nil
		}
		if err == nil {
			err = errEmptyAnswer
		}
		errs = append(errs, fmt.Errorf("%s: %w", item.Name, err))
		logutil.GetLogger(ctx).Debug("fallback generator attempt failed", zap.String("name", item.Name), zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	return "", errors.Join(errs...)
}
