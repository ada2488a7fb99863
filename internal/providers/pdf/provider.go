package pdf

import (
	"context"
	"io"
)

// Provider renders account credit statements.
type Provider interface {
	GenerateStatement(ctx context.Context, data StatementData) (io.Reader, error)
}

type NoOpProvider struct{}

func (p *NoOpProvider) GenerateStatement(ctx context.Context, data StatementData) (io.Reader, error) {
	return nil, nil
}
