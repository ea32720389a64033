package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/kaspi_backend/appctx"
)

var (
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyRunKey        = appctx.ContextKeyRunKey
)

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func GetRunKeyFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyRunKey)
}

func SetRunKeyInContext(ctx context.Context, runKey string) context.Context {
	return appctx.Set(ctx, ContextKeyRunKey, runKey)
}
