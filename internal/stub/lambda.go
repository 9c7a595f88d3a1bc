package stub

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-lambda-go/lambdacontext"

	"lambda-live-bridge/internal/models"
)

// HandleLambda adapts the stub to lambda.Start.
func (s *Stub) HandleLambda(ctx context.Context, event json.RawMessage) (json.RawMessage, error) {
	return s.Invoke(ctx, s.opts.FunctionID, event, MetadataFromContext(ctx))
}

// MetadataFromContext collects the platform context of the running invocation.
func MetadataFromContext(ctx context.Context) models.ExecutionMetadata {
	meta := models.ExecutionMetadata{
		FunctionName:    lambdacontext.FunctionName,
		FunctionVersion: lambdacontext.FunctionVersion,
		MemoryLimitMB:   lambdacontext.MemoryLimitInMB,
		LogGroupName:    lambdacontext.LogGroupName,
		LogStreamName:   lambdacontext.LogStreamName,
	}
	if traceID, ok := ctx.Value("x-amzn-trace-id").(string); ok {
		meta.TraceID = traceID
	}

	lc, ok := lambdacontext.FromContext(ctx)
	if !ok {
		return meta
	}
	meta.AwsRequestID = lc.AwsRequestID
	meta.InvokedFunctionArn = lc.InvokedFunctionArn
	meta.CognitoIdentityID = lc.Identity.CognitoIdentityID
	meta.CognitoPoolID = lc.Identity.CognitoIdentityPoolID
	if lc.ClientContext.Client.AppTitle != "" || len(lc.ClientContext.Custom) > 0 || len(lc.ClientContext.Env) > 0 {
		if raw, err := json.Marshal(lc.ClientContext); err == nil {
			meta.ClientContext = raw
		}
	}
	return meta
}
