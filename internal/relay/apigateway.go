package relay

import (
	"context"
	"errors"
	"fmt"

	lambdaevents "github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
	"github.com/aws/aws-xray-sdk-go/instrumentation/awsv2"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// ManagementAPI is the subset of the API Gateway management client used to
// push messages to WebSocket connections.
type ManagementAPI interface {
	PostToConnection(ctx context.Context, params *apigatewaymanagementapi.PostToConnectionInput, optFns ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error)
}

// APIGatewaySender delivers messages through an API Gateway WebSocket stage.
type APIGatewaySender struct {
	api ManagementAPI
}

// NewAPIGatewaySender builds a sender for the stage callback endpoint,
// e.g. https://{api-id}.execute-api.{region}.amazonaws.com/{stage}.
func NewAPIGatewaySender(ctx context.Context, endpoint string) (*APIGatewaySender, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	awsv2.AWSV2Instrumentor(&cfg.APIOptions)

	client := apigatewaymanagementapi.NewFromConfig(cfg, func(o *apigatewaymanagementapi.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
	return NewAPIGatewaySenderWithClient(client), nil
}

func NewAPIGatewaySenderWithClient(api ManagementAPI) *APIGatewaySender {
	return &APIGatewaySender{api: api}
}

func (s *APIGatewaySender) Send(ctx context.Context, connectionID string, data []byte) error {
	_, err := s.api.PostToConnection(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(connectionID),
		Data:         data,
	})
	if err == nil {
		return nil
	}
	var gone *types.GoneException
	if errors.As(err, &gone) {
		return fmt.Errorf("%w: %s", ErrGone, connectionID)
	}
	// Some endpoints return the code without a modeled shape.
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "GoneException" {
		return fmt.Errorf("%w: %s", ErrGone, connectionID)
	}
	return fmt.Errorf("post to connection %s: %w", connectionID, err)
}

// LambdaHandler adapts the router to API Gateway WebSocket route events.
// Every route answers 200 so API Gateway keeps the connection open.
func (r *Router) LambdaHandler() func(context.Context, lambdaevents.APIGatewayWebsocketProxyRequest) (lambdaevents.APIGatewayProxyResponse, error) {
	return func(ctx context.Context, req lambdaevents.APIGatewayWebsocketProxyRequest) (lambdaevents.APIGatewayProxyResponse, error) {
		id := req.RequestContext.ConnectionID
		ok := lambdaevents.APIGatewayProxyResponse{StatusCode: 200}

		switch req.RequestContext.RouteKey {
		case "$connect":
			r.Connect(ctx, id)
		case "$disconnect":
			if err := r.Disconnect(ctx, id); err != nil {
				r.log.Warn("disconnect cleanup failed", zap.String("connection_id", id), zap.Error(err))
			}
		default:
			if err := r.Handle(ctx, id, []byte(req.Body)); err != nil {
				r.log.Warn("message rejected", zap.String("connection_id", id), zap.Error(err))
				return lambdaevents.APIGatewayProxyResponse{StatusCode: 400}, nil
			}
		}
		return ok, nil
	}
}
