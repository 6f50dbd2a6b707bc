// Package bedrock implements ai.Adapter for Amazon Bedrock's ConverseStream
// API.
//
// Authentication is handled by the AWS SDK v2 credential chain, not by the
// token handed to Stream (which this adapter ignores):
//  1. AWS_ACCESS_KEY_ID + AWS_SECRET_ACCESS_KEY (+ optional AWS_SESSION_TOKEN)
//  2. AWS_PROFILE — named profile from ~/.aws/credentials
//  3. ~/.aws/credentials default profile
//  4. IAM instance roles / ECS task roles / IRSA
package bedrock

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/parley-chat/parley/pkg/ai"
)

// Adapter is the Amazon Bedrock streaming adapter.
type Adapter struct {
	Region  string
	Profile string
}

func New(region, profile string) *Adapter {
	return &Adapter{Region: region, Profile: profile}
}

func (a *Adapter) Name() string { return "bedrock" }

func (a *Adapter) Stream(
	ctx context.Context,
	llmCtx ai.Context,
	cfg ai.ProviderConfig,
	_ string, // credential chain, not bearer token
) (<-chan ai.Delta, func() (*ai.Completion, error)) {
	deltas := make(chan ai.Delta, 64)
	var final *ai.Completion
	var finalErr error
	done := make(chan struct{})

	go func() {
		defer close(deltas)
		defer close(done)
		final, finalErr = a.stream(ctx, llmCtx, cfg, deltas)
	}()

	return deltas, func() (*ai.Completion, error) {
		<-done
		return final, finalErr
	}
}

func (a *Adapter) stream(
	ctx context.Context,
	llmCtx ai.Context,
	cfg ai.ProviderConfig,
	deltas chan<- ai.Delta,
) (*ai.Completion, error) {
	client, err := a.newClient(ctx)
	if err != nil {
		return nil, ai.Classify(fmt.Errorf("bedrock: build client: %w", err))
	}

	resp, err := client.ConverseStream(ctx, buildInput(llmCtx, cfg))
	if err != nil {
		return nil, ai.Classify(fmt.Errorf("bedrock: ConverseStream: %w", err))
	}

	comp := &ai.Completion{Role: ai.RoleAssistant}
	stream := resp.GetStream()
	defer stream.Close()

	for event := range stream.Events() {
		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockDelta:
			if d, ok := ev.Value.Delta.(*types.ContentBlockDeltaMemberText); ok && d.Value != "" {
				comp.Text += d.Value
				select {
				case deltas <- ai.Delta{Text: d.Value}:
				case <-ctx.Done():
					return nil, ai.Classify(ctx.Err())
				}
			}
		case *types.ConverseStreamOutputMemberMessageStop:
			// Converse ends with an explicit stop; the final marker follows
			// once the event loop drains.
			_ = ev
		}
	}

	if err := stream.Err(); err != nil {
		return nil, ai.Classify(fmt.Errorf("bedrock: stream: %w", err))
	}

	deltas <- ai.Delta{Final: true}
	return comp, nil
}

func (a *Adapter) newClient(ctx context.Context) (*bedrockruntime.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if a.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(a.Region))
	}
	if a.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(a.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	return bedrockruntime.NewFromConfig(awsCfg), nil
}

func buildInput(llmCtx ai.Context, cfg ai.ProviderConfig) *bedrockruntime.ConverseStreamInput {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId: aws.String(cfg.Model),
	}

	if llmCtx.SystemPrompt != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: llmCtx.SystemPrompt},
		}
	}

	ic := &types.InferenceConfiguration{}
	if cfg.MaxTokens > 0 {
		v := int32(cfg.MaxTokens)
		ic.MaxTokens = &v
	}
	if cfg.Temperature != nil {
		v := float32(*cfg.Temperature)
		ic.Temperature = &v
	}
	input.InferenceConfig = ic

	input.Messages = convertTurns(llmCtx)
	return input
}

// convertTurns maps turns onto Converse messages. Bedrock rejects empty
// content blocks and system-role conversation messages, so both are
// filtered here.
func convertTurns(llmCtx ai.Context) []types.Message {
	var out []types.Message
	for _, t := range llmCtx.Turns {
		if t.Content == "" || t.Role == ai.RoleSystem {
			continue
		}
		role := types.ConversationRoleUser
		if t.Role == ai.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		out = append(out, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: t.Content}},
		})
	}
	out = append(out, types.Message{
		Role:    types.ConversationRoleUser,
		Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: llmCtx.Prompt}},
	})
	return out
}
