package dynastream

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// These 'Services' are just shims to allow for easier testing. They also give
// us an idea of the minimum functionality we're using from our APIs.

type StreamsService interface {
	DescribeStreamWithContext(aws.Context, *dynamodbstreams.DescribeStreamInput, ...request.Option) (*dynamodbstreams.DescribeStreamOutput, error)
	GetShardIteratorWithContext(aws.Context, *dynamodbstreams.GetShardIteratorInput, ...request.Option) (*dynamodbstreams.GetShardIteratorOutput, error)
	GetRecordsWithContext(aws.Context, *dynamodbstreams.GetRecordsInput, ...request.Option) (*dynamodbstreams.GetRecordsOutput, error)
	ListStreamsWithContext(aws.Context, *dynamodbstreams.ListStreamsInput, ...request.Option) (*dynamodbstreams.ListStreamsOutput, error)
}

type S3UploaderService interface {
	Upload(input *s3manager.UploadInput, options ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error)
}

// NewStreamsService returns the real AWS-backed service for a region.
func NewStreamsService(c client.ConfigProvider, region string) StreamsService {
	return dynamodbstreams.New(c, aws.NewConfig().WithRegion(region))
}

// LookupStreamArn finds the stream for a table. A table can briefly carry
// more than one stream while streaming is being re-enabled; the one with the
// most recent label wins.
func LookupStreamArn(ctx context.Context, svc StreamsService, tableName string) (arn string, err error) {
	var latestLabel string
	var exclusiveStart *string

	for {
		resp, err := svc.ListStreamsWithContext(ctx, &dynamodbstreams.ListStreamsInput{
			TableName:               aws.String(tableName),
			ExclusiveStartStreamArn: exclusiveStart,
		})
		if err != nil {
			return "", err
		}

		for _, s := range resp.Streams {
			label := aws.StringValue(s.StreamLabel)
			if arn == "" || label > latestLabel {
				arn = aws.StringValue(s.StreamArn)
				latestLabel = label
			}
		}

		if resp.LastEvaluatedStreamArn == nil {
			break
		}
		exclusiveStart = resp.LastEvaluatedStreamArn
	}

	if arn == "" {
		return "", fmt.Errorf("no stream found for table %q: %w", tableName, ErrStreamNotFound)
	}
	return arn, nil
}

// ListShards returns the stream's full shard listing, following pagination.
// The returned order is the source's order, which the shard tree relies on
// for stable presentation.
func ListShards(ctx context.Context, svc StreamsService, streamArn string) ([]*dynamodbstreams.Shard, error) {
	var shards []*dynamodbstreams.Shard
	var exclusiveStart *string

	for {
		resp, err := svc.DescribeStreamWithContext(ctx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             aws.String(streamArn),
			ExclusiveStartShardId: exclusiveStart,
		})
		if err != nil {
			if isResourceNotFound(err) {
				return nil, fmt.Errorf("stream %q: %w", streamArn, ErrStreamNotFound)
			}
			return nil, err
		}

		desc := resp.StreamDescription
		if desc == nil {
			return nil, fmt.Errorf("empty stream description for %q", streamArn)
		}
		shards = append(shards, desc.Shards...)

		if desc.LastEvaluatedShardId == nil {
			break
		}
		exclusiveStart = desc.LastEvaluatedShardId
	}
	return shards, nil
}
