package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// SNS caps subjects at 100 characters
const maxSubjectLength = 100

// Notify publishes a deployment notification to topicARN. An empty
// subject falls back to DefaultNotifySubject.
func Notify(ctx context.Context, client SNSAPI, topicARN, subject, message string) (string, error) {
	if topicARN == "" {
		return "", errors.New("no notification topic")
	}
	if subject == "" {
		subject = DefaultNotifySubject
	}
	if len(subject) > maxSubjectLength {
		subject = subject[:maxSubjectLength]
	}

	out, err := client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
	})
	if err != nil {
		return "", fmt.Errorf("publishing to %s: %w", topicARN, err)
	}
	id := aws.ToString(out.MessageId)
	slog.Info("notification sent", "topic_arn", topicARN, "message_id", id)
	return id, nil
}
