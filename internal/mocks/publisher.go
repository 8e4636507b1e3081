package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"dm-service/internal/feed"
)

// PublisherMock stands in for the RabbitMQ audit publisher.
type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

// FeedPublisherMock stands in for a change feed broker.
type FeedPublisherMock struct {
	mock.Mock
}

func (m *FeedPublisherMock) Publish(ctx context.Context, ev feed.Event) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}
