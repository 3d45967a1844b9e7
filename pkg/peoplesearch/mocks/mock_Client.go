// Package mocks provides test doubles for the peoplesearch client.
package mocks

import (
	"context"

	mock "github.com/stretchr/testify/mock"

	peoplesearch "github.com/sells-group/icp-miner/pkg/peoplesearch"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// SearchPage provides a mock function with given fields: ctx, req
func (_m *MockClient) SearchPage(ctx context.Context, req peoplesearch.PageRequest) (*peoplesearch.PageResponse, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for SearchPage")
	}

	var r0 *peoplesearch.PageResponse
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, peoplesearch.PageRequest) (*peoplesearch.PageResponse, error)); ok {
		return rf(ctx, req)
	}
	if rf, ok := ret.Get(0).(func(context.Context, peoplesearch.PageRequest) *peoplesearch.PageResponse); ok {
		r0 = rf(ctx, req)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).(*peoplesearch.PageResponse)
	}

	if rf, ok := ret.Get(1).(func(context.Context, peoplesearch.PageRequest) error); ok {
		r1 = rf(ctx, req)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockClient creates a new instance of MockClient. It registers a cleanup
// function to assert the mocks expectations.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	m := &MockClient{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
