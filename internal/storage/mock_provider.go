package storage

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/KennyJian/red-book/internal/harvest"
)

// MockRecordStore is a testify mock of harvest.RecordStore.
type MockRecordStore struct {
	mock.Mock
}

// Get is the mock implementation of the Get method.
func (m *MockRecordStore) Get(ctx context.Context, userID string) (harvest.AuthorRecord, bool, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(harvest.AuthorRecord), args.Bool(1), args.Error(2) //nolint:wrapcheck
}

// Put is the mock implementation of the Put method.
func (m *MockRecordStore) Put(ctx context.Context, record harvest.AuthorRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0) //nolint:wrapcheck
}

// List is the mock implementation of the List method.
func (m *MockRecordStore) List(ctx context.Context) ([]harvest.AuthorRecord, error) {
	args := m.Called(ctx)
	records, _ := args.Get(0).([]harvest.AuthorRecord)
	return records, args.Error(1) //nolint:wrapcheck
}

// Count is the mock implementation of the Count method.
func (m *MockRecordStore) Count(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1) //nolint:wrapcheck
}
