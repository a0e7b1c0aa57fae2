// Package mocks holds hand-rolled testify mocks for pgx interfaces that are
// too narrow to bother generating with mockery.
package mocks

import "github.com/stretchr/testify/mock"

// MockRow implements pgx.Row for unit tests driving a single Scan call.
type MockRow struct {
	mock.Mock
}

// Scan records the call and returns the configured error.
func (m *MockRow) Scan(dest ...any) error {
	args := m.Called(dest)
	return args.Error(0)
}
