// Package mocks provides testify-based test doubles for pgx interfaces used
// by the postgres adapter package.
package mocks

import "github.com/stretchr/testify/mock"

// MockRow is a testify mock implementing pgx.Row for unit tests that never
// touch a real database.
type MockRow struct {
	mock.Mock
}

// Scan records the call and returns whatever the test configured.
func (m *MockRow) Scan(dest ...any) error {
	args := m.Called(dest)
	return args.Error(0)
}
